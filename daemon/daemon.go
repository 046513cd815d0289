// Package daemon wires the issuance engine, node registry and HTTP API
// into one process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"segid"
	"segid/config"
	"segid/internal/adapter/sqlite"
	"segid/internal/issuer"
	"segid/internal/registry"
	"segid/internal/signal/ntp"
	"segid/internal/telemetry"
)

// shutdownTimeout bounds every shutdown-path store or network call.
const shutdownTimeout = 10 * time.Second

// ntpProbe adapts the NTP checker to the status endpoint.
type ntpProbe struct {
	checker *ntp.Checker
}

func (p ntpProbe) Phase() string {
	return p.checker.Status().Phase.String()
}

// Run starts the daemon and blocks until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, cfg *config.Config) error {
	role, err := cfg.ParsedRole()
	if err != nil {
		return err
	}
	clock := segid.RealClock{}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "segid", cfg.NodeName)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Error("telemetry shutdown", "err", err)
			}
		}()
	}

	store, err := sqlite.Open(cfg.DBPath, clock)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store, clock, cfg.NodeName, role, cfg.HeartbeatInterval(), cfg.StaleAfter())
	engine := issuer.New(store, reg, clock, issuer.Config{
		NodeID:           cfg.NodeName,
		Role:             role,
		DefaultStep:      cfg.DefaultStepSize,
		RefreshThreshold: cfg.RefreshThreshold,
		RefreshTimeout:   cfg.RefreshTimeout(),
		PrefetchDeadline: cfg.PrefetchDeadline(),
	})

	if err := reg.Register(ctx); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	defer deregister(reg)

	var probe ClockProbe
	checker := ntp.NewChecker(clock)
	if cfg.NTPCheck {
		probe = ntpProbe{checker: checker}
	}
	srv := NewServer(engine, probe)

	slog.Info("daemon starting", "node", cfg.NodeName, "role", role, "listen", cfg.Listen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(ctx) })
	g.Go(func() error { return engine.RunFailover(ctx, cfg.FailoverScanInterval()) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Listen) })
	if cfg.NTPCheck {
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// deregister runs on a fresh context; the run context is already
// cancelled by the time shutdown reaches it.
func deregister(reg *registry.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.Deregister(ctx); err != nil {
		slog.Error("deregister node", "err", err)
	} else {
		slog.Info("node deregistered")
	}
}
