package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"segid"
	"segid/internal/issuer"
)

// Issuer is the interface the API server needs from the issuance engine.
type Issuer interface {
	Generate(ctx context.Context, req segid.GenerateRequest) (*segid.GenerateResponse, error)
	Status(ctx context.Context) (*segid.Status, error)
	CleanExpired(ctx context.Context, cutoff string) (int, error)

	ChangeStep(ctx context.Context, businessType, timeKey string, newStep int, preview bool) (*segid.StepChangeReport, error)
	ForceGlobalSync(ctx context.Context, newStep int) (*segid.StepChangeReport, error)
	StepSizes(ctx context.Context) (*segid.StepSizeReport, error)
	CheckConsistency(ctx context.Context, businessType string) (*segid.ConsistencyReport, error)
	CheckGlobalConsistency(ctx context.Context) (*segid.GlobalConsistencyReport, error)

	RecoverTimeoutRefresh() *segid.RecoverReport
	ResolveConflicts(ctx context.Context) (*segid.ConflictReport, error)
	AbandonProxies() segid.AbandonReport
	ProxyStatus() segid.ProxyStatus

	NodeID() string
	Role() segid.Role
}

// ClockProbe reports the local clock phase for the status endpoint.
type ClockProbe interface {
	Phase() string
}

type Server struct {
	issuer Issuer
	probe  ClockProbe
	tracer trace.Tracer
}

func NewServer(issuer Issuer, probe ClockProbe) *Server {
	return &Server{
		issuer: issuer,
		probe:  probe,
		tracer: otel.Tracer("segid/daemon"),
	}
}

// generate wraps issuance in a span so batch latency shows up in traces.
func (s *Server) generate(ctx context.Context, req segid.GenerateRequest) (*segid.GenerateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "id.generate", trace.WithAttributes(
		attribute.String("business_type", req.BusinessType),
		attribute.Int("count", req.Count),
	))
	defer span.End()

	resp, err := s.issuer.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.HandlerFunc(http.MethodPost, "/api/id/generate", s.handleGenerate)
	r.GET("/api/id/generate/:business", s.handleGenerateBatch)
	r.GET("/api/id/single/:business", s.handleGenerateSingle)
	r.HandlerFunc(http.MethodGet, "/api/id/status", s.handleStatus)
	r.HandlerFunc(http.MethodGet, "/api/id/health", s.handleHealth)
	r.DELETE("/api/id/segments/expired/:timeKey", s.handleCleanExpired)

	r.HandlerFunc(http.MethodPost, "/api/id/admin/step-size/change", s.handleStepChange)
	r.HandlerFunc(http.MethodGet, "/api/id/admin/step-size/current", s.handleStepSizes)
	r.HandlerFunc(http.MethodPost, "/api/id/admin/step-size/force-sync", s.handleForceSync)
	r.HandlerFunc(http.MethodGet, "/api/id/admin/step-size/consistency", s.handleConsistency)

	r.HandlerFunc(http.MethodPost, "/api/id/admin/refresh/recover", s.handleRecoverRefresh)
	r.HandlerFunc(http.MethodPost, "/api/id/admin/conflicts/resolve", s.handleResolveConflicts)
	r.HandlerFunc(http.MethodPost, "/api/id/admin/proxy/abandon", s.handleAbandonProxies)
	r.HandlerFunc(http.MethodGet, "/api/id/admin/proxy/status", s.handleProxyStatus)

	return r
}

// ListenAndServe serves the API until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Shut down when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "err", err)
		}
	}()

	slog.Info("api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req segid.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	resp, err := s.generate(r.Context(), req)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	req, err := queryRequest(r, p.ByName("business"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.generate(r.Context(), req)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (s *Server) handleGenerateSingle(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	req, err := queryRequest(r, p.ByName("business"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Count = 1
	resp, err := s.generate(r.Context(), req)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

// queryRequest builds a GenerateRequest from URL query parameters.
func queryRequest(r *http.Request, businessType string) (segid.GenerateRequest, error) {
	q := r.URL.Query()
	req := segid.GenerateRequest{
		BusinessType: businessType,
		TimeKey:      q.Get("time_key"),
	}
	for name, dst := range map[string]*int{
		"count":             &req.Count,
		"shard_db_count":    &req.ShardDBCount,
		"shard_table_count": &req.ShardTableCount,
		"custom_step_size":  &req.CustomStepSize,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return segid.GenerateRequest{}, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = v
	}
	if req.ShardDBCount > 0 {
		req.IncludeRouting = true
	}
	if raw := q.Get("force_shard_type"); raw != "" {
		role, err := segid.ParseRole(raw)
		if err != nil {
			return segid.GenerateRequest{}, fmt.Errorf("invalid force_shard_type %q", raw)
		}
		req.ForceRole = &role
	}
	return req, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.issuer.Status(r.Context())
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	if s.probe != nil {
		status.ClockPhase = s.probe.Phase()
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: status})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"status":  "ok",
		"node_id": s.issuer.NodeID(),
		"role":    s.issuer.Role().String(),
	}})
}

func (s *Server) handleCleanExpired(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	deleted, err := s.issuer.CleanExpired(r.Context(), p.ByName("timeKey"))
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]int{"deleted": deleted}})
}

type stepChangeRequest struct {
	BusinessType string `json:"business_type"`
	TimeKey      string `json:"time_key,omitempty"`
	NewStep      int    `json:"new_step_size"`
	Preview      bool   `json:"preview,omitempty"`
}

func (s *Server) handleStepChange(w http.ResponseWriter, r *http.Request) {
	var req stepChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	report, err := s.issuer.ChangeStep(r.Context(), req.BusinessType, req.TimeKey, req.NewStep, req.Preview)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

func (s *Server) handleStepSizes(w http.ResponseWriter, r *http.Request) {
	report, err := s.issuer.StepSizes(r.Context())
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

type forceSyncRequest struct {
	NewStep int `json:"new_step_size"`
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	var req forceSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	report, err := s.issuer.ForceGlobalSync(r.Context(), req.NewStep)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	business := r.URL.Query().Get("business_type")
	if business == "" {
		report, err := s.issuer.CheckGlobalConsistency(r.Context())
		if err != nil {
			writeIssuerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
		return
	}
	report, err := s.issuer.CheckConsistency(r.Context(), business)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

func (s *Server) handleRecoverRefresh(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.issuer.RecoverTimeoutRefresh()})
}

func (s *Server) handleResolveConflicts(w http.ResponseWriter, r *http.Request) {
	report, err := s.issuer.ResolveConflicts(r.Context())
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

func (s *Server) handleAbandonProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.issuer.AbandonProxies()})
}

func (s *Server) handleProxyStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.issuer.ProxyStatus()})
}

func writeIssuerError(w http.ResponseWriter, err error) {
	if errors.Is(err, issuer.ErrValidation) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "err", err)
	}
}
