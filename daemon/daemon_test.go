package daemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"segid/config"
	"segid/daemon"
)

func TestRunStartsAndStopsCleanly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := "role: odd\n" +
		"node_name: run-test-odd\n" +
		"listen: 127.0.0.1:0\n" +
		"db_path: " + filepath.Join(dir, "segid.db") + "\n" +
		"heartbeat_interval_ms: 1000\n" +
		"stale_after_ms: 3000\n"
	path := filepath.Join(dir, "segid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx, cfg) }()

	// Give the components time to come up, then stop them.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not shut down")
	}
}
