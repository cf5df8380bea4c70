package daemon

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/mediate/internal/api"
	"github.com/matheus3301/mediate/internal/config"
	"github.com/matheus3301/mediate/internal/lock"
	"github.com/matheus3301/mediate/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func testParams(t *testing.T) Params {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Log.Level = "error"
	cfg.Interception.Mode = "always"
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	return Params{Config: cfg, Addr: "127.0.0.1:0"}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t)

	var (
		srv     *Server
		machine *status.Machine
	)
	app := fx.New(Module(p), fx.NopLogger, fx.Populate(&srv, &machine))
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := machine.Current(); got != status.Ready {
		t.Fatalf("state = %s, want READY", got)
	}

	base := "http://" + srv.Addr()
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/messages", strings.NewReader(`{"counterpartId":"p1","body":"hi"}`))
	req.Header.Set("X-User-ID", "c1")
	req.Header.Set("X-User-Role", "client")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST /messages = %d", resp.StatusCode)
	}

	// The data directory stays locked while the daemon runs.
	_, err = lock.Acquire(p.Config.DataDir, "mediatectl migrate")
	var held *lock.HeldError
	if !errors.As(err, &held) || held.Owner != LockOwner {
		t.Fatalf("Acquire() while running = %v, want HeldError owned by %s", err, LockOwner)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := machine.Current(); got != status.Stopped {
		t.Errorf("state = %s, want STOPPED", got)
	}
	l, err := lock.Acquire(p.Config.DataDir, "test")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = l.Release()
}

func TestStartupFailsWhenLocked(t *testing.T) {
	p := testParams(t)
	l, err := lock.Acquire(p.Config.DataDir, "mediatectl resolve")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	var srv *Server
	app := fx.New(Module(p), fx.NopLogger, fx.Populate(&srv))
	if err := app.Err(); err == nil {
		t.Fatal("fx.New() should fail while the data directory is locked")
	}
}

func TestProvideMailer(t *testing.T) {
	p := testParams(t)
	if _, err := provideMailer(p, zap.NewNop()); err != nil {
		t.Errorf("log mailer: %v", err)
	}
	p.Config.Email.Mode = "pigeon"
	if _, err := provideMailer(p, zap.NewNop()); err == nil {
		t.Error("unknown mode should fail")
	}
}

// TestNewServerBindsOverride verifies the listener honors Params.Addr over the
// configured address.
func TestNewServerBindsOverride(t *testing.T) {
	p := testParams(t)
	p.Config.HTTP.Addr = "256.0.0.1:1"
	srv, err := NewServer(p, zap.NewNop(), api.NewServer(api.Deps{}))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer func() { _ = srv.Stop(context.Background()) }()
	if !strings.HasPrefix(srv.Addr(), "127.0.0.1:") {
		t.Errorf("addr = %s", srv.Addr())
	}
}
