package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"volarbiter/internal/config"
	"volarbiter/internal/obs"
	"volarbiter/pkg/arbiterclient"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	for _, k := range []string{"ARBITER_POSTGRES_DSN", "ARBITER_JWT_SECRET", "REDIS_HOST", "REDIS_PORT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestDaemonMirrorsDecisionsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, fmt.Sprintf(`
[storage]
driver = "memory"

[redis]
enabled = true
addr = %q

[[volumes]]
name = "shared-data"
`, mr.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := build(ctx, cfg, obs.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer d.close()

	var wg sync.WaitGroup
	d.start(ctx, &wg)
	defer wg.Wait()
	defer cancel()

	srv := httptest.NewServer(d.handler)
	defer srv.Close()

	// The relay must be subscribed before the first decision.
	deadline := time.Now().Add(2 * time.Second)
	for d.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := arbiterclient.New(srv.URL, nil)
	if _, err := c.AcquireWithRetry(ctx, "shared-data", arbiterclient.RoleProducer, arbiterclient.AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	for {
		if mr.Exists("volume_status:shared-data") && mr.HGet("volume_status:shared-data", "holder") == "producer" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("redis status never updated: %v", mr.Keys())
		}
		time.Sleep(5 * time.Millisecond)
	}

	rsp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", rsp.StatusCode)
	}
}

func TestDaemonRestoresStateAndHoldsLock(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`
[storage]
driver = "sqlite"
path = %q
`, filepath.Join(dir, "arbiter.db")))

	ctx := context.Background()
	d, err := build(ctx, cfg, obs.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if _, err := build(ctx, cfg, obs.NewNop()); err == nil || !strings.Contains(err.Error(), "another arbiterd") {
		t.Fatalf("second daemon on the same db: err = %v", err)
	}

	srv := httptest.NewServer(d.handler)
	c := arbiterclient.New(srv.URL, nil)
	if _, err := c.Transfer(ctx, "shared-data", "producer", "consumer"); !arbiterclient.IsReason(err, arbiterclient.ReasonNotHolder) {
		t.Fatalf("transfer from unclaimed: %v", err)
	}
	if _, _, err := c.AcquireOnce(ctx, "shared-data", arbiterclient.RoleConsumer); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.Close()
	d.close()

	d, err = build(ctx, cfg, obs.NewNop())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer d.close()
	a, err := d.registry.Get("shared-data")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if got := a.Status().String(); got != "HeldBy(consumer)" {
		t.Fatalf("restored state = %q", got)
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cfg := loadConfig(t, `
[logging]
level = "info"
`)
	dir := t.TempDir()
	cmd := ServeCmd{Addr: "127.0.0.1:0", DB: filepath.Join(dir, "x.db"), LogLevel: "debug"}
	if err := cmd.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:0" || cfg.Logging.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg.Server)
	}
	if cfg.Storage.LockFile != filepath.Join(dir, "x.db")+".lock" {
		t.Fatalf("lock file = %q", cfg.Storage.LockFile)
	}

	if err := (ServeCmd{Driver: "etcd"}).apply(cfg); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestServeDriverFlagSelectsSQLiteOverMemoryConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`
[storage]
driver = "memory"
path = %q
`, filepath.Join(dir, "arbiter.db")))
	if cfg.Storage.LockFile != "" {
		t.Fatalf("memory config got a lock file: %q", cfg.Storage.LockFile)
	}

	if err := (ServeCmd{Driver: "sqlite"}).apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Storage.LockFile != filepath.Join(dir, "arbiter.db")+".lock" {
		t.Fatalf("lock file = %q", cfg.Storage.LockFile)
	}

	d, err := build(context.Background(), cfg, obs.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer d.close()
	if d.store == nil || d.lock == nil {
		t.Fatalf("sqlite store not opened: store=%v lock=%v", d.store, d.lock)
	}
}
