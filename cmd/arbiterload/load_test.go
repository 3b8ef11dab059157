package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"volarbiter/internal/api"
	"volarbiter/internal/model"
	"volarbiter/pkg/arbiterclient"
)

func newServer(t *testing.T, ttl time.Duration) (*httptest.Server, *model.Registry) {
	t.Helper()
	a, err := model.NewArbiter(context.Background(), "shared-data", nil, model.Options{LeaseTTL: ttl})
	if err != nil {
		t.Fatalf("arbiter: %v", err)
	}
	reg, err := model.NewRegistry(a)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(reg, api.Options{}).Handler())
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestLoadNeverOverlapsWithoutStalls(t *testing.T) {
	srv, _ := newServer(t, 0)

	r := runLoad(context.Background(), arbiterclient.New(srv.URL, nil), loadOptions{
		Volume:   "shared-data",
		PerRole:  4,
		Duration: 600 * time.Millisecond,
		Hold:     2 * time.Millisecond,
		Jitter:   2 * time.Millisecond,
		Transfer: 0.5,
	})

	if !r.Safe() {
		t.Fatalf("volume attached twice: %+v", r)
	}
	if r.AcquireOK == 0 || r.WritesOK == 0 {
		t.Fatalf("no progress: %+v", r)
	}
	if r.StaleRejected != 0 {
		t.Fatalf("stale writes without lease expiry: %+v", r)
	}
	if r.Errors != 0 {
		t.Fatalf("unexpected errors: %+v", r)
	}
	var buf bytes.Buffer
	printReport(&buf, "shared-data", r)
	if !strings.Contains(buf.String(), "SAFE") || !strings.Contains(buf.String(), "acquire_success") {
		t.Fatalf("report = %s", buf.String())
	}
}

func TestLoadHeartbeatKeepsLongHolds(t *testing.T) {
	srv, reg := newServer(t, 150*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon := model.NewExpirationMonitor(reg, nil, nil, 10*time.Millisecond)
	go mon.Run(ctx)

	r := runLoad(ctx, arbiterclient.New(srv.URL, nil), loadOptions{
		Volume:    "shared-data",
		PerRole:   1,
		Duration:  700 * time.Millisecond,
		Hold:      300 * time.Millisecond,
		Heartbeat: 40 * time.Millisecond,
	})
	if !r.Safe() || r.GrantsLost != 0 {
		t.Fatalf("heartbeat did not keep the grant: %+v", r)
	}
	if r.Releases == 0 {
		t.Fatalf("no hold completed: %+v", r)
	}
}
