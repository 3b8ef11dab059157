package model_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"volarbiter/internal/model"
)

// attachedVolume stands in for a ReadWriteOnce volume: it records every time
// two roles are mounted at once and fences writes by token.
type attachedVolume struct {
	mu          sync.Mutex
	attached    model.Role
	multiAttach int64
	lastToken   int64
	accepted    int64
	rejected    int64
}

func (v *attachedVolume) Attach(r model.Role) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.attached != "" && v.attached != r {
		v.multiAttach++
	}
	v.attached = r
}

func (v *attachedVolume) Detach(r model.Role) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.attached == r {
		v.attached = ""
	}
}

func (v *attachedVolume) TryWrite(token int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if token < v.lastToken {
		v.rejected++
		return false
	}
	v.lastToken = token
	v.accepted++
	return true
}

func (v *attachedVolume) Stats() (multi, accepted, rejected, last int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.multiAttach, v.accepted, v.rejected, v.lastToken
}

func TestVolumeNeverMultiAttachedUnderContention(t *testing.T) {
	a := newArbiter(t, openSQLite(t), model.Options{})

	const workersPerRole = 8
	testDur := 1500 * time.Millisecond

	vol := &attachedVolume{}
	var (
		acquireOK, acquireHeld, busy, opErrors int64
		transfers, releaseOK                   int64
		staleAttempts, staleRejected           int64
		staleAccepted, badStates               int64
		maxToken                               int64
	)

	ctx := context.Background()
	runCtx, cancel := context.WithTimeout(ctx, testDur)
	defer cancel()

	trackMax := func(tok int64) {
		for {
			prev := atomic.LoadInt64(&maxToken)
			if tok <= prev || atomic.CompareAndSwapInt64(&maxToken, prev, tok) {
				return
			}
		}
	}

	var wg sync.WaitGroup

	// Status readers: every observed state must be well formed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for runCtx.Err() == nil {
			st := a.Status()
			switch st.Phase {
			case model.PhaseUnclaimed:
				if st.Holder != "" || st.Transfer != nil {
					atomic.AddInt64(&badStates, 1)
				}
			case model.PhaseHeld:
				if !st.Holder.Valid() || st.Transfer != nil {
					atomic.AddInt64(&badStates, 1)
				}
			case model.PhaseTransferring:
				if st.Transfer == nil || st.Transfer.From == st.Transfer.To {
					atomic.AddInt64(&badStates, 1)
				}
			default:
				atomic.AddInt64(&badStates, 1)
			}
		}
	}()

	for _, role := range []model.Role{model.RoleProducer, model.RoleConsumer} {
		for i := 0; i < workersPerRole; i++ {
			role, handOff := role, i%3 == 0
			wg.Add(1)
			go func() {
				defer wg.Done()
				for runCtx.Err() == nil {
					g, err := a.Acquire(ctx, role)
					if err != nil {
						var held *model.AlreadyHeldError
						switch {
						case errors.As(err, &held):
							atomic.AddInt64(&acquireHeld, 1)
							time.Sleep(time.Millisecond)
						case errors.Is(err, model.ErrBusy):
							atomic.AddInt64(&busy, 1)
						default:
							atomic.AddInt64(&opErrors, 1)
						}
						continue
					}
					atomic.AddInt64(&acquireOK, 1)
					trackMax(g.FencingToken)

					vol.Attach(role)
					_ = vol.TryWrite(g.FencingToken)
					vol.Detach(role)

					if !handOff {
						if err := a.Release(ctx, g); err != nil {
							atomic.AddInt64(&opErrors, 1)
						} else {
							atomic.AddInt64(&releaseOK, 1)
						}
						continue
					}

					next, err := a.Transfer(ctx, role, role.Other())
					if err != nil {
						atomic.AddInt64(&opErrors, 1)
						_ = a.Release(ctx, g)
						continue
					}
					atomic.AddInt64(&transfers, 1)
					trackMax(next.FencingToken)

					vol.Attach(next.Role)
					_ = vol.TryWrite(next.FencingToken)

					// The outgoing holder wakes up late and tries to write.
					atomic.AddInt64(&staleAttempts, 1)
					if vol.TryWrite(g.FencingToken) {
						atomic.AddInt64(&staleAccepted, 1)
					} else {
						atomic.AddInt64(&staleRejected, 1)
					}
					vol.Detach(next.Role)

					if err := a.Release(ctx, next); err != nil {
						atomic.AddInt64(&opErrors, 1)
					} else {
						atomic.AddInt64(&releaseOK, 1)
					}
				}
			}()
		}
	}

	wg.Wait()

	multi, accepted, rejected, last := vol.Stats()
	if multi != 0 {
		t.Fatalf("volume attached to both roles %d times", multi)
	}
	if badStates != 0 {
		t.Fatalf("status reported %d malformed states", badStates)
	}
	if opErrors != 0 {
		t.Fatalf("operational errors: %d", opErrors)
	}
	if acquireOK == 0 || transfers == 0 {
		t.Fatalf("test did not exercise the arbiter: acquire_ok=%d transfers=%d", acquireOK, transfers)
	}
	if staleAccepted != 0 {
		t.Fatalf("stale writes accepted after hand-off: %d", staleAccepted)
	}
	if last != atomic.LoadInt64(&maxToken) {
		t.Fatalf("final token %d != max issued %d", last, maxToken)
	}

	total := acquireOK + acquireHeld
	t.Log("\n================= VolumeArbiter Contention Report =================")
	t.Logf("Duration:                %v", testDur)
	t.Logf("Workers per role:        %d", workersPerRole)
	t.Log("--------------------------------------------------------------------")
	t.Logf("Acquire Success:         %d", acquireOK)
	t.Logf("Acquire Held:            %d", acquireHeld)
	t.Logf("Contention Rate:         %.2f%%", float64(acquireHeld)/float64(total)*100)
	t.Logf("Store Busy:              %d", busy)
	t.Logf("Transfers:               %d", transfers)
	t.Logf("Release Success:         %d", releaseOK)
	t.Log("--------------------------------------------------------------------")
	t.Logf("Stale Writes Attempted:  %d", staleAttempts)
	t.Logf("Stale Writes Rejected:   %d", staleRejected)
	t.Logf("Writes Accepted:         %d", accepted)
	t.Logf("Writes Rejected:         %d", rejected)
	t.Logf("Final Fencing Token:     %d", last)
	t.Log("Safety Property:         PASS (single attach, fenced hand-off)")
	t.Log("=====================================================================")
}

func startMonitor(t *testing.T, a *model.Arbiter, interval time.Duration) {
	t.Helper()
	reg, err := model.NewRegistry(a)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		model.NewExpirationMonitor(reg, nil, nil, interval).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStaleReleaseCannotClobberNewHolder(t *testing.T) {
	ttl := 120 * time.Millisecond
	a := newArbiter(t, openSQLite(t), model.Options{LeaseTTL: ttl})
	startMonitor(t, a, 20*time.Millisecond)
	ctx := context.Background()

	pg, err := a.Acquire(ctx, model.RoleProducer)
	if err != nil {
		t.Fatalf("producer acquire: %v", err)
	}

	// Producer stalls past its lease; the monitor reclaims the volume.
	waitFor(t, 2*time.Second, func() bool { return a.Status().Phase == model.PhaseUnclaimed })

	cg, err := a.Acquire(ctx, model.RoleConsumer)
	if err != nil {
		t.Fatalf("consumer acquire: %v", err)
	}
	if cg.FencingToken <= pg.FencingToken {
		t.Fatalf("consumer token %d <= producer token %d", cg.FencingToken, pg.FencingToken)
	}

	if err := a.Release(ctx, pg); !errors.Is(err, model.ErrInvalidGrant) {
		t.Fatalf("stale release: err = %v, want ErrInvalidGrant", err)
	}
	snap := a.Snapshot()
	if !snap.State.HeldBy(model.RoleConsumer) || snap.Grant.LeaseID != cg.LeaseID {
		t.Fatalf("holder after stale release = %s lease=%v", snap.State, snap.Grant)
	}

	hist, err := a.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) < 2 || hist[0].Kind != "acquired" || hist[1].Kind != "expired" {
		t.Fatalf("history = %v, want acquired after expired", kinds(hist))
	}
}

func TestRenewHeartbeatKeepsGrantThenExpires(t *testing.T) {
	ttl := 200 * time.Millisecond
	renewEvery := 60 * time.Millisecond
	holdFor := 800 * time.Millisecond

	a := newArbiter(t, openSQLite(t), model.Options{LeaseTTL: ttl})
	startMonitor(t, a, 20*time.Millisecond)
	ctx := context.Background()

	pg, err := a.Acquire(ctx, model.RoleProducer)
	if err != nil {
		t.Fatalf("producer acquire: %v", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var renewOK, renewFail int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		stopAt := time.Now().Add(holdFor)
		g := pg
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if time.Now().After(stopAt) {
					return
				}
				ng, err := a.Renew(ctx, g)
				if err != nil {
					atomic.AddInt64(&renewFail, 1)
					continue
				}
				g = ng
				atomic.AddInt64(&renewOK, 1)
			}
		}
	}()

	var consumerOK, consumerHeld int64
	deadline := time.Now().Add(holdFor)
	for time.Now().Before(deadline) {
		_, err := a.Acquire(ctx, model.RoleConsumer)
		if err == nil {
			consumerOK++
			break
		}
		var held *model.AlreadyHeldError
		if !errors.As(err, &held) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		consumerHeld++
		sleep := held.RetryAfter
		if sleep > 50*time.Millisecond {
			sleep = 50 * time.Millisecond
		}
		time.Sleep(sleep)
	}

	cancel()
	wg.Wait()

	if consumerOK != 0 {
		t.Fatalf("consumer acquired while producer renewing: ok=%d held=%d", consumerOK, consumerHeld)
	}
	if renewOK == 0 {
		t.Fatalf("no successful renewals; fail=%d", renewFail)
	}

	var cg model.AccessGrant
	waitFor(t, 2*time.Second, func() bool {
		g, err := a.Acquire(ctx, model.RoleConsumer)
		if err != nil {
			return false
		}
		cg = g
		return true
	})
	if cg.FencingToken <= pg.FencingToken {
		t.Fatalf("consumer token %d <= producer token %d", cg.FencingToken, pg.FencingToken)
	}

	t.Log("\n================ VolumeArbiter Heartbeat Report ================")
	t.Logf("Producer: token=%d lease=%s ttl=%v", pg.FencingToken, pg.LeaseID, ttl)
	t.Logf("Heartbeat: every=%v for=%v ok=%d fail=%d", renewEvery, holdFor, renewOK, renewFail)
	t.Logf("Consumer probes while held: %d", consumerHeld)
	t.Logf("Consumer acquired after expiry: token=%d", cg.FencingToken)
	t.Log("=================================================================")
}
