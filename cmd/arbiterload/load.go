package main

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"volarbiter/pkg/arbiterclient"
)

// attachedVolume simulates a ReadWriteOnce volume. Attach records every
// overlap with an existing attachment; writes are fenced by token.
type attachedVolume struct {
	mu        sync.Mutex
	attached  map[int]int64 // worker -> token
	lastToken int64
	overlaps  int64
	accepted  int64
	stale     int64
}

func newAttachedVolume() *attachedVolume {
	return &attachedVolume{attached: map[int]int64{}}
}

func (v *attachedVolume) Attach(worker int, token int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.attached) > 0 {
		v.overlaps++
	}
	v.attached[worker] = token
}

func (v *attachedVolume) Detach(worker int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.attached, worker)
}

// TryWrite accepts a write only if token >= the highest token seen.
func (v *attachedVolume) TryWrite(token int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if token < v.lastToken {
		v.stale++
		return false
	}
	v.lastToken = token
	v.accepted++
	return true
}

type loadOptions struct {
	Volume    string
	PerRole   int
	Duration  time.Duration
	Hold      time.Duration
	Jitter    time.Duration
	Transfer  float64       // probability a holder hands off instead of releasing
	Stall     float64       // probability a holder stalls for StallFor
	StallFor  time.Duration // should exceed the server lease TTL to provoke expiry
	Heartbeat time.Duration // renew interval while holding; 0 disables
}

type report struct {
	Elapsed      time.Duration
	Workers      int
	AcquireOK    int64
	AcquireHeld  int64
	Transfers    int64
	TransferFail int64
	Releases     int64
	GrantsLost   int64
	Errors       int64

	Overlaps      int64
	WritesOK      int64
	StaleRejected int64
	LastToken     int64
}

// Safe reports whether the volume was never attached twice at once.
func (r report) Safe() bool { return r.Overlaps == 0 }

type counters struct {
	acquireOK, acquireHeld    atomic.Int64
	transfers, transferFail   atomic.Int64
	releases, grantsLost, err atomic.Int64
}

func runLoad(ctx context.Context, c *arbiterclient.Client, opt loadOptions) report {
	if opt.PerRole <= 0 {
		opt.PerRole = 1
	}
	ctx, cancel := context.WithTimeout(ctx, opt.Duration)
	defer cancel()

	vol := newAttachedVolume()
	var n counters
	var wg sync.WaitGroup
	start := time.Now()

	roles := []string{arbiterclient.RoleProducer, arbiterclient.RoleConsumer}
	id := 0
	for _, role := range roles {
		for i := 0; i < opt.PerRole; i++ {
			w := &worker{
				id:     id,
				role:   role,
				client: c,
				vol:    vol,
				opt:    opt,
				n:      &n,
				rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
			}
			id++
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.run(ctx)
			}()
		}
	}
	wg.Wait()

	vol.mu.Lock()
	defer vol.mu.Unlock()
	return report{
		Elapsed:       time.Since(start),
		Workers:       id,
		AcquireOK:     n.acquireOK.Load(),
		AcquireHeld:   n.acquireHeld.Load(),
		Transfers:     n.transfers.Load(),
		TransferFail:  n.transferFail.Load(),
		Releases:      n.releases.Load(),
		GrantsLost:    n.grantsLost.Load(),
		Errors:        n.err.Load(),
		Overlaps:      vol.overlaps,
		WritesOK:      vol.accepted,
		StaleRejected: vol.stale,
		LastToken:     vol.lastToken,
	}
}

type worker struct {
	id     int
	role   string
	client *arbiterclient.Client
	vol    *attachedVolume
	opt    loadOptions
	n      *counters
	rng    *rand.Rand
}

func (w *worker) other() string {
	if w.role == arbiterclient.RoleProducer {
		return arbiterclient.RoleConsumer
	}
	return arbiterclient.RoleProducer
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *worker) run(ctx context.Context) {
	for ctx.Err() == nil {
		g, rej, err := w.client.AcquireOnce(ctx, w.opt.Volume, w.role)
		if err != nil {
			if ctx.Err() == nil {
				w.n.err.Add(1)
				w.sleep(ctx, 50*time.Millisecond)
			}
			continue
		}
		if rej != nil {
			w.n.acquireHeld.Add(1)
			retry := time.Duration(rej.RecommendedRetry) * time.Millisecond
			if retry <= 0 {
				retry = 20 * time.Millisecond
			}
			w.sleep(ctx, retry)
			continue
		}
		w.n.acquireOK.Add(1)
		w.hold(ctx, g)

		// small think time to avoid tight loop
		w.sleep(ctx, 5*time.Millisecond)
	}
}

// hold simulates a pod mounting the volume for the life of grant g and then
// either releasing it or handing it to the other role.
func (w *worker) hold(ctx context.Context, g arbiterclient.Grant) {
	w.vol.Attach(w.id, g.FencingToken)

	hbCtx, stopHB := context.WithCancel(ctx)
	var hbErr <-chan error
	if w.opt.Heartbeat > 0 {
		hbErr = w.client.StartHeartbeat(hbCtx, g, arbiterclient.HeartbeatOptions{Interval: w.opt.Heartbeat}, nil)
	}

	if w.rng.Float64() < w.opt.Stall {
		// Simulated GC pause: no heartbeats either.
		stopHB()
		w.sleep(ctx, w.opt.StallFor)
	} else {
		pause := w.opt.Hold
		if w.opt.Jitter > 0 {
			pause += time.Duration(w.rng.Int63n(int64(w.opt.Jitter) + 1))
		}
		w.sleep(ctx, pause)
	}
	stopHB()
	if hbErr != nil {
		// A lost grant shows up again on release.
		for range hbErr {
		}
	}

	w.vol.TryWrite(g.FencingToken)
	// Unmount before the arbiter lets anyone else in.
	w.vol.Detach(w.id)

	// The load run may have ended mid-hold; clean up regardless.
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if ctx.Err() == nil && w.rng.Float64() < w.opt.Transfer {
		ng, err := w.client.Transfer(cleanup, g.Volume, w.role, w.other())
		if err == nil {
			w.n.transfers.Add(1)
			w.handoff(cleanup, ng)
			return
		}
		w.n.transferFail.Add(1)
	}
	w.finish(cleanup, g)
}

func (w *worker) finish(ctx context.Context, g arbiterclient.Grant) {
	err := w.client.Release(ctx, g)
	switch {
	case err == nil:
		w.n.releases.Add(1)
	case arbiterclient.IsReason(err, arbiterclient.ReasonInvalidGrant):
		// Lease expired and someone else may already hold it.
		w.n.grantsLost.Add(1)
	default:
		w.n.err.Add(1)
	}
}

// handoff plays the receiving side of a transfer: one fenced write, then
// release.
func (w *worker) handoff(ctx context.Context, g arbiterclient.Grant) {
	recv := -1 - w.id
	w.vol.Attach(recv, g.FencingToken)
	w.vol.TryWrite(g.FencingToken)
	w.vol.Detach(recv)
	w.finish(ctx, g)
}
