package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"volarbiter/internal/events"
	"volarbiter/internal/obs"
	"volarbiter/internal/storage"
)

const busyRetryAfter = 50 * time.Millisecond

type Options struct {
	// LeaseTTL stamps ExpiresAt on every grant when > 0. Zero leaves grants
	// without expiry.
	LeaseTTL time.Duration
	// Clock is injected for tests; nil means time.Now.
	Clock    func() time.Time
	Logger   *obs.Logger
	Metrics  *obs.Metrics
	Notifier events.Notifier
}

// Arbiter guards one single-writer volume shared by the producer and consumer
// roles. All mutations run inside mu and are persisted before they become
// visible; Status reads the last published snapshot without locking.
type Arbiter struct {
	name     string
	store    storage.Store
	logger   *obs.Logger
	metrics  *obs.Metrics
	notifier events.Notifier
	leaseTTL time.Duration
	clock    func() time.Time

	mu        sync.Mutex
	grant     *AccessGrant
	lastToken int64
	version   int64

	snap atomic.Pointer[Snapshot]
}

// NewArbiter restores the volume's state from store (nil store keeps state in
// memory only) and returns an arbiter ready for use.
func NewArbiter(ctx context.Context, name string, store storage.Store, opts Options) (*Arbiter, error) {
	if name == "" {
		return nil, fmt.Errorf("arbiter: resource name required")
	}
	if opts.LeaseTTL < 0 {
		return nil, fmt.Errorf("arbiter: lease ttl must be >= 0")
	}
	a := &Arbiter{
		name:     name,
		store:    store,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		leaseTTL: opts.LeaseTTL,
		clock:    opts.Clock,
	}
	if a.clock == nil {
		a.clock = time.Now
	}

	if store != nil {
		if err := a.reload(ctx); err != nil {
			return nil, err
		}
	}
	a.publish(a.clock(), nil)
	return a, nil
}

func (a *Arbiter) Name() string { return a.name }

// reload replaces in-memory state with the stored record. Caller holds mu or
// has exclusive access.
func (a *Arbiter) reload(ctx context.Context) error {
	rec, found, err := a.store.Load(ctx, a.name)
	if err != nil {
		return fmt.Errorf("load %s: %w", a.name, err)
	}
	a.grant = nil
	a.lastToken = 0
	a.version = 0
	if !found {
		return nil
	}
	a.lastToken = rec.LastToken
	a.version = rec.Version
	if rec.Holder == "" {
		return nil
	}
	role, err := ParseRole(rec.Holder)
	if err != nil {
		return fmt.Errorf("load %s: stored holder: %w", a.name, err)
	}
	a.grant = &AccessGrant{
		Resource:     a.name,
		Role:         role,
		LeaseID:      rec.LeaseID,
		FencingToken: rec.LastToken,
		AcquiredAt:   rec.AcquiredAt,
		ExpiresAt:    rec.ExpiresAt,
	}
	return nil
}

// Status never blocks.
func (a *Arbiter) Status() ResourceState {
	return a.snap.Load().State
}

func (a *Arbiter) Snapshot() Snapshot {
	s := *a.snap.Load()
	if s.Grant != nil {
		g := *s.Grant
		s.Grant = &g
	}
	return s
}

// History returns persisted transitions, newest first. Memory-only arbiters
// have no history.
func (a *Arbiter) History(ctx context.Context, limit int) ([]storage.Transition, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.History(ctx, a.name, limit)
}

// Acquire grants the volume to role if nobody holds it.
func (a *Arbiter) Acquire(ctx context.Context, role Role) (AccessGrant, error) {
	if !role.Valid() {
		return AccessGrant{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	start := time.Now()

	var (
		g   AccessGrant
		err error
	)
	defer func() {
		a.observe("acquire", start, err, map[string]interface{}{
			"role":     string(role),
			"lease_id": g.LeaseID,
			"token":    g.FencingToken,
		})
	}()

	// Fast reject from the published snapshot, no lock needed.
	if s := a.snap.Load(); s.State.Phase != PhaseUnclaimed {
		err = a.alreadyHeldFrom(s, a.clock())
		return AccessGrant{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err = ctx.Err(); err != nil {
		return AccessGrant{}, err
	}
	now := a.clock()
	if a.grant != nil {
		err = a.alreadyHeldFrom(a.snap.Load(), now)
		return AccessGrant{}, err
	}

	g = a.mint(role, now)
	err = a.commit(ctx, "acquire", &g, storage.Transition{
		Kind:         "acquired",
		ToRole:       string(role),
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	}, now)
	if err != nil {
		g = AccessGrant{}
		return AccessGrant{}, err
	}
	a.emit(events.Event{
		Type:         events.TypeAcquired,
		Role:         string(role),
		To:           string(role),
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	})
	return g, nil
}

// Release relinquishes the volume. The grant must be the active one.
func (a *Arbiter) Release(ctx context.Context, grant AccessGrant) error {
	start := time.Now()
	var err error
	defer func() {
		a.observe("release", start, err, map[string]interface{}{
			"role":     string(grant.Role),
			"lease_id": grant.LeaseID,
			"token":    grant.FencingToken,
		})
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = a.checkGrant(grant); err != nil {
		return err
	}

	now := a.clock()
	err = a.commit(ctx, "release", nil, storage.Transition{
		Kind:         "released",
		FromRole:     string(grant.Role),
		LeaseID:      grant.LeaseID,
		FencingToken: grant.FencingToken,
	}, now)
	if err != nil {
		return err
	}
	a.emit(events.Event{
		Type:         events.TypeReleased,
		From:         string(grant.Role),
		LeaseID:      grant.LeaseID,
		FencingToken: grant.FencingToken,
	})
	return nil
}

// Transfer hands the volume from one role to the other in a single
// transition. Observers see HeldBy(from), then TransferInProgress, then
// HeldBy(to); never Unclaimed and never two holders.
func (a *Arbiter) Transfer(ctx context.Context, from, to Role) (AccessGrant, error) {
	if !from.Valid() {
		return AccessGrant{}, fmt.Errorf("%w: from=%q", ErrUnknownRole, from)
	}
	if !to.Valid() {
		return AccessGrant{}, fmt.Errorf("%w: to=%q", ErrUnknownRole, to)
	}
	start := time.Now()

	var (
		g   AccessGrant
		err error
	)
	defer func() {
		a.observe("transfer", start, err, map[string]interface{}{
			"from":     string(from),
			"to":       string(to),
			"lease_id": g.LeaseID,
			"token":    g.FencingToken,
		})
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err = ctx.Err(); err != nil {
		return AccessGrant{}, err
	}
	if a.grant == nil || a.grant.Role != from {
		nh := &NotHolderError{Resource: a.name, Role: from}
		if a.grant != nil {
			nh.Holder = a.grant.Role
		}
		err = nh
		return AccessGrant{}, err
	}
	if a.grant.Role == to {
		err = &TargetBusyError{Resource: a.name, Target: to}
		return AccessGrant{}, err
	}

	now := a.clock()
	a.publish(now, &TransferRequest{From: from, To: to, RequestedAt: now})

	g = a.mint(to, now)
	err = a.commit(ctx, "transfer", &g, storage.Transition{
		Kind:         "transferred",
		FromRole:     string(from),
		ToRole:       string(to),
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	}, now)
	if err != nil {
		g = AccessGrant{}
		a.publish(now, nil)
		return AccessGrant{}, err
	}
	a.emit(events.Event{
		Type:         events.TypeTransferred,
		Role:         string(to),
		From:         string(from),
		To:           string(to),
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	})
	return g, nil
}

// Renew pushes ExpiresAt of the active grant forward by the lease TTL. With
// expiry disabled it returns the grant unchanged.
func (a *Arbiter) Renew(ctx context.Context, grant AccessGrant) (AccessGrant, error) {
	start := time.Now()

	var (
		g   AccessGrant
		err error
	)
	defer func() {
		a.observe("renew", start, err, map[string]interface{}{
			"role":       string(grant.Role),
			"lease_id":   grant.LeaseID,
			"token":      grant.FencingToken,
			"expires_at": g.ExpiresAt,
		})
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err = a.checkGrant(grant); err != nil {
		return AccessGrant{}, err
	}
	now := a.clock()
	if a.grant.Expired(now) {
		err = fmt.Errorf("%w: resource=%s lease=%s expired at %s", ErrInvalidGrant, a.name, grant.LeaseID, a.grant.ExpiresAt.Format(time.RFC3339Nano))
		return AccessGrant{}, err
	}
	if a.leaseTTL <= 0 {
		g = *a.grant
		return g, nil
	}

	next := *a.grant
	next.ExpiresAt = now.Add(a.leaseTTL)
	if err = a.commit(ctx, "renew", &next, storage.Transition{}, now); err != nil {
		return AccessGrant{}, err
	}
	g = next
	a.emit(events.Event{
		Type:         events.TypeRenewed,
		Role:         string(g.Role),
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	})
	return g, nil
}

// ExpireIfDue reclaims the active grant when its lease has run out at now.
// It reports whether a grant was reclaimed.
func (a *Arbiter) ExpireIfDue(ctx context.Context, now time.Time) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grant == nil || !a.grant.Expired(now) {
		return false, nil
	}
	old := *a.grant
	err := a.commit(ctx, "expire", nil, storage.Transition{
		Kind:         "expired",
		FromRole:     string(old.Role),
		LeaseID:      old.LeaseID,
		FencingToken: old.FencingToken,
	}, now)
	if err != nil {
		return false, err
	}
	a.logger.Warn(map[string]interface{}{
		"op":         "expire",
		"volume":     a.name,
		"role":       string(old.Role),
		"lease_id":   old.LeaseID,
		"token":      old.FencingToken,
		"expires_at": old.ExpiresAt,
	})
	a.emit(events.Event{
		Type:         events.TypeExpired,
		From:         string(old.Role),
		LeaseID:      old.LeaseID,
		FencingToken: old.FencingToken,
	})
	return true, nil
}

func (a *Arbiter) mint(role Role, now time.Time) AccessGrant {
	g := AccessGrant{
		Resource:     a.name,
		Role:         role,
		LeaseID:      uuid.NewString(),
		FencingToken: a.lastToken + 1,
		AcquiredAt:   now,
	}
	if a.leaseTTL > 0 {
		g.ExpiresAt = now.Add(a.leaseTTL)
	}
	return g
}

func (a *Arbiter) checkGrant(grant AccessGrant) error {
	if grant.Resource != "" && grant.Resource != a.name {
		return fmt.Errorf("%w: grant for %s presented to %s", ErrInvalidGrant, grant.Resource, a.name)
	}
	if a.grant == nil || !a.grant.matches(grant) {
		return fmt.Errorf("%w: resource=%s role=%s lease=%s token=%d", ErrInvalidGrant, a.name, grant.Role, grant.LeaseID, grant.FencingToken)
	}
	return nil
}

func (a *Arbiter) alreadyHeldFrom(s *Snapshot, now time.Time) error {
	e := &AlreadyHeldError{
		Resource:     a.name,
		Holder:       s.State.Holder,
		Transferring: s.State.Phase == PhaseTransferring,
		RetryAfter:   recommendedRetry(now, time.Time{}),
	}
	if s.Grant != nil {
		e.ExpiresAt = s.Grant.ExpiresAt
		e.RetryAfter = recommendedRetry(now, s.Grant.ExpiresAt)
	}
	return e
}

// commit persists next (nil = unclaimed) as the new state and publishes it.
// Caller holds mu. On failure in-memory state is unchanged.
func (a *Arbiter) commit(ctx context.Context, op string, next *AccessGrant, tr storage.Transition, now time.Time) error {
	lastToken := a.lastToken
	if next != nil && next.FencingToken > lastToken {
		lastToken = next.FencingToken
	}
	version := a.version + 1

	if a.store != nil {
		rec := storage.Record{
			Resource:  a.name,
			LastToken: lastToken,
			Version:   version,
			UpdatedAt: now,
		}
		if next != nil {
			rec.Holder = string(next.Role)
			rec.LeaseID = next.LeaseID
			rec.AcquiredAt = next.AcquiredAt
			rec.ExpiresAt = next.ExpiresAt
		}
		tr.Resource = a.name
		tr.Version = version
		tr.At = now

		if err := a.store.Commit(ctx, a.version, rec, tr); err != nil {
			switch {
			case errors.Is(err, storage.ErrBusy):
				if a.metrics != nil {
					a.metrics.StoreBusyTotal.WithLabelValues(op).Inc()
				}
				return &BusyError{Resource: a.name, RetryAfter: busyRetryAfter, Err: err}
			case errors.Is(err, storage.ErrVersionConflict):
				// Someone else wrote the row; adopt their state so the
				// caller's retry sees the truth.
				if rerr := a.reload(ctx); rerr != nil {
					return fmt.Errorf("%s: %w (reload: %v)", op, err, rerr)
				}
				a.publish(now, nil)
				return &BusyError{Resource: a.name, RetryAfter: busyRetryAfter, Err: err}
			}
			return fmt.Errorf("%s: commit: %w", op, err)
		}
	}

	a.grant = next
	a.lastToken = lastToken
	a.version = version
	a.publish(now, nil)
	return nil
}

// publish stores a fresh snapshot. A non-nil tr marks a hand-off in flight.
// Caller holds mu (or is the constructor).
func (a *Arbiter) publish(now time.Time, tr *TransferRequest) {
	s := &Snapshot{
		Resource:  a.name,
		State:     Unclaimed(),
		LastToken: a.lastToken,
		Version:   a.version,
		UpdatedAt: now,
	}
	if a.grant != nil {
		g := *a.grant
		s.Grant = &g
		s.State = HeldBy(g.Role)
	}
	if tr != nil {
		t := *tr
		s.State = ResourceState{Phase: PhaseTransferring, Holder: s.State.Holder, Transfer: &t}
	}
	a.snap.Store(s)

	if a.metrics != nil && tr == nil {
		for _, r := range []Role{RoleProducer, RoleConsumer} {
			v := 0.0
			if s.State.HeldBy(r) {
				v = 1
			}
			a.metrics.VolumeHeld.WithLabelValues(a.name, string(r)).Set(v)
		}
	}
}

// emit fills the common fields from the current snapshot and notifies.
// Caller holds mu so events leave in commit order.
func (a *Arbiter) emit(e events.Event) {
	if a.notifier == nil {
		return
	}
	s := a.snap.Load()
	e.Resource = a.name
	e.State = s.State.String()
	e.Version = s.Version
	e.At = s.UpdatedAt
	a.notifier.Notify(e)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyHeld):
		return "held"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid"
	case errors.Is(err, ErrNotHolder):
		return "not_holder"
	case errors.Is(err, ErrTargetBusy):
		return "target_busy"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	return "error"
}

func (a *Arbiter) observe(op string, start time.Time, err error, fields map[string]interface{}) {
	result := resultOf(err)

	if a.metrics != nil {
		a.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
		switch op {
		case "acquire":
			a.metrics.AcquireTotal.WithLabelValues(result).Inc()
		case "release":
			a.metrics.ReleaseTotal.WithLabelValues(result).Inc()
		case "transfer":
			a.metrics.TransferTotal.WithLabelValues(result).Inc()
		case "renew":
			a.metrics.RenewTotal.WithLabelValues(result).Inc()
		}
		if result == "invalid" {
			a.metrics.InvalidGrantTotal.Inc()
		}
	}

	if a.logger == nil {
		return
	}
	fields["op"] = op
	fields["volume"] = a.name
	fields["result"] = result
	fields["state"] = a.snap.Load().State.String()
	fields["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
	}

	switch result {
	case "success", "held", "not_holder":
		a.logger.Info(fields)
	case "busy":
		a.logger.Warn(fields)
	case "invalid":
		fields["violation"] = true
		a.logger.Error(fields)
	case "target_busy":
		fields["invariant_alarm"] = true
		a.logger.Error(fields)
	default:
		a.logger.Error(fields)
	}
}

func recommendedRetry(now, expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return time.Second
	}
	until := expiresAt.Sub(now)
	if until < 0 {
		until = 0
	}
	h := until / 4
	if h < 25*time.Millisecond {
		h = 25 * time.Millisecond
	}
	if h > 1*time.Second {
		h = 1 * time.Second
	}
	return h
}
