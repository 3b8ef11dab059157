package model

import (
	"context"
	"time"

	"volarbiter/internal/obs"
)

type ExpirationMonitor struct {
	registry *Registry
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration
	clock    func() time.Time
}

// NewExpirationMonitor creates a periodic sweeper that reclaims grants whose
// lease ran out. Grants without ExpiresAt are never touched.
func NewExpirationMonitor(reg *Registry, logger *obs.Logger, metrics *obs.Metrics, interval time.Duration) *ExpirationMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ExpirationMonitor{
		registry: reg,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		clock:    time.Now,
	}
}

func (m *ExpirationMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce returns the number of grants reclaimed.
func (m *ExpirationMonitor) sweepOnce(ctx context.Context) int {
	start := time.Now()
	now := m.clock()

	var held, cleared int
	var errs []string
	for _, a := range m.registry.All() {
		ok, err := a.ExpireIfDue(ctx, now)
		if err != nil {
			errs = append(errs, a.Name()+": "+err.Error())
		}
		if ok {
			cleared++
		}
		if a.Status().Phase != PhaseUnclaimed {
			held++
		}
	}

	if cleared > 0 && m.metrics != nil {
		m.metrics.ExpiredTotal.Add(float64(cleared))
	}

	if cleared > 0 || len(errs) > 0 {
		fields := map[string]interface{}{
			"op":         "expire_sweep",
			"held":       held,
			"cleared":    cleared,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if len(errs) > 0 {
			fields["errors"] = errs
			m.logger.Error(fields)
		} else {
			m.logger.Info(fields)
		}
	}
	return cleared
}
