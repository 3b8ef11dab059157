package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"volarbiter/internal/obs"
)

const (
	DefaultChannel   = "data_pipeline"
	DefaultStatusKey = "volume_status"
)

type RelayOptions struct {
	Channel   string
	StatusKey string
	Logger    *obs.Logger
	// Timeout bounds each publish; zero means 2s.
	Timeout time.Duration
}

// RedisRelay mirrors hub events into Redis: every event is published as JSON on
// Channel and the latest state of each volume is kept in the hash
// "<StatusKey>:<resource>".
type RedisRelay struct {
	rdb       redis.UniversalClient
	channel   string
	statusKey string
	logger    *obs.Logger
	timeout   time.Duration
}

func NewRedisRelay(rdb redis.UniversalClient, opts RelayOptions) *RedisRelay {
	r := &RedisRelay{
		rdb:       rdb,
		channel:   opts.Channel,
		statusKey: opts.StatusKey,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
	}
	if r.channel == "" {
		r.channel = DefaultChannel
	}
	if r.statusKey == "" {
		r.statusKey = DefaultStatusKey
	}
	if r.timeout <= 0 {
		r.timeout = 2 * time.Second
	}
	return r
}

func (r *RedisRelay) StatusKey(resource string) string {
	return r.statusKey + ":" + resource
}

// Publish writes e to the channel and the status hash in one MULTI/EXEC.
func (r *RedisRelay) Publish(ctx context.Context, e Event) error {
	b, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("redis relay: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, r.channel, b)
		p.HSet(ctx, r.StatusKey(e.Resource), map[string]interface{}{
			"state":         e.State,
			"holder":        e.Role,
			"lease_id":      e.LeaseID,
			"fencing_token": strconv.FormatInt(e.FencingToken, 10),
			"version":       strconv.FormatInt(e.Version, 10),
			"last_event":    string(e.Type),
			"updated_at":    e.At.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis relay: %w", err)
	}
	return nil
}

// Run forwards events from hub until ctx ends. Redis failures are logged and
// the event is skipped; the arbiter is never held up by Redis.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) {
	ch, cancel := hub.Subscribe("")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Publish(ctx, e); err != nil {
				r.logger.Warn(map[string]interface{}{
					"op":       "redis_relay",
					"volume":   e.Resource,
					"event":    string(e.Type),
					"version":  e.Version,
					"error":    err.Error(),
					"channel":  r.channel,
					"hash_key": r.StatusKey(e.Resource),
				})
			}
		}
	}
}

// Ping reports whether Redis answers; used by the health check.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
