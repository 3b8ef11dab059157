package arbiterclient

import (
	"context"
	"time"
)

// StartHeartbeat renews g periodically until ctx is cancelled. The returned
// channel carries renewal errors and closes when the loop exits.
// Semantics:
//   - INVALID_GRANT: the grant is gone; ErrGrantLost is sent and the loop stops
//   - BUSY_RETRY and transport errors: reported, loop continues
//   - ctx cancel: stop cleanly
//
// onRenew, if non-nil, receives every renewed grant.
func (c *Client) StartHeartbeat(ctx context.Context, g Grant, opt HeartbeatOptions, onRenew func(Grant)) <-chan error {
	errCh := make(chan error, 1)

	if opt.Interval <= 0 {
		opt.Interval = 200 * time.Millisecond
	}

	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ng, err := c.Renew(ctx, g)
				if err == nil {
					g = ng
					if onRenew != nil {
						onRenew(ng)
					}
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if IsReason(err, ReasonInvalidGrant) {
					report(ErrGrantLost)
					return
				}
				report(err)
			}
		}
	}()

	return errCh
}
