package arbiterclient

import (
	"errors"
	"fmt"
)

// Reasons reported by the server.
const (
	ReasonHeld         = "HELD"
	ReasonBusyRetry    = "BUSY_RETRY"
	ReasonInvalidGrant = "INVALID_GRANT"
	ReasonNotHolder    = "NOT_HOLDER"
	ReasonTargetBusy   = "TARGET_BUSY"
	ReasonForbidden    = "FORBIDDEN"
	ReasonUnknown      = "UNKNOWN_VOLUME"
)

// ErrGrantLost is sent by a heartbeat when the server no longer honours the grant.
var ErrGrantLost = errors.New("grant lost")

// RejectedError is a well-formed refusal from the arbiter.
type RejectedError struct {
	Volume           string
	Code             int
	Reason           string
	Message          string
	Holder           string
	Transferring     bool
	RecommendedRetry int64 // ms
	CurrentExpiryMS  int64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("arbiter rejected: volume=%s code=%d reason=%s holder=%s retry_ms=%d: %s",
		e.Volume, e.Code, e.Reason, e.Holder, e.RecommendedRetry, e.Message)
}

// Retryable reports whether the same call may succeed later.
func (e *RejectedError) Retryable() bool {
	return e.Reason == ReasonHeld || e.Reason == ReasonBusyRetry
}

// IsReason reports whether err is a RejectedError with the given reason.
func IsReason(err error, reason string) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.Reason == reason
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
