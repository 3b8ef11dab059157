package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is one of the two workloads contending for a volume.
type Role string

const (
	RoleProducer Role = "producer" // data ingestion
	RoleConsumer Role = "consumer" // dashboard reader
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleProducer:
		return RoleProducer, nil
	case RoleConsumer:
		return RoleConsumer, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) Valid() bool { return r == RoleProducer || r == RoleConsumer }

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleProducer {
		return RoleConsumer
	}
	return RoleProducer
}

type Phase string

const (
	PhaseUnclaimed    Phase = "unclaimed"
	PhaseHeld         Phase = "held"
	PhaseTransferring Phase = "transferring"
)

// ResourceState is what Status reports. Holder is set for PhaseHeld and, during a
// hand-off, names the outgoing holder; Transfer is set only for PhaseTransferring.
type ResourceState struct {
	Phase    Phase
	Holder   Role
	Transfer *TransferRequest
}

func Unclaimed() ResourceState { return ResourceState{Phase: PhaseUnclaimed} }

func HeldBy(r Role) ResourceState { return ResourceState{Phase: PhaseHeld, Holder: r} }

// HeldBy reports whether r currently holds the resource.
func (s ResourceState) HeldBy(r Role) bool {
	return s.Phase == PhaseHeld && s.Holder == r
}

func (s ResourceState) String() string {
	switch s.Phase {
	case PhaseHeld:
		return fmt.Sprintf("HeldBy(%s)", s.Holder)
	case PhaseTransferring:
		if s.Transfer != nil {
			return fmt.Sprintf("TransferInProgress(%s->%s)", s.Transfer.From, s.Transfer.To)
		}
		return "TransferInProgress"
	default:
		return "Unclaimed"
	}
}

// AccessGrant is proof of exclusive access. A zero ExpiresAt means the grant
// never expires.
type AccessGrant struct {
	Resource     string
	Role         Role
	LeaseID      string
	FencingToken int64
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

func (g AccessGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

func (g AccessGrant) matches(o AccessGrant) bool {
	return g.Role == o.Role && g.LeaseID == o.LeaseID && g.FencingToken == o.FencingToken
}

type TransferRequest struct {
	From        Role
	To          Role
	RequestedAt time.Time
}

// Snapshot is an immutable view of one arbiter, published after every mutation.
type Snapshot struct {
	Resource  string
	State     ResourceState
	Grant     *AccessGrant
	LastToken int64
	Version   int64
	UpdatedAt time.Time
}
