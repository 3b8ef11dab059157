package arbiterclient

import "time"

const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
)

// Grant is what the SDK returns on a successful acquire, transfer or renew.
// Pass it back unchanged to Release/Renew.
type Grant struct {
	Volume       string `json:"volume" yaml:"volume"`
	Role         string `json:"role" yaml:"role"`
	LeaseID      string `json:"lease_id" yaml:"lease_id"`
	FencingToken int64  `json:"fencing_token" yaml:"fencing_token"`
	AcquiredAtMS int64  `json:"acquired_at_ms" yaml:"acquired_at_ms"`
	ExpiresAtMS  int64  `json:"expires_at_ms,omitempty" yaml:"expires_at_ms,omitempty"` // 0 = no expiry
}

// Expires returns the server-side expiry, zero when the grant never expires.
func (g Grant) Expires() time.Time {
	if g.ExpiresAtMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(g.ExpiresAtMS)
}

type Transfer struct {
	From          string `json:"from" yaml:"from"`
	To            string `json:"to" yaml:"to"`
	RequestedAtMS int64  `json:"requested_at_ms" yaml:"requested_at_ms"`
}

type Status struct {
	Volume       string    `json:"volume" yaml:"volume"`
	Phase        string    `json:"phase" yaml:"phase"`
	State        string    `json:"state" yaml:"state"`
	Holder       string    `json:"holder,omitempty" yaml:"holder,omitempty"`
	Transfer     *Transfer `json:"transfer,omitempty" yaml:"transfer,omitempty"`
	LeaseID      string    `json:"lease_id,omitempty" yaml:"lease_id,omitempty"`
	FencingToken int64     `json:"fencing_token,omitempty" yaml:"fencing_token,omitempty"`
	ExpiresAtMS  int64     `json:"expires_at_ms,omitempty" yaml:"expires_at_ms,omitempty"`
	LastToken    int64     `json:"last_token" yaml:"last_token"`
	Version      int64     `json:"version" yaml:"version"`
	UpdatedAtMS  int64     `json:"updated_at_ms" yaml:"updated_at_ms"`
}

type Transition struct {
	Kind         string `json:"kind" yaml:"kind"`
	From         string `json:"from,omitempty" yaml:"from,omitempty"`
	To           string `json:"to,omitempty" yaml:"to,omitempty"`
	LeaseID      string `json:"lease_id" yaml:"lease_id"`
	FencingToken int64  `json:"fencing_token" yaml:"fencing_token"`
	Version      int64  `json:"version" yaml:"version"`
	AtMS         int64  `json:"at_ms" yaml:"at_ms"`
}

// EventSnapshot is the type of the first event of every Watch stream.
const EventSnapshot = "snapshot"

// Event is one notification from the server's event stream.
type Event struct {
	Type         string    `json:"type" yaml:"type"`
	Resource     string    `json:"resource" yaml:"resource"`
	Role         string    `json:"role,omitempty" yaml:"role,omitempty"`
	From         string    `json:"from,omitempty" yaml:"from,omitempty"`
	To           string    `json:"to,omitempty" yaml:"to,omitempty"`
	LeaseID      string    `json:"lease_id,omitempty" yaml:"lease_id,omitempty"`
	FencingToken int64     `json:"fencing_token,omitempty" yaml:"fencing_token,omitempty"`
	State        string    `json:"state" yaml:"state"`
	Version      int64     `json:"version" yaml:"version"`
	At           time.Time `json:"at" yaml:"at"`
}

// AcquireOptions controls retry behavior.
type AcquireOptions struct {
	MaxRetries   int           // bounded retry; 0 => default 50
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2 (20%); negative disables jitter
}

// HeartbeatOptions controls renew behavior.
type HeartbeatOptions struct {
	Interval time.Duration // required; typically lease TTL/3
}
