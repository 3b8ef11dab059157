package events

import (
	"encoding/json"
	"time"
)

// Type identifies a state change notification.
type Type string

const (
	TypeAcquired    Type = "volume.acquired"
	TypeReleased    Type = "volume.released"
	TypeTransferred Type = "volume.transferred"
	TypeRenewed     Type = "volume.renewed"
	TypeExpired     Type = "volume.expired"
)

// Event is published after every committed state change. Role is the holder
// after the change (empty when unclaimed); From and To are set for transfers.
type Event struct {
	Type         Type      `json:"type"`
	Resource     string    `json:"resource"`
	Role         string    `json:"role,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	LeaseID      string    `json:"lease_id,omitempty"`
	FencingToken int64     `json:"fencing_token,omitempty"`
	State        string    `json:"state"`
	Version      int64     `json:"version"`
	At           time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

// Notifier receives events from arbiters. Notify must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }
