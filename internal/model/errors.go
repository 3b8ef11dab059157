package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyHeld     = errors.New("already held")
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrNotHolder       = errors.New("not holder")
	ErrTargetBusy      = errors.New("target busy")
	ErrBusy            = errors.New("store busy, retry")
	ErrUnknownRole     = errors.New("unknown role")
	ErrUnknownResource = errors.New("unknown resource")
)

// AlreadyHeldError is the normal outcome of acquiring a claimed resource.
type AlreadyHeldError struct {
	Resource     string
	Holder       Role
	Transferring bool
	ExpiresAt    time.Time
	RetryAfter   time.Duration
}

func (e *AlreadyHeldError) Error() string {
	if e.Transferring {
		return fmt.Sprintf("%s: resource=%s holder=%s (transfer in progress)", ErrAlreadyHeld, e.Resource, e.Holder)
	}
	return fmt.Sprintf("%s: resource=%s holder=%s", ErrAlreadyHeld, e.Resource, e.Holder)
}

func (e *AlreadyHeldError) Is(target error) bool { return target == ErrAlreadyHeld }

type NotHolderError struct {
	Resource string
	Role     Role
	Holder   Role // empty when unclaimed
}

func (e *NotHolderError) Error() string {
	holder := string(e.Holder)
	if holder == "" {
		holder = "none"
	}
	return fmt.Sprintf("%s: resource=%s role=%s holder=%s", ErrNotHolder, e.Resource, e.Role, holder)
}

func (e *NotHolderError) Is(target error) bool { return target == ErrNotHolder }

type TargetBusyError struct {
	Resource string
	Target   Role
}

func (e *TargetBusyError) Error() string {
	return fmt.Sprintf("%s: resource=%s target=%s already holds a grant", ErrTargetBusy, e.Resource, e.Target)
}

func (e *TargetBusyError) Is(target error) bool { return target == ErrTargetBusy }

// BusyError wraps a transient store failure together with a retry hint.
type BusyError struct {
	Resource   string
	RetryAfter time.Duration
	Err        error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: resource=%s: %v", ErrBusy, e.Resource, e.Err)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

func (e *BusyError) Unwrap() error { return e.Err }
