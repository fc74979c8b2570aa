package keystore

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a tracked key.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusInvalid   Status = "invalid"
	StatusExhausted Status = "exhausted"
	StatusTombstone Status = "tombstone"
)

// ErrIllegalTransition is returned when a status change is not in the transition table.
var ErrIllegalTransition = errors.New("illegal key status transition")

// transitions lists every allowed status change. Same-state changes are
// always allowed and are not listed.
var transitions = map[Status][]Status{
	StatusActive:    {StatusExpired, StatusExhausted, StatusInvalid, StatusTombstone},
	StatusExpired:   {StatusActive, StatusInvalid, StatusTombstone},
	StatusExhausted: {StatusActive, StatusExpired, StatusInvalid, StatusTombstone},
	StatusInvalid:   {StatusTombstone},
	StatusTombstone: nil,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the key can never be used again.
func (s Status) Terminal() bool {
	return s == StatusInvalid || s == StatusTombstone
}

// Selectable reports whether the selector may choose a key in this status.
func (s Status) Selectable() bool {
	return s == StatusActive || s == StatusExhausted
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
