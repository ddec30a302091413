// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package change defines the change event that flows from a change source,
// through the dispatcher, to every matching viewer.
package change

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Cause records how a change was detected.
type Cause string

const (
	// Push is used for changes reported by the store's own
	// notification mechanism.
	Push Cause = "push"

	// Poll is used for changes found by comparing a periodic scan
	// against the last values seen.
	Poll Cause = "poll"
)

// Validate returns an error if the cause is not known.
func (c Cause) Validate() error {
	switch c {
	case Push, Poll:
		return nil
	}
	return errors.NotValidf("change cause %q", string(c))
}

// Event is a single detected key/value transition. Events are passed by
// value and must not be modified once produced.
type Event struct {
	// Key is the store key that changed.
	Key string

	// Value is the value read after the change. It is only meaningful
	// when Exists is true.
	Value string

	// Exists is false when the key was deleted or its value could not
	// be read.
	Exists bool

	// DetectedAt is when the change source observed the change.
	DetectedAt time.Time

	// Cause is the detection mode that produced the event.
	Cause Cause
}

// Updated returns an event for a key that holds value.
func Updated(key, value string, cause Cause, at time.Time) Event {
	return Event{
		Key:        key,
		Value:      value,
		Exists:     true,
		DetectedAt: at,
		Cause:      cause,
	}
}

// Absent returns an event for a key that no longer has a readable value.
func Absent(key string, cause Cause, at time.Time) Event {
	return Event{
		Key:        key,
		DetectedAt: at,
		Cause:      cause,
	}
}

// String is used in log output.
func (e Event) String() string {
	if !e.Exists {
		return fmt.Sprintf("%s %q (absent)", e.Cause, e.Key)
	}
	return fmt.Sprintf("%s %q=%q", e.Cause, e.Key, e.Value)
}
