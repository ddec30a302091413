// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store describes what keyfeed needs from a backing key-value
// store: single key reads, pattern restricted key enumeration, and
// optionally a store wide change notification stream.
package store

import (
	"context"
)

// Reader is the read side of a store. Implementations must be safe for
// concurrent use; keyfeed shares one Reader between the snapshot builder,
// the poll source and push value resolution.
type Reader interface {
	// Get returns the current value of key. A key that does not exist
	// results in an error satisfying errors.IsNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Scan returns one page of keys that may match pattern, starting at
	// cursor. The empty cursor starts a new enumeration and an empty next
	// cursor ends it. A page may hold keys that do not match the pattern
	// and keys seen on earlier pages; callers filter and de-duplicate.
	Scan(ctx context.Context, pattern, cursor string, count int) (keys []string, next string, err error)
}

// Notification is a store event for a single key. It carries no value.
type Notification struct {
	// Key is the key the event happened to.
	Key string

	// Kind is the store specific event name, such as "set" or "del".
	Kind string
}

// Subscription is a live, store wide notification stream.
type Subscription interface {
	// Notifications returns the channel notifications arrive on, in the
	// order the store delivers them. The channel is closed when the
	// subscription ends.
	Notifications() <-chan Notification

	// Err returns the reason the notifications channel was closed, or
	// nil if it is still open or was closed by Close.
	Err() error

	// Close ends the subscription.
	Close() error
}

// Notifier is implemented by stores that can push change notifications.
type Notifier interface {
	// SupportsNotifications reports whether the store is currently
	// configured to emit key change notifications.
	SupportsNotifications(ctx context.Context) (bool, error)

	// Subscribe starts a notification stream for every key in the store.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Store is a complete backing store.
type Store interface {
	Reader
	Notifier

	// Close releases the store's connections.
	Close() error
}
