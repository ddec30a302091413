// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"time"

	"github.com/juju/keyfeed/core/change"
)

// Message kinds on the feed websocket.
const (
	KindSnapshot  = "snapshot"
	KindUpdate    = "update"
	KindSubscribe = "subscribe"
)

// SnapshotMessage lists the keys currently matched by a connection's
// patterns, in ascending order.
type SnapshotMessage struct {
	Kind string   `json:"kind"`
	Keys []string `json:"keys"`
}

// UpdateMessage reports one change. Value is null when the key was
// deleted or could not be read.
type UpdateMessage struct {
	Kind       string  `json:"kind"`
	Key        string  `json:"key"`
	Value      *string `json:"value"`
	Cause      string  `json:"cause"`
	DetectedAt string  `json:"detected-at"`
}

// SubscribeMessage replaces the sender's active patterns. Patterns must
// be present; an empty list unsubscribes from everything.
type SubscribeMessage struct {
	Kind     string   `json:"kind"`
	Patterns []string `json:"patterns"`
}

func newSnapshotMessage(keys []string) SnapshotMessage {
	if keys == nil {
		keys = []string{}
	}
	return SnapshotMessage{
		Kind: KindSnapshot,
		Keys: keys,
	}
}

func newUpdateMessage(ev change.Event) UpdateMessage {
	msg := UpdateMessage{
		Kind:       KindUpdate,
		Key:        ev.Key,
		Cause:      string(ev.Cause),
		DetectedAt: ev.DetectedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.Exists {
		value := ev.Value
		msg.Value = &value
	}
	return msg
}
