// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storetesting provides an in-memory store.Store for tests, with
// scripted notifications and fault injection.
package storetesting

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/keyfeed/core/pattern"
	"github.com/juju/keyfeed/core/store"
)

// Store is an in-memory store. The zero value is not usable; call NewStore.
type Store struct {
	mu sync.Mutex

	values        map[string]string
	notifications bool
	probeErr      error
	subscribeErr  error
	getErrs       map[string]error
	scanErrs      map[string]error
	subs          []*Subscription
	closed        bool

	getCalls  int
	scanCalls int
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty store. The notifications flag is what
// SupportsNotifications will report.
func NewStore(notifications bool) *Store {
	return &Store{
		values:        make(map[string]string),
		notifications: notifications,
		getErrs:       make(map[string]error),
		scanErrs:      make(map[string]error),
	}
}

// Set stores value under key and notifies subscribers.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	subs := append([]*Subscription(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.send(store.Notification{Key: key, Kind: "set"})
	}
}

// Delete removes key and notifies subscribers.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	subs := append([]*Subscription(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.send(store.Notification{Key: key, Kind: "del"})
	}
}

// SetQuietly stores value under key without notifying anyone, mimicking a
// store change the notification stream missed.
func (s *Store) SetQuietly(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// SetProbeError makes SupportsNotifications fail with err.
func (s *Store) SetProbeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
}

// SetSubscribeError makes Subscribe fail with err.
func (s *Store) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// SetGetError makes Get of key fail with err. A nil err clears it.
func (s *Store) SetGetError(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.getErrs, key)
		return
	}
	s.getErrs[key] = err
}

// SetScanError makes Scan of pattern fail with err. A nil err clears it.
func (s *Store) SetScanError(p string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.scanErrs, p)
		return
	}
	s.scanErrs[p] = err
}

// GetCalls returns how many times Get has been called.
func (s *Store) GetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

// ScanCalls returns how many times Scan has been called.
func (s *Store) ScanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanCalls
}

// Subscriptions returns the subscriptions handed out so far.
func (s *Store) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subs...)
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get is part of the store.Reader interface.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if err := s.getErrs[key]; err != nil {
		return "", err
	}
	value, ok := s.values[key]
	if !ok {
		return "", errors.NotFoundf("key %q", key)
	}
	return value, nil
}

// Scan is part of the store.Reader interface. The cursor is the index of
// the next key in sorted order.
func (s *Store) Scan(ctx context.Context, p, cursor string, count int) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanCalls++
	if err := s.scanErrs[p]; err != nil {
		return nil, "", err
	}

	start := 0
	if cursor != "" {
		var err error
		if start, err = strconv.Atoi(cursor); err != nil {
			return nil, "", errors.NotValidf("cursor %q", cursor)
		}
	}
	if count <= 0 {
		count = store.DefaultPageSize
	}

	compiled := pattern.Compile(p)
	all := make([]string, 0, len(s.values))
	for key := range s.values {
		all = append(all, key)
	}
	sort.Strings(all)

	var page []string
	end := start + count
	if end > len(all) {
		end = len(all)
	}
	for _, key := range all[start:end] {
		if compiled.Match(key) {
			page = append(page, key)
		}
	}
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// SupportsNotifications is part of the store.Notifier interface.
func (s *Store) SupportsNotifications(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeErr != nil {
		return false, s.probeErr
	}
	return s.notifications, nil
}

// Subscribe is part of the store.Notifier interface.
func (s *Store) Subscribe(ctx context.Context) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	if !s.notifications {
		return nil, errors.NotSupportedf("notifications")
	}
	sub := &Subscription{
		ch: make(chan store.Notification, 1024),
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Close is part of the store.Store interface.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Subscription is the store.Subscription handed out by Store.
type Subscription struct {
	mu     sync.Mutex
	ch     chan store.Notification
	err    error
	closed bool
}

// Notifications is part of the store.Subscription interface.
func (s *Subscription) Notifications() <-chan store.Notification {
	return s.ch
}

// Err is part of the store.Subscription interface.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is part of the store.Subscription interface.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Drop ends the subscription as though the connection to the store was
// lost with err.
func (s *Subscription) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}

// Notify sends a notification without touching any value, mimicking a
// notification for a key that changed again before it was read.
func (s *Subscription) Notify(n store.Notification) {
	s.send(n)
}

func (s *Subscription) send(n store.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- n
}
