// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package redisstore is a store.Store backed by Redis. Change
// notifications come from Redis keyspace notifications, so push mode is
// only available when the server has them enabled.
package redisstore

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/redis/go-redis/v9"

	"github.com/juju/keyfeed/core/store"
)

var logger = loggo.GetLogger("keyfeed.store.redis")

// Config holds the connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Validate returns an error if the config cannot be used.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.NotValidf("empty Address")
	}
	if c.DB < 0 {
		return errors.NotValidf("negative DB")
	}
	return nil
}

// Store is a store.Store talking to one Redis database. The underlying
// client pools connections and is safe for concurrent use.
type Store struct {
	client *redis.Client
	db     int
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and checks the server answers.
func Open(ctx context.Context, config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Annotatef(err, "connecting to redis at %q", config.Address)
	}
	logger.Infof("connected to redis at %q, db %d", config.Address, config.DB)
	return &Store{
		client: client,
		db:     config.DB,
	}, nil
}

// Get is part of the store.Reader interface.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errors.NotFoundf("key %q", key)
	} else if err != nil {
		return "", errors.Annotatef(err, "reading %q", key)
	}
	return value, nil
}

// Scan is part of the store.Reader interface. The cursor is Redis's own
// SCAN cursor in decimal.
func (s *Store) Scan(ctx context.Context, p, cursor string, count int) ([]string, string, error) {
	var start uint64
	if cursor != "" {
		var err error
		if start, err = strconv.ParseUint(cursor, 10, 64); err != nil {
			return nil, "", errors.NotValidf("cursor %q", cursor)
		}
	}
	if count <= 0 {
		count = store.DefaultPageSize
	}
	keys, next, err := s.client.Scan(ctx, start, globPattern(p), int64(count)).Result()
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	if next == 0 {
		return keys, "", nil
	}
	return keys, strconv.FormatUint(next, 10), nil
}

// SupportsNotifications is part of the store.Notifier interface. It
// reports whether keyspace notifications are enabled for key events.
// A server that refuses CONFIG GET is treated as not supporting them.
func (s *Store) SupportsNotifications(ctx context.Context) (bool, error) {
	config, err := s.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		logger.Infof("cannot read notify-keyspace-events, assuming disabled: %v", err)
		return false, nil
	} else if err != nil {
		return false, errors.Annotate(err, "reading notify-keyspace-events")
	}
	return keyspaceEnabled(config["notify-keyspace-events"]), nil
}

// Subscribe is part of the store.Notifier interface.
func (s *Store) Subscribe(ctx context.Context) (store.Subscription, error) {
	channel := keyspacePrefix(s.db) + "*"
	pubsub := s.client.PSubscribe(ctx, channel)
	// Wait for the subscription to be confirmed so that a failure is
	// reported here rather than on the first notification.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Annotatef(err, "subscribing to %q", channel)
	}
	sub := &subscription{
		pubsub: pubsub,
		prefix: keyspacePrefix(s.db),
		ch:     make(chan store.Notification),
		done:   make(chan struct{}),
	}
	go sub.loop()
	return sub, nil
}

// Close is part of the store.Store interface.
func (s *Store) Close() error {
	return errors.Trace(s.client.Close())
}

// subscription relays keyspace notifications. Any receive failure ends
// it; go-redis would silently reconnect and lose the notifications sent
// in between.
type subscription struct {
	pubsub *redis.PubSub
	prefix string
	ch     chan store.Notification
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *subscription) loop() {
	defer close(s.ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.err = errors.Annotate(err, "receiving keyspace notification")
				s.mu.Unlock()
			}
			return
		}
		key, ok := parseKeyspaceChannel(s.prefix, msg.Channel)
		if !ok {
			logger.Debugf("ignoring message on %q", msg.Channel)
			continue
		}
		select {
		case s.ch <- store.Notification{Key: key, Kind: msg.Payload}:
		case <-s.done:
			return
		}
	}
}

// Notifications is part of the store.Subscription interface.
func (s *subscription) Notifications() <-chan store.Notification {
	return s.ch
}

// Err is part of the store.Subscription interface.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is part of the store.Subscription interface.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return errors.Trace(err)
}

func keyspacePrefix(db int) string {
	return "__keyspace@" + strconv.Itoa(db) + "__:"
}

// parseKeyspaceChannel returns the key a keyspace notification channel
// refers to.
func parseKeyspaceChannel(prefix, channel string) (string, bool) {
	if !strings.HasPrefix(channel, prefix) {
		return "", false
	}
	return channel[len(prefix):], true
}

// keyspaceEnabled reports whether a notify-keyspace-events setting
// publishes keyspace events for the commands that change string values.
func keyspaceEnabled(flags string) bool {
	if !strings.Contains(flags, "K") {
		return false
	}
	// "A" is an alias for "g$lshzxet".
	return strings.ContainsAny(flags, "A$g")
}

// globPattern turns a key pattern into a Redis MATCH glob. Only "*" is a
// wildcard in a key pattern, so every other glob metacharacter is escaped.
func globPattern(p string) string {
	var b strings.Builder
	for _, r := range p {
		switch r {
		case '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
