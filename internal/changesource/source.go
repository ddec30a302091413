// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changesource detects changes in the backing store and surfaces
// them as a single stream of change events. Two implementations exist: one
// driven by the store's own change notifications and one that polls and
// diffs. Which one runs is decided once, when the source is created.
package changesource

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"

	"github.com/juju/keyfeed/core/change"
	"github.com/juju/keyfeed/core/store"
)

var logger = loggo.GetLogger("keyfeed.changesource")

// Mode identifies how changes are detected.
type Mode string

const (
	// ModeAuto asks the store whether it can push notifications and picks
	// ModePush or ModePoll accordingly.
	ModeAuto Mode = "auto"

	// ModePush subscribes to the store's change notifications.
	ModePush Mode = "push"

	// ModePoll periodically scans the store and diffs against a cache.
	ModePoll Mode = "poll"
)

// Validate returns an error if the mode is not known.
func (m Mode) Validate() error {
	switch m {
	case ModeAuto, ModePush, ModePoll:
		return nil
	}
	return errors.NotValidf("mode %q", string(m))
}

// State is the lifecycle state of a source.
type State string

const (
	// StateIdle is the state before the source has started work.
	StateIdle State = "idle"

	// StateSubscribed means a push source holds a store subscription.
	StateSubscribed State = "subscribed"

	// StateReceiving means a push source has handled a notification.
	StateReceiving State = "receiving"

	// StatePolling means a poll source is running its tick loop.
	StatePolling State = "polling"

	// StateFaulted means the source has stopped producing events.
	StateFaulted State = "faulted"

	// StateStopped means the source's worker has finished.
	StateStopped State = "stopped"
)

// StateTopic is the hub topic a source publishes a StateMessage on every
// time its state changes.
const StateTopic = "keyfeed.changesource.state"

// StateMessage is the payload published on StateTopic.
type StateMessage struct {
	Mode  Mode
	State State
	Error string
}

// Logger is the logging interface used by the sources.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// PatternSource supplies the set of patterns the poll source watches.
type PatternSource interface {
	PatternUnion() set.Strings
}

// Metrics records what a source observes. A nil Metrics in Config records
// nothing.
type Metrics interface {
	EventDetected(cause change.Cause)
	ScanFailed()
}

// Source is a worker producing change events.
type Source interface {
	worker.Worker

	// Changes returns the channel events are delivered on. It is never
	// closed; consumers select on it alongside their own lifetime.
	Changes() <-chan change.Event

	// Mode returns the detection mode the source runs in.
	Mode() Mode

	// State returns the current lifecycle state.
	State() State

	// Report returns a map describing the source for introspection.
	Report() map[string]interface{}
}

const (
	// DefaultPollInterval is used when Config.PollInterval is zero.
	DefaultPollInterval = 2 * time.Second

	// DefaultProbeAttempts is how many times the notification probe is
	// tried before giving up.
	DefaultProbeAttempts = 5

	// DefaultProbeDelay is the wait between probe attempts.
	DefaultProbeDelay = time.Second
)

// Config holds what a source needs to run.
type Config struct {
	// Store is read from and, in push mode, subscribed to.
	Store store.Store

	// Patterns supplies the union of active patterns for polling.
	Patterns PatternSource

	// Mode selects the detection mode. The empty mode means ModeAuto.
	Mode Mode

	// PollInterval is the time between poll ticks.
	PollInterval time.Duration

	// PageSize is the scan page size hint.
	PageSize int

	// ProbeAttempts and ProbeDelay control retrying the notification
	// probe in auto mode.
	ProbeAttempts int
	ProbeDelay    time.Duration

	Hub     *pubsub.SimpleHub
	Clock   clock.Clock
	Logger  Logger
	Metrics Metrics
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Patterns == nil {
		return errors.NotValidf("nil Patterns")
	}
	if config.Mode != "" {
		if err := config.Mode.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if config.PollInterval < 0 {
		return errors.NotValidf("negative PollInterval")
	}
	if config.PageSize < 0 {
		return errors.NotValidf("negative PageSize")
	}
	if config.ProbeAttempts < 0 {
		return errors.NotValidf("negative ProbeAttempts")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

func (config Config) withDefaults() Config {
	if config.Mode == "" {
		config.Mode = ModeAuto
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.PageSize == 0 {
		config.PageSize = store.DefaultPageSize
	}
	if config.ProbeAttempts == 0 {
		config.ProbeAttempts = DefaultProbeAttempts
	}
	if config.ProbeDelay == 0 {
		config.ProbeDelay = DefaultProbeDelay
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	return config
}

// New selects the detection mode and starts the matching source. The
// selection is final for the life of the returned source.
func New(ctx context.Context, config Config) (Source, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	config = config.withDefaults()

	mode, err := SelectMode(ctx, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	config.Logger.Infof("detecting changes in %s mode", mode)

	switch mode {
	case ModePush:
		return newPushSource(config)
	default:
		return newPollSource(config)
	}
}

// SelectMode returns the mode to run in. A configured push or poll mode is
// returned unchanged; auto mode probes the store, retrying failures.
func SelectMode(ctx context.Context, config Config) (Mode, error) {
	config = config.withDefaults()
	if config.Mode != ModeAuto {
		return config.Mode, nil
	}

	var supported bool
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			supported, err = config.Store.SupportsNotifications(ctx)
			return err
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			config.Logger.Warningf("probing store for notifications (attempt %d): %v", attempt, err)
		},
		Attempts: config.ProbeAttempts,
		Delay:    config.ProbeDelay,
		Clock:    config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return "", errors.Annotate(retry.LastError(err), "probing store for notifications")
	}
	if supported {
		return ModePush, nil
	}
	return ModePoll, nil
}

type noopMetrics struct{}

func (noopMetrics) EventDetected(change.Cause) {}
func (noopMetrics) ScanFailed()                {}
