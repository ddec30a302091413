// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changesource

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/keyfeed/core/change"
	"github.com/juju/keyfeed/core/store"
)

// ErrSubscriptionClosed is recorded when the store ends a subscription
// without reporting why.
const ErrSubscriptionClosed = errors.ConstError("store subscription closed")

// pushSource turns store notifications into change events. It subscribes
// exactly once; when the subscription ends it faults and emits nothing
// more until it is killed.
type pushSource struct {
	base
	catacomb catacomb.Catacomb
}

func newPushSource(config Config) (*pushSource, error) {
	s := &pushSource{}
	s.init(config, ModePush)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *pushSource) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *pushSource) Wait() error {
	return s.catacomb.Wait()
}

// Report is part of the Source interface.
func (s *pushSource) Report() map[string]interface{} {
	return s.report()
}

func (s *pushSource) loop() error {
	defer s.setState(StateStopped, nil)

	ctx := s.catacomb.Context(context.Background())
	sub, err := s.config.Store.Subscribe(ctx)
	if err != nil {
		s.fault(errors.Annotate(err, "subscribing to store notifications"))
		<-s.catacomb.Dying()
		return s.catacomb.ErrDying()
	}
	defer func() {
		if err := sub.Close(); err != nil {
			s.config.Logger.Warningf("closing store subscription: %v", err)
		}
	}()
	s.setState(StateSubscribed, nil)

	notifications := sub.Notifications()
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case n, ok := <-notifications:
			if !ok {
				err := sub.Err()
				if err == nil {
					err = ErrSubscriptionClosed
				}
				s.fault(err)
				// Nothing more will arrive; wait to be killed.
				notifications = nil
				continue
			}
			s.setState(StateReceiving, nil)
			if !s.emit(s.resolve(ctx, n), s.catacomb.Dying()) {
				return s.catacomb.ErrDying()
			}
		}
	}
}

// resolve reads the current value of the notified key. A failed read
// yields an absent event rather than none.
func (s *pushSource) resolve(ctx context.Context, n store.Notification) change.Event {
	now := s.config.Clock.Now()
	value, err := s.config.Store.Get(ctx, n.Key)
	if err != nil {
		if !errors.IsNotFound(err) {
			s.config.Logger.Warningf("reading %q after %q notification: %v", n.Key, n.Kind, err)
		}
		return change.Absent(n.Key, change.Push, now)
	}
	return change.Updated(n.Key, value, change.Push, now)
}

func (s *pushSource) fault(err error) {
	s.config.Logger.Errorf("push change detection stopped: %v", err)
	s.setState(StateFaulted, err)
}
