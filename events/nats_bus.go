// Copyright 2022 The eventbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSEventBus EventBus fed by the monitoring engine over NATS
//
// Each event kind travels on its own subject, "<subject prefix>.<event type>", so a queue
// only ever receives the kinds it subscribed to.
type NATSEventBus struct {
	common.Component
	nc            *nats.Conn
	subjectPrefix string
	codec         EventCodec
}

// NewNATSEventBus define a new NATSEventBus
func NewNATSEventBus(
	client *core.NatsClient, subjectPrefix string, codec EventCodec,
) (*NATSEventBus, error) {
	if client == nil || client.NATs() == nil {
		return nil, fmt.Errorf("no NATS client provided")
	}
	if len(subjectPrefix) == 0 {
		return nil, fmt.Errorf("subject prefix is required")
	}
	logTags := log.Fields{
		"module": "events", "component": "nats-event-bus", "instance": subjectPrefix,
	}
	return &NATSEventBus{
		Component:     common.Component{LogTags: logTags},
		nc:            client.NATs(),
		subjectPrefix: subjectPrefix,
		codec:         codec,
	}, nil
}

// SubjectFor the subject carrying one event kind
func (b *NATSEventBus) SubjectFor(eventType string) string {
	return fmt.Sprintf("%s.%s", b.subjectPrefix, eventType)
}

// Publish send an event onto the bus
func (b *NATSEventBus) Publish(ctxt context.Context, event DomainEvent) error {
	body, err := b.codec.Encode(event)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.SubjectFor(event.Type()), body); err != nil {
		return err
	}
	return b.nc.FlushWithContext(ctxt)
}

// Subscribe define a new queue receiving only events of the listed kinds
//
// The queue is one synchronous subscription on "<subject prefix>.*". Messages wait in the
// subscription's pending buffer, bounded by the NATS client pending limits, until read by
// WaitForEvent.
func (b *NATSEventBus) Subscribe(name string, types []string) (EventQueue, error) {
	typeSet, err := validateQueueTypes(types)
	if err != nil {
		return nil, err
	}
	logTags := b.GetLogTags(log.Fields{"queue": name})
	subject := fmt.Sprintf("%s.*", b.subjectPrefix)
	sub, err := b.nc.SubscribeSync(subject)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	if err := b.nc.Flush(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to flush subscription")
		_ = sub.Unsubscribe()
		return nil, err
	}
	log.WithFields(logTags).Infof("Subscribed to %s for %d event types", subject, len(typeSet))
	return &natsEventQueue{
		name:          name,
		sub:           sub,
		types:         typeSet,
		subjectPrefix: b.subjectPrefix + ".",
		codec:         b.codec,
		logTags:       logTags,
	}, nil
}

// natsEventQueue EventQueue on a NATSEventBus
type natsEventQueue struct {
	name          string
	sub           *nats.Subscription
	types         map[string]bool
	subjectPrefix string
	codec         EventCodec
	closed        atomic.Bool
	logTags       log.Fields
}

func (q *natsEventQueue) Name() string {
	return q.name
}

// WaitForEvent block until the next event of a subscribed kind arrives
//
// Messages for other kinds, undecodable bodies, and bodies whose type does not match their
// subject are logged and skipped.
func (q *natsEventQueue) WaitForEvent(ctxt context.Context) (DomainEvent, error) {
	for {
		msg, err := q.sub.NextMsgWithContext(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return DomainEvent{}, ctxt.Err()
			}
			if q.closed.Load() ||
				errors.Is(err, nats.ErrBadSubscription) ||
				errors.Is(err, nats.ErrConnectionClosed) {
				return DomainEvent{}, ErrQueueClosed
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				log.WithError(err).WithFields(q.logTags).Error("Events dropped by NATS client")
				continue
			}
			return DomainEvent{}, err
		}
		subjectType := strings.TrimPrefix(msg.Subject, q.subjectPrefix)
		if !q.types[subjectType] {
			continue
		}
		event, err := q.codec.Decode(msg.Data)
		if err != nil {
			log.WithError(err).WithFields(q.logTags).Errorf("Unable to decode event on %s", msg.Subject)
			continue
		}
		if event.Type() != subjectType {
			log.WithFields(q.logTags).Errorf(
				"Dropping %s event received on %s", event.Type(), msg.Subject,
			)
			continue
		}
		return event, nil
	}
}

func (q *natsEventQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if err := q.sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(q.logTags).Errorf("Unsubscribe %s failed", q.sub.Subject)
		return err
	}
	return nil
}
