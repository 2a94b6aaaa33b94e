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

package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/events"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// EventForwarder drains the monitoring engine's event queue into the publisher
type EventForwarder interface {
	// Start begin forwarding events until ctxt is cancelled or the queue is closed
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// QueueName name of the event queue being drained
	QueueName() string
	// Stop close the event queue
	Stop() error
}

// eventForwarderImpl implements EventForwarder
type eventForwarderImpl struct {
	common.Component
	queue     events.EventQueue
	publisher EventPublisher
	metrics   *Metrics
}

// DefineEventForwarder subscribe to every allowed event type on the bus
func DefineEventForwarder(
	bus events.EventBus, publisher EventPublisher, metrics *Metrics,
) (EventForwarder, error) {
	queueName := uuid.New().String()
	queue, err := bus.Subscribe(queueName, events.AllowedEventTypes)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "bridge", "component": "event-forwarder", "instance": queueName,
	}
	return &eventForwarderImpl{
		Component: common.Component{LogTags: logTags},
		queue:     queue,
		publisher: publisher,
		metrics:   metrics,
	}, nil
}

// QueueName name of the event queue being drained
func (f *eventForwarderImpl) QueueName() string {
	return f.queue.Name()
}

// Stop close the event queue
func (f *eventForwarderImpl) Stop() error {
	return f.queue.Close()
}

// Start begin forwarding events
func (f *eventForwarderImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(f.LogTags).Info("Event forwarding loop exiting")
		log.WithFields(f.LogTags).Info("Event forwarding loop started")
		for {
			event, err := f.queue.WaitForEvent(ctxt)
			if err != nil {
				if ctxt.Err() != nil || errors.Is(err, events.ErrQueueClosed) {
					return
				}
				log.WithError(err).WithFields(f.LogTags).Error("Failed to read event queue")
				continue
			}
			f.metrics.RecordReceived(event.Type())
			if err := f.publisher.Submit(ctxt, event); err != nil {
				if ctxt.Err() != nil {
					return
				}
				log.WithError(err).WithFields(f.LogTags).Errorf("Unable to queue %s for publishing", event)
			}
		}
	}()
	return nil
}
