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
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/events"
	"github.com/alwitt/eventbridge/subscription"
	"github.com/apex/log"
)

// PublishResult outcome of publishing one event
type PublishResult struct {
	// Index the allocated event index, 0 if none was allocated
	Index int64
	// Delivered the subscribers whose delivery list received the index
	Delivered []string
}

// EventPublisher turns one domain event into the sequence of store operations that
// persists it and hands it to its subscribers
type EventPublisher interface {
	// Submit queue an event for publishing on the task processor
	Submit(ctxt context.Context, event events.DomainEvent) error
	// Publish run the publish pipeline for one event on the calling goroutine
	//
	// Must only be called from the task processor event loop.
	Publish(ctxt context.Context, event events.DomainEvent) (PublishResult, error)
}

// PublisherKeys the store keys used by the publish pipeline
type PublisherKeys struct {
	prefix string
}

// NewPublisherKeys define the keys under a namespace prefix
func NewPublisherKeys(prefix string) PublisherKeys {
	return PublisherKeys{prefix: prefix}
}

// IndexCounter the counter allocating event indexes
func (k PublisherKeys) IndexCounter() string {
	return fmt.Sprintf("%s:event.idx", k.prefix)
}

// Event the key holding the body of an event
func (k PublisherKeys) Event(index int64) string {
	return fmt.Sprintf("%s:event.%d", k.prefix, index)
}

// DeliveryList the list receiving a subscriber's event indexes
func (k PublisherKeys) DeliveryList(subscriberID string) string {
	return fmt.Sprintf("%s:event:%s", k.prefix, subscriberID)
}

// eventPublisherImpl implements EventPublisher
type eventPublisherImpl struct {
	common.Component
	conn     core.StoreConnection
	tp       common.TaskProcessor
	registry subscription.Registry
	codec    events.EventCodec
	keys     PublisherKeys
	ttl      time.Duration
	metrics  *Metrics
}

// DefineEventPublisher create new event publisher
//
// The publisher installs its handler on tp, which must also be the only user of conn.
func DefineEventPublisher(
	conn core.StoreConnection,
	tp common.TaskProcessor,
	registry subscription.Registry,
	codec events.EventCodec,
	keyPrefix string,
	ttl time.Duration,
	metrics *Metrics,
) (EventPublisher, error) {
	if ttl < time.Second {
		return nil, fmt.Errorf("event TTL must be at least one second: %s", ttl)
	}
	logTags := log.Fields{
		"module": "bridge", "component": "event-publisher",
	}
	instance := &eventPublisherImpl{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		tp:        tp,
		registry:  registry,
		codec:     codec,
		keys:      NewPublisherKeys(keyPrefix),
		ttl:       ttl,
		metrics:   metrics,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(publishRequest{}), instance.processPublishRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// ----------------------------------------------------------------------------------------

type publishRequest struct {
	ctxt  context.Context
	event events.DomainEvent
}

// Submit queue an event for publishing on the task processor
func (p *eventPublisherImpl) Submit(ctxt context.Context, event events.DomainEvent) error {
	if err := p.tp.Submit(ctxt, publishRequest{ctxt: ctxt, event: event}); err != nil {
		p.metrics.RecordDropped(event.Type(), DropSubmit, 0)
		return err
	}
	return nil
}

// processPublishRequest support task processor, deal with publish request
func (p *eventPublisherImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(publishRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for event publish", reflect.TypeOf(param),
		)
	}
	ctxt := request.ctxt
	if ctxt == nil {
		ctxt = context.Background()
	}
	_, err := p.Publish(ctxt, request.event)
	return err
}

// dropConnection tear down the connection after a failed step
func (p *eventPublisherImpl) dropConnection() {
	if err := p.conn.Close(); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Failed to close store connection")
	}
	p.metrics.RecordConnectionState(false)
}

// Publish run the publish pipeline for one event
func (p *eventPublisherImpl) Publish(
	ctxt context.Context, event events.DomainEvent,
) (PublishResult, error) {
	result := PublishResult{Delivered: []string{}}
	eventType := event.Type()

	if !p.conn.IsConnected() {
		log.WithFields(p.LogTags).Debugf("Store not connected, dropping %s event", eventType)
		p.metrics.RecordDropped(eventType, DropDisconnected, 0)
		return result, core.ErrDisconnected
	}

	body, err := p.codec.Encode(event)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to encode %s event", eventType)
		p.metrics.RecordDropped(eventType, DropEncode, 0)
		return result, err
	}

	// Allocate the index
	counterKey := p.keys.IndexCounter()
	reply, err := p.conn.Execute(ctxt, "INCR", counterKey)
	if err == nil {
		result.Index, err = reply.Int64()
	}
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("INCR %s", counterKey)
		p.dropConnection()
		p.metrics.RecordDropped(eventType, DropIndex, 0)
		return result, err
	}
	p.metrics.RecordIndex(result.Index)

	// Persist the body before any subscriber can see the index
	eventKey := p.keys.Event(result.Index)
	if _, err := p.conn.Execute(ctxt, "SET", eventKey, body); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("SET %s", eventKey)
		p.dropConnection()
		p.metrics.RecordDropped(eventType, DropPersist, 0)
		return result, err
	}
	if _, err := p.conn.Execute(
		ctxt, "EXPIRE", eventKey, int64(p.ttl/time.Second),
	); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("EXPIRE %s", eventKey)
		p.dropConnection()
		p.metrics.RecordDropped(eventType, DropPersist, 0)
		return result, err
	}

	// Fan out
	indexText := core.FormatIndex(result.Index)
	for _, subscriberID := range p.registry.Lookup(eventType) {
		listKey := p.keys.DeliveryList(subscriberID)
		if _, err := p.conn.Execute(ctxt, "LPUSH", listKey, indexText); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"LPUSH %s, abandoning fan-out of event %d", listKey, result.Index,
			)
			p.dropConnection()
			p.metrics.RecordDropped(eventType, DropFanOut, len(result.Delivered))
			return result, err
		}
		result.Delivered = append(result.Delivered, subscriberID)
	}

	log.WithFields(p.LogTags).Debugf(
		"Published %s event %d to %d subscribers", eventType, result.Index, len(result.Delivered),
	)
	p.metrics.RecordPublished(eventType, result.Index, len(result.Delivered))
	return result, nil
}
