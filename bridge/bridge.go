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
	"sync"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/events"
	"github.com/alwitt/eventbridge/subscription"
	"github.com/apex/log"
)

// BridgeParams everything needed to define a Bridge
type BridgeParams struct {
	// Conn the store connection. The bridge becomes its only user.
	Conn core.StoreConnection
	// Bus the monitoring engine's event bus
	Bus events.EventBus
	// Codec the event body codec
	Codec events.EventCodec
	// KeyPrefix namespace of every store key
	KeyPrefix string
	// Config forwarding parameters
	Config common.BridgeConfig
	// Metrics optional metrics sink
	Metrics *Metrics
}

// Bridge forwards monitoring engine events into the key-value store
type Bridge struct {
	common.Component
	conn       core.StoreConnection
	config     common.BridgeConfig
	tp         common.TaskProcessor
	tpCancel   context.CancelFunc
	registry   subscription.Registry
	publisher  EventPublisher
	supervisor ConnectionSupervisor
	forwarder  EventForwarder
	metrics    *Metrics

	lock             sync.Mutex
	running          bool
	runtimeCancel    context.CancelFunc
	reconnectTrigger common.IntervalTimer
	refreshTrigger   common.IntervalTimer
}

// DefineBridge wire up a new bridge
//
// The bridge's task processor keeps the values of ctxt but not its cancellation. It runs
// until Stop, so the store connection is still closed from the task processor after the
// context driving the bridge has ended.
func DefineBridge(ctxt context.Context, params BridgeParams) (*Bridge, error) {
	if params.Conn == nil || params.Bus == nil {
		return nil, fmt.Errorf("bridge needs both a store connection and an event bus")
	}
	if params.Codec == nil {
		params.Codec = events.NewJSONEventCodec()
	}
	if params.Config.ReconnectInterval < 1 || params.Config.SubscriptionRefreshInterval < 1 {
		return nil, fmt.Errorf(
			"reconnect and refresh intervals must be positive: %d, %d",
			params.Config.ReconnectInterval,
			params.Config.SubscriptionRefreshInterval,
		)
	}
	logTags := log.Fields{
		"module": "bridge", "component": "bridge", "instance": params.Conn.Target().Addr(),
	}

	tpCtxt, tpCancel := context.WithCancel(context.WithoutCancel(ctxt))
	tp, err := common.GetNewTaskProcessorInstance(tpCtxt, "store-commands", params.Config.TaskQueueDepth)
	if err != nil {
		tpCancel()
		return nil, err
	}
	registry, err := subscription.DefineRegistry(
		params.Conn, tp, params.KeyPrefix, params.Metrics,
	)
	if err != nil {
		tpCancel()
		return nil, err
	}
	publisher, err := DefineEventPublisher(
		params.Conn, tp, registry, params.Codec, params.KeyPrefix, params.Config.TTL(), params.Metrics,
	)
	if err != nil {
		tpCancel()
		return nil, err
	}
	supervisor, err := DefineConnectionSupervisor(params.Conn, tp, params.Metrics)
	if err != nil {
		tpCancel()
		return nil, err
	}
	forwarder, err := DefineEventForwarder(params.Bus, publisher, params.Metrics)
	if err != nil {
		tpCancel()
		return nil, err
	}

	instance := &Bridge{
		Component:  common.Component{LogTags: logTags},
		conn:       params.Conn,
		config:     params.Config,
		tp:         tp,
		tpCancel:   tpCancel,
		registry:   registry,
		publisher:  publisher,
		supervisor: supervisor,
		forwarder:  forwarder,
		metrics:    params.Metrics,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(shutdownRequest{}), instance.processShutdownRequest,
	); err != nil {
		tpCancel()
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(flushRequest{}), instance.processFlushRequest,
	); err != nil {
		tpCancel()
		return nil, err
	}
	return instance, nil
}

// Registry the subscription registry
func (b *Bridge) Registry() subscription.Registry {
	return b.registry
}

// Publisher the event publisher
func (b *Bridge) Publisher() EventPublisher {
	return b.publisher
}

// Supervisor the connection supervisor
func (b *Bridge) Supervisor() ConnectionSupervisor {
	return b.supervisor
}

// IsStoreConnected whether the store connection is currently established
func (b *Bridge) IsStoreConnected() bool {
	return b.conn.IsConnected()
}

// Start start the bridge
//
// One reconnect attempt followed by one subscription refresh is queued immediately. After
// that both repeat on their own intervals.
func (b *Bridge) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.running {
		return fmt.Errorf("bridge already started")
	}
	runtimeCtxt, cancel := context.WithCancel(ctxt)

	if err := b.tp.StartEventLoop(wg); err != nil {
		cancel()
		return err
	}
	if err := b.supervisor.RequestReconnect(runtimeCtxt); err != nil {
		cancel()
		return err
	}
	if err := b.registry.RequestRefresh(runtimeCtxt); err != nil {
		cancel()
		return err
	}

	reconnectTrigger, err := common.GetIntervalTimerInstance(runtimeCtxt, wg, "store-reconnect")
	if err != nil {
		cancel()
		return err
	}
	if err := reconnectTrigger.Start(
		b.config.ReconnectPeriod(),
		func() error { return b.supervisor.RequestReconnect(runtimeCtxt) },
		false,
	); err != nil {
		cancel()
		return err
	}
	refreshTrigger, err := common.GetIntervalTimerInstance(runtimeCtxt, wg, "subscription-refresh")
	if err != nil {
		cancel()
		return err
	}
	if err := refreshTrigger.Start(
		b.config.RefreshPeriod(),
		func() error { return b.registry.RequestRefresh(runtimeCtxt) },
		false,
	); err != nil {
		cancel()
		return err
	}

	if err := b.forwarder.Start(runtimeCtxt, wg); err != nil {
		cancel()
		return err
	}

	b.reconnectTrigger = reconnectTrigger
	b.refreshTrigger = refreshTrigger
	b.runtimeCancel = cancel
	b.running = true
	log.WithFields(b.LogTags).Info("Bridge started")
	return nil
}

// ----------------------------------------------------------------------------------------

type shutdownRequest struct {
	resultCB func(error)
}

// processShutdownRequest support task processor, close the store connection
func (b *Bridge) processShutdownRequest(param interface{}) error {
	request, ok := param.(shutdownRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for shutdown", reflect.TypeOf(param),
		)
	}
	err := b.conn.Close()
	b.metrics.RecordConnectionState(false)
	if request.resultCB != nil {
		request.resultCB(err)
	}
	return err
}

// Stop stop the bridge
//
// Stops the triggers and the event forwarder, lets already queued work finish, then closes the
// store connection from the task processor. Once the triggers are stopped no further
// reconnect or refresh can be queued behind the close.
func (b *Bridge) Stop(ctxt context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.running {
		return nil
	}
	b.running = false
	if err := b.reconnectTrigger.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop reconnect trigger")
	}
	if err := b.refreshTrigger.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop refresh trigger")
	}
	if err := b.forwarder.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop event forwarder")
	}

	complete := make(chan error, 1)
	var closeErr error
	if err := b.tp.Submit(
		ctxt, shutdownRequest{resultCB: func(err error) { complete <- err }},
	); err != nil {
		closeErr = err
	} else {
		select {
		case closeErr = <-complete:
		case <-ctxt.Done():
			closeErr = ctxt.Err()
		}
	}
	if closeErr != nil {
		log.WithError(closeErr).WithFields(b.LogTags).Error("Store connection not cleanly closed")
	}

	if err := b.tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop task processor")
	}
	b.tpCancel()
	b.runtimeCancel()
	log.WithFields(b.LogTags).Info("Bridge stopped")
	return closeErr
}

// Flush wait until every store task queued before the call has finished
func (b *Bridge) Flush(ctxt context.Context) error {
	complete := make(chan struct{})
	if err := b.tp.Submit(ctxt, flushRequest{complete: complete}); err != nil {
		return err
	}
	select {
	case <-complete:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

type flushRequest struct {
	complete chan struct{}
}

// processFlushRequest support task processor, mark the position in the queue as reached
func (b *Bridge) processFlushRequest(param interface{}) error {
	request, ok := param.(flushRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for flush", reflect.TypeOf(param),
		)
	}
	close(request.complete)
	return nil
}
