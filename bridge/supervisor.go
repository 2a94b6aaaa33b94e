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

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/apex/log"
)

// ConnectionSupervisor keeps the store connection established
type ConnectionSupervisor interface {
	// RequestReconnect queue a reconnect attempt on the task processor
	RequestReconnect(ctxt context.Context) error
	// TryToReconnect connect if currently disconnected
	//
	// Must only be called from the task processor event loop.
	TryToReconnect(ctxt context.Context) error
}

// connectionSupervisorImpl implements ConnectionSupervisor
type connectionSupervisorImpl struct {
	common.Component
	conn    core.StoreConnection
	tp      common.TaskProcessor
	metrics *Metrics
}

// DefineConnectionSupervisor create new connection supervisor
func DefineConnectionSupervisor(
	conn core.StoreConnection, tp common.TaskProcessor, metrics *Metrics,
) (ConnectionSupervisor, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "connection-supervisor", "instance": conn.Target().Addr(),
	}
	instance := &connectionSupervisorImpl{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		tp:        tp,
		metrics:   metrics,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(reconnectRequest{}), instance.processReconnectRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// ----------------------------------------------------------------------------------------

type reconnectRequest struct {
	ctxt context.Context
}

// RequestReconnect queue a reconnect attempt on the task processor
func (s *connectionSupervisorImpl) RequestReconnect(ctxt context.Context) error {
	return s.tp.Submit(ctxt, reconnectRequest{ctxt: ctxt})
}

// processReconnectRequest support task processor, deal with reconnect request
func (s *connectionSupervisorImpl) processReconnectRequest(param interface{}) error {
	request, ok := param.(reconnectRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for reconnect", reflect.TypeOf(param),
		)
	}
	ctxt := request.ctxt
	if ctxt == nil {
		ctxt = context.Background()
	}
	return s.TryToReconnect(ctxt)
}

// TryToReconnect connect if currently disconnected
func (s *connectionSupervisorImpl) TryToReconnect(ctxt context.Context) error {
	if s.conn.IsConnected() {
		s.metrics.RecordConnectionState(true)
		return nil
	}
	err := s.conn.Connect(ctxt)
	s.metrics.RecordConnectAttempt(err)
	s.metrics.RecordConnectionState(s.conn.IsConnected())
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Reconnect failed (%s), retrying on next tick", core.KindOf(err),
		)
		return err
	}
	return nil
}
