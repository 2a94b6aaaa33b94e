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

package subscription

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/events"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// SubscriptionInfo one subscriber and the event kinds it wants
type SubscriptionInfo struct {
	// SubscriberID the subscriber
	SubscriberID string
	// EventTypes the event kinds the subscriber registered interest in
	EventTypes map[string]bool
}

// Wants whether the subscriber registered interest in the event kind
func (i SubscriptionInfo) Wants(eventType string) bool {
	return i.EventTypes[eventType]
}

// SubscriptionTable every known subscriber, by subscriber ID
//
// A table is never modified once installed; a refresh builds and installs a new one.
type SubscriptionTable map[string]SubscriptionInfo

// subscriptionFilter the stored form of a subscriber's filter
//
// The types list must be present but may be empty, in which case the subscriber matches
// no event.
type subscriptionFilter struct {
	Types []string `json:"types" validate:"required,dive,required"`
}

// ========================================================================================

// Registry holds the current subscription table, refreshed wholesale from the store
type Registry interface {
	// Refresh reload the table through the task processor and wait for the outcome
	Refresh(ctxt context.Context) error
	// RequestRefresh queue a reload without waiting for it
	RequestRefresh(ctxt context.Context) error
	// ProcessRefresh reload the table on the calling goroutine
	//
	// Must only be called from the task processor event loop.
	ProcessRefresh(ctxt context.Context) error
	// Lookup the IDs of every subscriber whose filter contains the event kind, sorted
	Lookup(eventType string) []string
	// Table the currently installed table
	Table() SubscriptionTable
	// Size number of subscribers in the installed table
	Size() int
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	conn     core.StoreConnection
	tp       common.TaskProcessor
	hashKey  string
	table    atomic.Pointer[SubscriptionTable]
	validate *validator.Validate
	metrics  RefreshObserver
}

// RefreshObserver receives the outcome of every refresh
type RefreshObserver interface {
	// RecordRefresh called after each refresh attempt that reached the store
	RecordRefresh(installed int, rejected int, err error)
}

// DefineRegistry create new subscription registry
//
// The registry installs its refresh handler on tp, which must also be the only user of conn.
func DefineRegistry(
	conn core.StoreConnection,
	tp common.TaskProcessor,
	keyPrefix string,
	observer RefreshObserver,
) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry",
	}
	instance := &registryImpl{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		tp:        tp,
		hashKey:   fmt.Sprintf("%s:subscription", keyPrefix),
		validate:  validator.New(),
		metrics:   observer,
	}
	empty := SubscriptionTable{}
	instance.table.Store(&empty)
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(refreshRequest{}), instance.processRefreshRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Table the currently installed table
func (r *registryImpl) Table() SubscriptionTable {
	return *r.table.Load()
}

// Size number of subscribers in the installed table
func (r *registryImpl) Size() int {
	return len(*r.table.Load())
}

// Lookup the IDs of every subscriber whose filter contains the event kind
func (r *registryImpl) Lookup(eventType string) []string {
	table := r.Table()
	result := []string{}
	for subscriberID, info := range table {
		if info.Wants(eventType) {
			result = append(result, subscriberID)
		}
	}
	sort.Strings(result)
	return result
}

// ----------------------------------------------------------------------------------------

type refreshRequest struct {
	ctxt     context.Context
	resultCB func(error)
}

// Refresh reload the table through the task processor and wait for the outcome
func (r *registryImpl) Refresh(ctxt context.Context) error {
	complete := make(chan error, 1)
	request := refreshRequest{
		ctxt:     ctxt,
		resultCB: func(err error) { complete <- err },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit refresh request")
		return err
	}
	select {
	case err := <-complete:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// RequestRefresh queue a reload without waiting for it
func (r *registryImpl) RequestRefresh(ctxt context.Context) error {
	return r.tp.Submit(ctxt, refreshRequest{ctxt: ctxt})
}

// processRefreshRequest support task processor, deal with refresh request
func (r *registryImpl) processRefreshRequest(param interface{}) error {
	request, ok := param.(refreshRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscription refresh", reflect.TypeOf(param),
		)
	}
	ctxt := request.ctxt
	if ctxt == nil {
		ctxt = context.Background()
	}
	err := r.ProcessRefresh(ctxt)
	if request.resultCB != nil {
		request.resultCB(err)
	}
	return err
}

// ProcessRefresh reload the table on the calling goroutine
func (r *registryImpl) ProcessRefresh(ctxt context.Context) error {
	if !r.conn.IsConnected() {
		log.WithFields(r.LogTags).Debug("Store not connected, skipping subscription refresh")
		return nil
	}
	reply, err := r.conn.Execute(ctxt, "HGETALL", r.hashKey)
	if err == nil {
		var pairs [][2]string
		if pairs, err = reply.StringPairs(); err == nil {
			installed, rejected := r.install(pairs)
			if r.metrics != nil {
				r.metrics.RecordRefresh(installed, rejected, nil)
			}
			return nil
		}
	}
	log.WithError(err).WithFields(r.LogTags).Errorf(
		"HGETALL %s failed, dropping connection", r.hashKey,
	)
	if closeErr := r.conn.Close(); closeErr != nil {
		log.WithError(closeErr).WithFields(r.LogTags).Error("Failed to close store connection")
	}
	if r.metrics != nil {
		r.metrics.RecordRefresh(0, 0, err)
	}
	return err
}

// install build and install a new table from subscriber records
func (r *registryImpl) install(pairs [][2]string) (int, int) {
	table := make(SubscriptionTable, len(pairs))
	rejected := 0
	for _, pair := range pairs {
		info, err := r.decodeRecord(pair[0], pair[1])
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Skipping subscription record of %s", pair[0],
			)
			rejected++
			continue
		}
		table[info.SubscriberID] = info
	}
	r.table.Store(&table)
	log.WithFields(r.LogTags).Debugf(
		"Installed subscription table with %d subscribers (%d rejected)", len(table), rejected,
	)
	return len(table), rejected
}

// decodeRecord parse one subscriber record
func (r *registryImpl) decodeRecord(subscriberID string, raw string) (SubscriptionInfo, error) {
	fail := func(cause error) error {
		return &core.StoreError{
			Kind:    core.KindDecodeError,
			Command: "HGETALL",
			Err:     fmt.Errorf("subscriber %s: %w", subscriberID, cause),
		}
	}
	if len(subscriberID) == 0 {
		return SubscriptionInfo{}, fail(fmt.Errorf("empty subscriber ID"))
	}
	var filter subscriptionFilter
	if err := json.Unmarshal([]byte(raw), &filter); err != nil {
		return SubscriptionInfo{}, fail(err)
	}
	if err := r.validate.Struct(&filter); err != nil {
		return SubscriptionInfo{}, fail(err)
	}
	types := make(map[string]bool, len(filter.Types))
	for _, eventType := range filter.Types {
		if !events.IsAllowedEventType(eventType) {
			return SubscriptionInfo{}, fail(fmt.Errorf("unrecognized event type %s", eventType))
		}
		types[eventType] = true
	}
	return SubscriptionInfo{SubscriberID: subscriberID, EventTypes: types}, nil
}
