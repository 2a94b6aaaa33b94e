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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/core/coretest"
	"github.com/alwitt/eventbridge/events"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type refreshOutcome struct {
	installed int
	rejected  int
	err       error
}

type testRefreshObserver struct {
	lock     sync.Mutex
	outcomes []refreshOutcome
}

func (o *testRefreshObserver) RecordRefresh(installed int, rejected int, err error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.outcomes = append(o.outcomes, refreshOutcome{installed, rejected, err})
}

func (o *testRefreshObserver) last() refreshOutcome {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.outcomes[len(o.outcomes)-1]
}

func (o *testRefreshObserver) count() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.outcomes)
}

func TestRegistryRefresh(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	store := coretest.NewFakeStore("")
	conn, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
	assert.Nil(err)

	tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test", 4)
	assert.Nil(err)
	observer := &testRefreshObserver{}
	uut, err := DefineRegistry(conn, tp, "icinga", observer)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	// Case 0: nothing loaded yet
	assert.Empty(uut.Table())
	assert.Empty(uut.Lookup("StateChange"))

	// Case 1: refresh while disconnected is a no-op
	{
		store.HSet("icinga:subscription", "ops-team", `{"types":["StateChange","Notification"]}`)
		assert.Nil(uut.Refresh(utCtxt))
		assert.Empty(uut.Table())
		assert.Empty(store.Commands())
		assert.Equal(0, observer.count())
	}

	assert.Nil(conn.Connect(utCtxt))

	// Case 2: one malformed record among well-formed records
	{
		store.HSet("icinga:subscription", "billing", `{"types":["CommentAdded"]}`)
		store.HSet("icinga:subscription", "broken", `{"types":`)
		store.HSet("icinga:subscription", "unknown-type", `{"types":["ObjectCreated"]}`)
		store.HSet("icinga:subscription", "no-types", `{"kinds":["StateChange"]}`)
		assert.Nil(uut.Refresh(utCtxt))
		table := uut.Table()
		assert.Len(table, 2)
		assert.Equal(2, uut.Size())
		assert.True(table["ops-team"].Wants("StateChange"))
		assert.True(table["ops-team"].Wants("Notification"))
		assert.False(table["ops-team"].Wants("CommentAdded"))
		assert.True(table["billing"].Wants("CommentAdded"))
		outcome := observer.last()
		assert.Equal(2, outcome.installed)
		assert.Equal(3, outcome.rejected)
		assert.Nil(outcome.err)
		assert.Len(store.CommandsNamed("HGETALL"), 1)
	}

	// Case 3: lookup by event kind
	{
		assert.Equal([]string{"ops-team"}, uut.Lookup("StateChange"))
		assert.Equal([]string{"billing"}, uut.Lookup("CommentAdded"))
		assert.Empty(uut.Lookup("DowntimeAdded"))
	}

	// Case 4: the table is replaced wholesale
	{
		store.HDel("icinga:subscription", "billing")
		store.HDel("icinga:subscription", "broken")
		store.HDel("icinga:subscription", "unknown-type")
		store.HDel("icinga:subscription", "no-types")
		store.HSet("icinga:subscription", "noc", `{"types":["StateChange"]}`)
		assert.Nil(uut.Refresh(utCtxt))
		assert.Len(uut.Table(), 2)
		assert.Equal([]string{"noc", "ops-team"}, uut.Lookup("StateChange"))
		assert.Empty(uut.Lookup("CommentAdded"))
	}

	// Case 5: a failing read keeps the previous table and drops the connection
	{
		before := uut.Table()
		store.FailNext("HGETALL", coretest.FailWithErrorReply)
		err := uut.Refresh(utCtxt)
		assert.Equal(core.KindProtocolError, core.KindOf(err))
		assert.False(conn.IsConnected())
		assert.Equal(before, uut.Table())
		assert.NotNil(observer.last().err)
	}

	// Case 6: disconnected refresh leaves the table as it was
	{
		before := uut.Table()
		store.HSet("icinga:subscription", "late", `{"types":["StateChange"]}`)
		assert.Nil(uut.Refresh(utCtxt))
		assert.Equal(before, uut.Table())
	}

	// Case 7: fire-and-forget refresh through the task processor
	{
		assert.Nil(conn.Connect(utCtxt))
		assert.Nil(uut.RequestRefresh(utCtxt))
		assert.Eventually(func() bool {
			return len(uut.Lookup("StateChange")) == 3
		}, time.Second, time.Millisecond*10)
	}
}

func TestRegistryEmptySubscriberID(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := coretest.NewFakeStore("")
	conn, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test", 4)
	assert.Nil(err)
	uut, err := DefineRegistry(conn, tp, "icinga", nil)
	assert.Nil(err)
	assert.Nil(conn.Connect(utCtxt))

	store.HSet("icinga:subscription", "", `{"types":["StateChange"]}`)
	store.HSet("icinga:subscription", "ops", `{"types":[""]}`)
	// Processing directly on this goroutine, the event loop is not running
	assert.Nil(uut.ProcessRefresh(utCtxt))
	assert.Empty(uut.Table())
}

func TestRegistryEmptyTypeList(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := coretest.NewFakeStore("")
	conn, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test", 4)
	assert.Nil(err)
	uut, err := DefineRegistry(conn, tp, "icinga", nil)
	assert.Nil(err)
	assert.Nil(conn.Connect(utCtxt))

	store.HSet("icinga:subscription", "noc", `{"types":[]}`)
	store.HSet("icinga:subscription", "ops", `{"types":["StateChange"]}`)
	assert.Nil(uut.ProcessRefresh(utCtxt))

	// Case 0: an empty list is a valid subscriber
	table := uut.Table()
	assert.Len(table, 2)
	noc, ok := table["noc"]
	assert.True(ok)
	assert.Empty(noc.EventTypes)

	// Case 1: which matches no event kind
	for _, eventType := range events.AllowedEventTypes {
		assert.False(noc.Wants(eventType))
		assert.NotContains(uut.Lookup(eventType), "noc")
	}
	assert.Equal([]string{"ops"}, uut.Lookup(events.TypeStateChange))
}
