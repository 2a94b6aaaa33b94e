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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/core/coretest"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSupervisorReconnectWithoutPassword(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	store := coretest.NewFakeStore("")
	conn, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test", 4)
	assert.Nil(err)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)
	uut, err := DefineConnectionSupervisor(conn, tp, metrics)
	assert.Nil(err)

	// Case 0: store unreachable
	{
		store.SetUnreachable(true)
		err := uut.TryToReconnect(utCtxt)
		assert.NotNil(err)
		assert.Equal(core.KindUnreachable, core.KindOf(err))
		assert.False(conn.IsConnected())
		assert.Equal(1.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues("failure")))
		assert.Equal(0.0, testutil.ToFloat64(metrics.storeConnected))
	}

	// Case 1: reconnect with no password issues no AUTH
	{
		store.SetUnreachable(false)
		assert.Nil(uut.TryToReconnect(utCtxt))
		assert.True(conn.IsConnected())
		assert.Empty(store.CommandsNamed("AUTH"))
		assert.Equal(1, store.DialCount())
		assert.Equal(1.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues("success")))
		assert.Equal(1.0, testutil.ToFloat64(metrics.storeConnected))
	}

	// Case 2: already connected
	{
		assert.Nil(uut.TryToReconnect(utCtxt))
		assert.Equal(1, store.DialCount())
		assert.Equal(1.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues("success")))
	}
}

func TestSupervisorReconnectWithPassword(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	store := coretest.NewFakeStore("s3cret")

	// Case 0: wrong credential
	{
		conn, err := core.NewStoreConnection(
			core.StoreTarget{Host: "localhost", Port: 6379, Password: "wrong"}, store.Dial,
		)
		assert.Nil(err)
		tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test-0", 4)
		assert.Nil(err)
		uut, err := DefineConnectionSupervisor(conn, tp, nil)
		assert.Nil(err)
		err = uut.TryToReconnect(utCtxt)
		assert.NotNil(err)
		assert.Equal(core.KindAuthFailed, core.KindOf(err))
		assert.False(conn.IsConnected())
	}

	store.ResetCommands()

	// Case 1: exactly one AUTH precedes every other command on the new connection
	{
		conn, err := core.NewStoreConnection(
			core.StoreTarget{Host: "localhost", Port: 6379, Password: "s3cret"}, store.Dial,
		)
		assert.Nil(err)
		tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test-1", 4)
		assert.Nil(err)
		uut, err := DefineConnectionSupervisor(conn, tp, nil)
		assert.Nil(err)
		assert.Nil(uut.TryToReconnect(utCtxt))
		assert.True(conn.IsConnected())
		_, err = conn.Execute(utCtxt, "INCR", "icinga:event.idx")
		assert.Nil(err)

		commands := store.Commands()
		assert.Len(commands, 2)
		assert.Equal([]string{"AUTH", "s3cret"}, commands[0].Args)
		assert.Equal("INCR", commands[1].Name())
		assert.Equal(commands[0].Conn, commands[1].Conn)
		assert.Len(store.CommandsNamed("AUTH"), 1)
	}
}

func TestSupervisorThroughTaskProcessor(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	store := coretest.NewFakeStore("")
	conn, err := core.NewStoreConnection(core.StoreTarget{Path: "/run/redis/redis.sock"}, store.Dial)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance(utCtxt, "unit-test", 4)
	assert.Nil(err)
	uut, err := DefineConnectionSupervisor(conn, tp, nil)
	assert.Nil(err)

	assert.Nil(tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	assert.Nil(uut.RequestReconnect(utCtxt))
	assert.Eventually(conn.IsConnected, time.Second*5, time.Millisecond*10)

	// Connection torn down by a broken transport comes back on the next request
	store.FailNext("PING", coretest.FailTransport)
	_, err = conn.Execute(utCtxt, "PING")
	assert.NotNil(err)
	assert.False(conn.IsConnected())
	assert.Nil(uut.RequestReconnect(utCtxt))
	assert.Eventually(conn.IsConnected, time.Second*5, time.Millisecond*10)
	assert.Equal(2, store.DialCount())
}
