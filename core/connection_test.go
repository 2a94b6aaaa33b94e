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

package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/core/coretest"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestStoreTarget(t *testing.T) {
	assert := assert.New(t)

	// Case 1: host and port
	{
		target := core.StoreTarget{Host: "localhost", Port: 6379}
		assert.Equal("tcp", target.Network())
		assert.Equal("localhost:6379", target.Addr())
	}

	// Case 2: path takes precedence
	{
		target := core.StoreTarget{Host: "localhost", Port: 6379, Path: "/tmp/redis.sock"}
		assert.Equal("unix", target.Network())
		assert.Equal("/tmp/redis.sock", target.Addr())
	}

	// Case 3: invalid targets
	{
		_, err := core.NewStoreConnection(core.StoreTarget{}, coretest.NewFakeStore("").Dial)
		assert.NotNil(err)
		_, err = core.NewStoreConnection(core.StoreTarget{Host: "localhost"}, nil)
		assert.NotNil(err)
	}
}

func TestStoreConnectionConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// Case 1: no password, no AUTH issued
	{
		store := coretest.NewFakeStore("")
		uut, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
		assert.Nil(err)
		assert.False(uut.IsConnected())
		assert.Nil(uut.Connect(utCtxt))
		assert.True(uut.IsConnected())
		assert.Empty(store.CommandsNamed("AUTH"))
		// Connecting again is a no-op
		assert.Nil(uut.Connect(utCtxt))
		assert.Equal(1, store.DialCount())
	}

	// Case 2: password configured, AUTH is the first command on the new connection
	{
		store := coretest.NewFakeStore("secret")
		uut, err := core.NewStoreConnection(
			core.StoreTarget{Host: "localhost", Port: 6379, Password: "secret"}, store.Dial,
		)
		assert.Nil(err)
		assert.Nil(uut.Connect(utCtxt))
		assert.True(uut.IsConnected())
		_, err = uut.Execute(utCtxt, "INCR", "counter")
		assert.Nil(err)
		commands := store.Commands()
		assert.Len(commands, 2)
		assert.Equal([]string{"AUTH", "secret"}, commands[0].Args)
		assert.Equal("INCR", commands[1].Name())
		assert.Len(store.CommandsNamed("AUTH"), 1)
	}

	// Case 3: wrong password
	{
		store := coretest.NewFakeStore("secret")
		uut, err := core.NewStoreConnection(
			core.StoreTarget{Host: "localhost", Port: 6379, Password: "wrong"}, store.Dial,
		)
		assert.Nil(err)
		err = uut.Connect(utCtxt)
		assert.NotNil(err)
		assert.Equal(core.KindAuthFailed, core.KindOf(err))
		assert.True(errors.Is(err, core.ErrAuthFailed))
		assert.False(uut.IsConnected())
		_, err = uut.Execute(utCtxt, "PING")
		assert.Equal(core.KindDisconnected, core.KindOf(err))
	}

	// Case 4: store unreachable
	{
		store := coretest.NewFakeStore("")
		store.SetUnreachable(true)
		uut, err := core.NewStoreConnection(core.StoreTarget{Path: "/tmp/redis.sock"}, store.Dial)
		assert.Nil(err)
		err = uut.Connect(utCtxt)
		assert.Equal(core.KindUnreachable, core.KindOf(err))
		assert.False(uut.IsConnected())
		// Recovers once reachable again
		store.SetUnreachable(false)
		assert.Nil(uut.Connect(utCtxt))
		assert.True(uut.IsConnected())
	}

	// Case 5: transport breaks during the handshake
	{
		store := coretest.NewFakeStore("")
		store.FailNext("PING", coretest.FailTransport)
		uut, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
		assert.Nil(err)
		err = uut.Connect(utCtxt)
		assert.Equal(core.KindUnreachable, core.KindOf(err))
		assert.False(uut.IsConnected())
	}
}

func TestStoreConnectionExecute(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	store := coretest.NewFakeStore("")
	uut, err := core.NewStoreConnection(core.StoreTarget{Host: "localhost", Port: 6379}, store.Dial)
	assert.Nil(err)

	// Case 0: nothing is sent while disconnected
	{
		_, err := uut.Execute(utCtxt, "INCR", "counter")
		assert.True(errors.Is(err, core.ErrDisconnected))
		assert.Empty(store.Commands())
	}

	assert.Nil(uut.Connect(utCtxt))

	// Case 1: integer reply
	{
		reply, err := uut.Execute(utCtxt, "INCR", "counter")
		assert.Nil(err)
		index, err := reply.Int64()
		assert.Nil(err)
		assert.Equal(int64(1), index)
		_, err = reply.Text()
		assert.Equal(core.KindProtocolError, core.KindOf(err))
	}

	// Case 2: error reply keeps the connection
	{
		store.FailNext("SET", coretest.FailWithErrorReply)
		_, err := uut.Execute(utCtxt, "SET", "key", "value")
		assert.Equal(core.KindProtocolError, core.KindOf(err))
		assert.True(uut.IsConnected())
	}

	// Case 3: broken transport drops the connection
	{
		store.FailNext("SET", coretest.FailTransport)
		_, err := uut.Execute(utCtxt, "SET", "key", "value")
		assert.Equal(core.KindDisconnected, core.KindOf(err))
		assert.False(uut.IsConnected())
		_, err = uut.Execute(utCtxt, "GET", "key")
		assert.Equal(core.KindDisconnected, core.KindOf(err))
	}

	// Case 4: reconnect over a new transport
	{
		assert.Nil(uut.Connect(utCtxt))
		assert.Equal(2, store.DialCount())
		reply, err := uut.Execute(utCtxt, "INCR", "counter")
		assert.Nil(err)
		index, err := reply.Int64()
		assert.Nil(err)
		assert.Equal(int64(2), index)
	}

	// Case 5: close is idempotent
	{
		assert.Nil(uut.Close())
		assert.False(uut.IsConnected())
		assert.Nil(uut.Close())
	}
}
