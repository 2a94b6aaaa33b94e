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

package core

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func miniredisTarget(t *testing.T, server *miniredis.Miniredis, password string) StoreTarget {
	port, err := strconv.ParseUint(server.Port(), 10, 16)
	assert.Nil(t, err)
	return StoreTarget{
		Host:         server.Host(),
		Port:         uint16(port),
		Password:     password,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

func TestRedisTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	server := miniredis.RunT(t)

	uut, err := NewStoreConnection(miniredisTarget(t, server, ""), DialRedis)
	assert.Nil(err)
	assert.Nil(uut.Connect(utCtxt))
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Case 1: counter
	{
		reply, err := uut.Execute(utCtxt, "INCR", "icinga:event.idx")
		assert.Nil(err)
		index, err := reply.Int64()
		assert.Nil(err)
		assert.Equal(int64(1), index)
	}

	// Case 2: value with expiration
	{
		_, err := uut.Execute(utCtxt, "SET", "icinga:event.1", `{"type":"StateChange"}`)
		assert.Nil(err)
		_, err = uut.Execute(utCtxt, "EXPIRE", "icinga:event.1", 3600)
		assert.Nil(err)
		value, err := server.Get("icinga:event.1")
		assert.Nil(err)
		assert.Equal(`{"type":"StateChange"}`, value)
		assert.Equal(time.Hour, server.TTL("icinga:event.1"))
	}

	// Case 3: list push
	{
		_, err := uut.Execute(utCtxt, "LPUSH", "icinga:event:ops", "1")
		assert.Nil(err)
		_, err = uut.Execute(utCtxt, "LPUSH", "icinga:event:ops", "2")
		assert.Nil(err)
		values, err := server.List("icinga:event:ops")
		assert.Nil(err)
		assert.Equal([]string{"2", "1"}, values)
	}

	// Case 4: hash read
	{
		server.HSet("icinga:subscription", "ops", `{"types":["StateChange"]}`)
		reply, err := uut.Execute(utCtxt, "HGETALL", "icinga:subscription")
		assert.Nil(err)
		pairs, err := reply.StringPairs()
		assert.Nil(err)
		assert.Equal([][2]string{{"ops", `{"types":["StateChange"]}`}}, pairs)
	}

	// Case 5: error reply
	{
		_, err := uut.Execute(utCtxt, "INCR", "icinga:event.1")
		assert.Equal(KindProtocolError, KindOf(err))
		assert.True(uut.IsConnected())
	}

	// Case 6: missing key gives a nil reply
	{
		reply, err := uut.Execute(utCtxt, "GET", "icinga:event.missing")
		assert.Nil(err)
		assert.Nil(reply.Raw())
		assert.True(uut.IsConnected())
	}

	// Case 7: server goes away
	{
		server.Close()
		_, err := uut.Execute(utCtxt, "INCR", "icinga:event.idx")
		assert.Equal(KindDisconnected, KindOf(err))
		assert.False(uut.IsConnected())
		assert.Equal(KindUnreachable, KindOf(uut.Connect(utCtxt)))
	}
}

func TestRedisTransportAuth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	server := miniredis.RunT(t)
	server.RequireAuth("secret")

	// Case 1: wrong password
	{
		uut, err := NewStoreConnection(miniredisTarget(t, server, "wrong"), DialRedis)
		assert.Nil(err)
		err = uut.Connect(utCtxt)
		assert.Equal(KindAuthFailed, KindOf(err))
		assert.False(uut.IsConnected())
	}

	// Case 2: correct password
	{
		uut, err := NewStoreConnection(miniredisTarget(t, server, "secret"), DialRedis)
		assert.Nil(err)
		assert.Nil(uut.Connect(utCtxt))
		assert.True(uut.IsConnected())
		reply, err := uut.Execute(utCtxt, "INCR", "icinga:event.idx")
		assert.Nil(err)
		index, err := reply.Int64()
		assert.Nil(err)
		assert.Equal(int64(1), index)
		assert.Nil(uut.Close())
	}
}
