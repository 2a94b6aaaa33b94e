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
	"errors"

	"github.com/redis/go-redis/v9"
)

// redisTransport StoreTransport over one sticky go-redis connection
type redisTransport struct {
	client *redis.Client
	conn   *redis.Conn
}

// DialRedis TransportDialer for a Redis server
//
// The client is restricted to one pooled connection without retries so every command goes
// over the same socket and failures surface immediately instead of being hidden by the
// client's own reconnect logic.
func DialRedis(ctxt context.Context, target StoreTarget) (StoreTransport, error) {
	client := redis.NewClient(&redis.Options{
		Network:               target.Network(),
		Addr:                  target.Addr(),
		Protocol:              2,
		DialTimeout:           target.DialTimeout,
		ReadTimeout:           target.ReadTimeout,
		WriteTimeout:          target.WriteTimeout,
		ContextTimeoutEnabled: true,
		PoolSize:              1,
		MinIdleConns:          0,
		MaxRetries:            -1,
		DisableIndentity:      true,
	})
	return &redisTransport{client: client, conn: client.Conn()}, nil
}

// Do send one request and wait for its reply
func (t *redisTransport) Do(ctxt context.Context, args ...interface{}) (interface{}, error) {
	cmd := redis.NewCmd(ctxt, args...)
	_ = t.conn.Process(ctxt, cmd)
	value, err := cmd.Result()
	if err == nil {
		return value, nil
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return nil, ServerError{Message: err.Error()}
	}
	return nil, err
}

// Close release the connection and its client
func (t *redisTransport) Close() error {
	connErr := t.conn.Close()
	if err := t.client.Close(); err != nil {
		return err
	}
	return connErr
}
