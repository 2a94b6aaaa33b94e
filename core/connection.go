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
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alwitt/eventbridge/common"
	"github.com/apex/log"
)

// StoreTarget parameters for reaching the key-value store
type StoreTarget struct {
	// Host store server host
	Host string
	// Port store server port
	Port uint16
	// Path local socket path. When set, Host and Port are ignored.
	Path string
	// Password optional credential, sent with AUTH right after connecting
	Password string
	// DialTimeout max time to establish the transport
	DialTimeout time.Duration
	// ReadTimeout max time to wait for one reply
	ReadTimeout time.Duration
	// WriteTimeout max time to send one request
	WriteTimeout time.Duration
}

// Network the transport network to use, "unix" or "tcp"
func (t StoreTarget) Network() string {
	if len(t.Path) > 0 {
		return "unix"
	}
	return "tcp"
}

// Addr the transport address
func (t StoreTarget) Addr() string {
	if len(t.Path) > 0 {
		return t.Path
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// StoreTargetFromConfig convert store config into a StoreTarget
func StoreTargetFromConfig(cfg common.StoreConfig) StoreTarget {
	return StoreTarget{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Path:         cfg.Path,
		Password:     cfg.Password,
		DialTimeout:  time.Second * time.Duration(cfg.Timeouts.Dial),
		ReadTimeout:  time.Second * time.Duration(cfg.Timeouts.Read),
		WriteTimeout: time.Second * time.Duration(cfg.Timeouts.Write),
	}
}

// StoreTransport one established request/reply channel to the store
//
// Do sends one request and waits for its reply. An error-typed reply is returned as a
// ServerError; any other error means the transport is broken.
type StoreTransport interface {
	Do(ctxt context.Context, args ...interface{}) (interface{}, error)
	Close() error
}

// TransportDialer establish a new StoreTransport
type TransportDialer func(ctxt context.Context, target StoreTarget) (StoreTransport, error)

// ========================================================================================

// Reply a successful store reply
type Reply struct {
	command string
	value   interface{}
}

// Raw the reply value as returned by the transport
func (r Reply) Raw() interface{} {
	return r.value
}

// Int64 read the reply as an integer reply
func (r Reply) Int64() (int64, error) {
	switch v := r.value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, newStoreError(
			KindProtocolError, r.command, nil, "expected integer reply, got %T", r.value,
		)
	}
}

// Text read the reply as a status or bulk string reply
func (r Reply) Text() (string, error) {
	switch v := r.value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", newStoreError(
			KindProtocolError, r.command, nil, "expected string reply, got %T", r.value,
		)
	}
}

// StringPairs read a flat array reply of alternating keys and values
func (r Reply) StringPairs() ([][2]string, error) {
	var elements []string
	switch v := r.value.(type) {
	case []interface{}:
		elements = make([]string, len(v))
		for idx, element := range v {
			asText, err := Reply{command: r.command, value: element}.Text()
			if err != nil {
				return nil, err
			}
			elements[idx] = asText
		}
	case []string:
		elements = v
	case map[interface{}]interface{}:
		// RESP3 map reply
		pairs := make([][2]string, 0, len(v))
		for key, value := range v {
			keyText, err := Reply{command: r.command, value: key}.Text()
			if err != nil {
				return nil, err
			}
			valueText, err := Reply{command: r.command, value: value}.Text()
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, [2]string{keyText, valueText})
		}
		return pairs, nil
	default:
		return nil, newStoreError(
			KindProtocolError, r.command, nil, "expected array reply, got %T", r.value,
		)
	}
	if len(elements)%2 != 0 {
		return nil, newStoreError(
			KindProtocolError, r.command, nil, "array reply has odd length %d", len(elements),
		)
	}
	pairs := make([][2]string, 0, len(elements)/2)
	for itr := 0; itr < len(elements); itr += 2 {
		pairs = append(pairs, [2]string{elements[itr], elements[itr+1]})
	}
	return pairs, nil
}

// ========================================================================================

// StoreConnection a single logical connection to the key-value store
//
// The connection is not safe for concurrent use. Only the CommandSequencer worker may call
// Connect, Execute, or Close. IsConnected may be called from anywhere.
type StoreConnection interface {
	// Connect establish the connection. No-op if already connected.
	Connect(ctxt context.Context) error
	// Execute send one command and wait for its reply
	Execute(ctxt context.Context, args ...interface{}) (Reply, error)
	// Close release the transport if connected
	Close() error
	// IsConnected whether the connection is currently established
	IsConnected() bool
	// Target the store target
	Target() StoreTarget
}

// storeConnectionImpl implements StoreConnection
type storeConnectionImpl struct {
	common.Component
	target    StoreTarget
	dial      TransportDialer
	transport StoreTransport
	connected atomic.Bool
}

// NewStoreConnection define a new StoreConnection. The connection starts out disconnected.
func NewStoreConnection(target StoreTarget, dialer TransportDialer) (StoreConnection, error) {
	if dialer == nil {
		return nil, fmt.Errorf("no transport dialer provided")
	}
	if len(target.Path) == 0 && len(target.Host) == 0 {
		return nil, fmt.Errorf("store target needs either a socket path or a host")
	}
	logTags := log.Fields{
		"module": "core", "component": "store-connection", "instance": target.Addr(),
	}
	return &storeConnectionImpl{
		Component: common.Component{LogTags: logTags},
		target:    target,
		dial:      dialer,
	}, nil
}

// Target the store target
func (c *storeConnectionImpl) Target() StoreTarget {
	return c.target
}

// IsConnected whether the connection is currently established
func (c *storeConnectionImpl) IsConnected() bool {
	return c.connected.Load()
}

// Connect establish the connection
func (c *storeConnectionImpl) Connect(ctxt context.Context) error {
	if c.transport != nil {
		return nil
	}
	log.WithFields(c.LogTags).Infof("Trying to connect to store %s", c.target.Addr())
	transport, err := c.dial(ctxt, c.target)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Connection error")
		return newStoreError(KindUnreachable, "", err, "dial %s", c.target.Addr())
	}
	if len(c.target.Password) > 0 {
		reply, err := transport.Do(ctxt, "AUTH", c.target.Password)
		if err != nil {
			c.discard(transport)
			if isServerError(err) {
				log.WithFields(c.LogTags).Infof("AUTH: %s", err.Error())
				return newStoreError(KindAuthFailed, "AUTH", err, "credential rejected")
			}
			log.WithError(err).WithFields(c.LogTags).Warn("Connection error during AUTH")
			return newStoreError(KindUnreachable, "AUTH", err, "auth exchange")
		}
		if status, ok := reply.(string); ok {
			log.WithFields(c.LogTags).Infof("AUTH: %s", status)
		}
	} else if _, err := transport.Do(ctxt, "PING"); err != nil {
		c.discard(transport)
		log.WithError(err).WithFields(c.LogTags).Warn("Connection error")
		if isServerError(err) {
			return newStoreError(KindProtocolError, "PING", err, "handshake")
		}
		return newStoreError(KindUnreachable, "PING", err, "handshake")
	}
	c.transport = transport
	c.connected.Store(true)
	log.WithFields(c.LogTags).Infof("Connected to store %s", c.target.Addr())
	return nil
}

// discard close a transport which will not be retained
func (c *storeConnectionImpl) discard(transport StoreTransport) {
	if err := transport.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Failed to close discarded transport")
	}
}

// Execute send one command and wait for its reply
func (c *storeConnectionImpl) Execute(ctxt context.Context, args ...interface{}) (Reply, error) {
	if len(args) == 0 {
		return Reply{}, fmt.Errorf("no command provided")
	}
	command := strings.ToUpper(fmt.Sprint(args[0]))
	if c.transport == nil {
		return Reply{}, newStoreError(KindDisconnected, command, nil, "not connected")
	}
	value, err := c.transport.Do(ctxt, args...)
	if err != nil {
		if isServerError(err) {
			return Reply{}, newStoreError(KindProtocolError, command, err, "error reply")
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("%s failed, dropping connection", command)
		_ = c.Close()
		return Reply{}, newStoreError(KindDisconnected, command, err, "transport failure")
	}
	return Reply{command: command, value: value}, nil
}

// Close release the transport if connected
func (c *storeConnectionImpl) Close() error {
	if c.transport == nil {
		return nil
	}
	transport := c.transport
	c.transport = nil
	c.connected.Store(false)
	log.WithFields(c.LogTags).Infof("Disconnected from store %s", c.target.Addr())
	return transport.Close()
}

// FormatIndex render an event index the way it is written to the store
func FormatIndex(index int64) string {
	return strconv.FormatInt(index, 10)
}
