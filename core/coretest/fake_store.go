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

// Package coretest in-memory key-value store for exercising store connections in tests
package coretest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/eventbridge/core"
)

// FakeFailureMode how a scripted failure manifests
type FakeFailureMode int

const (
	// FailWithErrorReply the command receives an error-typed reply
	FailWithErrorReply FakeFailureMode = iota
	// FailTransport the transport breaks while executing the command
	FailTransport
)

// FakeCommand one command observed by a FakeStore
type FakeCommand struct {
	// Conn sequence number of the transport the command was sent on, starting at 1
	Conn int
	// Args the command name and arguments
	Args []string
}

// Name the upper-cased command name
func (c FakeCommand) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return strings.ToUpper(c.Args[0])
}

// FakeStore in-memory key-value store speaking the subset of commands the bridge uses
//
// It records every command it receives and supports scripted failures, which makes
// ordering and failure handling observable in tests.
type FakeStore struct {
	lock        sync.Mutex
	password    string
	unreachable bool
	dials       int
	strs        map[string]string
	ttls        map[string]time.Duration
	lists       map[string][]string
	hashes      map[string]map[string]string
	commands    []FakeCommand
	failures    map[string][]FakeFailureMode
}

// NewFakeStore define a new FakeStore. A non-empty password makes AUTH mandatory.
func NewFakeStore(password string) *FakeStore {
	return &FakeStore{
		password: password,
		strs:     make(map[string]string),
		ttls:     make(map[string]time.Duration),
		lists:    make(map[string][]string),
		hashes:   make(map[string]map[string]string),
		failures: make(map[string][]FakeFailureMode),
	}
}

// SetUnreachable make new dials fail or succeed
func (s *FakeStore) SetUnreachable(unreachable bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unreachable = unreachable
}

// FailNext script the next execution of command to fail
func (s *FakeStore) FailNext(command string, mode FakeFailureMode) {
	s.lock.Lock()
	defer s.lock.Unlock()
	command = strings.ToUpper(command)
	s.failures[command] = append(s.failures[command], mode)
}

// Dial TransportDialer connecting to this store
func (s *FakeStore) Dial(_ context.Context, _ core.StoreTarget) (core.StoreTransport, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.unreachable {
		return nil, fmt.Errorf("dial fake store: connection refused")
	}
	s.dials++
	return &fakeTransport{store: s, id: s.dials, authed: len(s.password) == 0}, nil
}

// DialCount number of successful dials
func (s *FakeStore) DialCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.dials
}

// Commands every command received so far
func (s *FakeStore) Commands() []FakeCommand {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]FakeCommand, len(s.commands))
	copy(result, s.commands)
	return result
}

// CommandsNamed every command with the given name received so far
func (s *FakeStore) CommandsNamed(name string) []FakeCommand {
	result := []FakeCommand{}
	for _, cmd := range s.Commands() {
		if cmd.Name() == strings.ToUpper(name) {
			result = append(result, cmd)
		}
	}
	return result
}

// ResetCommands forget the recorded commands
func (s *FakeStore) ResetCommands() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.commands = nil
}

// Get read a string key
func (s *FakeStore) Get(key string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.strs[key]
	return v, ok
}

// TTL read the expiration set on a key
func (s *FakeStore) TTL(key string) (time.Duration, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.ttls[key]
	return v, ok
}

// List read a list key, head first
func (s *FakeStore) List(key string) []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, len(s.lists[key]))
	copy(result, s.lists[key])
	return result
}

// HSet write a hash field directly
func (s *FakeStore) HSet(key, field, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.hashes[key]; !ok {
		s.hashes[key] = make(map[string]string)
	}
	s.hashes[key][field] = value
}

// HDel remove a hash field directly
func (s *FakeStore) HDel(key, field string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.hashes[key], field)
}

// ----------------------------------------------------------------------------------------

// fakeTransport core.StoreTransport for FakeStore
type fakeTransport struct {
	store  *FakeStore
	id     int
	authed bool
	closed bool
}

// Do execute one command against the fake store
func (t *fakeTransport) Do(_ context.Context, args ...interface{}) (interface{}, error) {
	s := t.store
	s.lock.Lock()
	defer s.lock.Unlock()
	if t.closed {
		return nil, fmt.Errorf("use of closed fake transport")
	}
	strArgs := make([]string, len(args))
	for idx, arg := range args {
		if raw, ok := arg.([]byte); ok {
			strArgs[idx] = string(raw)
		} else {
			strArgs[idx] = fmt.Sprint(arg)
		}
	}
	s.commands = append(s.commands, FakeCommand{Conn: t.id, Args: strArgs})
	if len(strArgs) == 0 {
		return nil, core.ServerError{Message: "ERR empty command"}
	}
	command := strings.ToUpper(strArgs[0])
	if scripted, ok := s.failures[command]; ok && len(scripted) > 0 {
		mode := scripted[0]
		s.failures[command] = scripted[1:]
		if mode == FailTransport {
			t.closed = true
			return nil, fmt.Errorf("fake transport broken during %s", command)
		}
		return nil, core.ServerError{Message: fmt.Sprintf("ERR scripted failure of %s", command)}
	}
	if !t.authed && command != "AUTH" {
		return nil, core.ServerError{Message: "NOAUTH Authentication required."}
	}
	return t.execute(command, strArgs[1:])
}

func wrongArgs(command string) error {
	return core.ServerError{
		Message: fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(command)),
	}
}

// execute run a command with the store lock held
func (t *fakeTransport) execute(command string, args []string) (interface{}, error) {
	s := t.store
	switch command {
	case "AUTH":
		if len(args) != 1 {
			return nil, wrongArgs(command)
		}
		if len(s.password) == 0 {
			return nil, core.ServerError{Message: "ERR Client sent AUTH, but no password is set"}
		}
		if args[0] != s.password {
			return nil, core.ServerError{Message: "WRONGPASS invalid username-password pair"}
		}
		t.authed = true
		return "OK", nil
	case "PING":
		return "PONG", nil
	case "INCR":
		if len(args) != 1 {
			return nil, wrongArgs(command)
		}
		current := int64(0)
		if existing, ok := s.strs[args[0]]; ok {
			parsed, err := strconv.ParseInt(existing, 10, 64)
			if err != nil {
				return nil, core.ServerError{Message: "ERR value is not an integer or out of range"}
			}
			current = parsed
		}
		current++
		s.strs[args[0]] = strconv.FormatInt(current, 10)
		return current, nil
	case "SET":
		if len(args) != 2 {
			return nil, wrongArgs(command)
		}
		s.strs[args[0]] = args[1]
		delete(s.ttls, args[0])
		return "OK", nil
	case "GET":
		if len(args) != 1 {
			return nil, wrongArgs(command)
		}
		if v, ok := s.strs[args[0]]; ok {
			return v, nil
		}
		return nil, nil
	case "EXPIRE":
		if len(args) != 2 {
			return nil, wrongArgs(command)
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, core.ServerError{Message: "ERR value is not an integer or out of range"}
		}
		_, isStr := s.strs[args[0]]
		_, isList := s.lists[args[0]]
		if !isStr && !isList {
			return int64(0), nil
		}
		s.ttls[args[0]] = time.Second * time.Duration(seconds)
		return int64(1), nil
	case "LPUSH":
		if len(args) < 2 {
			return nil, wrongArgs(command)
		}
		for _, value := range args[1:] {
			s.lists[args[0]] = append([]string{value}, s.lists[args[0]]...)
		}
		return int64(len(s.lists[args[0]])), nil
	case "HGETALL":
		if len(args) != 1 {
			return nil, wrongArgs(command)
		}
		fields := make([]string, 0, len(s.hashes[args[0]]))
		for field := range s.hashes[args[0]] {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		result := make([]interface{}, 0, len(fields)*2)
		for _, field := range fields {
			result = append(result, field, s.hashes[args[0]][field])
		}
		return result, nil
	default:
		return nil, core.ServerError{Message: fmt.Sprintf("ERR unknown command '%s'", command)}
	}
}

// Close close the transport
func (t *fakeTransport) Close() error {
	t.store.lock.Lock()
	defer t.store.lock.Unlock()
	t.closed = true
	return nil
}
