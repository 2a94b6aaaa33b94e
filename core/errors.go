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
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind the closed set of failure kinds reported by the store layer
type ErrorKind int

const (
	// KindUnknown not a store error
	KindUnknown ErrorKind = iota
	// KindUnreachable the transport could not be established
	KindUnreachable
	// KindAuthFailed the credential was rejected
	KindAuthFailed
	// KindProtocolError malformed or error-typed reply
	KindProtocolError
	// KindDisconnected the operation was attempted, or failed, on a connection not established
	KindDisconnected
	// KindDecodeError a stored record could not be parsed
	KindDecodeError
)

// String toString function
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuthFailed:
		return "auth-failed"
	case KindProtocolError:
		return "protocol-error"
	case KindDisconnected:
		return "disconnected"
	case KindDecodeError:
		return "decode-error"
	default:
		return "unknown"
	}
}

// Sentinel errors for use with errors.Is
var (
	ErrUnreachable   = &StoreError{Kind: KindUnreachable}
	ErrAuthFailed    = &StoreError{Kind: KindAuthFailed}
	ErrProtocolError = &StoreError{Kind: KindProtocolError}
	ErrDisconnected  = &StoreError{Kind: KindDisconnected}
	ErrDecodeError   = &StoreError{Kind: KindDecodeError}
)

// StoreError failure reported by the store layer
type StoreError struct {
	// Kind the failure kind
	Kind ErrorKind
	// Command the command name involved, if any
	Command string
	// Err the underlying cause
	Err error
}

// Error implements error
func (e *StoreError) Error() string {
	if len(e.Command) > 0 && e.Err != nil {
		return fmt.Sprintf("store %s [%s]: %s", e.Kind, e.Command, e.Err.Error())
	} else if e.Err != nil {
		return fmt.Sprintf("store %s: %s", e.Kind, e.Err.Error())
	} else if len(e.Command) > 0 {
		return fmt.Sprintf("store %s [%s]", e.Kind, e.Command)
	}
	return fmt.Sprintf("store %s", e.Kind)
}

// Unwrap support errors.Unwrap
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is two StoreErrors match when their kinds match
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf return the ErrorKind of an error, KindUnknown if it is not a store error
func KindOf(err error) ErrorKind {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}
	return KindUnknown
}

// newStoreError define a new StoreError wrapping the cause with additional context
func newStoreError(kind ErrorKind, command string, cause error, format string, args ...interface{}) error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrapf(cause, format, args...)
	} else {
		wrapped = errors.Errorf(format, args...)
	}
	return &StoreError{Kind: kind, Command: command, Err: wrapped}
}

// ServerError is an error-typed reply returned by the store server
type ServerError struct {
	Message string
}

// Error implements error
func (e ServerError) Error() string {
	return e.Message
}

// isServerError whether the error is an error-typed reply rather than a transport failure
func isServerError(err error) bool {
	var serverErr ServerError
	return errors.As(errors.Cause(err), &serverErr)
}
