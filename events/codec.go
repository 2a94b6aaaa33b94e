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

package events

import (
	"github.com/goccy/go-json"
)

// EventCodec converts events to and from their transport body
type EventCodec interface {
	// Encode serialize an event
	Encode(event DomainEvent) ([]byte, error)
	// Decode parse an event
	Decode(body []byte) (DomainEvent, error)
	// ContentType the encoding name
	ContentType() string
}

// JSONEventCodec EventCodec producing flat JSON objects
type JSONEventCodec struct{}

// NewJSONEventCodec define a new JSONEventCodec
func NewJSONEventCodec() JSONEventCodec {
	return JSONEventCodec{}
}

// Encode serialize an event
func (JSONEventCodec) Encode(event DomainEvent) ([]byte, error) {
	return json.Marshal(event)
}

// Decode parse an event
func (JSONEventCodec) Decode(body []byte) (DomainEvent, error) {
	var event DomainEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return DomainEvent{}, err
	}
	return event, nil
}

// ContentType the encoding name
func (JSONEventCodec) ContentType() string {
	return "application/json"
}
