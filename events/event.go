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
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Recognized event kinds
const (
	TypeCheckResult            = "CheckResult"
	TypeStateChange            = "StateChange"
	TypeNotification           = "Notification"
	TypeAcknowledgementSet     = "AcknowledgementSet"
	TypeAcknowledgementCleared = "AcknowledgementCleared"
	TypeCommentAdded           = "CommentAdded"
	TypeCommentRemoved         = "CommentRemoved"
	TypeDowntimeAdded          = "DowntimeAdded"
	TypeDowntimeRemoved        = "DowntimeRemoved"
	TypeDowntimeStarted        = "DowntimeStarted"
	TypeDowntimeTriggered      = "DowntimeTriggered"
)

// AllowedEventTypes the event kinds forwarded to the store
var AllowedEventTypes = []string{
	TypeCheckResult,
	TypeStateChange,
	TypeNotification,
	TypeAcknowledgementSet,
	TypeAcknowledgementCleared,
	TypeCommentAdded,
	TypeCommentRemoved,
	TypeDowntimeAdded,
	TypeDowntimeRemoved,
	TypeDowntimeStarted,
	TypeDowntimeTriggered,
}

var allowedEventTypeSet = func() map[string]bool {
	result := make(map[string]bool, len(AllowedEventTypes))
	for _, eventType := range AllowedEventTypes {
		result[eventType] = true
	}
	return result
}()

// IsAllowedEventType whether the event kind is one of AllowedEventTypes
func IsAllowedEventType(eventType string) bool {
	return allowedEventTypeSet[eventType]
}

// ========================================================================================

// DomainEvent one event produced by the monitoring engine
//
// A DomainEvent is immutable: attribute maps are copied on the way in and on the way out.
type DomainEvent struct {
	eventType  string
	attributes map[string]interface{}
}

// NewDomainEvent define a new DomainEvent. A "type" entry in attributes is ignored.
func NewDomainEvent(eventType string, attributes map[string]interface{}) (DomainEvent, error) {
	if len(eventType) == 0 {
		return DomainEvent{}, fmt.Errorf("event type is required")
	}
	copied := make(map[string]interface{}, len(attributes))
	for k, v := range attributes {
		if k == "type" {
			continue
		}
		copied[k] = v
	}
	return DomainEvent{eventType: eventType, attributes: copied}, nil
}

// Type the event kind
func (e DomainEvent) Type() string {
	return e.eventType
}

// Attribute read one attribute
func (e DomainEvent) Attribute(name string) (interface{}, bool) {
	v, ok := e.attributes[name]
	return v, ok
}

// Attributes a copy of the attributes, excluding the type
func (e DomainEvent) Attributes() map[string]interface{} {
	copied := make(map[string]interface{}, len(e.attributes))
	for k, v := range e.attributes {
		copied[k] = v
	}
	return copied
}

// String toString function
func (e DomainEvent) String() string {
	names := make([]string, 0, len(e.attributes))
	for k := range e.attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s%v", e.eventType, names)
}

// MarshalJSON the event as one flat JSON object with its type under "type"
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.attributes)+1)
	for k, v := range e.attributes {
		flat[k] = v
	}
	flat["type"] = e.eventType
	return json.Marshal(flat)
}

// UnmarshalJSON parse a flat JSON object carrying a string "type" field
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	rawType, ok := flat["type"]
	if !ok {
		return fmt.Errorf("event has no type")
	}
	eventType, ok := rawType.(string)
	if !ok {
		return fmt.Errorf("event type is %T, not a string", rawType)
	}
	parsed, err := NewDomainEvent(eventType, flat)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
