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
	"github.com/prometheus/client_golang/prometheus"
)

// Metric labels
const (
	LabelEventType = "event_type"
	LabelReason    = "reason"
	LabelResult    = "result"
)

// Reasons for dropping an event
const (
	DropDisconnected = "disconnected"
	DropEncode       = "encode"
	DropIndex        = "index"
	DropPersist      = "persist"
	DropFanOut       = "fanout"
	DropSubmit       = "submit"
)

// Metrics the bridge's Prometheus metrics
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	fanOutPushes     prometheus.Counter
	lastEventIndex   prometheus.Gauge
	connectAttempts  *prometheus.CounterVec
	storeConnected   prometheus.Gauge
	subscribers      prometheus.Gauge
	rejectedRecords  prometheus.Counter
	refreshFailures  prometheus.Counter
	refreshSuccesses prometheus.Counter
}

// NewMetrics define the bridge metrics and register them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "events_received_total",
			Help:      "Events received from the monitoring engine",
		}, []string{LabelEventType}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "events_published_total",
			Help:      "Events stored and fanned out to every matching subscriber",
		}, []string{LabelEventType}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "events_dropped_total",
			Help:      "Events abandoned before completing the publish pipeline",
		}, []string{LabelEventType, LabelReason}),
		fanOutPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "fanout_pushes_total",
			Help:      "Event indexes pushed onto subscriber delivery lists",
		}),
		lastEventIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbridge",
			Name:      "last_event_index",
			Help:      "Most recently allocated event index",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "store_connect_attempts_total",
			Help:      "Store connection attempts by result",
		}, []string{LabelResult}),
		storeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbridge",
			Name:      "store_connected",
			Help:      "1 when the store connection is established",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbridge",
			Name:      "subscribers",
			Help:      "Subscribers in the installed subscription table",
		}),
		rejectedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "subscription_records_rejected_total",
			Help:      "Subscription records skipped because they could not be decoded",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "subscription_refresh_failures_total",
			Help:      "Subscription refreshes that failed to read the store",
		}),
		refreshSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbridge",
			Name:      "subscription_refreshes_total",
			Help:      "Subscription refreshes that installed a new table",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.eventsReceived, m.eventsPublished, m.eventsDropped, m.fanOutPushes, m.lastEventIndex,
		m.connectAttempts, m.storeConnected, m.subscribers, m.rejectedRecords,
		m.refreshFailures, m.refreshSuccesses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordReceived an event arrived from the event bus
func (m *Metrics) RecordReceived(eventType string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordPublished an event completed the publish pipeline
func (m *Metrics) RecordPublished(eventType string, index int64, pushes int) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
	m.fanOutPushes.Add(float64(pushes))
	m.lastEventIndex.Set(float64(index))
}

// RecordDropped an event was abandoned
func (m *Metrics) RecordDropped(eventType string, reason string, pushes int) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType, reason).Inc()
	m.fanOutPushes.Add(float64(pushes))
}

// RecordIndex an event index was allocated
func (m *Metrics) RecordIndex(index int64) {
	if m == nil {
		return
	}
	m.lastEventIndex.Set(float64(index))
}

// RecordConnectAttempt a connection attempt finished
func (m *Metrics) RecordConnectAttempt(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connectAttempts.WithLabelValues("failure").Inc()
	} else {
		m.connectAttempts.WithLabelValues("success").Inc()
	}
}

// RecordConnectionState the store connection state changed, or was observed
func (m *Metrics) RecordConnectionState(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.storeConnected.Set(1)
	} else {
		m.storeConnected.Set(0)
	}
}

// RecordRefresh implements subscription.RefreshObserver
func (m *Metrics) RecordRefresh(installed int, rejected int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshFailures.Inc()
		return
	}
	m.refreshSuccesses.Inc()
	m.subscribers.Set(float64(installed))
	m.rejectedRecords.Add(float64(rejected))
}
