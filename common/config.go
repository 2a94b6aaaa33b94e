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

package common

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Store Related Config

// StoreTimeoutConfig defines the store transport timeouts
type StoreTimeoutConfig struct {
	// Dial is the max duration for establishing the transport in seconds
	Dial int `mapstructure:"dial_sec" json:"dial_sec" validate:"gte=1"`
	// Read is the max duration waiting for one reply in seconds
	Read int `mapstructure:"read_sec" json:"read_sec" validate:"gte=1"`
	// Write is the max duration for sending one request in seconds
	Write int `mapstructure:"write_sec" json:"write_sec" validate:"gte=1"`
}

// StoreConfig defines parameters for connecting to the key-value store
type StoreConfig struct {
	// Host is the store server host. Ignored when Path is set.
	Host string `mapstructure:"host" json:"host" validate:"required_without=Path"`
	// Port is the store server port. Ignored when Path is set.
	Port uint16 `mapstructure:"port" json:"port" validate:"required_without=Path,lt=65536"`
	// Path is the local socket path. Takes precedence over Host and Port.
	Path string `mapstructure:"path" json:"path"`
	// Password is sent with AUTH right after connecting, if set
	Password string `mapstructure:"password" json:"-"`
	// KeyPrefix is the namespace of every key written or read
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
	// Timeouts are the transport timeouts
	Timeouts StoreTimeoutConfig `mapstructure:"timeouts" json:"timeouts" validate:"required,dive"`
}

// Address the store target in human readable form
func (c StoreConfig) Address() string {
	if len(c.Path) > 0 {
		return fmt.Sprintf("unix://%s", c.Path)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// EventBusConfig defines parameters for receiving events from the monitoring engine over NATS
type EventBusConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is prepended to the event type to form the subject of each event kind
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// Bridge Related Config

// BridgeConfig defines the event forwarding parameters
type BridgeConfig struct {
	// ReconnectInterval is the time between store reconnect attempts in seconds
	ReconnectInterval int `mapstructure:"reconnect_interval_sec" json:"reconnect_interval_sec" validate:"gte=1"`
	// SubscriptionRefreshInterval is the time between subscription table refreshes in seconds
	SubscriptionRefreshInterval int `mapstructure:"subscription_refresh_interval_sec" json:"subscription_refresh_interval_sec" validate:"gte=1"`
	// EventTTL is the expiration applied to every stored event in seconds
	EventTTL int `mapstructure:"event_ttl_sec" json:"event_ttl_sec" validate:"gte=1"`
	// TaskQueueDepth is the number of pending store tasks buffered before submitters block
	TaskQueueDepth int `mapstructure:"task_queue_depth" json:"task_queue_depth" validate:"gte=1"`
}

// ReconnectPeriod reconnect interval as a duration
func (c BridgeConfig) ReconnectPeriod() time.Duration {
	return time.Second * time.Duration(c.ReconnectInterval)
}

// RefreshPeriod subscription refresh interval as a duration
func (c BridgeConfig) RefreshPeriod() time.Duration {
	return time.Second * time.Duration(c.SubscriptionRefreshInterval)
}

// TTL event TTL as a duration
func (c BridgeConfig) TTL() time.Duration {
	return time.Second * time.Duration(c.EventTTL)
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// OpsAPIConfig defines the operations API (health and metrics) server
type OpsAPIConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the operations APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Store are the key-value store connection parameters
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required,dive"`
	// EventBus are the NATS related config parameters
	EventBus EventBusConfig `mapstructure:"event_bus" json:"event_bus" validate:"required,dive"`
	// Bridge are the event forwarding parameters
	Bridge BridgeConfig `mapstructure:"bridge" json:"bridge" validate:"required,dive"`
	// OpsAPI is the optional operations API server config
	OpsAPI *OpsAPIConfig `mapstructure:"ops_api,omitempty" json:"ops_api,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default store settings
	viper.SetDefault("store.host", "127.0.0.1")
	viper.SetDefault("store.port", 6379)
	viper.SetDefault("store.key_prefix", "icinga")
	viper.SetDefault("store.timeouts.dial_sec", 5)
	viper.SetDefault("store.timeouts.read_sec", 10)
	viper.SetDefault("store.timeouts.write_sec", 10)

	// Default event bus settings
	viper.SetDefault("event_bus.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("event_bus.connect_timeout_sec", 30)
	viper.SetDefault("event_bus.reconnect.max_attempts", -1)
	viper.SetDefault("event_bus.reconnect.wait_interval_sec", 15)
	viper.SetDefault("event_bus.subject_prefix", "icinga.events")

	// Default bridge settings
	viper.SetDefault("bridge.reconnect_interval_sec", 15)
	viper.SetDefault("bridge.subscription_refresh_interval_sec", 15)
	viper.SetDefault("bridge.event_ttl_sec", 3600)
	viper.SetDefault("bridge.task_queue_depth", 1024)

	// Default operations API settings
	viper.SetDefault("ops_api.path_prefix", "/")
	viper.SetDefault("ops_api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("ops_api.api_server.server_config.listen_port", 3002)
	viper.SetDefault("ops_api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("ops_api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("ops_api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"ops_api.api_server.logging_config.request_id_header", "Eventbridge-Request-ID",
	)
	viper.SetDefault(
		"ops_api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
