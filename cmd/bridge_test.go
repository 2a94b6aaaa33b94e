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

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/events"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
)

func TestRunBridge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	store := miniredis.RunT(t)
	store.RequireAuth("secret")
	store.HSet("icinga:subscription", "ops-team", `{"types":["StateChange"]}`)
	store.HSet("icinga:subscription", "billing", `{"types":["CommentAdded"]}`)
	storePort, err := strconv.ParseUint(store.Port(), 10, 16)
	assert.Nil(err)

	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true,
	})
	assert.Nil(err)
	go ns.Start()
	if !ns.ReadyForConnections(time.Second * 5) {
		t.Fatal("embedded NATS server not ready")
	}
	defer ns.Shutdown()

	config := common.SystemConfig{
		Store: common.StoreConfig{
			Host:      store.Host(),
			Port:      uint16(storePort),
			Password:  "secret",
			KeyPrefix: "icinga",
			Timeouts:  common.StoreTimeoutConfig{Dial: 1, Read: 1, Write: 1},
		},
		EventBus: common.EventBusConfig{
			ServerURI:      ns.ClientURL(),
			ConnectTimeout: 1,
			Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
			SubjectPrefix:  "icinga.events",
		},
		Bridge: common.BridgeConfig{
			ReconnectInterval:           1,
			SubscriptionRefreshInterval: 1,
			EventTTL:                    3600,
			TaskQueueDepth:              64,
		},
	}

	natsClient, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(config.EventBus))
	assert.Nil(err)
	defer natsClient.Close(context.Background())

	runCtxt, runCancel := context.WithCancel(utCtxt)
	defer runCancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	bridgeDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(bridgeDone)
		assert.Nil(RunBridge(runCtxt, &config, "unit-test", natsClient))
	}()

	producer, err := events.NewNATSEventBus(natsClient, "icinga.events", events.NewJSONEventCodec())
	assert.Nil(err)
	event, err := events.NewDomainEvent(events.TypeStateChange, map[string]interface{}{
		"host": "web01", "state": 2,
	})
	assert.Nil(err)

	// NATS only delivers to subscribers present at publish time, so keep publishing until the
	// bridge has subscribed and connected to the store.
	assert.Eventually(func() bool {
		assert.Nil(producer.Publish(utCtxt, event))
		deliveries, err := store.List("icinga:event:ops-team")
		return err == nil && len(deliveries) > 0
	}, time.Second*10, time.Millisecond*100)

	deliveries, err := store.List("icinga:event:ops-team")
	assert.Nil(err)
	eventKey := fmt.Sprintf("icinga:event.%s", deliveries[len(deliveries)-1])
	body, err := store.Get(eventKey)
	assert.Nil(err)
	var stored map[string]interface{}
	assert.Nil(json.Unmarshal([]byte(body), &stored))
	assert.Equal("StateChange", stored["type"])
	assert.Equal("web01", stored["host"])
	assert.Equal(time.Hour, store.TTL(eventKey))
	assert.False(store.Exists("icinga:event:billing"))

	// Shutdown closes the store connection without waiting out the stop timeout
	runCancel()
	select {
	case <-bridgeDone:
	case <-time.After(time.Second * 5):
		assert.Fail("bridge did not shut down promptly")
	}
}
