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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/eventbridge/apis"
	"github.com/alwitt/eventbridge/bridge"
	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/core"
	"github.com/alwitt/eventbridge/events"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineMetricsRegistry define the Prometheus registry the bridge reports into
func DefineMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// RunBridge run the event bridge until runtimeContext is cancelled
func RunBridge(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "bridge",
		"instance":  instance,
	}

	conn, err := core.NewStoreConnection(core.StoreTargetFromConfig(config.Store), core.DialRedis)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define store connection")
		return err
	}

	codec := events.NewJSONEventCodec()
	bus, err := events.NewNATSEventBus(natsClient, config.EventBus.SubjectPrefix, codec)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	metricsRegistry := DefineMetricsRegistry()
	metrics, err := bridge.NewMetrics(metricsRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	eventBridge, err := bridge.DefineBridge(localCtxt, bridge.BridgeParams{
		Conn:      conn,
		Bus:       bus,
		Codec:     codec,
		KeyPrefix: config.Store.KeyPrefix,
		Config:    config.Bridge,
		Metrics:   metrics,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define bridge")
		return err
	}
	if err := eventBridge.Start(localCtxt, &wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start bridge")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.OpsAPI != nil {
		httpSrv, err = startOpsServer(config.OpsAPI, eventBridge, metricsRegistry, logTags)
		if err != nil {
			lclCancel()
			stopBridge(eventBridge, logTags)
			return err
		}
		// Cancel runtime context on shutdown
		httpSrv.RegisterOnShutdown(lclCancel)
	}

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	stopBridge(eventBridge, logTags)
	return nil
}

// stopBridge stop the bridge, giving queued store work a bounded time to finish
func stopBridge(eventBridge *bridge.Bridge, logTags log.Fields) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := eventBridge.Stop(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during bridge shutdown")
	}
}

// startOpsServer start the operations API server
func startOpsServer(
	config *common.OpsAPIConfig,
	status apis.BridgeStatus,
	gatherer prometheus.Gatherer,
	logTags log.Fields,
) (*http.Server, error) {
	httpHandler, err := apis.GetAPIRestOpsHandler(status, gatherer, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return nil, err
	}

	router := apis.DefineOpsRouter(httpHandler, config.PathPrefix)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	return httpSrv, nil
}
