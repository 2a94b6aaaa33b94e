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

package apis

import (
	"net/http"
	"sort"

	"github.com/alwitt/eventbridge/common"
	"github.com/alwitt/eventbridge/subscription"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BridgeStatus the view of a running bridge needed by the operations API
type BridgeStatus interface {
	// IsStoreConnected whether the store connection is currently established
	IsStoreConnected() bool
	// Registry the subscription registry
	Registry() subscription.Registry
}

// APIRestOpsHandler REST handler for the operations API
type APIRestOpsHandler struct {
	goutils.RestAPIHandler
	bridge   BridgeStatus
	gatherer prometheus.Gatherer
}

// GetAPIRestOpsHandler define APIRestOpsHandler
func GetAPIRestOpsHandler(
	bridge BridgeStatus, gatherer prometheus.Gatherer, httpConfig *common.HTTPConfig,
) (APIRestOpsHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "operations",
	}
	return APIRestOpsHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		bridge:   bridge,
		gatherer: gatherer,
	}, nil
}

// =======================================================================
// Subscriptions

// APIRestRespSubscriptions response listing the installed subscription table
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscribers maps subscriber ID to its sorted event kinds
	Subscribers map[string][]string `json:"subscribers"`
}

// GetSubscriptions godoc
// @Summary Query the installed subscription table
// @Description Return the subscription table the bridge is currently fanning events out to
// @tags Operations
// @Produce json
// @Param Eventbridge-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscriptions "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Eventbridge-Request-ID "Request ID to match against logs"
// @Router /v1/subscriptions [get]
func (h APIRestOpsHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	table := h.bridge.Registry().Table()
	subscribers := make(map[string][]string, len(table))
	for subscriberID, info := range table {
		types := make([]string, 0, len(info.EventTypes))
		for eventType := range info.EventTypes {
			types = append(types, eventType)
		}
		sort.Strings(types)
		subscribers[subscriberID] = types
	}
	resp := APIRestRespSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscribers: subscribers,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetSubscriptionsHandler Wrapper around GetSubscriptions
func (h APIRestOpsHandler) GetSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriptions(w, r)
	}
}

// =======================================================================
// Metrics

// MetricsHandler Prometheus scrape end-point
func (h APIRestOpsHandler) MetricsHandler() http.HandlerFunc {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For operations REST API liveness check
// @Description Will return success to indicate the bridge process is live
// @tags Operations
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestOpsHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestOpsHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For operations REST API readiness check
// @Description Will return success if the bridge is connected to the key-value store
// @tags Operations
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestOpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "store not connected"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.bridge.IsStoreConnected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestOpsHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
