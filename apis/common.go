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

	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// OpsRouteHandlers the handlers mounted on the operations API router
type OpsRouteHandlers interface {
	AliveHandler() http.HandlerFunc
	ReadyHandler() http.HandlerFunc
	GetSubscriptionsHandler() http.HandlerFunc
	MetricsHandler() http.HandlerFunc
}

// DefineOpsRouter mount the operations end-points under pathPrefix
func DefineOpsRouter(handler OpsRouteHandlers, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/v1/subscriptions", MethodHandlers{
		"get": handler.GetSubscriptionsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/metrics", MethodHandlers{
		"get": handler.MetricsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})
	return router
}
