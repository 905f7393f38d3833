// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the process is healthy. A nil error is healthy.
type HealthFunc func() error

// NewRouter serves /metrics from gatherer and /healthz from health
func NewRouter(gatherer prometheus.Gatherer, health HealthFunc) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	return r
}

// NewServer wraps the router in an access log written to logOut
func NewServer(addr string, router http.Handler, logOut io.Writer) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handlers.LoggingHandler(logOut, router),
	}
}
