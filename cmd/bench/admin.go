// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kianostad/epochgc/internal/core"
)

// newAdminRouter exposes collector metrics for the lifetime of a run.
func newAdminRouter(engine *core.Engine) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		body, err := engine.Metrics().ExportJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}).Methods(http.MethodGet)
	router.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		if engine.GC().Running() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "collector stopped", http.StatusServiceUnavailable)
	})
	return router
}
