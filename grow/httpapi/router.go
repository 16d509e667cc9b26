// Package httpapi serves growmon's metrics, health and moisture endpoints.
package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the endpoints. Access logs go to accessLog in combined log
// format unless it is nil.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer, accessLog io.Writer) http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(
		gatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/report", h.LatestReport).Methods(http.MethodGet)
	api.HandleFunc("/moisture", h.Moisture).Methods(http.MethodGet)
	api.HandleFunc("/moisture/{channel:[0-9]+}", h.MoistureChannel).Methods(http.MethodGet)
	api.HandleFunc("/moisture/{channel:[0-9]+}/calibrate/{point:wet|dry}", h.Calibrate).Methods(http.MethodPost)

	if accessLog == nil {
		return r
	}
	return handlers.CombinedLoggingHandler(accessLog, r)
}
