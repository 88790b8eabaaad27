package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Handler exposes the engine's metrics over HTTP for an embedding process
// that wants a scrape endpoint, grounded on the teacher's own
// internal/metrics/http.go promhttp wiring.
func Handler() http.Handler {
	return promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{})
}
