package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecordCrawl records one crawl attempt and its duration.
func RecordCrawl(resourceType string, ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "error"
	}
	CrawlsTotal.WithLabelValues(resourceType, result).Inc()
	FetchDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordUnmodified records a conditional fetch that found no new content.
func RecordUnmodified(resourceType string) {
	UnmodifiedTotal.WithLabelValues(resourceType).Inc()
}

// RecordReconcile records one applied resource update.
func RecordReconcile(collection, operation string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	ReconcilesTotal.WithLabelValues(collection, operation, result).Inc()
}

// RecordRPC records one control-plane call.
func RecordRPC(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// Handler returns the HTTP handler exposing the registry, for mounting at
// /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a standalone metrics endpoint on addr. It blocks; run it in its
// own goroutine. An empty addr disables the endpoint.
func Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
