// Package metrics registers Prometheus collectors for the relay and serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals processed by final outcome"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Broker order calls submitted"},
		[]string{"symbol", "side", "kind"},
	)
	OrderRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_rejections_total", Help: "Broker rejections by class"},
		[]string{"code"},
	)
	QueuePullErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "queue_pull_errors_total", Help: "Failed pulls from the signal hub"},
	)
)

func init() {
	prometheus.MustRegister(SignalsTotal, OrdersTotal, OrderRejectionsTotal, QueuePullErrorsTotal)
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
