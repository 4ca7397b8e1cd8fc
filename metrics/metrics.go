// Package metrics exposes rendezvous and collective timings as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/log"
)

const Namespace = "distcheck"

var (
	collectiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "collective",
			Name:      "duration_seconds",
			Help:      "duration of collective calls",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"op"},
	)
	collectiveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "collective",
			Name:      "failures_total",
			Help:      "number of failed collective calls by error kind",
		},
		[]string{"op", "kind"},
	)
	rendezvousDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rendezvous",
			Name:      "duration_seconds",
			Help:      "time spent waiting for the group to form",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"result"},
	)
	worldSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "world_size",
			Help:      "number of ranks in the joined group",
		},
	)
)

// Registry holds every distcheck collector. It is separate from the default
// registerer so tests and embedding programs get a clean set.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectiveDuration,
		collectiveFailures,
		rendezvousDuration,
		worldSize,
	)
}

func ObserveCollective(op string, took time.Duration, err error) {
	collectiveDuration.WithLabelValues(op).Observe(took.Seconds())
	if err != nil {
		collectiveFailures.WithLabelValues(op, errdefs.KindName(err)).Inc()
	}
}

func ObserveRendezvous(took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = errdefs.KindName(err)
	}
	rendezvousDuration.WithLabelValues(result).Observe(took.Seconds())
}

func SetWorldSize(n int) {
	worldSize.Set(float64(n))
}

// Handler serves Registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Logger.Warnw("failed to shut down metrics server", "error", err)
		}
	}()

	log.Logger.Infow("serving metrics", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
