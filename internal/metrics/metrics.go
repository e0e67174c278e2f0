// Package metrics exposes the poller and dispatcher counters over a
// small /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sectionwatch/pkg/logx"
)

var (
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sectionwatch_polls_total",
			Help: "Feed polls per target and result",
		},
		[]string{"target", "result"},
	)

	PollDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sectionwatch_poll_duration_seconds",
			Help: "Duration of the most recent poll per target",
		},
		[]string{"target"},
	)

	OpenSections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sectionwatch_open_sections",
			Help: "Open indexes in the most recent snapshot per target",
		},
		[]string{"target"},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sectionwatch_open_events_total",
			Help: "Open, close and reminder events created",
		},
		[]string{"target", "kind"},
	)

	NotificationsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sectionwatch_notifications_queued_total",
			Help: "Notification rows created by fanout",
		},
		[]string{"target"},
	)

	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sectionwatch_dispatch_outcomes_total",
			Help: "Terminal and retried dispatch outcomes per channel",
		},
		[]string{"channel", "outcome"},
	)

	ClaimBatch = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sectionwatch_dispatch_claim_batch_size",
			Help:    "Rows claimed per dispatch batch",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		},
		[]string{"channel"},
	)
)

func Register() {
	prometheus.MustRegister(Polls, PollDuration, OpenSections, Events, NotificationsQueued, DispatchOutcomes, ClaimBatch)
}

// Serve runs the metrics endpoint until ctx is canceled. addr "off"
// disables the listener entirely.
func Serve(ctx context.Context, addr string, log logx.Logger) {
	if addr == "off" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", logx.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", logx.Err(err))
	}
}
