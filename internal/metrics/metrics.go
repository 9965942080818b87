// Package metrics exposes the enricher's Prometheus metrics.
//
// Metrics implements lookup.Observer for the lookup clients and sink.RecordObserver
// for the record stream, and serves everything from its own registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"enrichment/internal/lookup"
	"enrichment/internal/model"
)

const namespace = "enrich"

// Metrics is the enricher's metric set.
type Metrics struct {
	registry *prometheus.Registry

	RecordsTotal   *prometheus.CounterVec   // records emitted, by status
	SinkErrors     prometheus.Counter       // records the sink failed to write
	LookupsTotal   *prometheus.CounterVec   // lookups finished, by service and result
	LookupDuration *prometheus.HistogramVec // lookup latency, by service
	BrokerPending  prometheus.Gauge         // broker requests awaiting a reply
	Reconnects     prometheus.Counter       // broker stream establishments
}

// New creates and registers the metric set on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Enriched records emitted, by status.",
		}, []string{"status"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Records the sink failed to write.",
		}),
		LookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Finished lookups, by service and result.",
		}, []string{"service", "result"}),
		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Lookup latency in seconds, by service.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"service"}),
		BrokerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_pending_requests",
			Help:      "Broker lookups awaiting a reply on the stream.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_stream_connects_total",
			Help:      "Broker stream establishments, including reconnects.",
		}),
	}

	m.registry.MustRegister(
		m.RecordsTotal,
		m.SinkErrors,
		m.LookupsTotal,
		m.LookupDuration,
		m.BrokerPending,
		m.Reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveLookup implements lookup.Observer.
func (m *Metrics) ObserveLookup(service string, elapsed time.Duration, err error) {
	m.LookupsTotal.WithLabelValues(service, lookupResult(err)).Inc()
	m.LookupDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ObservePending implements lookup.Observer.
func (m *Metrics) ObservePending(n int) {
	m.BrokerPending.Set(float64(n))
}

// ObserveReconnect implements lookup.Observer.
func (m *Metrics) ObserveReconnect() {
	m.Reconnects.Inc()
}

// ObserveRecord implements sink.RecordObserver.
func (m *Metrics) ObserveRecord(rec model.EnrichedRecord, writeErr error) {
	status := "ok"
	if !rec.OK() {
		status = "error"
	}
	m.RecordsTotal.WithLabelValues(status).Inc()
	if writeErr != nil {
		m.SinkErrors.Inc()
	}
}

func lookupResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lookup.ErrNotFound):
		return "not_found"
	case errors.Is(err, lookup.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, lookup.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
