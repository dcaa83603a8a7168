package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/hamzaKhattat/billcore/pkg/logger"
)

// PrometheusMetrics exposes the billing core's operational counters, adapted
// from the router-era registry (same name/label/Observe shape, repointed at
// the billing pipeline instead of call routing).
type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["authz_decisions_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_authz_decisions_total",
            Help: "Total authorization decisions by reason code",
        },
        []string{"reason"},
    )

    pm.counters["dispatcher_events_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_dispatcher_events_total",
            Help: "Total softswitch events processed by kind",
        },
        []string{"kind"},
    )

    pm.counters["dispatcher_events_dropped_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_dispatcher_events_dropped_total",
            Help: "Total events dropped after out-of-order buffering expired",
        },
        []string{"kind"},
    )

    pm.counters["reservation_extensions_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_reservation_extensions_total",
            Help: "Total reservation extension attempts by outcome",
        },
        []string{"outcome"},
    )

    pm.counters["forced_hangups_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_forced_hangups_total",
            Help: "Total calls force-disconnected for exhausted funds",
        },
        []string{"reason"},
    )

    pm.counters["cdr_dead_letters_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_cdr_dead_letters_total",
            Help: "Total CDRs moved to the dead-letter store after retry exhaustion",
        },
        []string{},
    )

    pm.counters["expiry_sweep_reservations_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billcore_expiry_sweep_reservations_total",
            Help: "Total reservations expired by the sweep",
        },
        []string{},
    )

    // Histograms
    pm.histograms["reservation_amount"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billcore_reservation_amount",
            Help:    "Reserved amount per reservation creation/extension",
            Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50},
        },
        []string{"op"},
    )

    pm.histograms["cdr_cost"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billcore_cdr_cost",
            Help:    "Final billed cost per CDR",
            Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
        },
        []string{"direction"},
    )

    pm.histograms["cdr_billsec"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billcore_cdr_billsec_seconds",
            Help:    "Billable seconds per CDR",
            Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
        },
        []string{"direction"},
    )

    pm.histograms["authz_latency"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billcore_authz_latency_seconds",
            Help:    "Authorization decision latency",
            Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
        },
        []string{"reason"},
    )

    // Gauges
    pm.gauges["active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billcore_active_calls",
            Help: "Current number of calls tracked by the dispatcher",
        },
        []string{"status"},
    )

    pm.gauges["active_reservations"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billcore_active_reservations",
            Help: "Current number of non-terminal reservations",
        },
        []string{},
    )

    pm.gauges["dispatcher_queue_depth"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billcore_dispatcher_queue_depth",
            Help: "Current depth of each hashed worker queue",
        },
        []string{"queue"},
    )

    pm.gauges["ratecache_entries"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billcore_ratecache_entries",
            Help: "Current number of cached prefix-set lookups",
        },
        []string{},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, mux)
}
