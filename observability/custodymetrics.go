package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// custodyMetrics tracks the handful of Prometheus counters the custody
// backend emits alongside its otel traces/metrics (spec §2 ambient stack),
// adapted from the teacher's eventMetrics (observability/events.go) which
// counted native chain transfers by asset.
type custodyMetrics struct {
	transfers *prometheus.CounterVec
	anomalies *prometheus.CounterVec
}

var (
	custodyMetricsOnce sync.Once
	custodyRegistry    *custodyMetrics
)

// CustodyMetrics returns the lazily-initialised custody metrics registry.
func CustodyMetrics() *custodyMetrics {
	custodyMetricsOnce.Do(func() {
		custodyRegistry = &custodyMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "transfer",
				Name:      "completed_total",
				Help:      "Count of completed transfers segmented by kind and currency.",
			}, []string{"kind", "currency"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Count of reconciliation anomalies segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(custodyRegistry.transfers, custodyRegistry.anomalies)
	})
	return custodyRegistry
}

// RecordTransfer increments the completed-transfer counter for kind/currency
// (e.g. "internal"/"USDC", "external"/"SOL").
func (m *custodyMetrics) RecordTransfer(kind, currency string) {
	if m == nil {
		return
	}
	kind = normalizeLabel(kind)
	currency = normalizeLabel(currency)
	m.transfers.WithLabelValues(kind, currency).Inc()
}

// RecordAnomaly increments the reconciliation anomaly counter for typ.
func (m *custodyMetrics) RecordAnomaly(typ string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(typ)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToUpper(v))
	if v == "" {
		return "UNKNOWN"
	}
	return v
}
