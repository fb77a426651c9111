package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "chatterbox_relay_events_total"
	gaugeMetric  = "chatterbox_relay_gauge"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format:
// every counter as one series of a single metric with an `event` label, and
// every gauge under a `name` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(k), snap[k])
		}

		gauges := m.sampleGauges()
		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintf(w, "# HELP %s Live relay state.\n", gaugeMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", gaugeMetric)
		for _, g := range gauges {
			_, _ = fmt.Fprintf(w, "%s{name=\"%s\"} %d\n", gaugeMetric, labelEscaper.Replace(g.name), g.value)
		}
	})
}
