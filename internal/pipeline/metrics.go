package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for pipeline runs. Labels must not
// include IPs or usernames; source_id and coarse statuses are allowed.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	LinesTotal      *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
	LinesSkipped    *prometheus.CounterVec
	DNSLookupsTotal *prometheus.CounterVec
	SinkRowsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "maillogsentinel_runs_total", Help: "Total pipeline runs by source and status"},
			[]string{"source_id", "status"}),
		LinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "maillogsentinel_lines_total", Help: "Total log lines read by source"},
			[]string{"source_id"}),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "maillogsentinel_events_total", Help: "Total authentication failures extracted by source"},
			[]string{"source_id"}),
		LinesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "maillogsentinel_lines_skipped_total", Help: "Log lines read that matched no extractor"},
			[]string{"source_id"}),
		DNSLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "maillogsentinel_dns_lookups_total", Help: "Reverse DNS lookup outcomes by status"},
			[]string{"status"}),
		SinkRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "maillogsentinel_sink_rows_total", Help: "Sink rows by disposition (appended, duplicate)"},
			[]string{"disposition"}),
	}
	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.LinesTotal, m.EventsTotal, m.LinesSkipped, m.DNSLookupsTotal, m.SinkRowsTotal)
	}
	return m
}

func (m *Metrics) IncRun(sourceID string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(sourceID, status).Inc()
}

func (m *Metrics) AddLines(sourceID string, n int) {
	if m == nil {
		return
	}
	m.LinesTotal.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) AddEvents(sourceID string, n int) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) AddLinesSkipped(sourceID string, n int) {
	if m == nil {
		return
	}
	m.LinesSkipped.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) IncDNS(status string) {
	if m == nil {
		return
	}
	m.DNSLookupsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddSinkRows(appended, duplicates int) {
	if m == nil {
		return
	}
	m.SinkRowsTotal.WithLabelValues("appended").Add(float64(appended))
	m.SinkRowsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
}
