package observability

import (
	"log/slog"

	"github.com/JupiterMack/jupiter-scada/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// PromObs logs through slog and records metrics in Prometheus. Unknown metric
// names are ignored.
type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	counters := map[string]prometheus.Counter{
		"jupiter_polls_total":              counter("jupiter_polls_total", "Poll attempts started across all tags."),
		"jupiter_poll_skips_total":         counter("jupiter_poll_skips_total", "Poll firings skipped because the previous poll of the tag was still outstanding."),
		"jupiter_read_errors_total":        counter("jupiter_read_errors_total", "Polls that ended in a per-tag read error."),
		"jupiter_read_timeouts_total":      counter("jupiter_read_timeouts_total", "Reads that exceeded the per-read timeout."),
		"jupiter_connection_faults_total":  counter("jupiter_connection_faults_total", "Faults that moved the session from Connected to Reconnecting."),
		"jupiter_reconnect_attempts_total": counter("jupiter_reconnect_attempts_total", "Connect attempts made against the server."),
		"jupiter_mirror_writes_total":      counter("jupiter_mirror_writes_total", "Snapshots written to the mirror."),
		"jupiter_mirror_errors_total":      counter("jupiter_mirror_errors_total", "Snapshot writes to the mirror that failed."),
	}
	gauges := map[string]prometheus.Gauge{
		"jupiter_connection_state": prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jupiter_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		"jupiter_tags_configured": prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jupiter_tags_configured",
			Help: "Number of tags in the catalog.",
		}),
		"jupiter_ws_clients": prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jupiter_ws_clients",
			Help: "WebSocket subscribers currently connected.",
		}),
	}
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jupiter_read_latency_seconds",
		Help:    "Time spent in a single session read.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	for _, c := range counters {
		reg.MustRegister(c)
	}
	for _, g := range gauges {
		reg.MustRegister(g)
	}
	reg.MustRegister(latency)

	return &PromObs{
		log:      logger,
		counters: counters,
		gauges:   gauges,
		histos: map[string]prometheus.Observer{
			"jupiter_read_latency_seconds": latency,
		},
	}
}

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	p.log.Debug(msg, attrs(fields)...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
