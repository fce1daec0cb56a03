// Package observability bundles the engine's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector registers and owns the engine metrics. The registerer is
// injected so tests can use an isolated registry.
type Collector struct {
	gatherer prometheus.Gatherer

	SentencesTotal  *prometheus.CounterVec
	RTCMFramesTotal *prometheus.CounterVec
	SolvesTotal     *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
	FusionsTotal    *prometheus.CounterVec

	SourcesConnected prometheus.Gauge
	LastFixAge       prometheus.Gauge
}

// NewCollector registers the engine metrics, defaulting to the global
// registry when reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		gatherer: gatherer,
		SentencesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navfuse_nmea_sentences_total",
			Help: "NMEA sentences processed, labeled by outcome (ok, parse_error, unsupported).",
		}, []string{"outcome"}),
		RTCMFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navfuse_rtcm_frames_total",
			Help: "RTCM frames processed, labeled by outcome (ok, crc_error, discarded).",
		}, []string{"outcome"}),
		SolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navfuse_solves_total",
			Help: "Position solves, labeled by verdict (valid, degraded, invalid, error).",
		}, []string{"verdict"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navfuse_source_reconnects_total",
			Help: "Correction source reconnect attempts by source id.",
		}, []string{"source"}),
		FusionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navfuse_fusions_total",
			Help: "Fused positions produced, labeled by mode (gnss, dead-reckoning, anchor-seed).",
		}, []string{"mode"}),
		SourcesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navfuse_sources_connected",
			Help: "Number of correction sources currently connected.",
		}),
		LastFixAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navfuse_last_fix_age_seconds",
			Help: "Age of the most recent fused position.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.SentencesTotal, c.RTCMFramesTotal, c.SolvesTotal,
		c.ReconnectsTotal, c.FusionsTotal, c.SourcesConnected, c.LastFixAge,
	} {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the collector's registry over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
