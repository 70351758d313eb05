// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"

	"rtprec/pkg/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtprec"

// Close results.
const (
	ResultGraceful = "graceful"
	ResultError    = "error"
)

// Metrics stream lifecycle collectors.
type Metrics struct {
	active  prometheus.Gauge
	created prometheus.Counter
	started prometheus.Counter
	closed  *prometheus.CounterVec
	frames  *prometheus.GaugeVec
	bitrate *prometheus.GaugeVec
}

// New registers collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of live streams.",
		}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_created_total",
			Help:      "Number of created streams.",
		}),
		started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Number of streams whose transcoder started.",
		}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Number of closed streams by result.",
		}, []string{"result"}),
		frames: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcoder_frames",
			Help:      "Frames processed by the transcoder of a live stream.",
		}, []string{"stream"}),
		bitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcoder_bitrate_kbps",
			Help:      "Output bitrate of the transcoder of a live stream.",
		}, []string{"stream"}),
	}
}

// Observe updates collectors from a stream event.
func (m *Metrics) Observe(e stream.Event) {
	switch e.Type {
	case stream.EventCreated:
		m.created.Inc()
		m.active.Inc()
	case stream.EventStarted:
		m.started.Inc()
	case stream.EventProgress:
		if e.Progress == nil {
			return
		}
		m.frames.WithLabelValues(e.StreamID).Set(float64(e.Progress.Frames))
		m.bitrate.WithLabelValues(e.StreamID).Set(e.Progress.BitrateKbps)
	case stream.EventClosed:
		m.active.Dec()
		result := ResultGraceful
		if e.Reason != nil {
			result = ResultError
		}
		m.closed.WithLabelValues(result).Inc()
		m.frames.DeleteLabelValues(e.StreamID)
		m.bitrate.DeleteLabelValues(e.StreamID)
	}
}

// Handler serves the metrics of gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
