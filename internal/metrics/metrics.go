// metrics.go - Prometheus metric registry.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package metrics registers the Prometheus counters and histograms the
// orchestrator updates as it processes events. Metrics are purely
// observational: a failure to record one never changes an accept/reject
// decision.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the pipeline touches.
type Registry struct {
	EventsReceived   prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	RequestsHandled  prometheus.Counter
	OriginLatency    prometheus.Histogram
	ChunksPublished  prometheus.Counter
	PublishFailures  *prometheus.CounterVec
	PendingRequests  prometheus.Gauge
}

// New registers all metrics against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayproxy",
			Name:      "events_received_total",
			Help:      "Gift-wrap events delivered by the subscription.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayproxy",
			Name:      "events_dropped_total",
			Help:      "Events dropped or not cleanly handled, labeled by reason.",
		}, []string{"reason"}),
		RequestsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayproxy",
			Name:      "requests_handled_total",
			Help:      "Reassembled requests dispatched to the origin or route gate.",
		}),
		OriginLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relayproxy",
			Name:      "origin_request_duration_seconds",
			Help:      "Latency of origin HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayproxy",
			Name:      "response_chunks_published_total",
			Help:      "Outgoing response chunks published across all relays.",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayproxy",
			Name:      "publish_failures_total",
			Help:      "Per-relay publish failures, labeled by relay URL.",
		}, []string{"relay"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayproxy",
			Name:      "pending_requests",
			Help:      "Requests currently awaiting reassembly.",
		}),
	}

	reg.MustRegister(
		r.EventsReceived,
		r.EventsDropped,
		r.RequestsHandled,
		r.OriginLatency,
		r.ChunksPublished,
		r.PublishFailures,
		r.PendingRequests,
	)
	return r
}
