// metrics_test.go - Prometheus metric registry tests.
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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	require := require.New(t)

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsReceived.Inc()
	m.EventsDropped.WithLabelValues("replay").Inc()
	m.RequestsHandled.Inc()
	m.OriginLatency.Observe(0.5)
	m.ChunksPublished.Add(3)
	m.PublishFailures.WithLabelValues("wss://relay.example.com").Inc()
	m.PendingRequests.Set(2)

	metricFamilies, err := reg.Gather()
	require.NoError(err)
	require.NotEmpty(metricFamilies)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "relayproxy_events_received_total" {
			found = true
			require.Equal(float64(1), mf.Metric[0].GetCounter().GetValue())
		}
	}
	require.True(found, "events_received_total must be registered and gathered")
}
