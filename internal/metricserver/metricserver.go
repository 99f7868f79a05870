/*
Copyright The PGKeeper Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metricserver exposes the agent's observations as Prometheus
// metrics on an optional listener
package metricserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// MetricServer publishes the per-tick gauges. A server built with an
// empty bind address is disabled and only keeps the gauges in memory.
type MetricServer struct {
	registry *prometheus.Registry

	roleGauge         *prometheus.GaugeVec
	leaderGauge       prometheus.Gauge
	timelineGauge     prometheus.Gauge
	iterationDuration prometheus.Histogram
}

// New builds the metric set and, when bindAddress is not empty,
// starts serving /metrics on it
func New(bindAddress string) *MetricServer {
	m := &MetricServer{
		registry: prometheus.NewRegistry(),
		roleGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgkeeper_role",
			Help: "Current observed role of the local PostgreSQL, one-hot by role label",
		}, []string{"role"}),
		leaderGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgkeeper_holds_leader_lock",
			Help: "Whether this host currently holds the leader lock",
		}),
		timelineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgkeeper_timeline",
			Help: "Timeline of the local PostgreSQL instance",
		}),
		iterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgkeeper_iteration_duration_seconds",
			Help:    "Duration of the control loop iterations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	m.registry.MustRegister(m.roleGauge, m.leaderGauge, m.timelineGauge, m.iterationDuration)

	if bindAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
		go func() {
			server := &http.Server{
				Addr:              bindAddress,
				Handler:           mux,
				ReadHeaderTimeout: 3 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil {
				log.Error(err, "Metrics listener failed", "bindAddress", bindAddress)
			}
		}()
	}
	return m
}

// Observe records one control loop tick
func (m *MetricServer) Observe(role string, holdsLeader bool, timeline int64, elapsed time.Duration) {
	m.roleGauge.Reset()
	if role != "" {
		m.roleGauge.WithLabelValues(role).Set(1)
	}
	if holdsLeader {
		m.leaderGauge.Set(1)
	} else {
		m.leaderGauge.Set(0)
	}
	m.timelineGauge.Set(float64(timeline))
	m.iterationDuration.Observe(elapsed.Seconds())
}
