/*
Copyright 2024 Alexandre Mahdhaoui

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

// Package metrics exposes phase and run outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/installsuite/pkg/reporting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "installsuite"

// Metrics records the outcome of suite runs in its own registry.
type Metrics struct {
	registry *prometheus.Registry
	scenario string

	phaseDuration *prometheus.HistogramVec
	phases        *prometheus.CounterVec
	runSuccess    *prometheus.GaugeVec
	lastRun       *prometheus.GaugeVec
}

// New returns Metrics labelled with the scenario name.
func New(scenario string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scenario: scenario,
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of suite phases.",
			// Phases range from a single command to a full installation.
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"scenario", "phase", "status"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Suite phases by outcome.",
		}, []string{"scenario", "status"}),
		runSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run of the scenario passed, 0 otherwise.",
		}, []string{"scenario"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of the scenario finished.",
		}, []string{"scenario"}),
	}

	m.registry.MustRegister(m.phaseDuration, m.phases, m.runSuccess, m.lastRun)
	return m
}

// ObservePhase records the outcome of one phase.
func (m *Metrics) ObservePhase(phase string, status reporting.Status, d time.Duration) {
	m.phaseDuration.WithLabelValues(m.scenario, phase, string(status)).Observe(d.Seconds())
	m.phases.WithLabelValues(m.scenario, string(status)).Inc()
}

// ObserveRun records the outcome of a finished run.
func (m *Metrics) ObserveRun(result *reporting.Result) {
	success := 0.0
	if result.Status == reporting.StatusPassed {
		success = 1
	}
	m.runSuccess.WithLabelValues(m.scenario).Set(success)
	m.lastRun.WithLabelValues(m.scenario).Set(float64(result.EndTime.Unix()))
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
