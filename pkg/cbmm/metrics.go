// Copyright 2022 The cbmm Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cbmm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector exposes an engine's decision counters as
// prometheus metrics.
type EngineCollector struct {
	engine *Engine

	estimated   *prometheus.Desc
	decided     *prometheus.Desc
	accepted    *prometheus.Desc
	promoted    *prometheus.Desc
	compactions *prometheus.Desc
	prezeroTry  *prometheus.Desc
	allocBytes  *prometheus.Desc
	processes   *prometheus.Desc
}

// NewEngineCollector creates a collector for the engine. Register it
// with a prometheus registry to scrape it.
func NewEngineCollector(engine *Engine) *EngineCollector {
	return &EngineCollector{
		engine: engine,
		estimated: prometheus.NewDesc("cbmm_estimates_total",
			"Number of cost-benefit estimates made.", nil, nil),
		decided: prometheus.NewDesc("cbmm_decisions_total",
			"Number of decisions made.", nil, nil),
		accepted: prometheus.NewDesc("cbmm_decisions_accepted_total",
			"Number of decisions that accepted the action.", nil, nil),
		promoted: prometheus.NewDesc("cbmm_promotions_total",
			"Number of registered large page promotions.", nil, nil),
		compactions: prometheus.NewDesc("cbmm_compaction_attempts_total",
			"Number of estimates where compaction paid for itself.", nil, nil),
		prezeroTry: prometheus.NewDesc("cbmm_prezero_attempts_total",
			"Number of estimates where prezeroing paid for itself.", nil, nil),
		allocBytes: prometheus.NewDesc("cbmm_tracked_alloc_bytes",
			"Bytes of tracked profile allocations.", nil, nil),
		processes: prometheus.NewDesc("cbmm_tracked_processes",
			"Number of processes with a profile.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.estimated
	ch <- c.decided
	ch <- c.accepted
	ch <- c.promoted
	ch <- c.compactions
	ch <- c.prezeroTry
	ch <- c.allocBytes
	ch <- c.processes
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	counters := c.engine.Counters()
	ch <- prometheus.MustNewConstMetric(c.estimated,
		prometheus.CounterValue, float64(counters.Estimated))
	ch <- prometheus.MustNewConstMetric(c.decided,
		prometheus.CounterValue, float64(counters.Decided))
	ch <- prometheus.MustNewConstMetric(c.accepted,
		prometheus.CounterValue, float64(counters.DecidedYes))
	ch <- prometheus.MustNewConstMetric(c.promoted,
		prometheus.CounterValue, float64(counters.Promoted))
	ch <- prometheus.MustNewConstMetric(c.compactions,
		prometheus.CounterValue, float64(counters.Compactions))
	ch <- prometheus.MustNewConstMetric(c.prezeroTry,
		prometheus.CounterValue, float64(counters.PrezeroTry))
	ch <- prometheus.MustNewConstMetric(c.allocBytes,
		prometheus.GaugeValue, float64(counters.AllocBytes))
	ch <- prometheus.MustNewConstMetric(c.processes,
		prometheus.GaugeValue, float64(len(c.engine.Pids())))
}
