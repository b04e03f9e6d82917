// Copyright 2025 PelicanDB, Inc.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants.
const (
	LblType = "type"

	// Values of LblType for MemoryUsageGauge.
	LblVMRss          = "vm_rss"
	LblReserved       = "reserved"
	LblIntervalGrowth = "interval_growth"
	LblEstimated      = "estimated"

	// Values of LblType for LimitExceededCounter.
	LblSoft = "soft"
	LblHard = "hard"
)

// Memory metrics.
var (
	MemoryUsageGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pelican",
			Subsystem: "memory",
			Name:      "usage_bytes",
			Help:      "Breakdown of the estimated process memory usage.",
		}, []string{LblType})

	SysMemAvailableGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pelican",
			Subsystem: "memory",
			Name:      "sys_available_bytes",
			Help:      "Estimated system-wide available memory.",
		})

	LimitExceededCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pelican",
			Subsystem: "memory",
			Name:      "limit_exceeded_total",
			Help:      "Counter of soft/hard memory limit exceeded events.",
		}, []string{LblType})

	CacheCapacityWeightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pelican",
			Subsystem: "memory",
			Name:      "cache_capacity_weight",
			Help:      "Effective cache capacity adjust weight in [0, 1].",
		})

	WriteBufferGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pelican",
			Subsystem: "memory",
			Name:      "write_buffer_bytes",
			Help:      "Memory consumed by all active memtables.",
		})
)

// Pre-bound counters for the admission predicates' hot exceeded paths.
var (
	SoftLimitExceededCounter = LimitExceededCounter.WithLabelValues(LblSoft)
	HardLimitExceededCounter = LimitExceededCounter.WithLabelValues(LblHard)
)

// RegisterMemoryMetrics registers the memory metrics with prometheus.
func RegisterMemoryMetrics() {
	prometheus.MustRegister(MemoryUsageGauge)
	prometheus.MustRegister(SysMemAvailableGauge)
	prometheus.MustRegister(LimitExceededCounter)
	prometheus.MustRegister(CacheCapacityWeightGauge)
	prometheus.MustRegister(WriteBufferGauge)
}
