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

package memory

import (
	"math"
	"sync"
	"time"

	"github.com/pelicandb/pelican/pkg/metrics"
	"github.com/pelicandb/pelican/pkg/util/logutil"
	"go.uber.org/zap"
)

const (
	// DefMaintenanceInterval is the default period of the sampling loop.
	DefMaintenanceInterval = 100 * time.Millisecond
	// cacheWeightEpsilon is the smallest periodic weight change worth waking
	// the cache capacity adjuster for.
	cacheWeightEpsilon = 0.01
)

// MaintenanceOptions configures the background feedback loops.
type MaintenanceOptions struct {
	// Interval is the period of the sampling loop. Defaults to
	// DefMaintenanceInterval.
	Interval time.Duration
	// WriteBuffer is the global write buffer tracker. When its consumption
	// crosses FlushWaterMark the memtable notifier fires.
	WriteBuffer *Tracker
	// FlushWaterMark is the write buffer consumption, in bytes, above which
	// memtable flushing is requested. <= 0 disables the check.
	FlushWaterMark int64
	// AdjustCacheCapacity applies a merged cache capacity weight. Runs on
	// the adjuster goroutine.
	AdjustCacheCapacity func(weight float64)
	// FlushMemtables picks and flushes memtables. Runs on the flush trigger
	// goroutine.
	FlushMemtables func()
}

// MaintenanceHandle drives the periodic memory maintenance work: OS sample
// refreshing, metrics publishing, cache capacity arbitration and memtable
// flush triggering. Allocation-path goroutines only ever flip the
// arbitrator's notifiers; all heavier recomputation happens here.
type MaintenanceHandle struct {
	arb    *GlobalArbitrator
	opts   MaintenanceOptions
	exitCh chan struct{}
	wg     sync.WaitGroup
}

// NewMaintenanceHandle builds a maintenance handle for the arbitrator.
func NewMaintenanceHandle(arb *GlobalArbitrator, opts MaintenanceOptions) *MaintenanceHandle {
	if opts.Interval <= 0 {
		opts.Interval = DefMaintenanceInterval
	}
	return &MaintenanceHandle{
		arb:    arb,
		opts:   opts,
		exitCh: make(chan struct{}),
	}
}

// Start launches the sampling loop, the cache capacity adjuster and the
// memtable flush trigger.
func (h *MaintenanceHandle) Start() {
	h.wg.Add(3)
	go h.run()
	go h.runCacheCapacityAdjuster()
	go h.runMemtableFlushTrigger()
}

// Stop terminates all three loops and waits for them to exit. The
// arbitrator's notifiers are closed, so Stop is only for process shutdown
// and tests.
func (h *MaintenanceHandle) Stop() {
	close(h.exitCh)
	h.arb.CacheAdjustNotifier().Close()
	h.arb.MemtableRefreshNotifier().Close()
	h.wg.Wait()
}

func (h *MaintenanceHandle) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.refreshOnce()
		case <-h.exitCh:
			return
		}
	}
}

// refreshOnce resamples the OS, publishes metrics, recomputes the periodic
// cache capacity weight and checks the write buffer flush water mark.
func (h *MaintenanceHandle) refreshOnce() {
	if err := h.arb.RefreshSamples(); err != nil {
		logutil.BgLogger().Warn("refresh memory samples failed", zap.Error(err))
		return
	}
	h.publishMetrics()

	weight := h.periodicCacheWeight()
	if math.Abs(weight-h.arb.PeriodicCacheCapacityWeight()) > cacheWeightEpsilon {
		h.arb.SetPeriodicCacheCapacityWeight(weight)
		h.arb.NotifyCacheAdjustCapacity()
	}

	if wb := h.opts.WriteBuffer; wb != nil && h.opts.FlushWaterMark > 0 {
		consumed := wb.BytesConsumed()
		metrics.WriteBufferGauge.Set(float64(consumed))
		if consumed >= h.opts.FlushWaterMark {
			h.arb.NotifyMemtableMemoryRefresh()
		}
	}
}

// periodicCacheWeight maps current pressure to a capacity weight: full
// capacity below the soft limit, shrinking linearly to zero at the hard
// limit.
func (h *MaintenanceHandle) periodicCacheWeight() float64 {
	limits := h.arb.Limits()
	usage := h.arb.ProcessMemoryUsage()
	if usage <= limits.SoftMemLimit || limits.MemLimit <= limits.SoftMemLimit {
		return 1
	}
	w := 1 - float64(usage-limits.SoftMemLimit)/float64(limits.MemLimit-limits.SoftMemLimit)
	if w < 0 {
		return 0
	}
	return w
}

func (h *MaintenanceHandle) publishMetrics() {
	metrics.MemoryUsageGauge.WithLabelValues(metrics.LblVMRss).Set(float64(h.arb.vmRSS.Load()))
	metrics.MemoryUsageGauge.WithLabelValues(metrics.LblReserved).Set(float64(h.arb.ProcessReservedMemory()))
	metrics.MemoryUsageGauge.WithLabelValues(metrics.LblIntervalGrowth).Set(float64(h.arb.RefreshIntervalMemoryGrowth()))
	metrics.MemoryUsageGauge.WithLabelValues(metrics.LblEstimated).Set(float64(h.arb.ProcessMemoryUsage()))
	metrics.SysMemAvailableGauge.Set(float64(h.arb.SysMemAvailable()))
}

// runCacheCapacityAdjuster waits for cache adjust notifications, merges the
// periodic and memory-exceeded weights and applies the result. The min of
// the two wins: the reactive signal oscillates under bursty pressure and the
// periodic one reacts slowly to hard limit breaches, so the merge always
// honors the more aggressive shrink.
func (h *MaintenanceHandle) runCacheCapacityAdjuster() {
	defer h.wg.Done()
	for h.arb.CacheAdjustNotifier().Wait() {
		merged := math.Min(h.arb.PeriodicCacheCapacityWeight(), h.arb.MemoryExceededCacheCapacityWeight())
		if merged == h.arb.AffectedCacheCapacityWeight() {
			continue
		}
		h.arb.SetAffectedCacheCapacityWeight(merged)
		metrics.CacheCapacityWeightGauge.Set(merged)
		logutil.BgLogger().Info("adjust cache capacity",
			zap.Float64("weight", merged),
			zap.Bool("anyWorkloadGroupExceedLimit", h.arb.AnyWorkloadGroupExceedLimit()))
		if h.opts.AdjustCacheCapacity != nil {
			h.opts.AdjustCacheCapacity(merged)
		}
	}
}

// runMemtableFlushTrigger waits for memtable refresh notifications and kicks
// the flush callback. A notification storm between wakeups collapses into
// one flush pass.
func (h *MaintenanceHandle) runMemtableFlushTrigger() {
	defer h.wg.Done()
	for h.arb.MemtableRefreshNotifier().Wait() {
		if h.opts.FlushMemtables != nil {
			h.opts.FlushMemtables()
		}
	}
}
