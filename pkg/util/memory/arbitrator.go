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
	"fmt"
	"sync/atomic"

	"github.com/pelicandb/pelican/pkg/metrics"
	"github.com/pelicandb/pelican/pkg/util/logutil"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Limits holds the four admission thresholds of the process. All values are
// bytes and read-only after startup.
type Limits struct {
	// MemLimit is the hard ceiling on estimated process memory. Exceeding it
	// should make callers fail the allocation or cancel the query.
	MemLimit int64
	// SoftMemLimit is the early-warning ceiling. Exceeding it should make
	// callers throttle or shed load.
	SoftMemLimit int64
	// SysMemAvailLowWaterMark is the minimum system-wide available memory
	// below which allocations are treated as exceeding the hard limit.
	SysMemAvailLowWaterMark int64
	// SysMemAvailWarningWaterMark is the system-wide available memory below
	// which allocations are treated as exceeding the soft limit.
	SysMemAvailWarningWaterMark int64
}

// DiagnosticsObserver is invoked with a snapshot of the whole memory state
// each time an admission predicate trips. It runs on the caller's goroutine,
// so implementations must be cheap and must not allocate aggressively.
type DiagnosticsObserver func(state string)

// Sampler reads one byte quantity from the OS.
type Sampler func() (int64, error)

// GlobalArbitrator coordinates the process memory budget across all query
// executors. Every hot-path method is lock-free: admission predicates,
// the usage estimators and the reservation ledger only touch atomics, so
// they are safe to call from allocation hooks. The two notifiers are the
// only blocking primitives and are waited on solely by the maintenance
// daemon.
//
// There is one arbitrator per process in production, constructed at startup
// before any query runs. Tests construct independent instances.
type GlobalArbitrator struct {
	limits Limits

	procRSSSampler      Sampler
	sysMemAvailSampler  Sampler
	diagnosticsObserver DiagnosticsObserver

	// Last OS samples, refreshed only by the maintenance daemon.
	vmRSS       atomic.Int64
	sysMemAvail atomic.Int64

	// Approximate physical memory growth since the last OS sample. Reset to
	// zero when a fresh sample is taken. Keeps the usage estimate honest
	// between samples so that threads waiting for memory do not all start at
	// the same time and overshoot.
	refreshIntervalGrowth atomic.Int64

	// Memory promised to goroutines via reservation but not yet released.
	// Never negative.
	processReserved atomic.Int64

	// Cache capacity adjust weights in [0, 1]. 1 means full capacity.
	// periodic is written by the maintenance daemon's refresh loop,
	// memoryExceeded by the workload scheduler when a query is paused for
	// exceeding process memory, and affected is the merged value downstream
	// cache logic applies.
	periodicCacheWeight       uatomic.Float64
	memoryExceededCacheWeight uatomic.Float64
	affectedCacheWeight       uatomic.Float64

	anyWorkloadGroupExceedLimit atomic.Bool

	cacheAdjustNotifier     *Notifier
	memtableRefreshNotifier *Notifier
}

// ArbitratorOptions configures collaborators of a GlobalArbitrator.
type ArbitratorOptions struct {
	// ProcRSSSampler reads the resident set size of the process. Defaults to
	// SampleProcRSS.
	ProcRSSSampler Sampler
	// SysMemAvailSampler reads the system-wide available memory. Defaults to
	// SampleSysMemAvailable.
	SysMemAvailSampler Sampler
	// DiagnosticsObserver receives the memory state string when an admission
	// predicate trips. Defaults to a zap warning log.
	DiagnosticsObserver DiagnosticsObserver
}

// NewGlobalArbitrator builds an arbitrator with the given limits. Zero-value
// options fall back to the OS samplers and the background logger.
func NewGlobalArbitrator(limits Limits, opts ArbitratorOptions) *GlobalArbitrator {
	a := &GlobalArbitrator{
		limits:                  limits,
		procRSSSampler:          opts.ProcRSSSampler,
		sysMemAvailSampler:      opts.SysMemAvailSampler,
		diagnosticsObserver:     opts.DiagnosticsObserver,
		cacheAdjustNotifier:     NewNotifier(),
		memtableRefreshNotifier: NewNotifier(),
	}
	if a.procRSSSampler == nil {
		a.procRSSSampler = SampleProcRSS
	}
	if a.sysMemAvailSampler == nil {
		a.sysMemAvailSampler = SampleSysMemAvailable
	}
	if a.diagnosticsObserver == nil {
		a.diagnosticsObserver = func(state string) {
			logutil.BgLogger().Warn("process memory limit exceeded", zap.String("state", state))
		}
	}
	a.periodicCacheWeight.Store(1)
	a.memoryExceededCacheWeight.Store(1)
	a.affectedCacheWeight.Store(1)
	return a
}

// Limits returns the configured admission thresholds.
func (a *GlobalArbitrator) Limits() Limits {
	return a.limits
}

// RefreshSamples re-reads the OS samples and resets the interval growth.
// Only the maintenance daemon calls this; hot paths never pay the syscall.
func (a *GlobalArbitrator) RefreshSamples() error {
	rss, err := a.procRSSSampler()
	if err != nil {
		return err
	}
	avail, err := a.sysMemAvailSampler()
	if err != nil {
		return err
	}
	a.vmRSS.Store(rss)
	a.sysMemAvail.Store(avail)
	a.refreshIntervalGrowth.Store(0)
	return nil
}

// ProcessMemoryUsage estimates the physical memory in use by the process:
// the last RSS sample, plus the growth accrued since that sample, plus all
// unconsumed reservations. Lock-free and allocation-free.
func (a *GlobalArbitrator) ProcessMemoryUsage() int64 {
	return a.vmRSS.Load() + a.refreshIntervalGrowth.Load() + a.processReserved.Load()
}

// SysMemAvailable conservatively estimates how much more memory the OS could
// hand out, corrected for in-flight growth and unconsumed reservations.
// Lock-free and allocation-free.
func (a *GlobalArbitrator) SysMemAvailable() int64 {
	return a.sysMemAvail.Load() - a.refreshIntervalGrowth.Load() - a.processReserved.Load()
}

// AddRefreshIntervalMemoryGrowth records approximate allocation growth since
// the last OS sample. Called from allocation hooks.
func (a *GlobalArbitrator) AddRefreshIntervalMemoryGrowth(bytes int64) {
	a.refreshIntervalGrowth.Add(bytes)
}

// RefreshIntervalMemoryGrowth returns the growth accrued since the last
// OS sample.
func (a *GlobalArbitrator) RefreshIntervalMemoryGrowth() int64 {
	return a.refreshIntervalGrowth.Load()
}

// ProcessReservedMemory returns the bytes currently promised to goroutines
// but not yet released.
func (a *GlobalArbitrator) ProcessReservedMemory() int64 {
	return a.processReserved.Load()
}

// ReserveProcessMemory unconditionally adds bytes to the reservation ledger.
// Used when the caller has already been cleared to proceed.
func (a *GlobalArbitrator) ReserveProcessMemory(bytes int64) {
	if bytes <= 0 {
		return
	}
	a.processReserved.Add(bytes)
}

// TryReserveProcessMemory adds bytes to the reservation ledger unless the
// estimated usage including the new reservation would reach the hard mem
// limit, or the corrected system available memory would fall below the low
// water mark. The check and the increment are a single CAS so concurrent
// reservers cannot jointly overshoot.
func (a *GlobalArbitrator) TryReserveProcessMemory(bytes int64) bool {
	if bytes <= 0 {
		return true
	}
	for {
		reserved := a.processReserved.Load()
		base := a.vmRSS.Load() + a.refreshIntervalGrowth.Load()
		if base+reserved+bytes >= a.limits.MemLimit {
			return false
		}
		if a.sysMemAvail.Load()-a.refreshIntervalGrowth.Load()-reserved-bytes < a.limits.SysMemAvailLowWaterMark {
			return false
		}
		if a.processReserved.CompareAndSwap(reserved, reserved+bytes) {
			return true
		}
	}
}

// ShrinkProcessReserved removes bytes from the reservation ledger, clamping
// at zero. Used when a goroutine releases an unused reservation or when
// reserved memory converts into actually-counted usage.
func (a *GlobalArbitrator) ShrinkProcessReserved(bytes int64) {
	if bytes <= 0 {
		return
	}
	for {
		reserved := a.processReserved.Load()
		next := reserved - bytes
		if next < 0 {
			next = 0
		}
		if a.processReserved.CompareAndSwap(reserved, next) {
			return
		}
	}
}

// TryReserve reserves bytes ahead of allocation and hands back a
// goroutine-local handle for draining it. Returns false when the reservation
// was rejected.
func (a *GlobalArbitrator) TryReserve(bytes int64) (*Reservation, bool) {
	if !a.TryReserveProcessMemory(bytes) {
		return nil, false
	}
	return &Reservation{arb: a, remaining: bytes}, true
}

// Reserve is the unconditional counterpart of TryReserve.
func (a *GlobalArbitrator) Reserve(bytes int64) *Reservation {
	a.ReserveProcessMemory(bytes)
	return &Reservation{arb: a, remaining: bytes}
}

// IsExceedSoftMemLimit reports whether admitting bytes more would cross the
// early-warning tier. A request fully covered by the caller's reservation is
// never soft-exceeded: the reservation already accounted for that growth, so
// high-looking global usage must not produce a false denial right after a
// successful reservation. res may be nil.
func (a *GlobalArbitrator) IsExceedSoftMemLimit(res *Reservation, bytes int64) bool {
	if bytes > 0 && res.Drain(bytes) <= 0 {
		return false
	}
	exceeded := a.ProcessMemoryUsage()+bytes >= a.limits.SoftMemLimit ||
		a.SysMemAvailable()-bytes < a.limits.SysMemAvailWarningWaterMark
	if exceeded {
		metrics.SoftLimitExceededCounter.Inc()
		a.diagnosticsObserver(a.ProcessMemLogString())
	}
	return exceeded
}

// IsExceedHardMemLimit reports whether admitting bytes more would cross the
// protective tier. The process ceiling and the system-wide availability are
// checked independently because either alone is an incomplete picture: a
// process under its own cap can still starve the machine, and vice versa.
// res may be nil.
func (a *GlobalArbitrator) IsExceedHardMemLimit(res *Reservation, bytes int64) bool {
	if bytes > 0 && res.Drain(bytes) <= 0 {
		return false
	}
	exceeded := a.ProcessMemoryUsage()+bytes >= a.limits.MemLimit ||
		a.SysMemAvailable()-bytes < a.limits.SysMemAvailLowWaterMark
	if exceeded {
		metrics.HardLimitExceededCounter.Inc()
		a.diagnosticsObserver(a.ProcessMemLogString())
	}
	return exceeded
}

// SetPeriodicCacheCapacityWeight records the slow periodic evaluator's
// recommendation for shrinking shared caches, in [0, 1].
func (a *GlobalArbitrator) SetPeriodicCacheCapacityWeight(w float64) {
	a.periodicCacheWeight.Store(w)
}

// PeriodicCacheCapacityWeight returns the periodic evaluator's weight.
func (a *GlobalArbitrator) PeriodicCacheCapacityWeight() float64 {
	return a.periodicCacheWeight.Load()
}

// SetMemoryExceededCacheCapacityWeight records the reactive evaluator's
// recommendation, fired by the workload scheduler when a query is paused for
// exceeding process memory.
func (a *GlobalArbitrator) SetMemoryExceededCacheCapacityWeight(w float64) {
	a.memoryExceededCacheWeight.Store(w)
}

// MemoryExceededCacheCapacityWeight returns the reactive evaluator's weight.
func (a *GlobalArbitrator) MemoryExceededCacheCapacityWeight() float64 {
	return a.memoryExceededCacheWeight.Load()
}

// SetAffectedCacheCapacityWeight records the merged weight downstream cache
// capacity logic actually applies. Written only by the maintenance daemon.
func (a *GlobalArbitrator) SetAffectedCacheCapacityWeight(w float64) {
	a.affectedCacheWeight.Store(w)
}

// AffectedCacheCapacityWeight returns the effective cache capacity weight.
func (a *GlobalArbitrator) AffectedCacheCapacityWeight() float64 {
	return a.affectedCacheWeight.Load()
}

// SetAnyWorkloadGroupExceedLimit is set by the workload scheduler when at
// least one workload group is over its own limit.
func (a *GlobalArbitrator) SetAnyWorkloadGroupExceedLimit(v bool) {
	a.anyWorkloadGroupExceedLimit.Store(v)
}

// AnyWorkloadGroupExceedLimit reports the workload scheduler's flag.
func (a *GlobalArbitrator) AnyWorkloadGroupExceedLimit() bool {
	return a.anyWorkloadGroupExceedLimit.Load()
}

// NotifyCacheAdjustCapacity wakes the maintenance daemon to re-evaluate
// cache capacities. Never blocks; repeated calls before the daemon wakes
// collapse into one wakeup.
func (a *GlobalArbitrator) NotifyCacheAdjustCapacity() {
	a.cacheAdjustNotifier.Notify()
}

// NotifyMemtableMemoryRefresh wakes the maintenance daemon to re-evaluate
// memtable flush thresholds. Never blocks.
func (a *GlobalArbitrator) NotifyMemtableMemoryRefresh() {
	a.memtableRefreshNotifier.Notify()
}

// CacheAdjustNotifier returns the notifier awaited by the cache capacity
// adjuster.
func (a *GlobalArbitrator) CacheAdjustNotifier() *Notifier {
	return a.cacheAdjustNotifier
}

// MemtableRefreshNotifier returns the notifier awaited by the memtable flush
// trigger.
func (a *GlobalArbitrator) MemtableRefreshNotifier() *Notifier {
	return a.memtableRefreshNotifier
}

// ProcessMemoryUsedString formats the current usage estimate. Allocates, so
// only for logging paths.
func (a *GlobalArbitrator) ProcessMemoryUsedString() string {
	return fmt.Sprintf("process memory used %s", FormatBytes(a.ProcessMemoryUsage()))
}

// ProcessMemoryUsedDetailsString formats the usage estimate with its
// breakdown.
func (a *GlobalArbitrator) ProcessMemoryUsedDetailsString() string {
	return fmt.Sprintf("process memory used %s(= %s[vm/rss] + %s[reserved] + %dB[waiting_refresh])",
		FormatBytes(a.ProcessMemoryUsage()),
		FormatBytes(a.vmRSS.Load()),
		FormatBytes(a.processReserved.Load()),
		a.refreshIntervalGrowth.Load())
}

// SysMemAvailableString formats the current availability estimate.
func (a *GlobalArbitrator) SysMemAvailableString() string {
	return fmt.Sprintf("sys available memory %s", FormatBytes(a.SysMemAvailable()))
}

// SysMemAvailableDetailsString formats the availability estimate with its
// breakdown.
func (a *GlobalArbitrator) SysMemAvailableDetailsString() string {
	return fmt.Sprintf("sys available memory %s(= %s[proc/available] - %s[reserved] - %dB[waiting_refresh])",
		FormatBytes(a.SysMemAvailable()),
		FormatBytes(a.sysMemAvail.Load()),
		FormatBytes(a.processReserved.Load()),
		a.refreshIntervalGrowth.Load())
}

// ProcessMemLogString assembles the full diagnostic snapshot handed to the
// diagnostics observer on limit-exceeded events.
func (a *GlobalArbitrator) ProcessMemLogString() string {
	return fmt.Sprintf("%s, limit %s, soft limit %s. %s, low water mark %s, warning water mark %s, any workload group exceed limit %v",
		a.ProcessMemoryUsedDetailsString(),
		FormatBytes(a.limits.MemLimit),
		FormatBytes(a.limits.SoftMemLimit),
		a.SysMemAvailableDetailsString(),
		FormatBytes(a.limits.SysMemAvailLowWaterMark),
		FormatBytes(a.limits.SysMemAvailWarningWaterMark),
		a.anyWorkloadGroupExceedLimit.Load())
}

// Reservation is a goroutine-local handle on memory pre-claimed against the
// global budget. It is owned by a single goroutine and is not safe for
// concurrent use; the global ledger underneath stays lock-free.
type Reservation struct {
	arb       *GlobalArbitrator
	remaining int64
}

// Remaining returns the unconsumed portion of the reservation.
func (r *Reservation) Remaining() int64 {
	if r == nil {
		return 0
	}
	return r.remaining
}

// Drain satisfies up to bytes from the reservation, removing the covered
// portion from both the handle and the global ledger, and returns the
// remainder still requiring a fresh limit check. The covered portion is
// about to turn into real allocation: physical memory grows while the
// reservation shrinks, leaving the usage estimate steady.
func (r *Reservation) Drain(bytes int64) int64 {
	if r == nil || bytes <= 0 {
		return bytes
	}
	covered := bytes
	if covered > r.remaining {
		covered = r.remaining
	}
	if covered > 0 {
		r.remaining -= covered
		r.arb.ShrinkProcessReserved(covered)
	}
	return bytes - covered
}

// Release returns the unconsumed remainder to the global budget and empties
// the handle.
func (r *Reservation) Release() {
	if r == nil || r.remaining <= 0 {
		return
	}
	r.arb.ShrinkProcessReserved(r.remaining)
	r.remaining = 0
}
