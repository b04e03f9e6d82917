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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestArbitrator(t *testing.T, limits Limits, rss, sysAvail int64) *GlobalArbitrator {
	a := NewGlobalArbitrator(limits, ArbitratorOptions{
		ProcRSSSampler:      func() (int64, error) { return rss, nil },
		SysMemAvailSampler:  func() (int64, error) { return sysAvail, nil },
		DiagnosticsObserver: func(string) {},
	})
	require.NoError(t, a.RefreshSamples())
	return a
}

// Watermarks low enough that the sys-available clauses never trip.
func relaxedLimits(memLimit, softLimit int64) Limits {
	return Limits{
		MemLimit:                    memLimit,
		SoftMemLimit:                softLimit,
		SysMemAvailLowWaterMark:     0,
		SysMemAvailWarningWaterMark: 0,
	}
}

func TestReserveShrinkRoundTrip(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 0, 1<<40)
	for _, bytes := range []int64{0, 1, 1024, 1 << 30} {
		before := a.ProcessReservedMemory()
		a.ReserveProcessMemory(bytes)
		a.ShrinkProcessReserved(bytes)
		require.Equal(t, before, a.ProcessReservedMemory())
	}
}

func TestShrinkClampsAtZero(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 0, 1<<40)
	a.ReserveProcessMemory(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.ShrinkProcessReserved(50)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(0), a.ProcessReservedMemory())

	a.ShrinkProcessReserved(1)
	require.Equal(t, int64(0), a.ProcessReservedMemory())
}

func TestProcessMemoryUsageEstimate(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 1000, 5000)
	a.AddRefreshIntervalMemoryGrowth(50)
	a.ReserveProcessMemory(20)
	require.Equal(t, int64(1070), a.ProcessMemoryUsage())
	require.Equal(t, int64(4930), a.SysMemAvailable())
}

func TestRefreshSamplesResetsGrowth(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 1000, 5000)
	a.AddRefreshIntervalMemoryGrowth(50)
	require.Equal(t, int64(50), a.RefreshIntervalMemoryGrowth())
	require.NoError(t, a.RefreshSamples())
	require.Equal(t, int64(0), a.RefreshIntervalMemoryGrowth())
	require.Equal(t, int64(1000), a.ProcessMemoryUsage())
}

func TestHardLimitBoundary(t *testing.T) {
	// usage == limit is exceeded, strictly below is not.
	a := newTestArbitrator(t, relaxedLimits(1000, 900), 1000, 1<<40)
	require.True(t, a.IsExceedHardMemLimit(nil, 0))

	a = newTestArbitrator(t, relaxedLimits(1001, 1001), 1000, 1<<40)
	require.False(t, a.IsExceedHardMemLimit(nil, 0))
}

func TestSoftHardIndependence(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(2000, 500), 1000, 1<<40)
	require.True(t, a.IsExceedSoftMemLimit(nil, 0))
	require.False(t, a.IsExceedHardMemLimit(nil, 0))
}

func TestSysMemAvailableWaterMarks(t *testing.T) {
	// Process usage well below its own cap, but the machine is starving.
	limits := Limits{
		MemLimit:                    1 << 40,
		SoftMemLimit:                1 << 39,
		SysMemAvailLowWaterMark:     1000,
		SysMemAvailWarningWaterMark: 2000,
	}
	a := newTestArbitrator(t, limits, 100, 1500)
	require.True(t, a.IsExceedSoftMemLimit(nil, 0))
	require.False(t, a.IsExceedHardMemLimit(nil, 0))

	a = newTestArbitrator(t, limits, 100, 900)
	require.True(t, a.IsExceedHardMemLimit(nil, 0))
}

func TestReservationCoversAdmission(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1000, 800), 400, 1<<40)
	res, ok := a.TryReserve(500)
	require.True(t, ok)
	require.Equal(t, int64(500), res.Remaining())

	// Global usage (400 rss + 500 reserved) is over the soft limit, but the
	// request fits in the reservation, so admission must not be denied.
	require.Equal(t, int64(900), a.ProcessMemoryUsage())
	require.False(t, a.IsExceedSoftMemLimit(res, 300))
	require.Equal(t, int64(200), res.Remaining())
	require.Equal(t, int64(200), a.ProcessReservedMemory())

	require.False(t, a.IsExceedHardMemLimit(res, 200))
	require.Equal(t, int64(0), res.Remaining())
	require.Equal(t, int64(0), a.ProcessReservedMemory())
}

func TestReservationDrainAndRelease(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 0, 1<<40)
	res := a.Reserve(100)
	require.Equal(t, int64(100), a.ProcessReservedMemory())

	require.Equal(t, int64(0), res.Drain(30))
	require.Equal(t, int64(70), res.Remaining())
	require.Equal(t, int64(70), a.ProcessReservedMemory())

	// Partial coverage drains pro-rata and returns the remainder.
	require.Equal(t, int64(30), res.Drain(100))
	require.Equal(t, int64(0), res.Remaining())
	require.Equal(t, int64(0), a.ProcessReservedMemory())

	res = a.Reserve(40)
	res.Release()
	require.Equal(t, int64(0), a.ProcessReservedMemory())
	res.Release()
	require.Equal(t, int64(0), a.ProcessReservedMemory())

	var nilRes *Reservation
	require.Equal(t, int64(7), nilRes.Drain(7))
	nilRes.Release()
}

func TestTryReserveRejection(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1000, 800), 400, 1<<40)
	require.False(t, a.TryReserveProcessMemory(600))
	require.Equal(t, int64(0), a.ProcessReservedMemory())
	require.True(t, a.TryReserveProcessMemory(500))
	require.Equal(t, int64(500), a.ProcessReservedMemory())
	// The ledger now accounts for the first reservation.
	require.False(t, a.TryReserveProcessMemory(500))

	// Rejected by the sys-available low water mark even though the process
	// cap has room.
	limits := Limits{
		MemLimit:                    1 << 40,
		SoftMemLimit:                1 << 39,
		SysMemAvailLowWaterMark:     1000,
		SysMemAvailWarningWaterMark: 2000,
	}
	a = newTestArbitrator(t, limits, 100, 1400)
	require.False(t, a.TryReserveProcessMemory(500))
	require.True(t, a.TryReserveProcessMemory(300))
}

func TestConcurrentTryReserve(t *testing.T) {
	const workers = 8
	const perWorker = 1000
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 0, 1<<40)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				require.True(t, a.TryReserveProcessMemory(1))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(workers*perWorker), a.ProcessReservedMemory())
}

func TestDiagnosticsObserver(t *testing.T) {
	var states []string
	a := NewGlobalArbitrator(relaxedLimits(1000, 800), ArbitratorOptions{
		ProcRSSSampler:      func() (int64, error) { return 900, nil },
		SysMemAvailSampler:  func() (int64, error) { return 1 << 40, nil },
		DiagnosticsObserver: func(state string) { states = append(states, state) },
	})
	require.NoError(t, a.RefreshSamples())

	require.False(t, a.IsExceedHardMemLimit(nil, 0))
	require.Empty(t, states)

	require.True(t, a.IsExceedSoftMemLimit(nil, 0))
	require.Len(t, states, 1)
	require.Contains(t, states[0], "process memory used")
	require.Contains(t, states[0], "sys available memory")

	require.True(t, a.IsExceedHardMemLimit(nil, 200))
	require.Len(t, states, 2)
}

func TestDiagnosticStrings(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(2<<30, 1<<30), 1<<30, 4<<30)
	a.ReserveProcessMemory(1 << 20)
	a.AddRefreshIntervalMemoryGrowth(512)

	details := a.ProcessMemoryUsedDetailsString()
	require.Contains(t, details, "[vm/rss]")
	require.Contains(t, details, "[reserved]")
	require.Contains(t, details, "512B[waiting_refresh]")

	logStr := a.ProcessMemLogString()
	require.Contains(t, logStr, "limit 2 GB")
	require.Contains(t, logStr, "soft limit 1024 MB")
	require.True(t, strings.Contains(logStr, "low water mark"))
}

func TestCacheCapacityWeights(t *testing.T) {
	a := newTestArbitrator(t, relaxedLimits(1<<40, 1<<39), 0, 1<<40)
	require.Equal(t, 1.0, a.PeriodicCacheCapacityWeight())
	require.Equal(t, 1.0, a.MemoryExceededCacheCapacityWeight())
	require.Equal(t, 1.0, a.AffectedCacheCapacityWeight())

	a.SetPeriodicCacheCapacityWeight(0.7)
	a.SetMemoryExceededCacheCapacityWeight(0.3)
	a.SetAffectedCacheCapacityWeight(0.3)
	require.Equal(t, 0.7, a.PeriodicCacheCapacityWeight())
	require.Equal(t, 0.3, a.MemoryExceededCacheCapacityWeight())
	require.Equal(t, 0.3, a.AffectedCacheCapacityWeight())

	require.False(t, a.AnyWorkloadGroupExceedLimit())
	a.SetAnyWorkloadGroupExceedLimit(true)
	require.True(t, a.AnyWorkloadGroupExceedLimit())
}
