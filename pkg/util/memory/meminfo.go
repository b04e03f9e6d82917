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
	"os"
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/shirou/gopsutil/v3/mem"
)

// SampleProcRSS reads the resident set size of the current process. It is
// the default RSS sampler of the arbitrator and is only invoked by the
// maintenance daemon, never on allocation paths.
func SampleProcRSS() (int64, error) {
	failpoint.Inject("mockSampleProcRSS", func(val failpoint.Value) {
		failpoint.Return(int64(val.(int)), nil)
	})
	pm := sigar.ProcMem{}
	if err := pm.Get(os.Getpid()); err != nil {
		return 0, errors.Trace(err)
	}
	return int64(pm.Resident), nil
}

// SampleSysMemAvailable reads the system-wide available memory.
func SampleSysMemAvailable() (int64, error) {
	failpoint.Inject("mockSampleSysMemAvailable", func(val failpoint.Value) {
		failpoint.Return(int64(val.(int)), nil)
	})
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return int64(vm.Available), nil
}

var memTotal struct {
	sync.Mutex
	value   int64
	sampled time.Time
}

// MemTotal returns the total memory of the machine, cached for a minute
// since the value only changes with hardware.
func MemTotal() (int64, error) {
	memTotal.Lock()
	defer memTotal.Unlock()
	if memTotal.value > 0 && time.Since(memTotal.sampled) < time.Minute {
		return memTotal.value, nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Trace(err)
	}
	memTotal.value = int64(vm.Total)
	memTotal.sampled = time.Now()
	return memTotal.value, nil
}

// MemUsed returns the used memory of the machine.
func MemUsed() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return int64(vm.Used), nil
}
