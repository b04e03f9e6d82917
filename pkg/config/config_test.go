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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	conf := NewConfig()
	require.NoError(t, conf.Valid())
	d, err := conf.Memory.Interval()
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, d)
}

func TestLoadConfig(t *testing.T) {
	confFile := filepath.Join(t.TempDir(), "pelican.toml")
	require.NoError(t, os.WriteFile(confFile, []byte(`
[log]
level = "warn"
format = "json"

[memory]
limit = "32GB"
soft-limit-ratio = 0.8
low-water-mark = "1GB"
maintenance-interval = "50ms"
write-buffer-flush-ratio = 0.25
`), 0o644))

	conf := NewConfig()
	require.NoError(t, conf.Load(confFile))
	require.NoError(t, conf.Valid())
	require.Equal(t, "warn", conf.Log.Level)
	require.Equal(t, "32GB", conf.Memory.Limit)

	const total = int64(64) << 30
	limits, err := conf.Memory.Limits(total)
	require.NoError(t, err)
	require.Equal(t, int64(32)<<30, limits.MemLimit)
	softLimit := float64(int64(32)<<30) * 0.8
	require.Equal(t, int64(softLimit), limits.SoftMemLimit)
	require.Equal(t, int64(1)<<30, limits.SysMemAvailLowWaterMark)
	require.Equal(t, int64(2)<<30, limits.SysMemAvailWarningWaterMark)

	wm, err := conf.Memory.FlushWaterMark(total)
	require.NoError(t, err)
	require.Equal(t, int64(8)<<30, wm)
}

func TestPercentLimit(t *testing.T) {
	conf := NewConfig()
	const total = int64(100) << 30
	limits, err := conf.Memory.Limits(total)
	require.NoError(t, err)
	require.Equal(t, int64(90)<<30, limits.MemLimit)
	softLimit := float64(int64(90)<<30) * 0.9
	require.Equal(t, int64(softLimit), limits.SoftMemLimit)
	// 5% of 100 GiB exceeds the cap, so the cap applies.
	require.Equal(t, int64(6871947673), limits.SysMemAvailLowWaterMark)
	require.Equal(t, 2*int64(6871947673), limits.SysMemAvailWarningWaterMark)
}

func TestDerivedLowWaterMark(t *testing.T) {
	conf := NewConfig()
	const total = int64(16) << 30
	limits, err := conf.Memory.Limits(total)
	require.NoError(t, err)
	require.Equal(t, total/20, limits.SysMemAvailLowWaterMark)
	require.Equal(t, total/10, limits.SysMemAvailWarningWaterMark)
}

func TestInvalidConfig(t *testing.T) {
	conf := NewConfig()
	conf.Memory.SoftLimitRatio = 1.5
	require.Error(t, conf.Valid())

	conf = NewConfig()
	conf.Memory.MaintenanceInterval = "soon"
	require.Error(t, conf.Valid())

	conf = NewConfig()
	conf.Memory.Limit = "150%"
	require.Error(t, conf.Valid())

	conf = NewConfig()
	conf.Memory.Limit = "many bytes"
	require.Error(t, conf.Valid())

	_, err := conf.Memory.Limits(1 << 30)
	require.Error(t, err)
}
