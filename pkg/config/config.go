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
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pelicandb/pelican/pkg/util/memory"
	"github.com/pingcap/errors"
)

// Config contains the configuration options of the memory subsystem.
type Config struct {
	Log    Log    `toml:"log" json:"log"`
	Memory Memory `toml:"memory" json:"memory"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format, one of json or text.
	Format string `toml:"format" json:"format"`
	// Filename of the log file, empty for stderr.
	File string `toml:"file" json:"file"`
}

// Memory is the memory section of config.
type Memory struct {
	// Limit is the hard process memory limit, either a size string ("32GB")
	// or a percentage of total system memory ("90%").
	Limit string `toml:"limit" json:"limit"`
	// SoftLimitRatio positions the soft limit as a fraction of Limit.
	SoftLimitRatio float64 `toml:"soft-limit-ratio" json:"soft-limit-ratio"`
	// LowWaterMark overrides the system available memory low water mark.
	// Empty derives it from total system memory.
	LowWaterMark string `toml:"low-water-mark" json:"low-water-mark"`
	// WarningWaterMark overrides the warning water mark. Empty derives it as
	// twice the low water mark.
	WarningWaterMark string `toml:"warning-water-mark" json:"warning-water-mark"`
	// MaintenanceInterval is the period of the memory maintenance loop.
	MaintenanceInterval string `toml:"maintenance-interval" json:"maintenance-interval"`
	// WriteBufferFlushRatio positions the memtable flush water mark as a
	// fraction of Limit.
	WriteBufferFlushRatio float64 `toml:"write-buffer-flush-ratio" json:"write-buffer-flush-ratio"`
}

const (
	// maxSysMemAvailLowWaterMark caps the derived low water mark at 6.4 GiB;
	// machines with huge memory do not need a proportionally huge reserve.
	maxSysMemAvailLowWaterMark = int64(6871947673)
)

var defaultConf = Config{
	Log: Log{
		Level:  "info",
		Format: "text",
	},
	Memory: Memory{
		Limit:                 "90%",
		SoftLimitRatio:        0.9,
		MaintenanceInterval:   "100ms",
		WriteBufferFlushRatio: 0.2,
	},
}

// NewConfig creates a new config instance with default values.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// Load loads the config options from a toml file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

// Valid checks whether the config is valid.
func (c *Config) Valid() error {
	if c.Memory.SoftLimitRatio <= 0 || c.Memory.SoftLimitRatio > 1 {
		return errors.Errorf("memory.soft-limit-ratio %v out of (0, 1]", c.Memory.SoftLimitRatio)
	}
	if c.Memory.WriteBufferFlushRatio <= 0 || c.Memory.WriteBufferFlushRatio > 1 {
		return errors.Errorf("memory.write-buffer-flush-ratio %v out of (0, 1]", c.Memory.WriteBufferFlushRatio)
	}
	if _, err := c.Memory.Interval(); err != nil {
		return err
	}
	if _, err := parseSize(c.Memory.Limit, 1<<30); err != nil {
		return err
	}
	return nil
}

// Interval parses the maintenance interval.
func (m *Memory) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(m.MaintenanceInterval)
	if err != nil {
		return 0, errors.Annotatef(err, "memory.maintenance-interval %q", m.MaintenanceInterval)
	}
	if d <= 0 {
		return 0, errors.Errorf("memory.maintenance-interval %q must be positive", m.MaintenanceInterval)
	}
	return d, nil
}

// Limits derives the four admission thresholds from the config and the total
// system memory.
func (m *Memory) Limits(sysTotal int64) (memory.Limits, error) {
	limit, err := parseSize(m.Limit, sysTotal)
	if err != nil {
		return memory.Limits{}, err
	}
	if limit <= 0 || limit > sysTotal {
		limit = sysTotal
	}

	low := sysTotal / 20
	if low > maxSysMemAvailLowWaterMark {
		low = maxSysMemAvailLowWaterMark
	}
	if m.LowWaterMark != "" {
		if low, err = parseSize(m.LowWaterMark, sysTotal); err != nil {
			return memory.Limits{}, err
		}
	}
	warning := low * 2
	if m.WarningWaterMark != "" {
		if warning, err = parseSize(m.WarningWaterMark, sysTotal); err != nil {
			return memory.Limits{}, err
		}
	}

	return memory.Limits{
		MemLimit:                    limit,
		SoftMemLimit:                int64(float64(limit) * m.SoftLimitRatio),
		SysMemAvailLowWaterMark:     low,
		SysMemAvailWarningWaterMark: warning,
	}, nil
}

// FlushWaterMark derives the write buffer flush water mark in bytes.
func (m *Memory) FlushWaterMark(sysTotal int64) (int64, error) {
	limit, err := parseSize(m.Limit, sysTotal)
	if err != nil {
		return 0, err
	}
	if limit <= 0 || limit > sysTotal {
		limit = sysTotal
	}
	return int64(float64(limit) * m.WriteBufferFlushRatio), nil
}

// parseSize parses a byte size, either an absolute size string understood by
// go-units ("32GB", "512 mb") or a percentage of total ("90%").
func parseSize(s string, total int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, errors.Annotatef(err, "invalid percentage %q", s)
		}
		if pct <= 0 || pct > 100 {
			return 0, errors.Errorf("percentage %q out of (0, 100]", s)
		}
		return int64(float64(total) * pct / 100), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid size %q", s)
	}
	return n, nil
}
