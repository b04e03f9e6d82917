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

package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// DefaultLogLevel is the default log level when it is not configured.
	DefaultLogLevel = "info"
	// DefaultLogFormat is the default log format.
	DefaultLogFormat = "text"
	// DefaultLogMaxSize is the default max size of a log file in MB before rotation.
	DefaultLogMaxSize = 300
)

// LogConfig wraps the shared log config with pelican defaults applied.
type LogConfig struct {
	log.Config
}

// NewLogConfig builds a LogConfig. An empty filename logs to stderr.
func NewLogConfig(level, format, filename string, maxSize int) *LogConfig {
	if maxSize <= 0 {
		maxSize = DefaultLogMaxSize
	}
	return &LogConfig{
		Config: log.Config{
			Level:  level,
			Format: format,
			File: log.FileLogConfig{
				Filename: filename,
				MaxSize:  maxSize,
			},
		},
	}
}

// InitLogger initializes the process-global logger.
func InitLogger(cfg *LogConfig) error {
	gl, props, err := log.InitLogger(&cfg.Config, zap.AddStacktrace(zap.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(gl, props)
	return nil
}

// BgLogger returns the default global logger for background tasks.
func BgLogger() *zap.Logger {
	return log.L()
}
