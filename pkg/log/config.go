// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogMaxSize = 300 // MB
)

// FileLogConfig serializes file log related config in yaml/json.
type FileLogConfig struct {
	// RootPath is the root path of log files.
	RootPath string `yaml:"root-path" json:"root-path"`
	// Filename is the log file name. Leave empty to disable file output.
	Filename string `yaml:"filename" json:"filename"`
	// MaxSize is the max size of a single log file in MB.
	MaxSize int `yaml:"max-size" json:"max-size"`
	// MaxDays is the max retention time of old log files in days.
	MaxDays int `yaml:"max-days" json:"max-days"`
	// MaxBackups is the max number of old log files to retain.
	MaxBackups int `yaml:"max-backups" json:"max-backups"`
}

// Config serializes log related config in yaml/json.
type Config struct {
	// Level is the minimum enabled logging level, defaults to "info".
	Level string `yaml:"level" json:"level"`
	// Format is the log format, one of "text" or "json".
	Format string `yaml:"format" json:"format"`
	// Stdout controls whether logs are written to stdout in addition to File.
	Stdout bool `yaml:"stdout" json:"stdout"`
	// DisableTimestamp stops annotating logs with the timestamp.
	DisableTimestamp bool `yaml:"disable-timestamp" json:"disable-timestamp"`
	// DisableCaller stops annotating logs with the calling function's file
	// name and line number.
	DisableCaller bool `yaml:"disable-caller" json:"disable-caller"`
	// DisableErrorVerbose stops annotating logs with the full verbose error.
	DisableErrorVerbose bool `yaml:"disable-error-verbose" json:"disable-error-verbose"`
	// File holds the file output settings.
	File FileLogConfig `yaml:"file" json:"file"`
}

// buildEncoder creates the zapcore.Encoder matching cfg.Format.
func (cfg *Config) buildEncoder() zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	if cfg.DisableTimestamp {
		encCfg.TimeKey = zapcore.OmitKey
	}
	if cfg.Format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

// buildOptions assembles the zap options implied by cfg.
func (cfg *Config) buildOptions(errSink zapcore.WriteSyncer) []zap.Option {
	opts := []zap.Option{zap.ErrorOutput(errSink)}
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	stackLevel := zap.PanicLevel
	if !cfg.DisableErrorVerbose {
		stackLevel = zap.ErrorLevel
	}
	opts = append(opts, zap.AddStacktrace(stackLevel))
	return opts
}
