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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	_globalL, _globalP, _globalS, _globalR atomic.Value

	// _namedRateLimiters 保存 WithRateGroup 创建的命名限流器，
	// 同名分组在所有 Logger 间共享余额。
	_namedRateLimiters sync.Map
)

// RateLimiter is the minimal interface used by rated logging helpers.
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(delta float64) bool { return true }

// ZapProperties records some information useful to manipulate the global
// logger after initialization.
type ZapProperties struct {
	Core   zapcore.Core
	Syncer zapcore.WriteSyncer
	Level  zap.AtomicLevel
}

func init() {
	logger, props := newStdLogger()
	replaceGlobals(logger, props)
	// Unlimited by default; InitRateLimiter installs the real limiter.
	_globalR.Store(RateLimiter(nopRateLimiter{}))
}

// InitLogger initializes a zap logger from cfg and installs it as the
// process-global logger.
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer
	if cfg.Stdout {
		outputs = append(outputs, zapcore.AddSync(os.Stdout))
	}
	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if len(outputs) == 0 {
		outputs = append(outputs, zapcore.AddSync(os.Stderr))
	}
	logger, props, err := InitLoggerWithWriteSyncer(cfg, zapcore.NewMultiWriteSyncer(outputs...), opts...)
	if err != nil {
		return nil, nil, err
	}
	replaceGlobals(logger, props)
	return logger, props, nil
}

// InitLoggerWithWriteSyncer builds a logger writing to the given syncer
// without touching the globals. Used by InitLogger and by tests.
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, errors.Wrapf(err, "unknown log level %q", cfg.Level)
	}
	core := zapcore.NewCore(cfg.buildEncoder(), output, level)
	logger := zap.New(core, cfg.buildOptions(output)...)
	props := &ZapProperties{
		Core:   core,
		Syncer: output,
		Level:  level,
	}
	return logger, props, nil
}

// InitRateLimiter installs the token-bucket limiter behind RatedDebug /
// RatedInfo / RatedWarn. creditPerSecond tokens accumulate up to maxBalance.
func InitRateLimiter(creditPerSecond, maxBalance float64) {
	if creditPerSecond <= 0 || maxBalance <= 0 {
		_globalR.Store(RateLimiter(nopRateLimiter{}))
		return
	}
	_globalR.Store(RateLimiter(utils.NewRateLimiter(creditPerSecond, maxBalance)))
}

// initFileLog initializes file based logging options.
func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	filename := cfg.Filename
	if len(cfg.RootPath) > 0 {
		filename = filepath.Join(cfg.RootPath, filename)
	}
	if st, err := os.Stat(filename); err == nil && st.IsDir() {
		return nil, errors.New("can't use directory as log file name")
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	conf := &Config{Level: "info", Stdout: true}
	lg, props, _ := InitLoggerWithWriteSyncer(conf, zapcore.AddSync(os.Stdout))
	return lg, props
}

// L returns the global logger.
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// R returns the rate limiter used by the rated logging helpers.
func R() RateLimiter {
	return _globalR.Load().(RateLimiter)
}

func replaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalP.Store(props)
}

// ReplaceGlobals replaces the global logger and properties.
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	replaceGlobals(logger, props)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}
