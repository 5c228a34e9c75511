package application

import (
	"fmt"
	"os"
	"strings"

	"github.com/lk2023060901/messenger-relay-go/internal/coreapi"
	"github.com/lk2023060901/messenger-relay-go/internal/ingest"
	"github.com/lk2023060901/messenger-relay-go/internal/server"
	"github.com/lk2023060901/messenger-relay-go/pkg/log"
	rviper "github.com/lk2023060901/messenger-relay-go/pkg/util/viper"
)

// AuthConfig 为握手认证配置。
type AuthConfig struct {
	// JWTSecret 为 HS256 签名密钥，必须与签发方一致。
	JWTSecret string `mapstructure:"jwt-secret"`
}

// MetricsConfig 为指标端点配置。
type MetricsConfig struct {
	// ListenAddr 为空时不启动指标端点。
	ListenAddr string `mapstructure:"listen-addr"`
}

// Config 为中继进程的全部配置。
type Config struct {
	Server  server.Config  `mapstructure:"server"`
	Auth    AuthConfig     `mapstructure:"auth"`
	CoreAPI coreapi.Config `mapstructure:"coreapi"`
	Kafka   ingest.Config  `mapstructure:"kafka"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// Application is the main runtime container for the relay service.
// It owns configuration and manages common dependencies.
type Application struct {
	raw     *rviper.Config
	cfg     *Config
	loggers map[string]*log.MLogger
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run parses command-line arguments (os.Args) and loads configuration file
// using the following priority:
//  1. Default: ./config.yaml
//  2. Env: RELAY_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
func (a *Application) Run() error {
	raw, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.raw = raw

	cfg := &Config{}
	if err := raw.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}

	return nil
}

// Config returns the typed configuration, if loaded.
func (a *Application) Config() *Config {
	return a.cfg
}

// Raw returns the underlying configuration container.
func (a *Application) Raw() *rviper.Config {
	return a.raw
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *log.MLogger {
	if a.loggers == nil {
		return &log.MLogger{Logger: log.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &log.MLogger{Logger: log.L()}
}

// loadConfig resolves config file path and loads it via viper wrapper.
func (a *Application) loadConfig() (*rviper.Config, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("RELAY_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
			}
			continue
		}
	}

	cfg := rviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}

	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on RELAY_LOG_* env vars.
//
// Priority:
//   - RELAY_LOG_ENABLE: "1"/"true" to enable outputs; others treated as disabled.
//   - RELAY_LOG_LEVEL: log level (default "info").
//   - RELAY_LOG_STDOUT: whether to log to stdout (default true).
//   - RELAY_LOG_FILE_DIR: log directory.
//   - RELAY_LOG_FILE: log file name (empty means no file).
//   - RELAY_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("RELAY_LOG_ENABLE", true)

	cfg := &log.Config{
		Level:               getenvDefault("RELAY_LOG_LEVEL", "info"),
		Format:              getenvDefault("RELAY_LOG_FORMAT", "text"),
		DisableTimestamp:    false,
		Stdout:              getenvBool("RELAY_LOG_STDOUT", true),
		DisableCaller:       false,
		DisableErrorVerbose: true,
		File: log.FileLogConfig{
			RootPath: getenvDefault("RELAY_LOG_FILE_DIR", ""),
			Filename: getenvDefault("RELAY_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  ingest:
//	    level: debug
//	    stdout: true
//	    file:
//	      root-path: ./logs
//	      filename: ingest.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.raw == nil {
		return nil
	}

	raw := make(map[string]log.Config)
	if err := a.raw.UnmarshalKey("logging", &raw); err != nil {
		// If the key doesn't exist, UnmarshalKey typically leaves raw empty without error.
		// Any real error should be returned.
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*log.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := log.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = (&log.MLogger{Logger: logger}).With(log.FieldModule(name))
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
