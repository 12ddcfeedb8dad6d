// Package config loads gostep runtime configuration.
//
// Precedence, highest first: runtime overrides, GOSTEP_* environment
// variables, the user config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gostep/pkg/jobregistry"
)

// Identity names the application for config files, data dirs and env vars.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used by the gostep binary.
var DefaultIdentity = Identity{BinaryName: "gostep", EnvPrefix: "GOSTEP", ConfigName: "gostep"}

// Config is the decoded runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Runner  RunnerConfig  `mapstructure:"runner"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JobsConfig selects the job persistence backend.
type JobsConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	// LogDir holds per-job stdout/stderr logs of the command step processor.
	LogDir string `mapstructure:"log_dir"`
}

type RunnerConfig struct {
	// StepRateLimit caps steps started per second. Zero disables the limit.
	StepRateLimit float64       `mapstructure:"step_rate_limit"`
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
}

// BackendConfig converts the jobs section into a jobregistry backend config.
func (c JobsConfig) BackendConfig() jobregistry.BackendConfig {
	return jobregistry.BackendConfig{
		Kind:      c.Backend,
		Root:      c.Path,
		URL:       c.URL,
		AuthToken: c.AuthToken,
	}
}

type envSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// Load reads configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	setDefaults(v, *appIdentity)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range envSpecsFor(appIdentity) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values the runtime cannot use.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Jobs.Backend)) {
	case jobregistry.BackendDir, jobregistry.BackendSQLite, jobregistry.BackendBadger:
	default:
		return fmt.Errorf("invalid jobs.backend %q (expected dir, sqlite, or badger)", c.Jobs.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Runner.StepRateLimit < 0 {
		return fmt.Errorf("runner.step_rate_limit must be >= 0")
	}
	if c.Runner.StartTimeout <= 0 {
		return fmt.Errorf("runner.start_timeout must be > 0")
	}
	return nil
}

func setDefaults(v *viper.Viper, id Identity) {
	dataDir := gfconfig.GetAppDataDir(id.ConfigName)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("jobs.backend", jobregistry.BackendDir)
	v.SetDefault("jobs.path", filepath.Join(dataDir, "jobs"))
	v.SetDefault("jobs.url", "")
	v.SetDefault("jobs.auth_token", "")
	v.SetDefault("jobs.log_dir", filepath.Join(dataDir, "logs"))

	v.SetDefault("runner.step_rate_limit", 0)
	v.SetDefault("runner.start_timeout", "10s")
}

func readConfigFile(v *viper.Viper) error {
	if explicit := strings.TrimSpace(os.Getenv(appIdentity.EnvPrefix + "_CONFIG")); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	paths := userConfigPathsFor(appIdentity)
	if len(paths) == 0 {
		return nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func getUserConfigPaths() []string {
	return userConfigPathsFor(appIdentity)
}

func userConfigPathsFor(id *Identity) []string {
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, id.ConfigName)}
}

func getEnvSpecs() []envSpec {
	return envSpecsFor(appIdentity)
}

func envSpecsFor(id *Identity) []envSpec {
	if id == nil {
		return []envSpec{}
	}
	p := id.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "JOBS_BACKEND", Path: "jobs.backend"},
		{Name: p + "JOBS_PATH", Path: "jobs.path"},
		{Name: p + "JOBS_URL", Path: "jobs.url"},
		{Name: p + "JOBS_AUTH_TOKEN", Path: "jobs.auth_token"},
		{Name: p + "JOBS_LOG_DIR", Path: "jobs.log_dir"},
		{Name: p + "STEP_RATE_LIMIT", Path: "runner.step_rate_limit"},
		{Name: p + "START_TIMEOUT", Path: "runner.start_timeout"},
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
