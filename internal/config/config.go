// Package config loads execflow settings from defaults, an optional YAML file,
// EXECFLOW_* environment variables, and runtime overrides, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/reconcile"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "EXECFLOW"

// Store types.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Settings is the full configuration of a server or CLI process.
type Settings struct {
	// ServerURL is where clients reach the orchestration API.
	ServerURL string `mapstructure:"server_url"`

	// DatabaseURL is the PostgreSQL DSN used when Store.Type is postgres.
	DatabaseURL string `mapstructure:"database_url"`

	Server    ServerConfig     `mapstructure:"server"`
	Store     StoreConfig      `mapstructure:"store"`
	Backend   BackendConfig    `mapstructure:"backend"`
	Reconcile reconcile.Config `mapstructure:"reconcile"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Type string `mapstructure:"type"`
}

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	Type backend.Type `mapstructure:"type"`

	// Cloud Run.
	Project  string `mapstructure:"project"`
	Location string `mapstructure:"location"`
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`

	// Kubernetes.
	Namespace  string `mapstructure:"namespace"`
	Kubeconfig string `mapstructure:"kubeconfig"`

	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	SubmitAttempts int           `mapstructure:"submit_attempts"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		ServerURL: "http://localhost:8080",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Type: StoreMemory},
		Backend: BackendConfig{
			Type:           backend.TypeFake,
			Location:       "us-central1",
			Namespace:      "default",
			SettleDelay:    3 * time.Second,
			SubmitAttempts: 5,
			ReadyTimeout:   2 * time.Minute,
		},
		Reconcile: reconcile.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks cross-field constraints.
func (s Settings) Validate() error {
	var errs []error

	switch s.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if s.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required when store.type is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q (valid options: memory, postgres)", s.Store.Type))
	}

	switch s.Backend.Type {
	case backend.TypeCloudRun:
		if s.Backend.Project == "" || s.Backend.Location == "" {
			errs = append(errs, errors.New("backend.project and backend.location are required for cloudrun"))
		}
	case backend.TypeDocker, backend.TypeKubernetes, backend.TypeFake:
	default:
		errs = append(errs, fmt.Errorf("unknown backend.type %q", s.Backend.Type))
	}

	if s.Server.Port < 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("database_url", d.DatabaseURL)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout.String())
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout.String())
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())

	v.SetDefault("store.type", d.Store.Type)

	v.SetDefault("backend.type", string(d.Backend.Type))
	v.SetDefault("backend.project", d.Backend.Project)
	v.SetDefault("backend.location", d.Backend.Location)
	v.SetDefault("backend.endpoint", d.Backend.Endpoint)
	v.SetDefault("backend.token", d.Backend.Token)
	v.SetDefault("backend.namespace", d.Backend.Namespace)
	v.SetDefault("backend.kubeconfig", d.Backend.Kubeconfig)
	v.SetDefault("backend.settle_delay", d.Backend.SettleDelay.String())
	v.SetDefault("backend.submit_attempts", d.Backend.SubmitAttempts)
	v.SetDefault("backend.ready_timeout", d.Backend.ReadyTimeout.String())

	v.SetDefault("reconcile.initial_interval", d.Reconcile.InitialInterval.String())
	v.SetDefault("reconcile.max_interval", d.Reconcile.MaxInterval.String())
	v.SetDefault("reconcile.jitter_percent", d.Reconcile.JitterPercent)
	v.SetDefault("reconcile.timeout", d.Reconcile.Timeout.String())
	v.SetDefault("reconcile.max_transient_errors", d.Reconcile.MaxTransientErrors)
	v.SetDefault("reconcile.requests_per_second", d.Reconcile.RequestsPerSecond)
	v.SetDefault("reconcile.burst", d.Reconcile.Burst)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load builds Settings. configFile may be empty, in which case execflow.yaml
// is looked up in the working directory and in $HOME/.execflow; a missing
// file is not an error. Later overrides win over earlier ones.
func Load(configFile string, overrides ...map[string]any) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("execflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.execflow")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return Settings{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

// applyOverrides sets every leaf of m so overrides beat env and file values.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

var (
	activeMu  sync.RWMutex
	base      = Default()
	overrides []*override
)

type override struct {
	settings Settings
}

// Active returns the process-wide settings: the most recent open override,
// or the base settings when none is open.
func Active() Settings {
	activeMu.RLock()
	defer activeMu.RUnlock()
	if n := len(overrides); n > 0 {
		return overrides[n-1].settings
	}
	return base
}

// SetActive replaces the base process-wide settings.
func SetActive(s Settings) {
	activeMu.Lock()
	base = s
	activeMu.Unlock()
}

// Override makes s the active settings until restore is called. Overrides
// may be restored in any order; restore removes only its own layer.
func Override(s Settings) (restore func()) {
	o := &override{settings: s}

	activeMu.Lock()
	overrides = append(overrides, o)
	activeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			activeMu.Lock()
			defer activeMu.Unlock()
			for i := len(overrides) - 1; i >= 0; i-- {
				if overrides[i] == o {
					overrides = append(overrides[:i], overrides[i+1:]...)
					return
				}
			}
		})
	}
}
