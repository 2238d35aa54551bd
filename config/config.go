// Package config loads the bridge configuration shared by proofworker and proofbridge.
package config

import (
	"strings"
	"time"

	"proof-rpc/client"
	"proof-rpc/codec"
	"proof-rpc/engine"
	"proof-rpc/handshake"
	"proof-rpc/transport"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PROOFRPC_PROBE_MAX_ATTEMPTS.
const EnvPrefix = "PROOFRPC"

// Config is the complete bridge configuration.
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Codec    string         `mapstructure:"codec"`
	Registry RegistryConfig `mapstructure:"registry"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WorkerConfig says how the client reaches its worker.
type WorkerConfig struct {
	// Mode is "process" (spawn BaseDir/Name, frames on stdio) or "tcp" (dial Address,
	// or resolve Name through the registry when Address is empty).
	Mode    string   `mapstructure:"mode"`
	BaseDir string   `mapstructure:"base_dir"`
	Name    string   `mapstructure:"name"`
	Args    []string `mapstructure:"args"`
	Address string   `mapstructure:"address"`
}

type ProbeConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	// InitializeTimeout bounds the engine initialize after a successful probe.
	InitializeTimeout time.Duration `mapstructure:"initialize_timeout"`
}

type RegistryConfig struct {
	// Endpoints of the etcd cluster. Empty disables address publication.
	Endpoints   []string      `mapstructure:"endpoints"`
	TTL         int64         `mapstructure:"ttl"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type EngineConfig struct {
	// CircuitPath overrides the circuit compiled into the worker.
	CircuitPath       string        `mapstructure:"circuit_path"`
	AvailableGas      uint64        `mapstructure:"available_gas"`
	AllowWarnings     bool          `mapstructure:"allow_warnings"`
	PrintFullMemory   bool          `mapstructure:"print_full_memory"`
	RunProfiler       bool          `mapstructure:"run_profiler"`
	UseDebugPrintHint bool          `mapstructure:"use_debug_print_hint"`
	CacheSize         int           `mapstructure:"cache_size"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
}

// ServerConfig tunes the worker's middleware. Zero values disable a middleware.
type ServerConfig struct {
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	params := engine.DefaultParams()
	probe := handshake.DefaultConfig()
	return &Config{
		Worker: WorkerConfig{
			Mode: ModeProcess,
			Name: "proofworker",
		},
		Probe: ProbeConfig{
			MaxAttempts:       probe.MaxAttempts,
			BaseDelay:         probe.BaseDelay,
			AttemptTimeout:    probe.AttemptTimeout,
			InitializeTimeout: client.DefaultInitializeTimeout,
		},
		Codec: "json",
		Registry: RegistryConfig{
			TTL:         10,
			DialTimeout: 2 * time.Second,
		},
		Engine: EngineConfig{
			AvailableGas: params.AvailableGas,
			CacheSize:    engine.DefaultCacheSize,
			RunTimeout:   engine.DefaultRunTimeout,
		},
		Server: ServerConfig{
			Burst: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

const (
	ModeProcess = "process"
	ModeTCP     = "tcp"
)

// SetDefaults registers every default on v and enables PROOFRPC_* overrides.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("worker.mode", d.Worker.Mode)
	v.SetDefault("worker.base_dir", d.Worker.BaseDir)
	v.SetDefault("worker.name", d.Worker.Name)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.address", d.Worker.Address)

	v.SetDefault("probe.max_attempts", d.Probe.MaxAttempts)
	v.SetDefault("probe.base_delay", d.Probe.BaseDelay)
	v.SetDefault("probe.attempt_timeout", d.Probe.AttemptTimeout)
	v.SetDefault("probe.initialize_timeout", d.Probe.InitializeTimeout)

	v.SetDefault("codec", d.Codec)

	v.SetDefault("registry.endpoints", d.Registry.Endpoints)
	v.SetDefault("registry.ttl", d.Registry.TTL)
	v.SetDefault("registry.dial_timeout", d.Registry.DialTimeout)

	v.SetDefault("engine.circuit_path", d.Engine.CircuitPath)
	v.SetDefault("engine.available_gas", d.Engine.AvailableGas)
	v.SetDefault("engine.allow_warnings", d.Engine.AllowWarnings)
	v.SetDefault("engine.print_full_memory", d.Engine.PrintFullMemory)
	v.SetDefault("engine.run_profiler", d.Engine.RunProfiler)
	v.SetDefault("engine.use_debug_print_hint", d.Engine.UseDebugPrintHint)
	v.SetDefault("engine.cache_size", d.Engine.CacheSize)
	v.SetDefault("engine.run_timeout", d.Engine.RunTimeout)

	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.burst", d.Server.Burst)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)

	v.SetDefault("logging.level", d.Logging.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v into a Config struct and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ProbeSettings converts the probe section for handshake.New.
func (c *Config) ProbeSettings() handshake.Config {
	return handshake.Config{
		MaxAttempts:    c.Probe.MaxAttempts,
		BaseDelay:      c.Probe.BaseDelay,
		AttemptTimeout: c.Probe.AttemptTimeout,
	}
}

// EngineParams converts the engine section into per-run parameters.
func (c *Config) EngineParams() engine.Params {
	return engine.Params{
		AvailableGas:      c.Engine.AvailableGas,
		AllowWarnings:     c.Engine.AllowWarnings,
		PrintFullMemory:   c.Engine.PrintFullMemory,
		RunProfiler:       c.Engine.RunProfiler,
		UseDebugPrintHint: c.Engine.UseDebugPrintHint,
	}
}

// CodecType returns the frame codec. Validate has already rejected unknown names.
func (c *Config) CodecType() codec.CodecType {
	ct, _ := codec.ParseCodecType(c.Codec)
	return ct
}

// Locator returns where the worker lives for the configured mode.
func (c *Config) Locator() transport.Locator {
	if c.Worker.Mode == ModeTCP {
		return transport.Locator{Address: c.Worker.Address}
	}
	return transport.ResolveLocator(c.Worker.BaseDir, c.Worker.Name, c.Worker.Args...)
}
