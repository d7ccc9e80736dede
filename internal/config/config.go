package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/woxQAQ/docbridge/internal/wasm"
)

// EnvPrefix prefixes environment overrides: module.url is read from DOCBRIDGE_MODULE_URL.
const EnvPrefix = "DOCBRIDGE"

// maxMemoryPages is the Wasm32 limit of 4GiB.
const maxMemoryPages = 65536

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Module   ModuleConfig  `mapstructure:"module"`
	Wasm     WasmConfig    `mapstructure:"wasm"`
	Output   OutputConfig  `mapstructure:"output"`
	Catalog  CatalogConfig `mapstructure:"catalog"`
}

// ModuleConfig locates the core module.
type ModuleConfig struct {
	// File path, file:// URL or http(s) URL of the core.
	URL string `mapstructure:"url"`
	// Name of a catalog core. Takes precedence over URL.
	Name string `mapstructure:"name"`
	// Compilation cache directory. Empty keeps compiled code in memory only.
	CacheDir string `mapstructure:"cache_dir"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Keep debug info for readable traps.
	Debug bool `mapstructure:"debug"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Instantiate WASI for cores that import it.
	WASI bool `mapstructure:"wasi"`
}

// OutputConfig controls how the CLI prints results.
type OutputConfig struct {
	Pretty bool `mapstructure:"pretty"`
}

// CatalogConfig lists the directories scanned for named cores.
type CatalogConfig struct {
	Paths []string `mapstructure:"paths"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"module":    "module.url",
	"log-level": "log_level",
	"pretty":    "output.pretty",
	"cache-dir": "module.cache_dir",
	"core":      "module.name",
	"catalog":   "catalog.paths",
}

// Load reads configuration from defaults, then configPath (if set), then DOCBRIDGE_*
// environment variables, then flags that were set explicitly. flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("module.url", "")
	v.SetDefault("module.cache_dir", "")
	v.SetDefault("module.name", "")
	v.SetDefault("catalog.paths", []string{"./cores"})
	v.SetDefault("output.pretty", false)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.wasi", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges that the runtime would otherwise reject late.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	if c.Wasm.MemoryPages > maxMemoryPages {
		return fmt.Errorf("wasm.memory_pages %d exceeds %d", c.Wasm.MemoryPages, maxMemoryPages)
	}
	if c.Wasm.MaxInstances < 0 {
		return fmt.Errorf("wasm.max_instances must not be negative, got %d", c.Wasm.MaxInstances)
	}
	if c.Module.Name != "" && len(c.Catalog.Paths) == 0 {
		return fmt.Errorf("module.name %q needs at least one catalog.paths entry", c.Module.Name)
	}
	return nil
}

// Runtime returns the runtime configuration described by c.
func (c *Config) Runtime() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:  c.Wasm.MemoryPages,
		DebugEnabled: c.Wasm.Debug,
		CacheDir:     c.Module.CacheDir,
		MaxInstances: c.Wasm.MaxInstances,
		EnableWASI:   c.Wasm.WASI,
	}
}
