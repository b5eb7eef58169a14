// Package config provides configuration management for the mapper service.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Mapper  MapperConfig  `mapstructure:"mapper"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// MapperConfig holds mapping-pipeline configuration.
type MapperConfig struct {
	// DefaultMapper selects the Stage 0 mapper: "ctrldep" or "homomorphism".
	DefaultMapper string `mapstructure:"default_mapper"`
	// HomOrder orders the homomorphism-mapper worklist.
	HomOrder string `mapstructure:"hom_order"`
	// Simplify enables the CFG chain-contraction simplification pass.
	Simplify bool `mapstructure:"simplify"`
	// TrustDbgInfo enables column-precise DWARF resolution instead of line-only.
	TrustDbgInfo bool `mapstructure:"trust_dbg_info"`
	// MaintainOrder enables Stage 1 (straight-line lumping). Disabled by
	// default.
	MaintainOrder bool `mapstructure:"maintain_order"`
	// Workers bounds the number of functions analyzed concurrently.
	Workers int `mapstructure:"workers"`
}

// PathsConfig holds filesystem configuration.
type PathsConfig struct {
	TempDir      string `mapstructure:"temp_dir"`
	KeepFiles    bool   `mapstructure:"keep_files"`
	RenderGraphs bool   `mapstructure:"render_graphs"`
	AnnotFile    string `mapstructure:"annot_file"`
}

// StorageConfig holds object storage configuration, used only when
// rendered graphs are pushed to a remote backend instead of (or in
// addition to) the local temp directory.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // cos or local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`
	Scheme    string `mapstructure:"scheme"`
	LocalPath string `mapstructure:"local_path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// Load reads configuration from the specified file path, falling back to
// defaults when no file is found. Environment variables prefixed with
// MAPPER_ override any key (e.g. MAPPER_MAPPER_HOM_ORDER).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("mapper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFromReader loads configuration from an io.Reader (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mapper.default_mapper", "ctrldep")
	v.SetDefault("mapper.hom_order", "predominator")
	v.SetDefault("mapper.simplify", true)
	v.SetDefault("mapper.trust_dbg_info", false)
	v.SetDefault("mapper.maintain_order", false)
	v.SetDefault("mapper.workers", 0) // 0 = runtime.NumCPU()-derived default

	v.SetDefault("paths.temp_dir", os.TempDir())
	v.SetDefault("paths.keep_files", false)
	v.SetDefault("paths.render_graphs", false)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./render-out")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

var validMappers = map[string]bool{"ctrldep": true, "homomorphism": true}
var validHomOrders = map[string]bool{
	"predominator": true, "postdominator": true,
	"predominated-first": true, "postdominated-first": true,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !validMappers[c.Mapper.DefaultMapper] {
		return fmt.Errorf("unsupported mapper: %s", c.Mapper.DefaultMapper)
	}
	if !validHomOrders[c.Mapper.HomOrder] {
		return fmt.Errorf("unsupported hom-order: %s", c.Mapper.HomOrder)
	}
	if c.Storage.Type != "local" && c.Storage.Type != "cos" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return nil
}
