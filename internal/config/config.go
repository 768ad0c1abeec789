// Package config provides configuration management for the formula engine
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents the global configuration of the formula engine
type Config struct {
	// SQL Compilation Configuration
	Dialect           string `json:"dialect" yaml:"dialect"`                       // SQL dialect name (generic, postgres, oracle, sqlite)
	Table             string `json:"table" yaml:"table"`                           // Card table referenced by compiled fragments
	Precision         int    `json:"precision" yaml:"precision"`                   // Decimal places of a formula result
	IntermediateScale int    `json:"intermediate_scale" yaml:"intermediate_scale"` // Decimal places of intermediate SQL results

	// Evaluation Configuration
	DivisionScale  int  `json:"division_scale" yaml:"division_scale"`   // Decimal places kept by in-memory division
	StrictDivision bool `json:"strict_division" yaml:"strict_division"` // Reject formulas dividing by a constant zero
	CacheSize      int  `json:"cache_size" yaml:"cache_size"`           // Compiled expressions kept in memory (0 = disabled)

	// Observability Configuration
	MetricsCollection bool   `json:"metrics_collection" yaml:"metrics_collection"` // Enable metrics collection
	LogLevel          string `json:"log_level" yaml:"log_level"`                   // debug, info, warn, error
	LogFormat         string `json:"log_format" yaml:"log_format"`                 // text or json

	// Server Configuration
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // HTTP listen address of the formula API
}

// Global configuration instance
var (
	globalConfig Config
	configMutex  sync.RWMutex
)

// Default configuration values
const (
	DefaultDialect           = "generic"
	DefaultTable             = "cards"
	DefaultPrecision         = 2
	DefaultIntermediateScale = 10
	DefaultDivisionScale     = 16
	DefaultCacheSize         = 512
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultListenAddr        = ":8080"

	// MaxScale is the largest scale a DECIMAL(38, s) column can hold.
	MaxScale = 38
)

const envPrefix = "CARDFORMULA_"

// Initialize global configuration with defaults
func init() {
	globalConfig = NewConfig()
}

// NewConfig creates a new configuration with default values
func NewConfig() Config {
	return Config{
		Dialect:           DefaultDialect,
		Table:             DefaultTable,
		Precision:         DefaultPrecision,
		IntermediateScale: DefaultIntermediateScale,

		DivisionScale:  DefaultDivisionScale,
		StrictDivision: false,
		CacheSize:      DefaultCacheSize,

		MetricsCollection: false,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,

		ListenAddr: DefaultListenAddr,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Dialect) == "" {
		return fmt.Errorf("Dialect must not be empty")
	}

	if strings.TrimSpace(c.Table) == "" {
		return fmt.Errorf("Table must not be empty")
	}

	if c.Precision < 0 || c.Precision > MaxScale {
		return fmt.Errorf("Precision must be between 0 and %d, got %d", MaxScale, c.Precision)
	}

	if c.IntermediateScale < c.Precision || c.IntermediateScale > MaxScale {
		return fmt.Errorf("IntermediateScale must be between Precision (%d) and %d, got %d",
			c.Precision, MaxScale, c.IntermediateScale)
	}

	if c.DivisionScale <= 0 {
		return fmt.Errorf("DivisionScale must be positive, got %d", c.DivisionScale)
	}

	if c.CacheSize < 0 {
		return fmt.Errorf("CacheSize must be non-negative, got %d", c.CacheSize)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LogLevel must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LogFormat must be text or json, got %q", c.LogFormat)
	}

	return nil
}

// WithDefaults returns a new configuration with default values filled in for zero values
func (c Config) WithDefaults() Config {
	defaults := NewConfig()

	if c.Dialect == "" {
		c.Dialect = defaults.Dialect
	}
	if c.Table == "" {
		c.Table = defaults.Table
	}
	if c.Precision == 0 {
		c.Precision = defaults.Precision
	}
	if c.IntermediateScale == 0 {
		c.IntermediateScale = defaults.IntermediateScale
	}
	if c.DivisionScale == 0 {
		c.DivisionScale = defaults.DivisionScale
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}

	// Note: CacheSize and boolean fields keep their zero values here.
	// A zero CacheSize disables the expression cache.

	return c
}

// SetGlobalConfig sets the global configuration
func SetGlobalConfig(config Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	globalConfig = config
}

// GetGlobalConfig returns the current global configuration
func GetGlobalConfig() Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// LoadFromJSON loads configuration from JSON data
func LoadFromJSON(data []byte) (Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing JSON configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromYAML loads configuration from YAML data
func LoadFromYAML(data []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing YAML configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromFile loads configuration from a file (supports JSON, YAML)
func LoadFromFile(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", filename, err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".json":
		err = json.Unmarshal(data, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		return Config{}, fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", filename, err)
	}

	return config.WithDefaults(), nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() Config {
	config := NewConfig()

	if val := os.Getenv(envPrefix + "DIALECT"); val != "" {
		config.Dialect = val
	}

	if val := os.Getenv(envPrefix + "TABLE"); val != "" {
		config.Table = val
	}

	if val := os.Getenv(envPrefix + "PRECISION"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.Precision = parsed
		}
	}

	if val := os.Getenv(envPrefix + "INTERMEDIATE_SCALE"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.IntermediateScale = parsed
		}
	}

	if val := os.Getenv(envPrefix + "DIVISION_SCALE"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.DivisionScale = parsed
		}
	}

	if val := os.Getenv(envPrefix + "STRICT_DIVISION"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			config.StrictDivision = parsed
		}
	}

	if val := os.Getenv(envPrefix + "CACHE_SIZE"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.CacheSize = parsed
		}
	}

	if val := os.Getenv(envPrefix + "METRICS_COLLECTION"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			config.MetricsCollection = parsed
		}
	}

	if val := os.Getenv(envPrefix + "LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	if val := os.Getenv(envPrefix + "LOG_FORMAT"); val != "" {
		config.LogFormat = val
	}

	if val := os.Getenv(envPrefix + "LISTEN_ADDR"); val != "" {
		config.ListenAddr = val
	}

	return config
}

// Logger builds a slog logger writing to w with the configured level and
// format. Unknown values fall back to info and text.
func (c Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
