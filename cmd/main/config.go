package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// ServerConfig holds the configuration for the API server and its storage.
type ServerConfig struct {
	ApiAddr      string `json:"api_addr"`
	LogLevel     string `json:"log_level"`
	DataDir      string `json:"data_dir"`
	DatabasePath string `json:"database_path"`
}

// GenerationConfig holds settings for serving generated sentences.
type GenerationConfig struct {
	RecordStats   bool    `json:"record_stats"`    // Count generation requests per model and strategy.
	PruneMaxProb  float64 `json:"prune_max_prob"`  // Transitions at or below this are pruned on import. 0 disables.
	MaxUploadSize int64   `json:"max_upload_size"` // Largest accepted model upload, in bytes.
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server     *ServerConfig     `json:"server_config"`
	Generation *GenerationConfig `json:"generation_config"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:      ":7380",
		LogLevel:     "info",
		DataDir:      "./data",
		DatabasePath: "./data/wordbeam.db?_journal_mode=WAL&_busy_timeout=5000",
	}
}

// DefaultGenerationConfig creates a generation configuration with default values.
func DefaultGenerationConfig() *GenerationConfig {
	return &GenerationConfig{
		RecordStats:   true,
		PruneMaxProb:  0,
		MaxUploadSize: 1 << 20,
	}
}

// DefaultConfig returns a Config with every section set to its defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Generation: DefaultGenerationConfig(),
	}
}

// LoadConfig reads the configuration from a JSON file at the given path.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		// If the file doesn't exist, create it with the default config.
		if os.IsNotExist(err) {
			var data []byte
			data, err = json.MarshalIndent(config, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				// The defaults are still usable without a file on disk.
				fmt.Fprintf(os.Stderr, "warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// Sections missing from an older file fall back to their defaults.
	if config.Server == nil {
		config.Server = DefaultServerConfig()
	}
	if config.Generation == nil {
		config.Generation = DefaultGenerationConfig()
	}

	return config, nil
}

// parseLogLevel maps a config log level to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigManager handles thread-safe access to the configuration.
type ConfigManager struct {
	config     *Config
	mu         sync.RWMutex
	configPath string
	logger     *slog.Logger
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	return &ConfigManager{
		config:     cfg,
		configPath: path,
		// Log to stderr before the application-specific logger is set.
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})),
	}, nil
}

// SetLogger sets the logger. That's about it.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = logger
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	server := *cm.config.Server
	generation := *cm.config.Generation
	return Config{Server: &server, Generation: &generation}
}

// Update validates the configuration, replaces the current one and saves it to disk.
func (cm *ConfigManager) Update(newConfig Config) error {
	if newConfig.Server == nil || newConfig.Generation == nil {
		return fmt.Errorf("config must contain both server_config and generation_config")
	}
	if newConfig.Generation.PruneMaxProb < 0 || newConfig.Generation.PruneMaxProb > 1 {
		return fmt.Errorf("prune_max_prob %v is outside [0, 1]", newConfig.Generation.PruneMaxProb)
	}
	if newConfig.Generation.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	server := *newConfig.Server
	generation := *newConfig.Generation
	cm.config = &Config{Server: &server, Generation: &generation}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("Configuration updated", slog.String("path", cm.configPath))
	return nil
}
