// Package config loads and validates semafold configuration.
//
// Resolution order: built-in defaults, then the YAML file (if present),
// then SEMAFOLD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MetadataDirName is the directory under the monitored root holding the
// embedding cache, logs, and the instance lock. Always excluded from
// watching and ingestion.
const MetadataDirName = ".semafold"

// Config is the complete semafold configuration.
type Config struct {
	Root       string           `yaml:"root"`
	Watch      WatchConfig      `yaml:"watch"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Answer     AnswerConfig     `yaml:"answer"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// WatchConfig tunes the ingestion front door.
type WatchConfig struct {
	// DebounceWindow coalesces events per path before ingestion.
	DebounceWindow time.Duration `yaml:"debounce_window"`
	// StabilityInterval separates the two polls of the write-stability check.
	StabilityInterval time.Duration `yaml:"stability_interval"`
	// SuppressionWindow is how long the organizer's own moves mask events.
	SuppressionWindow time.Duration `yaml:"suppression_window"`
	// Workers bounds concurrent ingestion.
	Workers int `yaml:"workers"`
	// Extensions lists ingestible file extensions (with dot).
	Extensions []string `yaml:"extensions"`
}

// ClusterConfig tunes reconciliation.
type ClusterConfig struct {
	// Eps is the DBSCAN neighborhood radius (cosine distance).
	Eps float64 `yaml:"eps"`
	// MinPts is the DBSCAN minimum neighborhood size.
	MinPts int `yaml:"min_pts"`
	// OverlapThreshold is the fraction of the smaller member set a raw
	// group must share with a previous cluster to inherit its identity.
	OverlapThreshold float64 `yaml:"overlap_threshold"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	// Provider: "openai" or "static" (offline, hash-based).
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	CacheSize  int           `yaml:"cache_size"`
}

// AnswerConfig tunes the answering capability.
type AnswerConfig struct {
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// TopK is the number of documents assembled into the prompt.
	TopK int `yaml:"top_k"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Watch: WatchConfig{
			DebounceWindow:    2 * time.Second,
			StabilityInterval: 500 * time.Millisecond,
			SuppressionWindow: 5 * time.Second,
			Workers:           4,
			Extensions:        []string{".txt", ".md"},
		},
		Cluster: ClusterConfig{
			Eps:              0.6,
			MinPts:           2,
			OverlapThreshold: 0.5,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			CacheSize:  1000,
		},
		Answer: AnswerConfig{
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
			TopK:    5,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8600",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (if non-empty), applies env
// overrides, and validates. A missing file with path "" is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from SEMAFOLD_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SEMAFOLD_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("SEMAFOLD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SEMAFOLD_EMBED_PROVIDER"); v != "" {
		cfg.Embeddings.Provider = v
	}
	if v := os.Getenv("SEMAFOLD_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
		cfg.Answer.APIKey = v
	}
	if v := os.Getenv("SEMAFOLD_CLUSTER_EPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cluster.Eps = f
		}
	}
	if v := os.Getenv("SEMAFOLD_CLUSTER_MIN_PTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.MinPts = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory is required")
	}
	if c.Cluster.Eps <= 0 || c.Cluster.Eps >= 2 {
		return fmt.Errorf("cluster.eps must be in (0, 2), got %v", c.Cluster.Eps)
	}
	if c.Cluster.MinPts < 1 {
		return fmt.Errorf("cluster.min_pts must be >= 1, got %d", c.Cluster.MinPts)
	}
	if c.Cluster.OverlapThreshold <= 0 || c.Cluster.OverlapThreshold > 1 {
		return fmt.Errorf("cluster.overlap_threshold must be in (0, 1], got %v", c.Cluster.OverlapThreshold)
	}
	if c.Watch.Workers < 1 {
		return fmt.Errorf("watch.workers must be >= 1, got %d", c.Watch.Workers)
	}
	if c.Watch.DebounceWindow <= 0 {
		return fmt.Errorf("watch.debounce_window must be positive")
	}
	if c.Watch.SuppressionWindow <= 0 {
		return fmt.Errorf("watch.suppression_window must be positive")
	}
	switch c.Embeddings.Provider {
	case "openai", "static":
	default:
		return fmt.Errorf("unknown embeddings.provider %q", c.Embeddings.Provider)
	}
	return nil
}

// MetadataDir returns the metadata directory under the monitored root.
func (c *Config) MetadataDir() string {
	return filepath.Join(c.Root, MetadataDirName)
}
