package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"scoperoute/internal/taxonomy"
)

const (
	DefaultThreshold = 0.7
	DefaultTopK      = 5
	DefaultDBPath    = "scoperoute.db"
)

type Config struct {
	Taxonomy struct {
		Path   string    `yaml:"path"`   // external taxonomy file, relative to the config file
		Scopes yaml.Node `yaml:"scopes"` // or inline scopes
	} `yaml:"taxonomy"`
	Resolver struct {
		Threshold             *float64 `yaml:"threshold"`
		VisualizationKeywords []string `yaml:"visualization_keywords"`
	} `yaml:"resolver"`
	Retrieval struct {
		TopK        int    `yaml:"top_k"`
		Fanout      string `yaml:"fanout"` // all | resolved
		Parallel    bool   `yaml:"parallel"`
		MaxParallel int    `yaml:"max_parallel"`
	} `yaml:"retrieval"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	AI struct {
		APIKey    string `yaml:"api_key"`
		Embedding struct {
			Provider  string `yaml:"provider"`
			Model     string `yaml:"model"`
			Dimension int    `yaml:"dimension"`
			BaseURL   string `yaml:"base_url"`
		} `yaml:"embedding"`
		Composer struct {
			Provider string `yaml:"provider"`
			Model    string `yaml:"model"`
			BaseURL  string `yaml:"base_url"`
		} `yaml:"composer"`
	} `yaml:"ai"`

	dir string
}

func LoadConfig(path string) (*Config, error) {
	// 1. Load .env if exists
	_ = godotenv.Load()

	// 2. Load YAML config
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)

	// 3. Override with Environment Variables if present
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes and fills defaults. Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Resolver.Threshold == nil {
		t := DefaultThreshold
		c.Resolver.Threshold = &t
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Retrieval.Fanout == "" {
		c.Retrieval.Fanout = "all"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultDBPath
	}
}

func (c *Config) applyEnv() error {
	if apiKey := os.Getenv("SCOPEROUTE_API_KEY"); apiKey != "" {
		c.AI.APIKey = apiKey
	}
	if provider := os.Getenv("SCOPEROUTE_EMBEDDING_PROVIDER"); provider != "" {
		c.AI.Embedding.Provider = provider
	}
	if provider := os.Getenv("SCOPEROUTE_COMPOSER_PROVIDER"); provider != "" {
		c.AI.Composer.Provider = provider
	}
	if db := os.Getenv("SCOPEROUTE_DB"); db != "" {
		c.Storage.Path = db
	}
	if raw := os.Getenv("SCOPEROUTE_THRESHOLD"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid SCOPEROUTE_THRESHOLD %q: %w", raw, err)
		}
		if math.IsNaN(t) || t < 0 || t > 1 {
			return fmt.Errorf("invalid SCOPEROUTE_THRESHOLD %q: must be within [0, 1]", raw)
		}
		c.Resolver.Threshold = &t
	}
	return nil
}

// Threshold returns the configured retrieval gate.
func (c *Config) Threshold() float64 {
	if c.Resolver.Threshold == nil {
		return DefaultThreshold
	}
	return *c.Resolver.Threshold
}

// LoadTaxonomy builds the taxonomy from the external file when one is
// configured, otherwise from the inline scopes.
func (c *Config) LoadTaxonomy() (*taxonomy.Table, error) {
	if c.Taxonomy.Path != "" {
		path := c.Taxonomy.Path
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		return taxonomy.Load(path)
	}
	return taxonomy.FromNode(&c.Taxonomy.Scopes)
}
