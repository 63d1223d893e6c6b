package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "cyclecount.yml"

// Config models cyclecount.yml.
type Config struct {
	Store struct {
		Backend string `yaml:"backend"`
		Key     string `yaml:"key"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`
	Catalog struct {
		Source string `yaml:"source"`
		File   string `yaml:"file"`
		Ledger bool   `yaml:"ledger"`
	} `yaml:"catalog"`
	Counting struct {
		TaskPrefix string `yaml:"task_prefix"`
		StoreName  string `yaml:"store_name"`
	} `yaml:"counting"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"

	SourceDemo = "demo"
	SourceFile = "file"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cyc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config.store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.store.backend must be %q or %q", BackendSQLite, BackendRedis)
	}
	if c.Store.Key == "" {
		return fmt.Errorf("config.store.key is required")
	}
	switch c.Catalog.Source {
	case SourceDemo:
	case SourceFile:
		if c.Catalog.File == "" {
			return fmt.Errorf("config.catalog.file is required for the file source")
		}
	default:
		return fmt.Errorf("config.catalog.source must be %q or %q", SourceDemo, SourceFile)
	}
	if c.Counting.TaskPrefix == "" || strings.ContainsAny(c.Counting.TaskPrefix, " /#") {
		return fmt.Errorf("config.counting.task_prefix must be a non-empty token")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

// CatalogPath resolves the catalog file relative to the workspace.
func (c *Config) CatalogPath(workspace string) string {
	if filepath.IsAbs(c.Catalog.File) {
		return c.Catalog.File
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Catalog.File)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys take the
// default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  backend: sqlite
  key: current-task
  redis:
    addr: localhost:6379
    password: ""
    db: 0
    prefix: "cyclecount:"

catalog:
  source: demo
  file: catalog.yml
  ledger: true

counting:
  task_prefix: PDD
  store_name: ""

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
`
