package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAddress        = ":5000"
	defaultFileBaseDir    = "./data/uploads"
	defaultMaxUploadBytes = 16 << 20 // 16 MiB
	defaultPreviewChars   = 500
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `yaml:"basic_config"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Databases   map[string]DatabaseConfig `yaml:"databases"`
	Redis       RedisConfig               `yaml:"redis"`
	Workers     WorkerConfig              `yaml:"workers"`
	Stream      StreamConfig              `yaml:"stream"`
	Tools       ToolsConfig               `yaml:"tools"`
	Logging     LoggingConfig             `yaml:"logging"`
}

type BasicConfig struct {
	ServerAddress    string `yaml:"server_address"`
	Provider         string `yaml:"provider"`
	Database         string `yaml:"database"`
	FileBaseDir      string `yaml:"file_base_dir"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
	AnalyzeUploads   *bool  `yaml:"analyze_uploads"`
	PreviewChars     int    `yaml:"preview_chars"`
	MaterialTTLRaw   string `yaml:"material_ttl"`
	CleanIntervalRaw string `yaml:"material_clean_interval"`

	MaterialTTL   time.Duration `yaml:"-"`
	CleanInterval time.Duration `yaml:"-"`
}

type ProviderConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
	Params   string `yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	MinWorkers     int    `yaml:"min_workers"`
	MaxWorkers     int    `yaml:"max_workers"`
	QueueSize      int    `yaml:"queue_size"`
	IdleTimeoutRaw string `yaml:"worker_idle_timeout"`

	IdleTimeout time.Duration `yaml:"-"`
}

type StreamConfig struct {
	StallTimeoutRaw string `yaml:"stall_timeout"`
	TurnTimeoutRaw  string `yaml:"turn_timeout"`
	ReplayChunkSize int    `yaml:"replay_chunk_size"`
	ReplayDelayRaw  string `yaml:"replay_delay"`

	StallTimeout time.Duration `yaml:"-"`
	TurnTimeout  time.Duration `yaml:"-"`
	ReplayDelay  time.Duration `yaml:"-"`
}

type ToolsConfig struct {
	WebSearch      bool `yaml:"web_search"`
	MaterialReader bool `yaml:"material_reader"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from the provided path (defaults to config.yaml).
// JSON files are accepted as well. ${VAR} references are expanded from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parse durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if dir := cfg.BasicConfig.FileBaseDir; !filepath.IsAbs(dir) {
		cfg.BasicConfig.FileBaseDir = filepath.Join(filepath.Dir(absPath), dir)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or empty when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"basic_config.material_ttl", c.BasicConfig.MaterialTTLRaw, &c.BasicConfig.MaterialTTL},
		{"basic_config.material_clean_interval", c.BasicConfig.CleanIntervalRaw, &c.BasicConfig.CleanInterval},
		{"workers.worker_idle_timeout", c.Workers.IdleTimeoutRaw, &c.Workers.IdleTimeout},
		{"stream.stall_timeout", c.Stream.StallTimeoutRaw, &c.Stream.StallTimeout},
		{"stream.turn_timeout", c.Stream.TurnTimeoutRaw, &c.Stream.TurnTimeout},
		{"stream.replay_delay", c.Stream.ReplayDelayRaw, &c.Stream.ReplayDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = defaultAddress
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = defaultFileBaseDir
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = defaultMaxUploadBytes
	}
	if b.PreviewChars <= 0 {
		b.PreviewChars = defaultPreviewChars
	}
	if b.AnalyzeUploads == nil {
		analyze := true
		b.AnalyzeUploads = &analyze
	}
	if b.MaterialTTL <= 0 {
		b.MaterialTTL = 24 * time.Hour
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = time.Hour
	}

	w := &c.Workers
	if w.MinWorkers <= 0 {
		w.MinWorkers = 1
	}
	if w.MaxWorkers <= 0 {
		w.MaxWorkers = 3
	}
	if w.MaxWorkers < w.MinWorkers {
		w.MaxWorkers = w.MinWorkers
	}
	if w.QueueSize <= 0 {
		w.QueueSize = 32
	}
	if w.IdleTimeout <= 0 {
		w.IdleTimeout = 30 * time.Second
	}

	s := &c.Stream
	if s.StallTimeout <= 0 {
		s.StallTimeout = 60 * time.Second
	}
	if s.TurnTimeout <= 0 {
		s.TurnTimeout = 5 * time.Minute
	}
	if s.ReplayChunkSize <= 0 {
		s.ReplayChunkSize = 50
	}
	if s.ReplayDelay <= 0 {
		s.ReplayDelay = 100 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	name := strings.TrimSpace(c.BasicConfig.Provider)
	if name == "" {
		return fmt.Errorf("basic_config.provider is required")
	}
	if _, ok := c.Providers[name]; !ok {
		return fmt.Errorf("provider %q is not configured", name)
	}
	if db := c.BasicConfig.Database; db != "" {
		if _, ok := c.Databases[db]; !ok {
			return fmt.Errorf("database %q is not configured", db)
		}
	}
	if c.BasicConfig.MaxUploadBytes > defaultMaxUploadBytes {
		return fmt.Errorf("basic_config.max_upload_bytes cannot exceed %d", defaultMaxUploadBytes)
	}
	return nil
}

// ActiveProvider returns the name and settings of the selected completion provider.
func (c *Config) ActiveProvider() (string, ProviderConfig) {
	name := strings.TrimSpace(c.BasicConfig.Provider)
	return name, c.Providers[name]
}

// Analyze reports whether uploads trigger an analysis turn after extraction.
func (b BasicConfig) Analyze() bool {
	return b.AnalyzeUploads == nil || *b.AnalyzeUploads
}
