package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDataDir is the default directory name for newsrag data
	DefaultDataDir = ".newsrag"
	// DefaultDBFile is the default SQLite database filename
	DefaultDBFile = "news.db"
	// DefaultConfigFile is the default config filename
	DefaultConfigFile = "config.yaml"
	// DefaultIndexDir holds the vector index artifacts
	DefaultIndexDir = "index"
	// DefaultEmissionsFile is the CSV the usage recorder appends to
	DefaultEmissionsFile = "emissions.csv"
	// DefaultEmbeddingCacheFile is the veclite file backing the embedding cache
	DefaultEmbeddingCacheFile = "embeddings.veclite"

	// EnvPrefix is the prefix for environment overrides (NEWSRAG_GENERATION_MODEL, ...)
	EnvPrefix = "NEWSRAG"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the directory where newsrag stores its data
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`

	Database   DatabaseConfig   `mapstructure:"database" yaml:"database,omitempty"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding" yaml:"embedding,omitempty"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation,omitempty"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval" yaml:"retrieval,omitempty"`
	Summarize  SummarizeConfig  `mapstructure:"summarize" yaml:"summarize,omitempty"`
	News       NewsConfig       `mapstructure:"news" yaml:"news,omitempty"`
	Usage      UsageConfig      `mapstructure:"usage" yaml:"usage,omitempty"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache,omitempty"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing,omitempty"`
	Log        LogConfig        `mapstructure:"log" yaml:"log,omitempty"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server,omitempty"`
}

// DatabaseConfig selects the document store
type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres"
	Driver string `mapstructure:"driver" yaml:"driver,omitempty"`
	// DSN is the data source name; for sqlite3 a file path
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	// Provider is the embedding provider: "ollama", "openai", "hash"
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
	// Model is the embedding model name
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// OllamaURL is the Ollama API URL
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url,omitempty"`
	// Dimensions is the embedding vector dimensions; the index is built with it
	Dimensions int `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
	// OpenAIAPIKey is the API key for OpenAI compatible endpoints (also OPENAI_API_KEY)
	OpenAIAPIKey string `mapstructure:"openai_api_key" yaml:"openai_api_key,omitempty"`
	// OpenAIBaseURL is the base URL for OpenAI compatible endpoints (also OPENAI_BASE_URL)
	OpenAIBaseURL string `mapstructure:"openai_base_url" yaml:"openai_base_url,omitempty"`
	// TimeoutSeconds bounds a single embedding request
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
	// BatchSize is the number of texts sent per EmbedBatch call while building
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size,omitempty"`
	// Workers is the number of concurrent embedding batches while building
	Workers int `mapstructure:"workers" yaml:"workers,omitempty"`
	// PersistentCache keeps embeddings on disk between rebuilds
	PersistentCache bool `mapstructure:"persistent_cache" yaml:"persistent_cache,omitempty"`
}

// GenerationConfig holds the answer generation backend settings
type GenerationConfig struct {
	// Provider is "groq", "openai" or "ollama"
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	// BaseURL overrides the provider default endpoint
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// APIKey for hosted providers (also GROQ_API_KEY)
	APIKey         string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Temperature    float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

// RetrievalConfig holds query time settings
type RetrievalConfig struct {
	// TopK is the number of neighbours retrieved per question
	TopK int `mapstructure:"top_k" yaml:"top_k,omitempty"`
	// QueryTimeoutSeconds bounds a whole answer_question call
	QueryTimeoutSeconds int `mapstructure:"query_timeout_seconds" yaml:"query_timeout_seconds,omitempty"`
}

// SummarizeConfig holds the article summarization settings
type SummarizeConfig struct {
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url,omitempty"`
	Model     string `mapstructure:"model" yaml:"model,omitempty"`
	// MinContentLength skips articles with shorter content
	MinContentLength int     `mapstructure:"min_content_length" yaml:"min_content_length,omitempty"`
	Concurrency      int     `mapstructure:"concurrency" yaml:"concurrency,omitempty"`
	RatePerSecond    float64 `mapstructure:"rate_per_second" yaml:"rate_per_second,omitempty"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

// NewsConfig holds the NewsAPI ingestion settings
type NewsConfig struct {
	// APIKey for newsapi.org (also NEWS_API_KEY)
	APIKey        string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL       string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Query         string  `mapstructure:"query" yaml:"query,omitempty"`
	Language      string  `mapstructure:"language" yaml:"language,omitempty"`
	PageSize      int     `mapstructure:"page_size" yaml:"page_size,omitempty"`
	MaxPages      int     `mapstructure:"max_pages" yaml:"max_pages,omitempty"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second,omitempty"`
	// LookbackDays sets the "from" date of a fetch
	LookbackDays int `mapstructure:"lookback_days" yaml:"lookback_days,omitempty"`
}

// UsageConfig holds the resource usage recorder settings
type UsageConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled,omitempty"`
	// EmissionsFile is the CSV log; relative paths are under DataDir
	EmissionsFile string `mapstructure:"emissions_file" yaml:"emissions_file,omitempty"`
	// PowerWatts is the assumed power draw attributed to a generation call
	PowerWatts float64 `mapstructure:"power_watts" yaml:"power_watts,omitempty"`
	// CarbonIntensity is kg CO2eq per kWh
	CarbonIntensity float64 `mapstructure:"carbon_intensity" yaml:"carbon_intensity,omitempty"`
	Region          string  `mapstructure:"region" yaml:"region,omitempty"`
}

// CacheConfig holds the Redis answer cache settings
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Addr       string `mapstructure:"addr" yaml:"addr,omitempty"`
	Password   string `mapstructure:"password" yaml:"password,omitempty"`
	DB         int    `mapstructure:"db" yaml:"db,omitempty"`
	TTLSeconds int    `mapstructure:"ttl_seconds" yaml:"ttl_seconds,omitempty"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level,omitempty"`
	Format string `mapstructure:"format" yaml:"format,omitempty"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	// Host is the server bind address
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	// Port is the server port
	Port int `mapstructure:"port" yaml:"port,omitempty"`
	// WatchIndex reloads the index when a rebuild commits new artifacts
	WatchIndex bool `mapstructure:"watch_index" yaml:"watch_index,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(DefaultDataDir, DefaultDBFile),
		},
		Embedding: EmbeddingConfig{
			Provider:        "ollama",
			Model:           "all-minilm",
			OllamaURL:       "http://localhost:11434",
			Dimensions:      384,
			TimeoutSeconds:  30,
			BatchSize:       32,
			Workers:         4,
			PersistentCache: true,
		},
		Generation: GenerationConfig{
			Provider:       "groq",
			Model:          "llama3-70b-8192",
			Temperature:    0.7,
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Retrieval: RetrievalConfig{
			TopK:                5,
			QueryTimeoutSeconds: 90,
		},
		Summarize: SummarizeConfig{
			OllamaURL:        "http://localhost:11434",
			Model:            "llama2",
			MinContentLength: 200,
			Concurrency:      2,
			RatePerSecond:    2,
			TimeoutSeconds:   120,
		},
		News: NewsConfig{
			BaseURL:       "https://newsapi.org",
			Query:         "finance",
			Language:      "en",
			PageSize:      100,
			MaxPages:      1,
			RatePerSecond: 1,
			LookbackDays:  7,
		},
		Usage: UsageConfig{
			Enabled:         true,
			EmissionsFile:   DefaultEmissionsFile,
			PowerWatts:      45,
			CarbonIntensity: 0.475,
			Region:          "world",
		},
		Cache: CacheConfig{
			Addr:       "localhost:6379",
			TTLSeconds: 600,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "newsrag",
			SampleRate:  1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:       "localhost",
			Port:       8080,
			WatchIndex: true,
		},
	}
}

// Load loads configuration for projectDir.
// Resolution order (highest to lowest priority):
// 1. Environment variables (NEWSRAG_*, plus GROQ_API_KEY, NEWS_API_KEY, OPENAI_API_KEY)
// 2. .env file in the project directory
// 3. Project .newsrag/config.yaml
// 4. Global ~/.newsrag/config.yaml
// 5. Built-in defaults
func Load(projectDir string) (*Config, error) {
	return load(projectDir, viper.New())
}

// LoadWith is Load with a caller supplied viper instance, so CLI flags bound
// with BindPFlag take precedence over everything else.
func LoadWith(projectDir string, v *viper.Viper) (*Config, error) {
	return load(projectDir, v)
}

func load(projectDir string, v *viper.Viper) (*Config, error) {
	if err := godotenv.Load(filepath.Join(projectDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	setDefaults(v, DefaultConfig())
	v.SetConfigType("yaml")

	if globalPath, err := GetGlobalConfigPath(); err == nil && fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading global config: %w", err)
		}
	}

	projectPath := filepath.Join(projectDir, DefaultDataDir, DefaultConfigFile)
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("generation.api_key", "NEWSRAG_GENERATION_API_KEY", "GROQ_API_KEY")
	_ = v.BindEnv("news.api_key", "NEWSRAG_NEWS_API_KEY", "NEWS_API_KEY")
	_ = v.BindEnv("embedding.openai_api_key", "NEWSRAG_EMBEDDING_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("embedding.openai_base_url", "NEWSRAG_EMBEDDING_OPENAI_BASE_URL", "OPENAI_BASE_URL")
	_ = v.BindEnv("embedding.ollama_url", "NEWSRAG_EMBEDDING_OLLAMA_URL", "OLLAMA_HOST")
	_ = v.BindEnv("database.dsn", "NEWSRAG_DATABASE_DSN", "DATABASE_URL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.resolvePaths(projectDir)
	return cfg, nil
}

// setDefaults registers every default key so AutomaticEnv can override keys
// that appear in no config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.ollama_url", d.Embedding.OllamaURL)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.openai_api_key", d.Embedding.OpenAIAPIKey)
	v.SetDefault("embedding.openai_base_url", d.Embedding.OpenAIBaseURL)
	v.SetDefault("embedding.timeout_seconds", d.Embedding.TimeoutSeconds)
	v.SetDefault("embedding.batch_size", d.Embedding.BatchSize)
	v.SetDefault("embedding.workers", d.Embedding.Workers)
	v.SetDefault("embedding.persistent_cache", d.Embedding.PersistentCache)

	v.SetDefault("generation.provider", d.Generation.Provider)
	v.SetDefault("generation.model", d.Generation.Model)
	v.SetDefault("generation.base_url", d.Generation.BaseURL)
	v.SetDefault("generation.api_key", d.Generation.APIKey)
	v.SetDefault("generation.temperature", d.Generation.Temperature)
	v.SetDefault("generation.max_tokens", d.Generation.MaxTokens)
	v.SetDefault("generation.timeout_seconds", d.Generation.TimeoutSeconds)

	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.query_timeout_seconds", d.Retrieval.QueryTimeoutSeconds)

	v.SetDefault("summarize.ollama_url", d.Summarize.OllamaURL)
	v.SetDefault("summarize.model", d.Summarize.Model)
	v.SetDefault("summarize.min_content_length", d.Summarize.MinContentLength)
	v.SetDefault("summarize.concurrency", d.Summarize.Concurrency)
	v.SetDefault("summarize.rate_per_second", d.Summarize.RatePerSecond)
	v.SetDefault("summarize.timeout_seconds", d.Summarize.TimeoutSeconds)

	v.SetDefault("news.api_key", d.News.APIKey)
	v.SetDefault("news.base_url", d.News.BaseURL)
	v.SetDefault("news.query", d.News.Query)
	v.SetDefault("news.language", d.News.Language)
	v.SetDefault("news.page_size", d.News.PageSize)
	v.SetDefault("news.max_pages", d.News.MaxPages)
	v.SetDefault("news.rate_per_second", d.News.RatePerSecond)
	v.SetDefault("news.lookback_days", d.News.LookbackDays)

	v.SetDefault("usage.enabled", d.Usage.Enabled)
	v.SetDefault("usage.emissions_file", d.Usage.EmissionsFile)
	v.SetDefault("usage.power_watts", d.Usage.PowerWatts)
	v.SetDefault("usage.carbon_intensity", d.Usage.CarbonIntensity)
	v.SetDefault("usage.region", d.Usage.Region)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.addr", d.Cache.Addr)
	v.SetDefault("cache.password", d.Cache.Password)
	v.SetDefault("cache.db", d.Cache.DB)
	v.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.watch_index", d.Server.WatchIndex)
}

// resolvePaths makes data paths absolute relative to the project directory.
func (c *Config) resolvePaths(projectDir string) {
	c.DataDir = ExpandPath(c.DataDir)
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(projectDir, c.DataDir)
	}
	if c.Database.Driver == "sqlite3" && c.Database.DSN != "" {
		dsn := ExpandPath(c.Database.DSN)
		if !filepath.IsAbs(dsn) && !strings.HasPrefix(dsn, "file:") {
			dsn = filepath.Join(projectDir, dsn)
		}
		c.Database.DSN = dsn
	}
	if c.Usage.EmissionsFile != "" && !filepath.IsAbs(c.Usage.EmissionsFile) {
		c.Usage.EmissionsFile = filepath.Join(c.DataDir, c.Usage.EmissionsFile)
	}
}

// IndexDir is the directory holding the manifest and the index builds.
func (c *Config) IndexDir() string {
	return filepath.Join(c.DataDir, DefaultIndexDir)
}

// EmbeddingCachePath is the veclite file used by the persistent embedding cache.
func (c *Config) EmbeddingCachePath() string {
	return filepath.Join(c.DataDir, DefaultEmbeddingCacheFile)
}

// EmbeddingTimeout returns the embedding request timeout.
func (c *Config) EmbeddingTimeout() time.Duration {
	return seconds(c.Embedding.TimeoutSeconds)
}

// GenerationTimeout returns the generation request timeout.
func (c *Config) GenerationTimeout() time.Duration {
	return seconds(c.Generation.TimeoutSeconds)
}

// QueryTimeout returns the timeout for a whole question.
func (c *Config) QueryTimeout() time.Duration {
	return seconds(c.Retrieval.QueryTimeoutSeconds)
}

// SummarizeTimeout returns the per-article summarization timeout.
func (c *Config) SummarizeTimeout() time.Duration {
	return seconds(c.Summarize.TimeoutSeconds)
}

// CacheTTL returns the answer cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return seconds(c.Cache.TTLSeconds)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Validate checks settings that would otherwise fail later at query time.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return NewConfigError("database.driver", fmt.Errorf("unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		return NewConfigError("database.dsn", errors.New("must be set"))
	}
	switch c.Embedding.Provider {
	case "ollama", "openai", "hash":
	default:
		return NewConfigError("embedding.provider", fmt.Errorf("unsupported provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Model == "" {
		return NewConfigError("embedding.model", errors.New("missing model"))
	}
	if c.Embedding.Dimensions <= 0 {
		return NewConfigError("embedding.dimensions", fmt.Errorf("must be positive, got %d", c.Embedding.Dimensions))
	}
	switch c.Generation.Provider {
	case "groq", "openai", "ollama":
	default:
		return NewConfigError("generation.provider", fmt.Errorf("unsupported provider %q", c.Generation.Provider))
	}
	if c.Generation.Model == "" {
		return NewConfigError("generation.model", errors.New("missing model"))
	}
	if c.Retrieval.TopK <= 0 {
		return NewConfigError("retrieval.top_k", fmt.Errorf("must be positive, got %d", c.Retrieval.TopK))
	}
	return nil
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// WriteDefaultConfig writes the default config file to dataDir.
// An existing file is left untouched.
func WriteDefaultConfig(dataDir string) (string, error) {
	configPath := filepath.Join(dataDir, DefaultConfigFile)

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return configPath, nil
}

// YAML renders the config with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	redacted.Generation.APIKey = redact(c.Generation.APIKey)
	redacted.News.APIKey = redact(c.News.APIKey)
	redacted.Embedding.OpenAIAPIKey = redact(c.Embedding.OpenAIAPIKey)
	redacted.Cache.Password = redact(c.Cache.Password)

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SetValue writes key = value into the project config file under dataDir,
// keeping the other keys in it. Unknown keys are rejected.
func SetValue(dataDir, key, value string) (string, error) {
	known := viper.New()
	setDefaults(known, DefaultConfig())
	if !known.IsSet(key) {
		return "", NewConfigError(key, errors.New("unknown config key"))
	}

	configPath := filepath.Join(dataDir, DefaultConfigFile)
	v := viper.New()
	v.SetConfigFile(configPath)
	if fileExists(configPath) {
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("error reading config: %w", err)
		}
	}
	v.Set(key, value)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := v.WriteConfigAs(configPath); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return configPath, nil
}
