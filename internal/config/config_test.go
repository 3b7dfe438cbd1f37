package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupProject(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return t.TempDir()
}

func TestLoadDefaults(t *testing.T) {
	dir := setupProject(t)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("expected 384 dimensions, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("expected top_k 5, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Generation.Model != "llama3-70b-8192" {
		t.Errorf("unexpected generation model %q", cfg.Generation.Model)
	}
	if cfg.DataDir != filepath.Join(dir, DefaultDataDir) {
		t.Errorf("expected data dir under project, got %s", cfg.DataDir)
	}
	if cfg.Database.DSN != filepath.Join(dir, DefaultDataDir, DefaultDBFile) {
		t.Errorf("expected sqlite dsn under project, got %s", cfg.Database.DSN)
	}
	if cfg.IndexDir() != filepath.Join(dir, DefaultDataDir, DefaultIndexDir) {
		t.Errorf("unexpected index dir %s", cfg.IndexDir())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadProjectFileAndEnv(t *testing.T) {
	dir := setupProject(t)
	dataDir := filepath.Join(dir, DefaultDataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatal(err)
	}
	yamlCfg := `
embedding:
  provider: hash
  dimensions: 64
retrieval:
  top_k: 3
`
	if err := os.WriteFile(filepath.Join(dataDir, DefaultConfigFile), []byte(yamlCfg), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("NEWS_API_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEWSRAG_RETRIEVAL_TOP_K", "7")
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Cleanup(func() { os.Unsetenv("NEWS_API_KEY") })

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Embedding.Provider != "hash" {
		t.Errorf("expected provider from file, got %q", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions != 64 {
		t.Errorf("expected 64 dimensions, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("expected env to override top_k, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Generation.APIKey != "gsk-test" {
		t.Errorf("expected GROQ_API_KEY to be picked up, got %q", cfg.Generation.APIKey)
	}
	if cfg.News.APIKey != "from-dotenv" {
		t.Errorf("expected .env key, got %q", cfg.News.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"bad provider", func(c *Config) { c.Embedding.Provider = "bert" }, "embedding.provider"},
		{"missing model", func(c *Config) { c.Embedding.Model = "" }, "embedding.model"},
		{"zero dims", func(c *Config) { c.Embedding.Dimensions = 0 }, "embedding.dimensions"},
		{"bad generation", func(c *Config) { c.Generation.Provider = "x" }, "generation.provider"},
		{"zero top k", func(c *Config) { c.Retrieval.TopK = 0 }, "retrieval.top_k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestYAMLRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generation.APIKey = "super-secret"

	data, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML failed: %v", err)
	}
	if strings.Contains(string(data), "super-secret") {
		t.Error("api key leaked into rendered config")
	}
}

func TestWriteDefaultConfigKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteDefaultConfig(dir)
	if err != nil {
		t.Fatalf("WriteDefaultConfig failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("custom: true\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteDefaultConfig(dir); err != nil {
		t.Fatalf("second WriteDefaultConfig failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "custom: true\n" {
		t.Errorf("existing config was overwritten: %q", data)
	}
}

func TestFindProjectRootFrom(t *testing.T) {
	root := setupProject(t)
	if err := os.MkdirAll(filepath.Join(root, DefaultDataDir), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, ok := FindProjectRootFrom(nested)
	if !ok || got != root {
		t.Errorf("expected %s, got %s (ok=%v)", root, got, ok)
	}
}

func TestSetValue(t *testing.T) {
	dir := setupProject(t)
	dataDir := filepath.Join(dir, DefaultDataDir)

	if _, err := SetValue(dataDir, "retrieval.top_k", "9"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if _, err := SetValue(dataDir, "generation.model", "llama3-8b-8192"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retrieval.TopK != 9 {
		t.Errorf("expected top_k 9, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Generation.Model != "llama3-8b-8192" {
		t.Errorf("first key lost after second write, model %q", cfg.Generation.Model)
	}

	_, err = SetValue(dataDir, "retrieval.nope", "1")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for unknown key, got %v", err)
	}
}
