package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "RECALLD_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (RECALLD_NARRATIVE_TTL, RECALLD_SERVER_HTTP_PORT, ...)
//  2. YAML config file (~/.config/recalld/config.yaml)
//  3. Defaults
//
// The file must live in ~/.config/recalld/ or /etc/recalld/, be at most 1MB,
// and have 0600 or 0400 permissions. A missing file is not an error.
//
// Environment variables drop the prefix and split on the first underscore:
//
//	RECALLD_NARRATIVE_TTL        -> narrative.ttl
//	RECALLD_ORACLE_API_KEY       -> oracle.api_key
//	RECALLD_SERVER_HTTP_PORT     -> server.http_port
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "recalld", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration built from defaults only.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// envKey maps RECALLD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile validates and reads the file through one descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/recalld with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "recalld")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is inside an allowed directory, even if
// the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "recalld"),
		"/etc/recalld",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/recalld/ or /etc/recalld/")
}

// validateConfigFileProperties checks permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Orchestrator
	if cfg.Orchestrator.Deadline == 0 {
		cfg.Orchestrator.Deadline = 2 * time.Second
	}
	if cfg.Orchestrator.DeepSynthesisShare == 0 {
		cfg.Orchestrator.DeepSynthesisShare = 0.6
	}
	if cfg.Orchestrator.TargetedSearchShare == 0 {
		cfg.Orchestrator.TargetedSearchShare = 0.7
	}
	if cfg.Orchestrator.PlannerShare == 0 {
		cfg.Orchestrator.PlannerShare = 0.3
	}
	if cfg.Orchestrator.CacheLookupTimeout == 0 {
		cfg.Orchestrator.CacheLookupTimeout = 100 * time.Millisecond
	}

	// Search
	if cfg.Search.PerQueryLimit == 0 {
		cfg.Search.PerQueryLimit = 5
	}
	if cfg.Search.DeepPerQueryLimit == 0 {
		cfg.Search.DeepPerQueryLimit = 10
	}
	if len(cfg.Search.SynthesisQueries) == 0 {
		cfg.Search.SynthesisQueries = []string{
			"personal background and relationships",
			"preferences, likes and dislikes",
			"ongoing projects and goals",
		}
	}
	if cfg.Search.MinimalLimit == 0 {
		cfg.Search.MinimalLimit = 3
	}
	if cfg.Search.ContextCharBudget == 0 {
		cfg.Search.ContextCharBudget = 2000
	}

	// Narrative
	if cfg.Narrative.TTL == 0 {
		cfg.Narrative.TTL = 7 * 24 * time.Hour
	}
	if cfg.Narrative.L1MaxEntries == 0 {
		cfg.Narrative.L1MaxEntries = 10000
	}
	if cfg.Narrative.SnapshotLimit == 0 {
		cfg.Narrative.SnapshotLimit = 50
	}

	// Jobs
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = 256
	}
	if cfg.Jobs.Timeout == 0 {
		cfg.Jobs.Timeout = time.Minute
	}

	// Oracle
	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = "anthropic"
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "claude-3-5-haiku-latest"
	}
	if cfg.Oracle.MaxTokens == 0 {
		cfg.Oracle.MaxTokens = 1024
	}
	if cfg.Oracle.RequestsPerSecond == 0 {
		cfg.Oracle.RequestsPerSecond = 5
	}
	if cfg.Oracle.Burst == 0 {
		cfg.Oracle.Burst = 5
	}
	if cfg.Oracle.MaxRetries == 0 {
		cfg.Oracle.MaxRetries = 2
	}

	// MemoryStore (chromem is default - embedded, no external deps)
	if cfg.MemoryStore.Provider == "" {
		cfg.MemoryStore.Provider = "chromem"
	}
	if cfg.MemoryStore.ChromemPath == "" {
		cfg.MemoryStore.ChromemPath = "~/.config/recalld/memories"
	}
	if cfg.MemoryStore.QdrantHost == "" {
		cfg.MemoryStore.QdrantHost = "localhost"
	}
	if cfg.MemoryStore.QdrantPort == 0 {
		cfg.MemoryStore.QdrantPort = 6334
	}
	if cfg.MemoryStore.Collection == "" {
		cfg.MemoryStore.Collection = "recalld_memories"
	}
	if cfg.MemoryStore.VectorSize == 0 {
		cfg.MemoryStore.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	// Embeddings
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	// NATS
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "recalld"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}
