// Package config provides configuration loading for recalld.
//
// Configuration is read from a YAML file and overridden by RECALLD_*
// environment variables. Defaults are applied in code, then validated.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Search       SearchConfig       `koanf:"search"`
	Narrative    NarrativeConfig    `koanf:"narrative"`
	Jobs         JobsConfig         `koanf:"jobs"`
	Oracle       OracleConfig       `koanf:"oracle"`
	MemoryStore  MemoryStoreConfig  `koanf:"memorystore"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	Postgres     PostgresConfig     `koanf:"postgres"`
	NATS         NATSConfig         `koanf:"nats"`
	Profiles     ProfilesConfig     `koanf:"profiles"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// OrchestratorConfig controls the per-turn latency budget.
//
// Shares are fractions of the budget remaining when a tier starts. The last
// tier always receives everything that is left.
type OrchestratorConfig struct {
	Deadline            time.Duration `koanf:"deadline"`
	DeepSynthesisShare  float64       `koanf:"deep_synthesis_share"`
	TargetedSearchShare float64       `koanf:"targeted_search_share"`
	PlannerShare        float64       `koanf:"planner_share"`
	CacheLookupTimeout  time.Duration `koanf:"cache_lookup_timeout"`
}

// SearchConfig holds default retrieval limits. Profiles may override them.
type SearchConfig struct {
	PerQueryLimit     int      `koanf:"per_query_limit"`
	DeepPerQueryLimit int      `koanf:"deep_per_query_limit"`
	SynthesisQueries  []string `koanf:"synthesis_queries"`
	MinimalLimit      int      `koanf:"minimal_limit"`
	ContextCharBudget int      `koanf:"context_char_budget"`
}

// NarrativeConfig holds narrative cache configuration.
type NarrativeConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	L1MaxEntries  int64         `koanf:"l1_max_entries"`
	SnapshotLimit int           `koanf:"snapshot_limit"`
}

// JobsConfig holds background coordinator configuration.
type JobsConfig struct {
	Workers   int           `koanf:"workers"`
	QueueSize int           `koanf:"queue_size"`
	Timeout   time.Duration `koanf:"timeout"`
}

// OracleConfig selects and configures the summarization model.
type OracleConfig struct {
	Provider          string  `koanf:"provider"` // anthropic, openai or none
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	MaxTokens         int     `koanf:"max_tokens"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	MaxRetries        int     `koanf:"max_retries"`
}

// MemoryStoreConfig selects the memory backend.
type MemoryStoreConfig struct {
	Provider     string `koanf:"provider"` // chromem or qdrant
	ChromemPath  string `koanf:"chromem_path"`
	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`
	Collection   string `koanf:"collection"`
	VectorSize   int    `koanf:"vector_size"`
}

// EmbeddingsConfig configures the OpenAI-compatible embedding endpoint.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// PostgresConfig configures the narrative repository. An empty URL selects
// the in-process repository.
type PostgresConfig struct {
	URL Secret `koanf:"url"`
}

// NATSConfig configures cross-instance events.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// ProfilesConfig maps client id prefixes to profile variants.
type ProfilesConfig struct {
	VoiceClients []string `koanf:"voice_clients"`
	AgentClients []string `koanf:"agent_clients"`
}

// LoggingConfig is the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Orchestrator.Deadline <= 0 {
		errs = append(errs, errors.New("orchestrator.deadline must be > 0"))
	}
	for name, share := range map[string]float64{
		"deep_synthesis_share":  c.Orchestrator.DeepSynthesisShare,
		"targeted_search_share": c.Orchestrator.TargetedSearchShare,
		"planner_share":         c.Orchestrator.PlannerShare,
	} {
		if share <= 0 || share >= 1 {
			errs = append(errs, fmt.Errorf("orchestrator.%s must be in (0, 1), got %v", name, share))
		}
	}
	if c.Search.PerQueryLimit <= 0 || c.Search.DeepPerQueryLimit <= 0 || c.Search.MinimalLimit <= 0 {
		errs = append(errs, errors.New("search limits must be > 0"))
	}
	if c.Search.ContextCharBudget <= 0 {
		errs = append(errs, errors.New("search.context_char_budget must be > 0"))
	}
	if c.Narrative.TTL <= 0 {
		errs = append(errs, errors.New("narrative.ttl must be > 0"))
	}
	if c.Jobs.Workers <= 0 || c.Jobs.QueueSize <= 0 {
		errs = append(errs, errors.New("jobs.workers and jobs.queue_size must be > 0"))
	}
	switch c.Oracle.Provider {
	case "anthropic", "openai", "none":
	default:
		errs = append(errs, fmt.Errorf("oracle.provider must be anthropic, openai or none, got %q", c.Oracle.Provider))
	}
	switch c.MemoryStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("memorystore.provider must be chromem or qdrant, got %q", c.MemoryStore.Provider))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol))
	}

	return errors.Join(errs...)
}
