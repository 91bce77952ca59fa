// Package config provides configuration management for rapport.
// Settings come from three layers, later layers winning: built-in defaults,
// an optional YAML file named by RAPPORT_CONFIG_FILE, and environment
// variables with the RAPPORT_ prefix.
//
// The resulting Config is built once at startup and passed explicitly to
// each component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the rapport daemon.
type Config struct {
	Queue        QueueConfig        `yaml:"queue"`
	Storage      StorageConfig      `yaml:"storage"`
	LLM          LLMConfig          `yaml:"llm"`
	Transport    TransportConfig    `yaml:"transport"`
	Policy       PolicyConfig       `yaml:"policy"`
	Memory       MemoryConfig       `yaml:"memory"`
	Reply        ReplyConfig        `yaml:"reply"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Backup       BackupConfig       `yaml:"backup"`
	Logging      LoggingConfig      `yaml:"logging"`
	Events       EventsConfig       `yaml:"events"`
}

// QueueConfig contains queue store and consumer runtime settings.
type QueueConfig struct {
	Backend           string        `yaml:"backend"`            // Queue backend: sqlite, memory (default: sqlite)
	MaxRetries        int           `yaml:"max_retries"`        // Retries before dead-lettering (default: 3)
	PollInterval      time.Duration `yaml:"poll_interval"`      // Idle sleep when a queue is empty (default: 100ms)
	ErrorBackoff      time.Duration `yaml:"error_backoff"`      // Sleep after a store error (default: 1s)
	SchedulerInterval time.Duration `yaml:"scheduler_interval"` // Delayed-message promotion period (default: 1s)
	MaxBackoff        time.Duration `yaml:"max_backoff"`        // Cap on retry delay (default: 5m)
	ReapInterval      time.Duration `yaml:"reap_interval"`      // In-flight audit period, 0 disables (default: 1m)
	InFlightTimeout   time.Duration `yaml:"in_flight_timeout"`  // Age at which in-flight work is considered stuck (default: 10m)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Path to data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Connection string when Engine is postgres
}

// LLMConfig contains text generation provider configuration.
type LLMConfig struct {
	Provider           string        `yaml:"provider"`             // Provider: ollama, openai or anthropic (default: ollama)
	OllamaURL          string        `yaml:"ollama_url"`           // Ollama API URL (default: http://localhost:11434)
	OpenAIURL          string        `yaml:"openai_url"`           // OpenAI-compatible API URL (default: https://api.openai.com)
	APIKey             string        `yaml:"-"`                    // Hosted provider key, env only
	Model              string        `yaml:"model"`                // Generation model (default: qwen2.5:7b)
	EmbeddingModel     string        `yaml:"embedding_model"`      // Embedding model, empty disables embeddings (default: nomic-embed-text)
	MaxTokens          int           `yaml:"max_tokens"`           // Generation token budget (default: 500)
	Temperature        float64       `yaml:"temperature"`          // Sampling temperature (default: 0.7)
	Timeout            time.Duration `yaml:"timeout"`              // Per-request timeout (default: 60s)
	BreakerMaxFailures int           `yaml:"breaker_max_failures"` // Consecutive failures before the breaker opens (default: 5)
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`      // Open-state duration (default: 30s)
}

// TransportConfig contains outbound chat transport settings.
type TransportConfig struct {
	RatePerMinute int  `yaml:"rate_per_minute"` // Outbound sends per minute (default: 30)
	DryRun        bool `yaml:"dry_run"`         // Log sends instead of delivering (default: true)
}

// PolicyConfig contains policy gate settings. The optional checks are off by
// default; marker lists fall back to the built-in lists when empty.
type PolicyConfig struct {
	BlockSensitive    bool          `yaml:"block_sensitive"`    // Block money/credential topics (default: true)
	LatencyDelay      bool          `yaml:"latency_delay"`      // Add a reply delay from contact latency on top of the stage constraints (default: false)
	MinReplyInterval  time.Duration `yaml:"min_reply_interval"` // 0 disables the too-recent check (default: 0)
	StageSaturation   bool          `yaml:"stage_saturation"`   // Enable per-stage outbound caps (default: false)
	ReplyWindow       time.Duration `yaml:"reply_window"`       // 0 disables the window check (default: 0)
	CriticalMarkers   []string      `yaml:"critical_markers"`   // Phrases that defer to a human
	SensitiveMarkers  []string      `yaml:"sensitive_markers"`  // Phrases that block automation
	OrdinaryNegatives []string      `yaml:"ordinary_negatives"` // Negative phrases that are not a warning sign
}

// MemoryConfig contains memory graph settings.
type MemoryConfig struct {
	HalfLife        time.Duration `yaml:"half_life"`        // Fact ranking half-life (default: 90 days)
	MaxWeight       float64       `yaml:"max_weight"`       // Reinforcement cap (default: 2.0)
	ReinforceFactor float64       `yaml:"reinforce_factor"` // Multiplier per reinforcement (default: 1.1)
	ConflictPenalty float64       `yaml:"conflict_penalty"` // Multiplier for a superseded version (default: 0.5)
	QuestionWindow  int           `yaml:"question_window"`  // Turns scanned for unanswered questions (default: 10)
}

// ReplyConfig contains reply generator settings.
type ReplyConfig struct {
	ContextTurns        int     `yaml:"context_turns"`        // Recent turns in the prompt (default: 20)
	SearchResults       int     `yaml:"search_results"`       // Older relevant turns in the prompt (default: 3)
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // Overlap ratio that forces a rephrase (default: 0.7)
	SimilarityWindow    int     `yaml:"similarity_window"`    // Previous replies compared (default: 5)
	MaxParts            int     `yaml:"max_parts"`            // Maximum message bubbles (default: 3)
}

// OrchestratorConfig contains orchestrator settings.
type OrchestratorConfig struct {
	MaxReplyDelay    time.Duration `yaml:"max_reply_delay"`   // Cap on the suggested delay (default: 5m)
	FollowupInterval time.Duration `yaml:"followup_interval"` // Follow-up sweep period, 0 disables (default: 1h)
	PartJitterMin    time.Duration `yaml:"part_jitter_min"`   // Minimum pause between parts (default: 1s)
	PartJitterMax    time.Duration `yaml:"part_jitter_max"`   // Maximum pause between parts (default: 3s)
}

// IngestConfig contains inbound message settings.
type IngestConfig struct {
	DefaultAccountID  string `yaml:"default_account_id"`  // Account used when a payload names none (default: default)
	EnableNewContacts bool   `yaml:"enable_new_contacts"` // Turn automation on for contacts first seen on ingest (default: false)
	SpoolDir          string `yaml:"spool_dir"`           // Directory watched for dropped payload files, empty disables (default: empty)
}

// BackupConfig contains sqlite snapshot settings. Backups only apply to the
// sqlite storage engine.
type BackupConfig struct {
	Interval    time.Duration `yaml:"interval"`     // Snapshot period, 0 disables (default: 6h)
	Dir         string        `yaml:"dir"`          // Snapshot directory (default: <data_path>/backups)
	Verify      bool          `yaml:"verify"`       // Run an integrity check on each snapshot (default: true)
	KeepHourly  int           `yaml:"keep_hourly"`  // Snapshots kept from the last day (default: 4)
	KeepDaily   int           `yaml:"keep_daily"`   // Snapshots kept from the last week (default: 7)
	KeepWeekly  int           `yaml:"keep_weekly"`  // Snapshots kept from the last month (default: 4)
	KeepMonthly int           `yaml:"keep_monthly"` // Snapshots kept from the last year (default: 12)
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: json)
}

// EventsConfig contains the operator event stream settings.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"` // Serve the websocket event stream (default: true)
	Addr    string `yaml:"addr"`    // Listen address (default: 127.0.0.1:6380)
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Backend:           "sqlite",
			MaxRetries:        3,
			PollInterval:      100 * time.Millisecond,
			ErrorBackoff:      time.Second,
			SchedulerInterval: time.Second,
			MaxBackoff:        5 * time.Minute,
			ReapInterval:      time.Minute,
			InFlightTimeout:   10 * time.Minute,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider:           "ollama",
			OllamaURL:          "http://localhost:11434",
			OpenAIURL:          "https://api.openai.com",
			Model:              "qwen2.5:7b",
			EmbeddingModel:     "nomic-embed-text",
			MaxTokens:          500,
			Temperature:        0.7,
			Timeout:            60 * time.Second,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Transport: TransportConfig{
			RatePerMinute: 30,
			DryRun:        true,
		},
		Policy: PolicyConfig{
			BlockSensitive: true,
		},
		Memory: MemoryConfig{
			HalfLife:        90 * 24 * time.Hour,
			MaxWeight:       2.0,
			ReinforceFactor: 1.1,
			ConflictPenalty: 0.5,
			QuestionWindow:  10,
		},
		Reply: ReplyConfig{
			ContextTurns:        20,
			SearchResults:       3,
			SimilarityThreshold: 0.7,
			SimilarityWindow:    5,
			MaxParts:            3,
		},
		Orchestrator: OrchestratorConfig{
			MaxReplyDelay:    5 * time.Minute,
			FollowupInterval: time.Hour,
			PartJitterMin:    time.Second,
			PartJitterMax:    3 * time.Second,
		},
		Ingest: IngestConfig{
			DefaultAccountID: "default",
		},
		Backup: BackupConfig{
			Interval:    6 * time.Hour,
			Verify:      true,
			KeepHourly:  4,
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 12,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Events: EventsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:6380",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by RAPPORT_CONFIG_FILE, and RAPPORT_ environment variables.
// The result is validated before it is returned.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RAPPORT_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile decodes a YAML file on top of the current values. Keys absent
// from the file keep their current value.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides values with RAPPORT_ environment variables. Unset or
// unparseable variables keep the current value.
func (c *Config) applyEnv() {
	c.Queue.Backend = getEnv("RAPPORT_QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.MaxRetries = getEnvInt("RAPPORT_QUEUE_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.PollInterval = getEnvDuration("RAPPORT_QUEUE_POLL_INTERVAL", c.Queue.PollInterval)
	c.Queue.ErrorBackoff = getEnvDuration("RAPPORT_QUEUE_ERROR_BACKOFF", c.Queue.ErrorBackoff)
	c.Queue.SchedulerInterval = getEnvDuration("RAPPORT_QUEUE_SCHEDULER_INTERVAL", c.Queue.SchedulerInterval)
	c.Queue.MaxBackoff = getEnvDuration("RAPPORT_QUEUE_MAX_BACKOFF", c.Queue.MaxBackoff)
	c.Queue.ReapInterval = getEnvDuration("RAPPORT_QUEUE_REAP_INTERVAL", c.Queue.ReapInterval)
	c.Queue.InFlightTimeout = getEnvDuration("RAPPORT_QUEUE_IN_FLIGHT_TIMEOUT", c.Queue.InFlightTimeout)

	c.Storage.Engine = getEnv("RAPPORT_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("RAPPORT_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("RAPPORT_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.LLM.Provider = getEnv("RAPPORT_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.OllamaURL = getEnv("RAPPORT_OLLAMA_URL", c.LLM.OllamaURL)
	c.LLM.OpenAIURL = getEnv("RAPPORT_OPENAI_URL", c.LLM.OpenAIURL)
	c.LLM.APIKey = getEnv("RAPPORT_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("RAPPORT_LLM_MODEL", c.LLM.Model)
	c.LLM.EmbeddingModel = getEnv("RAPPORT_EMBEDDING_MODEL", c.LLM.EmbeddingModel)
	c.LLM.MaxTokens = getEnvInt("RAPPORT_LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Temperature = getEnvFloat("RAPPORT_LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout = getEnvDuration("RAPPORT_LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.BreakerMaxFailures = getEnvInt("RAPPORT_LLM_BREAKER_MAX_FAILURES", c.LLM.BreakerMaxFailures)
	c.LLM.BreakerTimeout = getEnvDuration("RAPPORT_LLM_BREAKER_TIMEOUT", c.LLM.BreakerTimeout)

	c.Transport.RatePerMinute = getEnvInt("RAPPORT_TRANSPORT_RATE_PER_MINUTE", c.Transport.RatePerMinute)
	c.Transport.DryRun = getEnvBool("RAPPORT_TRANSPORT_DRY_RUN", c.Transport.DryRun)

	c.Policy.BlockSensitive = getEnvBool("RAPPORT_POLICY_BLOCK_SENSITIVE", c.Policy.BlockSensitive)
	c.Policy.LatencyDelay = getEnvBool("RAPPORT_POLICY_LATENCY_DELAY", c.Policy.LatencyDelay)
	c.Policy.MinReplyInterval = getEnvDuration("RAPPORT_POLICY_MIN_REPLY_INTERVAL", c.Policy.MinReplyInterval)
	c.Policy.StageSaturation = getEnvBool("RAPPORT_POLICY_STAGE_SATURATION", c.Policy.StageSaturation)
	c.Policy.ReplyWindow = getEnvDuration("RAPPORT_POLICY_REPLY_WINDOW", c.Policy.ReplyWindow)

	c.Memory.HalfLife = getEnvDuration("RAPPORT_MEMORY_HALF_LIFE", c.Memory.HalfLife)
	c.Memory.MaxWeight = getEnvFloat("RAPPORT_MEMORY_MAX_WEIGHT", c.Memory.MaxWeight)
	c.Memory.QuestionWindow = getEnvInt("RAPPORT_MEMORY_QUESTION_WINDOW", c.Memory.QuestionWindow)

	c.Reply.ContextTurns = getEnvInt("RAPPORT_REPLY_CONTEXT_TURNS", c.Reply.ContextTurns)
	c.Reply.SearchResults = getEnvInt("RAPPORT_REPLY_SEARCH_RESULTS", c.Reply.SearchResults)
	c.Reply.SimilarityThreshold = getEnvFloat("RAPPORT_REPLY_SIMILARITY_THRESHOLD", c.Reply.SimilarityThreshold)
	c.Reply.MaxParts = getEnvInt("RAPPORT_REPLY_MAX_PARTS", c.Reply.MaxParts)

	c.Orchestrator.MaxReplyDelay = getEnvDuration("RAPPORT_ORCHESTRATOR_MAX_REPLY_DELAY", c.Orchestrator.MaxReplyDelay)
	c.Orchestrator.FollowupInterval = getEnvDuration("RAPPORT_ORCHESTRATOR_FOLLOWUP_INTERVAL", c.Orchestrator.FollowupInterval)

	c.Ingest.DefaultAccountID = getEnv("RAPPORT_INGEST_DEFAULT_ACCOUNT", c.Ingest.DefaultAccountID)
	c.Ingest.EnableNewContacts = getEnvBool("RAPPORT_INGEST_ENABLE_NEW_CONTACTS", c.Ingest.EnableNewContacts)
	c.Ingest.SpoolDir = getEnv("RAPPORT_INGEST_SPOOL_DIR", c.Ingest.SpoolDir)

	c.Backup.Interval = getEnvDuration("RAPPORT_BACKUP_INTERVAL", c.Backup.Interval)
	c.Backup.Dir = getEnv("RAPPORT_BACKUP_DIR", c.Backup.Dir)
	c.Backup.Verify = getEnvBool("RAPPORT_BACKUP_VERIFY", c.Backup.Verify)

	c.Logging.Level = getEnv("RAPPORT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("RAPPORT_LOG_FORMAT", c.Logging.Format)

	c.Events.Enabled = getEnvBool("RAPPORT_EVENTS_ENABLED", c.Events.Enabled)
	c.Events.Addr = getEnv("RAPPORT_EVENTS_ADDR", c.Events.Addr)
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Backend {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be sqlite or memory, got %q", c.Queue.Backend))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("queue.poll_interval must be > 0, got %v", c.Queue.PollInterval))
	}
	if c.Queue.SchedulerInterval <= 0 {
		errs = append(errs, fmt.Errorf("queue.scheduler_interval must be > 0, got %v", c.Queue.SchedulerInterval))
	}
	if c.Queue.ReapInterval < 0 {
		errs = append(errs, fmt.Errorf("queue.reap_interval must be >= 0, got %v", c.Queue.ReapInterval))
	}

	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required when storage.engine is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.engine must be sqlite or postgres, got %q", c.Storage.Engine))
	}

	switch c.LLM.Provider {
	case "ollama":
	case "openai", "anthropic":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.provider %s requires RAPPORT_LLM_API_KEY", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be ollama, openai or anthropic, got %q", c.LLM.Provider))
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be >= 1, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0, 2], got %v", c.LLM.Temperature))
	}

	if c.Transport.RatePerMinute < 1 {
		errs = append(errs, fmt.Errorf("transport.rate_per_minute must be >= 1, got %d", c.Transport.RatePerMinute))
	}

	if c.Memory.HalfLife <= 0 {
		errs = append(errs, fmt.Errorf("memory.half_life must be > 0, got %v", c.Memory.HalfLife))
	}
	if c.Memory.MaxWeight < 1 {
		errs = append(errs, fmt.Errorf("memory.max_weight must be >= 1, got %v", c.Memory.MaxWeight))
	}

	if c.Reply.ContextTurns < 1 {
		errs = append(errs, fmt.Errorf("reply.context_turns must be >= 1, got %d", c.Reply.ContextTurns))
	}
	if c.Reply.SimilarityThreshold <= 0 || c.Reply.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("reply.similarity_threshold must be in (0, 1], got %v", c.Reply.SimilarityThreshold))
	}
	if c.Reply.MaxParts < 1 {
		errs = append(errs, fmt.Errorf("reply.max_parts must be >= 1, got %d", c.Reply.MaxParts))
	}

	if c.Orchestrator.PartJitterMax < c.Orchestrator.PartJitterMin {
		errs = append(errs, fmt.Errorf("orchestrator.part_jitter_max (%v) must be >= part_jitter_min (%v)",
			c.Orchestrator.PartJitterMax, c.Orchestrator.PartJitterMin))
	}

	if strings.TrimSpace(c.Ingest.DefaultAccountID) == "" {
		errs = append(errs, errors.New("ingest.default_account_id must not be empty"))
	}

	if c.Backup.Interval < 0 {
		errs = append(errs, fmt.Errorf("backup.interval must be >= 0, got %v", c.Backup.Interval))
	}
	if c.Backup.KeepHourly < 0 || c.Backup.KeepDaily < 0 || c.Backup.KeepWeekly < 0 || c.Backup.KeepMonthly < 0 {
		errs = append(errs, errors.New("backup.keep_* counts must be >= 0"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "1s", "90m")
// or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
