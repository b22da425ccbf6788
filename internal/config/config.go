// Package config handles Squire configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/squire/config.yaml, /etc/squire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "squire", "config.yaml"))
	}

	paths = append(paths, "/etc/squire/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise $SQUIRE_CONFIG is honored, then DefaultSearchPaths in order.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if env := os.Getenv("SQUIRE_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("config file not found: %s (from SQUIRE_CONFIG)", env)
		}
		return env, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Squire configuration.
type Config struct {
	DataDir     string   `yaml:"data_dir"`
	PersonaFile string   `yaml:"persona_file"`
	LogLevel    string   `yaml:"log_level"`
	Users       []string `yaml:"users"` // allow-listed user ids

	Listen     ListenConfig     `yaml:"listen"`
	Transport  TransportConfig  `yaml:"transport"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Groq       OpenAICompat     `yaml:"groq"`
	OpenRouter OpenAICompat     `yaml:"openrouter"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Schedules  SchedulesConfig  `yaml:"schedules"`
	Budgets    BudgetsConfig    `yaml:"budgets"`
	Retry      RetryConfig      `yaml:"retry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Files      FilesConfig      `yaml:"files"`
	Email      EmailConfig      `yaml:"email"`
	Contacts   ContactsConfig   `yaml:"contacts"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Search     SearchConfig     `yaml:"search"`
	GitHub     GitHubConfig     `yaml:"github"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// ListenConfig defines the health/admin HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// TransportConfig defines the signal-cli daemon connection.
type TransportConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPCURL  string `yaml:"rpc_url"` // JSON-RPC endpoint (e.g., "http://localhost:8090/api/v1/rpc")
	WSURL   string `yaml:"ws_url"`  // receive websocket (e.g., "ws://localhost:8090/v1/receive")
	Account string `yaml:"account"` // registered account number
}

// AnthropicConfig defines the primary provider.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	SimpleModel  string `yaml:"simple_model"`
	ComplexModel string `yaml:"complex_model"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// OpenAICompat defines an OpenAI-compatible SSE provider (Groq, OpenRouter).
type OpenAICompat struct {
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	MediumModel      string `yaml:"medium_model"`
	LargeModel       string `yaml:"large_model"`
	LongContextModel string `yaml:"long_context_model"`
	PersonaModel     string `yaml:"persona_model"`
}

// OllamaConfig defines the local fallback provider.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	BaseURL    string `yaml:"base_url"` // Ollama URL (defaults to ollama.base_url)
	Model      string `yaml:"model"`    // e.g., all-minilm
	Dimensions int    `yaml:"dimensions"`
	Workers    int    `yaml:"workers"` // concurrent embed calls
}

// MemoryConfig tunes the knowledge store and injector.
type MemoryConfig struct {
	FactMergeThreshold float64 `yaml:"fact_merge_threshold"` // cosine distance; lower = stricter
	MaxContextFacts    int     `yaml:"max_context_facts"`
	MaxContextGoals    int     `yaml:"max_context_goals"`
	HistoryTurns       int     `yaml:"history_turns"`        // turns loaded per request
	ContextTokenBudget int     `yaml:"context_token_budget"` // history trim budget
}

// SchedulesConfig defines the proactive triggers.
type SchedulesConfig struct {
	Timezone          string `yaml:"timezone"` // IANA name for cron evaluation
	BriefingCron      string `yaml:"briefing_cron"`
	CheckinCron       string `yaml:"checkin_cron"`
	ConsolidationCron string `yaml:"consolidation_cron"`
	ReindexCron       string `yaml:"reindex_cron"`
	ReindexEnabled    bool   `yaml:"reindex_enabled"`
}

// BudgetsConfig bounds token consumption and spend.
type BudgetsConfig struct {
	MaxInputTokens   int     `yaml:"max_input_tokens"`  // per request
	MaxOutputTokens  int     `yaml:"max_output_tokens"` // per response
	UserTokensPerHr  int     `yaml:"user_tokens_per_hour"`
	DailySpendUSD    float64 `yaml:"daily_spend_usd"`
	MaxToolIterations int    `yaml:"max_tool_iterations"`

	// Pricing maps model name to per-million-token rates. Models not
	// listed cost nothing (local models).
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is per-million-token USD pricing for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// RetryConfig tunes provider retry behavior.
type RetryConfig struct {
	Attempts     int `yaml:"attempts"`
	BaseDelaySec int `yaml:"base_delay_sec"`
}

// BaseDelay returns the configured base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySec) * time.Second
}

// RateLimitConfig bounds per-user message throughput.
type RateLimitConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// FilesConfig restricts the file tools.
type FilesConfig struct {
	// AllowedDirs are the only directory trees the file tools may touch.
	// Empty disables the file tools.
	AllowedDirs []string `yaml:"allowed_dirs"`
}

// EmailConfig defines IMAP access for the email tools.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// ContactsConfig defines CardDAV sync for the contacts tools.
type ContactsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CardDAVURL  string `yaml:"carddav_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	SyncMinutes int    `yaml:"sync_minutes"`
}

// CalendarConfig defines CalDAV access for the calendar tool.
type CalendarConfig struct {
	Enabled   bool   `yaml:"enabled"`
	CalDAVURL string `yaml:"caldav_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// SearchConfig defines the web search backend.
type SearchConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"` // "searxng" (default) or "brave"
	BaseURL     string `yaml:"base_url"` // searxng instance root
	APIKey      string `yaml:"api_key"`  // searxng auth token or brave subscription key
	InsecureTLS bool   `yaml:"insecure_tls"`
}

// GitHubConfig defines the github activity tool.
type GitHubConfig struct {
	Enabled bool     `yaml:"enabled"`
	Token   string   `yaml:"token"`
	Repos   []string `yaml:"repos"` // owner/name
}

// MQTTConfig defines the optional status publisher / trigger subscriber.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"` // e.g., "tcp://localhost:1883"
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`  // status published under <prefix>/status
	TriggerTopic       string `yaml:"trigger_topic"` // payloads fire the proactive pipeline
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with working defaults for everything
// that has a sane default. Credentials and the user allow-list must come
// from the config file.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		Listen:   ListenConfig{Port: 8823},
		Anthropic: AnthropicConfig{
			SimpleModel:  "claude-3-5-haiku-latest",
			ComplexModel: "claude-sonnet-4-20250514",
			MaxTokens:    4096,
		},
		Groq: OpenAICompat{
			BaseURL:     "https://api.groq.com/openai/v1",
			MediumModel: "llama-3.3-70b-versatile",
			LargeModel:  "llama-3.3-70b-versatile",
		},
		OpenRouter: OpenAICompat{
			BaseURL:          "https://openrouter.ai/api/v1",
			LongContextModel: "google/gemini-2.0-flash-001",
			PersonaModel:     "google/gemini-2.0-flash-001",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1:8b",
		},
		Embeddings: EmbeddingsConfig{
			Model:      "all-minilm",
			Dimensions: 384,
			Workers:    2,
		},
		Memory: MemoryConfig{
			FactMergeThreshold: 0.15,
			MaxContextFacts:    5,
			MaxContextGoals:    3,
			HistoryTurns:       40,
			ContextTokenBudget: 6000,
		},
		Schedules: SchedulesConfig{
			Timezone:          "UTC",
			BriefingCron:      "0 7 * * *",
			CheckinCron:       "0 19 * * *",
			ConsolidationCron: "0 3 * * *",
			ReindexCron:       "30 3 * * *",
			ReindexEnabled:    true,
		},
		Budgets: BudgetsConfig{
			MaxInputTokens:    150000,
			MaxOutputTokens:   4096,
			UserTokensPerHr:   500000,
			DailySpendUSD:     10,
			MaxToolIterations: 5,
			Pricing: map[string]PricingEntry{
				"claude-3-5-haiku-latest":     {InputPerMillion: 0.80, OutputPerMillion: 4.00},
				"claude-sonnet-4-20250514":    {InputPerMillion: 3.00, OutputPerMillion: 15.00},
				"llama-3.3-70b-versatile":     {InputPerMillion: 0.59, OutputPerMillion: 0.79},
				"google/gemini-2.0-flash-001": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
			},
		},
		Retry: RetryConfig{
			Attempts:     3,
			BaseDelaySec: 2,
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: 10,
			MaxConcurrent:     2,
		},
		Contacts: ContactsConfig{SyncMinutes: 60},
		Search:   SearchConfig{Provider: "searxng"},
		MQTT:     MQTTConfig{TopicPrefix: "squire", PublishIntervalSec: 60},
	}
}

// Validate checks that the configuration is usable for serving.
// It returns actionable messages rather than failing deep in startup.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("users allow-list is empty; add at least one user id")
	}
	if c.Anthropic.APIKey == "" && c.Groq.APIKey == "" && c.OpenRouter.APIKey == "" && c.Ollama.BaseURL == "" {
		return fmt.Errorf("no provider configured; set anthropic.api_key or ollama.base_url at minimum")
	}
	if c.Transport.Enabled {
		if c.Transport.RPCURL == "" {
			return fmt.Errorf("transport.rpc_url is required when transport is enabled")
		}
		if c.Transport.Account == "" {
			return fmt.Errorf("transport.account is required when transport is enabled")
		}
	}
	if c.Memory.FactMergeThreshold <= 0 || c.Memory.FactMergeThreshold >= 1 {
		return fmt.Errorf("memory.fact_merge_threshold must be in (0,1), got %v", c.Memory.FactMergeThreshold)
	}
	if _, err := time.LoadLocation(c.Schedules.Timezone); err != nil {
		return fmt.Errorf("schedules.timezone: %w", err)
	}
	return nil
}

// AllowedUser reports whether id is on the allow-list.
func (c *Config) AllowedUser(id string) bool {
	for _, u := range c.Users {
		if u == id {
			return true
		}
	}
	return false
}

// EmbeddingsBaseURL returns the embeddings endpoint, falling back to the
// ollama base URL when not set separately.
func (c *Config) EmbeddingsBaseURL() string {
	if c.Embeddings.BaseURL != "" {
		return c.Embeddings.BaseURL
	}
	return c.Ollama.BaseURL
}
