// Package config holds all reagent configuration. Values come from a YAML
// file with environment-variable overrides for secrets; every policy knob
// the orchestration core depends on (retry budget, replanning budget,
// timeouts, retrieval limits, similarity floor) lives here rather than as
// a constant.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all reagent configuration.
type Config struct {
	// Workspace is the root directory for local state (database, logs).
	Workspace string `yaml:"workspace"`

	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Storage    StorageConfig    `yaml:"storage"`
	Tools      ToolsConfig      `yaml:"tools"`
	Debug      bool             `yaml:"debug"`
}

// ToolsConfig configures external executor tools.
type ToolsConfig struct {
	// PredictionEndpoint is the HTTP endpoint of the molecular-property
	// prediction service. Empty disables the prediction executor.
	PredictionEndpoint string `yaml:"prediction_endpoint"`
}

// LLMConfig configures the language-completion service.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai, openai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// RoleModels optionally overrides the model per executor role
	// (research, prediction, data, report). Empty entries fall back to
	// Model.
	RoleModels map[string]string `yaml:"role_models"`
}

// EmbeddingConfig configures the embedding service.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// SupervisorConfig holds the dispatch-loop policy parameters.
type SupervisorConfig struct {
	// RetryBudget is the number of re-dispatches after the first failed
	// attempt of a node. 2 means three attempts total.
	RetryBudget int `yaml:"retry_budget"`

	// ReplanBudget bounds how many times a thread may replan before the
	// graph is aborted.
	ReplanBudget int `yaml:"replan_budget"`

	// NodeTimeout bounds a single executor call.
	NodeTimeout time.Duration `yaml:"node_timeout"`

	// BackoffBase is the base delay before re-dispatching a retryable
	// failure; it scales linearly with the attempt count.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// RetrievalConfig holds the planning-time retrieval parameters.
type RetrievalConfig struct {
	SOPTopK          int     `yaml:"sop_top_k"`
	EpisodicTopM     int     `yaml:"episodic_top_m"`
	MinSimilarity    float64 `yaml:"min_similarity"`
	ChunkSize        int     `yaml:"chunk_size"`         // max SOP chunk size in bytes
	PlanRepairRounds int     `yaml:"plan_repair_rounds"` // re-prompt rounds for invalid plans
}

// StorageConfig configures local persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// Default returns the built-in defaults, rooted at workspace.
func Default(workspace string) Config {
	return Config{
		Workspace: workspace,
		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Supervisor: SupervisorConfig{
			RetryBudget:  2,
			ReplanBudget: 2,
			NodeTimeout:  120 * time.Second,
			BackoffBase:  2 * time.Second,
		},
		Retrieval: RetrievalConfig{
			SOPTopK:          4,
			EpisodicTopM:     3,
			MinSimilarity:    0.35,
			ChunkSize:        2000,
			PlanRepairRounds: 1,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(workspace, ".reagent", "reagent.db"),
		},
	}
}

// Load reads the config file at path, layered over Default(workspace).
// A missing file is not an error; defaults apply. Environment overrides
// are applied last.
func Load(workspace, path string) (Config, error) {
	cfg := Default(workspace)

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REAGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("REAGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("REAGENT_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("REAGENT_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("REAGENT_PREDICTION_ENDPOINT"); v != "" {
		cfg.Tools.PredictionEndpoint = v
	}
	if v := os.Getenv("REAGENT_DEBUG"); v == "1" || v == "true" {
		cfg.Debug = true
	}
}

func (c Config) validate() error {
	if c.Supervisor.RetryBudget < 0 {
		return fmt.Errorf("supervisor.retry_budget must be >= 0, got %d", c.Supervisor.RetryBudget)
	}
	if c.Supervisor.ReplanBudget < 0 {
		return fmt.Errorf("supervisor.replan_budget must be >= 0, got %d", c.Supervisor.ReplanBudget)
	}
	if c.Retrieval.SOPTopK <= 0 || c.Retrieval.EpisodicTopM <= 0 {
		return fmt.Errorf("retrieval limits must be positive (sop_top_k=%d, episodic_top_m=%d)",
			c.Retrieval.SOPTopK, c.Retrieval.EpisodicTopM)
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.min_similarity must be in [-1, 1], got %f", c.Retrieval.MinSimilarity)
	}
	return nil
}

// ParsedTimeout parses the configured request timeout, defaulting to two
// minutes.
func (c LLMConfig) ParsedTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// ModelForRole resolves the completion model for an executor role.
func (c Config) ModelForRole(role string) string {
	if m, ok := c.LLM.RoleModels[role]; ok && m != "" {
		return m
	}
	return c.LLM.Model
}
