package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider    string  `toml:"provider" yaml:"provider"`
	Model       string  `toml:"model" yaml:"model"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	APIKey      string  `toml:"api_key" yaml:"api_key"`
	Temperature float64 `toml:"temperature" yaml:"temperature"`
	MaxTokens   int     `toml:"max_tokens" yaml:"max_tokens"`
	TimeoutS    float64 `toml:"timeout_s" yaml:"timeout_s"`
}

func (c LLMConfig) Timeout() time.Duration {
	return seconds(c.TimeoutS)
}

type ReaderConfig struct {
	MaxUploadMB       int `toml:"max_upload_mb" yaml:"max_upload_mb"`
	SignalsIntervalMS int `toml:"signals_interval_ms" yaml:"signals_interval_ms"`
}

// BuddyConfig holds the intervention policy and the classifier thresholds.
// All durations are in seconds.
type BuddyConfig struct {
	QuietWhenFocused      bool    `toml:"quiet_when_focused" yaml:"quiet_when_focused"`
	InterventionCooldownS float64 `toml:"intervention_cooldown_s" yaml:"intervention_cooldown_s"`
	ActiveWindowS         float64 `toml:"active_window_s" yaml:"active_window_s"`
	LongDwellS            float64 `toml:"long_dwell_s" yaml:"long_dwell_s"`
	SkimDwellS            float64 `toml:"skim_dwell_s" yaml:"skim_dwell_s"`
	SkipBurst             int     `toml:"skip_burst" yaml:"skip_burst"`
	IdleS                 float64 `toml:"idle_s" yaml:"idle_s"`
	TiredS                float64 `toml:"tired_s" yaml:"tired_s"`
	EpisodeDedupS         float64 `toml:"episode_dedup_s" yaml:"episode_dedup_s"`
}

type KnowledgeConfig struct {
	DataDir            string  `toml:"data_dir" yaml:"data_dir"`
	ExtractOnUpload    bool    `toml:"extract_on_upload" yaml:"extract_on_upload"`
	MaxConceptsPerPage int     `toml:"max_concepts_per_page" yaml:"max_concepts_per_page"`
	RetrievalBudgetMS  int     `toml:"retrieval_budget_ms" yaml:"retrieval_budget_ms"`
	ExtractionRPS      float64 `toml:"extraction_rps" yaml:"extraction_rps"`
}

func (c KnowledgeConfig) RetrievalBudget() time.Duration {
	return time.Duration(c.RetrievalBudgetMS) * time.Millisecond
}

func (c KnowledgeConfig) GraphPath() string {
	return filepath.Join(c.DataDir, "graph.db")
}

func (c KnowledgeConfig) SessionsPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// ExtractionPrompts override the built-in prompt templates.
// Extract receives the page text, Relate the concept list (both via %s).
// Summary receives document name, struggle pages, understood concepts and
// the transcript, in that order. A literal percent sign is written %%.
type ExtractionPrompts struct {
	Extract string `toml:"extract" yaml:"extract"`
	Relate  string `toml:"relate" yaml:"relate"`
	Summary string `toml:"summary" yaml:"summary"`
}

type MemgraphConfig struct {
	URI      string `toml:"uri" yaml:"uri"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
	Mode string `toml:"mode" yaml:"mode"`
}

type Config struct {
	LLM       LLMConfig         `toml:"llm" yaml:"llm"`
	Reader    ReaderConfig      `toml:"reader" yaml:"reader"`
	Buddy     BuddyConfig       `toml:"buddy" yaml:"buddy"`
	Knowledge KnowledgeConfig   `toml:"knowledge" yaml:"knowledge"`
	Prompts   ExtractionPrompts `toml:"prompts" yaml:"prompts"`
	Memgraph  MemgraphConfig    `toml:"memgraph" yaml:"memgraph"`
	Server    ServerConfig      `toml:"server" yaml:"server"`
}

func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.2:3b",
			Endpoint:    "http://localhost:11434",
			Temperature: 0.7,
			MaxTokens:   512,
			TimeoutS:    120,
		},
		Reader: ReaderConfig{
			MaxUploadMB:       50,
			SignalsIntervalMS: 5000,
		},
		Buddy: BuddyConfig{
			QuietWhenFocused:      true,
			InterventionCooldownS: 60,
			ActiveWindowS:         60,
			LongDwellS:            120,
			SkimDwellS:            10,
			SkipBurst:             3,
			IdleS:                 30,
			TiredS:                90,
			EpisodeDedupS:         30,
		},
		Knowledge: KnowledgeConfig{
			DataDir:            "data",
			ExtractOnUpload:    true,
			MaxConceptsPerPage: 7,
			RetrievalBudgetMS:  150,
			ExtractionRPS:      2,
		},
		Server: ServerConfig{
			Addr: ":8000",
			Mode: "dev",
		},
	}
}

// Load reads a TOML (or YAML, by extension) file on top of Default().
// Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	}

	return cfg, nil
}

// ApplyEnv overrides file values with environment variables when they are set.
func (c *Config) ApplyEnv() {
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.LLM.Endpoint, "LLM_ENDPOINT")
	setString(&c.LLM.APIKey, "LLM_API_KEY")
	setString(&c.Knowledge.DataDir, "BUDDY_DATA_DIR")
	setString(&c.Server.Addr, "BUDDY_ADDR")
	setString(&c.Memgraph.URI, "MEMGRAPH_URI")
	setString(&c.Memgraph.User, "MEMGRAPH_USER")
	setString(&c.Memgraph.Password, "MEMGRAPH_PASSWORD")

	if v := os.Getenv("BUDDY_COOLDOWN_S"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Buddy.InterventionCooldownS = f
		}
	}
}

var knownProviders = map[string]bool{
	"ollama":        true,
	"vllm":          true,
	"openai_compat": true,
	"openai":        true,
	"claude":        true,
	"gemini":        true,
}

func (c *Config) Validate() error {
	if !knownProviders[strings.ToLower(c.LLM.Provider)] {
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
	b := c.Buddy
	for name, v := range map[string]float64{
		"intervention_cooldown_s": b.InterventionCooldownS,
		"active_window_s":         b.ActiveWindowS,
		"long_dwell_s":            b.LongDwellS,
		"skim_dwell_s":            b.SkimDwellS,
		"idle_s":                  b.IdleS,
		"tired_s":                 b.TiredS,
		"episode_dedup_s":         b.EpisodeDedupS,
	} {
		if v < 0 {
			return fmt.Errorf("buddy.%s must not be negative (got %v)", name, v)
		}
	}
	if b.TiredS <= b.IdleS {
		return fmt.Errorf("buddy.tired_s (%v) must be greater than buddy.idle_s (%v)", b.TiredS, b.IdleS)
	}
	if b.SkipBurst < 1 {
		return fmt.Errorf("buddy.skip_burst must be at least 1")
	}
	if c.Knowledge.MaxConceptsPerPage < 1 {
		return fmt.Errorf("knowledge.max_concepts_per_page must be at least 1")
	}
	if c.Knowledge.RetrievalBudgetMS <= 0 {
		return fmt.Errorf("knowledge.retrieval_budget_ms must be positive")
	}
	for _, p := range []struct {
		name, tmpl string
		args       int
	}{
		{"extract", c.Prompts.Extract, ExtractPromptArgs},
		{"relate", c.Prompts.Relate, RelatePromptArgs},
		{"summary", c.Prompts.Summary, SummaryPromptArgs},
	} {
		if p.tmpl == "" {
			continue
		}
		if err := CheckPromptTemplate(p.tmpl, p.args); err != nil {
			return fmt.Errorf("prompts.%s: %w", p.name, err)
		}
	}
	return nil
}

// Number of %s placeholders each prompt template is formatted with.
const (
	ExtractPromptArgs = 1
	RelatePromptArgs  = 1
	SummaryPromptArgs = 4
)

// CheckPromptTemplate reports whether tmpl formats cleanly with exactly
// want string arguments: only %s and %% are allowed.
func CheckPromptTemplate(tmpl string, want int) error {
	got := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' {
			continue
		}
		if i+1 == len(tmpl) {
			return fmt.Errorf("trailing %% (write %%%% for a literal percent sign)")
		}
		i++
		switch tmpl[i] {
		case '%':
		case 's':
			got++
		default:
			return fmt.Errorf("unsupported verb %%%c (only %%s and %%%% are allowed)", tmpl[i])
		}
	}
	if got != want {
		return fmt.Errorf("expected %d %%s placeholder(s), found %d", want, got)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
