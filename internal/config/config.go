package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config captures runtime, server, storage, logging and benchmark settings for PocketLM.
type Config struct {
	Runtime      RuntimeConfig      `yaml:"runtime" toml:"runtime"`
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Store        StoreConfig        `yaml:"store" toml:"store"`
	Log          LogConfig          `yaml:"log" toml:"log"`
	Bench        BenchConfig        `yaml:"bench" toml:"bench"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
}

// RuntimeConfig selects the engine backend, the model and the context shape.
type RuntimeConfig struct {
	Backend      string `yaml:"backend" toml:"backend"`
	ModelPath    string `yaml:"model_path" toml:"model_path"`
	ContextSize  int    `yaml:"context_size" toml:"context_size"`
	BatchSize    int    `yaml:"batch_size" toml:"batch_size"`
	Threads      int    `yaml:"threads" toml:"threads"`
	ThreadsBatch int    `yaml:"threads_batch" toml:"threads_batch"`
	GPULayers    int    `yaml:"gpu_layers" toml:"gpu_layers"`
	Mmap         *bool  `yaml:"mmap" toml:"mmap"`
	Mlock        *bool  `yaml:"mlock" toml:"mlock"`

	// DecodePolicy is "continue" (log and keep generating) or "abort".
	DecodePolicy string   `yaml:"decode_policy" toml:"decode_policy"`
	Stop         []string `yaml:"stop" toml:"stop"`

	TokenCache TokenCacheConfig   `yaml:"token_cache" toml:"token_cache"`
	Sim        SimConfig          `yaml:"sim" toml:"sim"`
	Defaults   GenerationDefaults `yaml:"defaults" toml:"defaults"`
}

// TokenCacheConfig configures memoized tokenization.
type TokenCacheConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	TTL      string `yaml:"ttl" toml:"ttl"`
	Capacity int    `yaml:"capacity" toml:"capacity"`
}

// SimConfig configures the pure-Go simulated engine.
type SimConfig struct {
	Reply         string `yaml:"reply" toml:"reply"`
	DecodeLatency string `yaml:"decode_latency" toml:"decode_latency"`
}

// GenerationDefaults allows overriding common inference parameters globally.
type GenerationDefaults struct {
	MaxTokens        int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature      float64 `yaml:"temperature" toml:"temperature"`
	TopK             int     `yaml:"top_k" toml:"top_k"`
	TopP             float64 `yaml:"top_p" toml:"top_p"`
	MinP             float64 `yaml:"min_p" toml:"min_p"`
	RepeatPenalty    float64 `yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN      int     `yaml:"repeat_last_n" toml:"repeat_last_n"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty" toml:"presence_penalty"`
	Seed             uint32  `yaml:"seed" toml:"seed"`
	ParseSpecial     bool    `yaml:"parse_special" toml:"parse_special"`
}

// ServerConfig defines the TCP and HTTP listeners.
type ServerConfig struct {
	Host        string   `yaml:"host" toml:"host"`
	Port        int      `yaml:"port" toml:"port"`
	HTTPPort    int      `yaml:"http_port" toml:"http_port"`
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// StoreConfig locates the run history database and the generation CSV log.
type StoreConfig struct {
	Path    string `yaml:"path" toml:"path"`
	CSVPath string `yaml:"csv_path" toml:"csv_path"`
}

// LogConfig sets the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// BenchConfig holds the default pp/tg/pl/nr benchmark shape.
type BenchConfig struct {
	PromptTokens int `yaml:"pp" toml:"pp"`
	GenTokens    int `yaml:"tg" toml:"tg"`
	ParallelSeqs int `yaml:"pl" toml:"pl"`
	Repetitions  int `yaml:"nr" toml:"nr"`
}

// ConversationConfig governs how chat prompts are assembled.
type ConversationConfig struct {
	SystemMessage string `yaml:"system_message" toml:"system_message"`
	ChatTemplate  bool   `yaml:"chat_template" toml:"chat_template"`
}

const defaultConfigFile = "pocketlm.yaml"

// Default returns a Config pre-populated with defaults for small on-device models.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Backend:      "sim",
			ContextSize:  1024,
			BatchSize:    512,
			DecodePolicy: "continue",
			TokenCache: TokenCacheConfig{
				Enabled:  true,
				TTL:      "10m",
				Capacity: 256,
			},
			Defaults: GenerationDefaults{
				MaxTokens:        256,
				Temperature:      0.8,
				TopP:             0.9,
				MinP:             0.05,
				RepeatPenalty:    1.1,
				RepeatLastN:      32,
				FrequencyPenalty: 1.0,
				PresencePenalty:  1.0,
				Seed:             0xFFFFFFFF,
			},
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     42067,
			HTTPPort: 42068,
			Enabled:  true,
		},
		Store: StoreConfig{
			Path:    "pocketlm.db",
			CSVPath: "generations.csv",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Bench: BenchConfig{
			PromptTokens: 512,
			GenTokens:    128,
			ParallelSeqs: 1,
			Repetitions:  3,
		},
		Conversation: ConversationConfig{
			ChatTemplate: true,
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	path := strings.TrimSpace(os.Getenv("APP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), fmt.Errorf("provided APP_CONFIG file %q not found", path)
	}

	return ResolveFile(path)
}

// ResolveFile layers the file at path, if any, and the environment over the
// defaults.
func ResolveFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Load reads a config file, YAML or TOML by extension, without defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

// YAML renders the config as it would be written to pocketlm.yaml.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func merge(base, override Config) Config {
	result := base

	r, o := &result.Runtime, override.Runtime
	if o.Backend != "" {
		r.Backend = o.Backend
	}
	if o.ModelPath != "" {
		r.ModelPath = o.ModelPath
	}
	if o.ContextSize != 0 {
		r.ContextSize = o.ContextSize
	}
	if o.BatchSize != 0 {
		r.BatchSize = o.BatchSize
	}
	if o.Threads != 0 {
		r.Threads = o.Threads
	}
	if o.ThreadsBatch != 0 {
		r.ThreadsBatch = o.ThreadsBatch
	}
	if o.GPULayers != 0 {
		r.GPULayers = o.GPULayers
	}
	if o.Mmap != nil {
		r.Mmap = o.Mmap
	}
	if o.Mlock != nil {
		r.Mlock = o.Mlock
	}
	if o.DecodePolicy != "" {
		r.DecodePolicy = o.DecodePolicy
	}
	if len(o.Stop) != 0 {
		r.Stop = append([]string(nil), o.Stop...)
	}
	if o.TokenCache.Enabled {
		r.TokenCache.Enabled = true
	}
	if o.TokenCache.TTL != "" {
		r.TokenCache.TTL = o.TokenCache.TTL
	}
	if o.TokenCache.Capacity != 0 {
		r.TokenCache.Capacity = o.TokenCache.Capacity
	}
	if o.Sim.Reply != "" {
		r.Sim.Reply = o.Sim.Reply
	}
	if o.Sim.DecodeLatency != "" {
		r.Sim.DecodeLatency = o.Sim.DecodeLatency
	}

	d := o.Defaults
	if d.MaxTokens != 0 {
		r.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != 0 {
		r.Defaults.Temperature = d.Temperature
	}
	if d.TopK != 0 {
		r.Defaults.TopK = d.TopK
	}
	if d.TopP != 0 {
		r.Defaults.TopP = d.TopP
	}
	if d.MinP != 0 {
		r.Defaults.MinP = d.MinP
	}
	if d.RepeatPenalty != 0 {
		r.Defaults.RepeatPenalty = d.RepeatPenalty
	}
	if d.RepeatLastN != 0 {
		r.Defaults.RepeatLastN = d.RepeatLastN
	}
	if d.FrequencyPenalty != 0 {
		r.Defaults.FrequencyPenalty = d.FrequencyPenalty
	}
	if d.PresencePenalty != 0 {
		r.Defaults.PresencePenalty = d.PresencePenalty
	}
	if d.Seed != 0 {
		r.Defaults.Seed = d.Seed
	}
	if d.ParseSpecial {
		r.Defaults.ParseSpecial = true
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.HTTPPort != 0 {
		result.Server.HTTPPort = override.Server.HTTPPort
	}
	if override.Server.Enabled {
		result.Server.Enabled = override.Server.Enabled
	}
	if len(override.Server.CORSOrigins) != 0 {
		result.Server.CORSOrigins = append([]string(nil), override.Server.CORSOrigins...)
	}

	if override.Store.Path != "" {
		result.Store.Path = override.Store.Path
	}
	if override.Store.CSVPath != "" {
		result.Store.CSVPath = override.Store.CSVPath
	}

	if override.Log.Level != "" {
		result.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		result.Log.Format = override.Log.Format
	}

	if override.Bench.PromptTokens != 0 {
		result.Bench.PromptTokens = override.Bench.PromptTokens
	}
	if override.Bench.GenTokens != 0 {
		result.Bench.GenTokens = override.Bench.GenTokens
	}
	if override.Bench.ParallelSeqs != 0 {
		result.Bench.ParallelSeqs = override.Bench.ParallelSeqs
	}
	if override.Bench.Repetitions != 0 {
		result.Bench.Repetitions = override.Bench.Repetitions
	}

	if override.Conversation.SystemMessage != "" {
		result.Conversation.SystemMessage = override.Conversation.SystemMessage
	}
	if override.Conversation.ChatTemplate {
		result.Conversation.ChatTemplate = true
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MODEL_PATH")); v != "" {
		cfg.Runtime.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CTX_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.ContextSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_DECODE_POLICY")); v != "" {
		cfg.Runtime.DecodePolicy = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Defaults.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Runtime.Defaults.Temperature = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SYSMSG")); v != "" {
		cfg.Conversation.SystemMessage = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_HTTP_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.HTTPPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Server.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_STORE_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CSV_PATH")); v != "" {
		cfg.Store.CSVPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_FORMAT")); v != "" {
		cfg.Log.Format = v
	}
}

// Validate reports every setting that cannot be used.
func (c Config) Validate() error {
	var errs []error
	r := c.Runtime
	if strings.TrimSpace(r.Backend) == "" {
		errs = append(errs, errors.New("runtime.backend is required"))
	}
	if r.DecodePolicy != "" && r.DecodePolicy != "continue" && r.DecodePolicy != "abort" {
		errs = append(errs, fmt.Errorf("runtime.decode_policy %q must be continue or abort", r.DecodePolicy))
	}
	if r.ContextSize < 0 || r.BatchSize < 0 || r.Threads < 0 || r.ThreadsBatch < 0 {
		errs = append(errs, errors.New("runtime context_size, batch_size and thread counts must not be negative"))
	}
	if r.TokenCache.TTL != "" {
		if _, err := time.ParseDuration(r.TokenCache.TTL); err != nil {
			errs = append(errs, fmt.Errorf("runtime.token_cache.ttl: %w", err))
		}
	}
	if r.Sim.DecodeLatency != "" {
		if _, err := time.ParseDuration(r.Sim.DecodeLatency); err != nil {
			errs = append(errs, fmt.Errorf("runtime.sim.decode_latency: %w", err))
		}
	}
	d := r.Defaults
	if d.MaxTokens < 0 {
		errs = append(errs, errors.New("runtime.defaults.max_tokens must not be negative"))
	}
	if d.Temperature < 0 {
		errs = append(errs, errors.New("runtime.defaults.temperature must not be negative"))
	}
	if d.TopP < 0 || d.TopP > 1 {
		errs = append(errs, fmt.Errorf("runtime.defaults.top_p %.2f outside [0, 1]", d.TopP))
	}
	if d.MinP < 0 || d.MinP > 1 {
		errs = append(errs, fmt.Errorf("runtime.defaults.min_p %.2f outside [0, 1]", d.MinP))
	}
	for name, port := range map[string]int{"server.port": c.Server.Port, "server.http_port": c.Server.HTTPPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	b := c.Bench
	if b.PromptTokens <= 0 || b.GenTokens <= 0 || b.ParallelSeqs <= 0 || b.Repetitions <= 0 {
		errs = append(errs, errors.New("bench pp, tg, pl and nr must be positive"))
	}
	return errors.Join(errs...)
}

// ServerEnabled reports if the TCP and HTTP servers should be started.
func (c Config) ServerEnabled() bool {
	return c.Server.Enabled
}

// TokenCacheTTL parses the token cache TTL, zero when unset or invalid.
func (r RuntimeConfig) TokenCacheTTL() time.Duration {
	d, _ := time.ParseDuration(r.TokenCache.TTL)
	return d
}

// SimDecodeLatency parses the simulated per-slot decode latency.
func (r RuntimeConfig) SimDecodeLatency() time.Duration {
	d, _ := time.ParseDuration(r.Sim.DecodeLatency)
	return d
}
