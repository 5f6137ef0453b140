package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for ReadLoong. Everything is read once
// at startup; there is no hot reload.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Buffer    BufferConfig    `json:"buffer"`
	Extract   ExtractConfig   `json:"extract"`
	Synthesis SynthesisConfig `json:"synthesis"`
	Channels  ChannelsConfig  `json:"channels"`
	History   HistoryConfig   `json:"history"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	Workspace    string `json:"workspace"`
	LogLevel     string `json:"logLevel"`
	Language     string `json:"language"`     // primary content language, e.g. "zh", "en"
	DefaultVoice string `json:"defaultVoice"` // used when no mapping matches
}

// BufferConfig tunes the per-chat batching window.
type BufferConfig struct {
	DebounceSeconds int `json:"debounceSeconds"` // sliding window before a batch closes
	MaxItems        int `json:"maxItems"`        // forces closure regardless of timer
	MaxAgeSeconds   int `json:"maxAgeSeconds"`   // hard cap on batch lifetime
}

type ExtractConfig struct {
	Concurrency    int            `json:"concurrency"`    // global cap on concurrent engine calls
	TimeoutSeconds int            `json:"timeoutSeconds"` // per-item strategy timeout
	OCR            OCRConfig      `json:"ocr"`
	Video          VideoConfig    `json:"video"`
	Document       DocumentConfig `json:"document"`
}

type OCRConfig struct {
	PrimaryURL    string  `json:"primaryUrl"`    // PaddleOCR serving endpoint
	GeneralURL    string  `json:"generalUrl"`    // Tesseract endpoint
	GPU           bool    `json:"gpu"`           // forwarded to the primary engine
	MinConfidence float64 `json:"minConfidence"` // below this, fall back to the general engine
}

type VideoConfig struct {
	YtdlpPath string `json:"ytdlpPath"`
}

type DocumentConfig struct {
	PdftotextPath    string `json:"pdftotextPath"`
	EbookConvertPath string `json:"ebookConvertPath"`
}

type SynthesisConfig struct {
	Provider       string `json:"provider"` // "edge" | "openai"
	APIBase        string `json:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	Model          string `json:"model,omitempty"`
	VoicesPath     string `json:"voicesPath,omitempty"` // YAML language->voice map
	MaxTextLen     int    `json:"maxTextLen"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	CLI      CLIConfig      `json:"cli"`
}

type TelegramConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"token"`
	AllowFrom   []string `json:"allowFrom"`
	BotUsername string   `json:"botUsername"` // mention required in group chats
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"` // host:port for the exposition endpoint
}

// DefaultConfigDir returns the default config directory (~/.readloong).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".readloong"
	}
	return filepath.Join(home, ".readloong")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
	cfg.Synthesis.VoicesPath = ExpandPath(cfg.Synthesis.VoicesPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Buffer.DebounceSeconds < 1 {
		errs = append(errs, "buffer.debounceSeconds must be >= 1")
	}
	if cfg.Buffer.MaxItems < 1 {
		errs = append(errs, "buffer.maxItems must be >= 1")
	}
	if cfg.Buffer.MaxAgeSeconds < cfg.Buffer.DebounceSeconds {
		errs = append(errs, "buffer.maxAgeSeconds must be >= buffer.debounceSeconds")
	}
	if cfg.Extract.Concurrency < 1 || cfg.Extract.Concurrency > 64 {
		errs = append(errs, "extract.concurrency must be between 1 and 64")
	}
	if cfg.Extract.TimeoutSeconds < 1 {
		errs = append(errs, "extract.timeoutSeconds must be >= 1")
	}
	if cfg.Extract.OCR.MinConfidence < 0 || cfg.Extract.OCR.MinConfidence > 1 {
		errs = append(errs, "extract.ocr.minConfidence must be between 0 and 1")
	}
	switch cfg.Synthesis.Provider {
	case "edge", "openai":
		// valid
	default:
		errs = append(errs, "synthesis.provider must be one of: edge, openai")
	}
	if cfg.Synthesis.MaxTextLen < 1 {
		errs = append(errs, "synthesis.maxTextLen must be >= 1")
	}
	if cfg.Synthesis.TimeoutSeconds < 1 {
		errs = append(errs, "synthesis.timeoutSeconds must be >= 1")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a deep copy with secrets masked, for display.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	if copy.Channels.Telegram.Token != "" {
		copy.Channels.Telegram.Token = maskString(copy.Channels.Telegram.Token)
	}
	if copy.Synthesis.APIKey != "" {
		copy.Synthesis.APIKey = maskString(copy.Synthesis.APIKey)
	}
	return &copy
}

func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
