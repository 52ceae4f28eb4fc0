// Package config defines the speechdeck configuration schema, the YAML
// loader, and the provider registry used to turn configuration entries into
// live backends.
//
// A minimal configuration needs only a speech synthesis backend:
//
//	providers:
//	  tts:
//	    name: elevenlabs
//	    api_key: sk-...
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls the verbosity of the server's structured logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching slog level. Unknown and empty values map
// to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for speechdeck.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// ListenAddr is the address of the HTTP side channel serving health,
	// metrics and the state snapshot, e.g. ":8080". Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the backend for each concern.
type ProvidersConfig struct {
	TTS ProviderEntry `yaml:"tts"`
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when opening a recognition session on
	// STT fails.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the configuration for a single provider instance.
type ProviderEntry struct {
	// Name selects the registered implementation, e.g. "elevenlabs".
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options carries provider-specific settings that have no dedicated field.
	Options map[string]any `yaml:"options"`
}

// OptString returns Options[key] when it is a string, or "".
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptInt returns Options[key] as an int. YAML integers decode as int; float
// values are truncated. Missing or non-numeric values return 0.
func (e ProviderEntry) OptInt(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SessionConfig holds the starting values of a speech session.
type SessionConfig struct {
	// Rate and Pitch are the initial speaking rate and pitch multipliers.
	// Zero selects the default of 1.0.
	Rate  float64 `yaml:"rate"`
	Pitch float64 `yaml:"pitch"`

	// Language is the BCP-47 tag passed to speech recognition, e.g. "en-US".
	Language string `yaml:"language"`

	// Keywords are boosted during recognition on backends that support it.
	Keywords []KeywordConfig `yaml:"keywords"`

	// CatalogRefreshInterval is how often the voice catalog is re-listed.
	// Zero selects the default of 30s.
	CatalogRefreshInterval time.Duration `yaml:"catalog_refresh_interval"`
}

// KeywordConfig is a recognition keyword with its boost weight.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}
