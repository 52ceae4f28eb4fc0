package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts":   {"elevenlabs", "openai", "yandex", "coqui"},
	"stt":   {"deepgram", "yandex", "whisper"},
	"audio": {"portaudio"},
}

// Allowed range for the configured session rate and pitch.
const (
	minFactor = 0.5
	maxFactor = 2.0
)

// envKeys maps a provider name to the environment variable consulted when
// its api_key is empty.
var envKeys = map[string]string{
	"elevenlabs": "ELEVENLABS_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"yandex":     "YANDEX_API_KEY",
	"deepgram":   "DEEPGRAM_API_KEY",
}

// Load reads the YAML configuration file at path, fills credentials from the
// process environment (see [ApplyEnv]) and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills empty provider credentials from environment variables read
// through getenv. api_key falls back to the provider's well-known variable
// (ELEVENLABS_API_KEY, OPENAI_API_KEY, YANDEX_API_KEY, DEEPGRAM_API_KEY) and
// Yandex entries additionally take options.folder_id from YANDEX_FOLDER_ID.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	apply := func(e *ProviderEntry) {
		if e.Name == "" {
			return
		}
		if e.APIKey == "" {
			if key, ok := envKeys[e.Name]; ok {
				e.APIKey = getenv(key)
			}
		}
		if e.Name == "yandex" && e.OptString("folder_id") == "" {
			if folder := getenv("YANDEX_FOLDER_ID"); folder != "" {
				if e.Options == nil {
					e.Options = make(map[string]any)
				}
				e.Options["folder_id"] = folder
			}
		}
	}
	apply(&cfg.Providers.TTS)
	apply(&cfg.Providers.STT)
	for i := range cfg.Providers.STTFallbacks {
		apply(&cfg.Providers.STTFallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt to be configured"))
	}
	if cfg.Providers.STT.Name != "" && cfg.Providers.Audio.Name == "" {
		slog.Warn("providers.stt is configured without providers.audio; speech recognition will be unavailable")
	}

	// Session
	s := cfg.Session
	if s.Rate != 0 && (s.Rate < minFactor || s.Rate > maxFactor) {
		errs = append(errs, fmt.Errorf("session.rate %.2f is out of range [%.1f, %.1f]", s.Rate, minFactor, maxFactor))
	}
	if s.Pitch != 0 && (s.Pitch < minFactor || s.Pitch > maxFactor) {
		errs = append(errs, fmt.Errorf("session.pitch %.2f is out of range [%.1f, %.1f]", s.Pitch, minFactor, maxFactor))
	}
	if s.CatalogRefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("session.catalog_refresh_interval %s must not be negative", s.CatalogRefreshInterval))
	}
	for i, kw := range s.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("session.keywords[%d].keyword is required", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
