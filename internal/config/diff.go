package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only LogLevel and Keywords are applied live; every other change is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	KeywordsChanged bool
	NewKeywords     []KeywordConfig

	// RestartRequired names the changed settings that only take effect after
	// a restart, using their YAML paths.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.KeywordsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Session.Keywords, new.Session.Keywords) {
		d.KeywordsChanged = true
		d.NewKeywords = slices.Clone(new.Session.Keywords)
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("providers.tts", !reflect.DeepEqual(old.Providers.TTS, new.Providers.TTS))
	restart("providers.stt", !reflect.DeepEqual(old.Providers.STT, new.Providers.STT))
	restart("providers.stt_fallbacks", !reflect.DeepEqual(old.Providers.STTFallbacks, new.Providers.STTFallbacks))
	restart("providers.audio", !reflect.DeepEqual(old.Providers.Audio, new.Providers.Audio))
	restart("session.rate", old.Session.Rate != new.Session.Rate)
	restart("session.pitch", old.Session.Pitch != new.Session.Pitch)
	restart("session.language", old.Session.Language != new.Session.Language)
	restart("session.catalog_refresh_interval", old.Session.CatalogRefreshInterval != new.Session.CatalogRefreshInterval)

	return d
}
