package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VoiceProfile maps one content language to a synthesis voice.
type VoiceProfile struct {
	Voice string `yaml:"voice"`
}

// VoiceMap is the per-language voice selection table, keyed by language
// code ("zh", "en", ...).
type VoiceMap map[string]VoiceProfile

// DefaultVoices covers the two languages the bot was built around. Any
// language absent from the map falls back to general.defaultVoice.
func DefaultVoices() VoiceMap {
	return VoiceMap{
		"zh": {Voice: "zh-CN-XiaoxiaoNeural"},
		"en": {Voice: "en-US-JennyNeural"},
	}
}

// LoadVoices reads a YAML voice map, merging it over the built-in defaults.
// A missing path keeps the defaults.
func LoadVoices(path string) (VoiceMap, error) {
	voices := DefaultVoices()
	if path == "" {
		return voices, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return voices, nil
		}
		return nil, fmt.Errorf("read voices file %s: %w", path, err)
	}

	var loaded VoiceMap
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse voices file %s: %w", path, err)
	}
	for lang, profile := range loaded {
		voices[lang] = profile
	}
	return voices, nil
}

// VoiceFor resolves the synthesis voice for a language, or fallback when
// the language has no mapping.
func (m VoiceMap) VoiceFor(lang, fallback string) string {
	if p, ok := m[lang]; ok && p.Voice != "" {
		return p.Voice
	}
	return fallback
}
