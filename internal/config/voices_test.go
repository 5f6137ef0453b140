package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultVoices(t *testing.T) {
	voices := DefaultVoices()
	if voices.VoiceFor("zh", "fallback") != "zh-CN-XiaoxiaoNeural" {
		t.Errorf("unexpected zh voice: %q", voices.VoiceFor("zh", "fallback"))
	}
	if voices.VoiceFor("en", "fallback") != "en-US-JennyNeural" {
		t.Errorf("unexpected en voice: %q", voices.VoiceFor("en", "fallback"))
	}
	if voices.VoiceFor("fr", "fallback") != "fallback" {
		t.Error("unmapped language should use the fallback")
	}
}

func TestLoadVoices_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voices.yaml")
	yaml := "fr:\n  voice: fr-FR-DeniseNeural\nzh:\n  voice: zh-CN-YunxiNeural\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	voices, err := LoadVoices(path)
	if err != nil {
		t.Fatalf("load voices: %v", err)
	}
	if got := voices.VoiceFor("fr", ""); got != "fr-FR-DeniseNeural" {
		t.Errorf("fr voice = %q", got)
	}
	if got := voices.VoiceFor("zh", ""); got != "zh-CN-YunxiNeural" {
		t.Errorf("zh override not applied: %q", got)
	}
	if got := voices.VoiceFor("en", ""); got != "en-US-JennyNeural" {
		t.Errorf("en default lost: %q", got)
	}
}

func TestLoadVoices_MissingFileKeepsDefaults(t *testing.T) {
	voices, err := LoadVoices(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(voices) != len(DefaultVoices()) {
		t.Errorf("expected defaults, got %d entries", len(voices))
	}
}

func TestLoadVoices_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voices.yaml")
	if err := os.WriteFile(path, []byte("{not yaml:::"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadVoices(path); err == nil {
		t.Error("expected parse error")
	}
}
