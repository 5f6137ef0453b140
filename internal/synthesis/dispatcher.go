// Package synthesis turns merged payloads into spoken audio through an
// external speech engine.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"readloong/internal/config"
	"readloong/internal/domain"
	"readloong/internal/textutil"
)

// Dispatcher selects the voice and drives exactly one synthesis call per
// merged payload.
type Dispatcher struct {
	synth        domain.Synthesizer
	voices       config.VoiceMap
	defaultVoice string
	maxTextLen   int
	timeout      time.Duration
	logger       *slog.Logger

	mu        sync.RWMutex
	overrides map[string]string // chat ID -> explicit voice choice
}

type DispatcherConfig struct {
	Synthesizer  domain.Synthesizer
	Voices       config.VoiceMap
	DefaultVoice string
	MaxTextLen   int
	Timeout      time.Duration
	Logger       *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = 400000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		synth:        cfg.Synthesizer,
		voices:       cfg.Voices,
		defaultVoice: cfg.DefaultVoice,
		maxTextLen:   cfg.MaxTextLen,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		overrides:    make(map[string]string),
	}
}

// SetVoice pins an explicit voice for a chat; empty clears the override.
func (d *Dispatcher) SetVoice(chatID, voice string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if voice == "" {
		delete(d.overrides, chatID)
		return
	}
	d.overrides[chatID] = voice
}

// ResolveVoice applies the selection order: explicit per-chat override,
// then the voice map entry for the payload language, then the default.
func (d *Dispatcher) ResolveVoice(chatID, language string) string {
	d.mu.RLock()
	override := d.overrides[chatID]
	d.mu.RUnlock()

	if override != "" {
		return override
	}
	return d.voices.VoiceFor(language, d.defaultVoice)
}

// Dispatch synthesizes one payload. Engine errors and timeouts surface as
// ErrSynthesisUnavailable so the orchestrator can notify the user.
func (d *Dispatcher) Dispatch(ctx context.Context, payload *domain.MergedPayload) domain.SynthesisOutcome {
	outcome := domain.SynthesisOutcome{
		ChatID:  payload.ChatID,
		BatchID: payload.BatchID,
		Chars:   len(payload.Text),
	}

	if len(payload.Text) > d.maxTextLen {
		outcome.Err = fmt.Errorf("%w: %d chars (limit %d)", domain.ErrTextTooLong, len(payload.Text), d.maxTextLen)
		return outcome
	}

	voice := payload.Voice
	if voice == "" {
		voice = d.ResolveVoice(payload.ChatID, payload.Language)
	}
	outcome.Voice = voice

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	audio, err := d.synth.Synthesize(ctx, payload.Text, voice)
	outcome.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s", domain.ErrSynthesisUnavailable, d.timeout)
		} else {
			err = fmt.Errorf("%w: %v", domain.ErrSynthesisUnavailable, err)
		}
		outcome.Err = err
		d.logger.Error("synthesis failed",
			"chat_id", payload.ChatID, "voice", voice, "err", err)
		return outcome
	}

	outcome.Audio = &domain.AudioArtifact{
		Data:     audio,
		FileName: textutil.SafeFilename(payload.Text, "mp3", time.Now()),
	}
	d.logger.Info("synthesis complete",
		"chat_id", payload.ChatID,
		"voice", voice,
		"chars", outcome.Chars,
		"audio_bytes", len(audio),
		"duration_ms", outcome.Duration.Milliseconds(),
	)
	return outcome
}
