package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const openaiMaxRetries = 3

// OpenAISynthesizer drives any OpenAI-compatible /audio/speech endpoint.
// Useful where the Edge service is unreachable or a self-hosted engine is
// preferred.
type OpenAISynthesizer struct {
	apiBase string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	APIBase string
	APIKey  string
	Model   string // e.g. "tts-1"
	Logger  *slog.Logger
}

func NewOpenAISynthesizer(cfg OpenAIConfig) *OpenAISynthesizer {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	return &OpenAISynthesizer{
		apiBase: cfg.APIBase,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 90 * time.Second},
		logger:  cfg.Logger,
	}
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize posts the text and returns MP3 bytes, retrying transient 5xx
// and 429 responses with backoff and jitter.
func (o *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	payload, err := json.Marshal(speechRequest{Model: o.model, Input: text, Voice: voice})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= openaiMaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			o.logger.Warn("retrying speech request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/audio/speech", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("speech request: %w", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("speech API status %d: %s", resp.StatusCode, string(body))
			o.logger.Warn("speech API transient error", "status", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("speech API status %d: %s", resp.StatusCode, string(body))
		}

		audio, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		return audio, nil
	}

	return nil, fmt.Errorf("speech request failed after %d retries: %w", openaiMaxRetries, lastErr)
}
