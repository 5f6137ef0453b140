// Package assemble merges a batch's extraction results back into a single
// ordered payload for synthesis.
package assemble

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"readloong/internal/domain"
	"readloong/internal/textutil"
)

// Assembled is the outcome of merging one batch: at most one text payload
// plus any number of pass-through audio artifacts from video items.
type Assembled struct {
	Payload *domain.MergedPayload   // nil when the batch carried no text
	Audio   []*domain.AudioArtifact // video audio, delivered independently
}

// Assembler applies the merge and failure policy, and tags the payload
// with its content language. Voice selection happens downstream in the
// synthesis dispatcher.
type Assembler struct {
	fallbackLang string // used when detection has no opinion
	logger       *slog.Logger
}

func New(fallbackLang string, logger *slog.Logger) *Assembler {
	return &Assembler{
		fallbackLang: fallbackLang,
		logger:       logger,
	}
}

// Merge concatenates Success and PartialFailure text in sequence order,
// separated by paragraph boundaries. Failure results contribute only their
// sequence number. A batch where every item failed yields
// ErrBatchExtractionFailed; video audio alone keeps a batch alive.
func (a *Assembler) Merge(batch domain.Batch, results []domain.ExtractionResult) (Assembled, error) {
	ordered := make([]domain.ExtractionResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	var (
		paragraphs []string
		failedSeqs []int
		audio      []*domain.AudioArtifact
	)
	for _, res := range ordered {
		if res.Outcome == domain.Failure {
			failedSeqs = append(failedSeqs, res.Seq)
			a.logger.Warn("item failed extraction",
				"batch_id", batch.ID, "seq", res.Seq, "err", res.Err)
			continue
		}
		if res.Audio != nil {
			audio = append(audio, res.Audio)
			continue
		}
		if text := strings.TrimSpace(res.Text); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	if len(paragraphs) == 0 && len(audio) == 0 {
		return Assembled{}, fmt.Errorf("%w: %d item(s)", domain.ErrBatchExtractionFailed, len(batch.Items))
	}

	assembled := Assembled{Audio: audio}
	if len(paragraphs) > 0 {
		text := strings.Join(paragraphs, "\n\n")
		assembled.Payload = &domain.MergedPayload{
			ChatID:     batch.ChatID,
			BatchID:    batch.ID,
			Text:       text,
			FailedSeqs: failedSeqs,
			Language:   a.payloadLanguage(text),
		}
	}

	a.logger.Info("batch assembled",
		"batch_id", batch.ID,
		"paragraphs", len(paragraphs),
		"audio_items", len(audio),
		"failed", len(failedSeqs),
	)
	return assembled, nil
}

// payloadLanguage detects the content language from the merged text and
// falls back to the configured default when detection has no opinion.
func (a *Assembler) payloadLanguage(text string) string {
	if textutil.IsChineseDominant(text) {
		return "zh"
	}
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return "en"
		}
	}
	return a.fallbackLang
}
