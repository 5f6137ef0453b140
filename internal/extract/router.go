// Package extract routes each classified item to its extraction strategy
// and runs a closed batch's items concurrently. Items fail in isolation:
// one broken image never aborts its siblings.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"readloong/internal/classify"
	"readloong/internal/domain"
	"readloong/internal/textutil"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultConcurrency = 4
)

// RouterConfig wires the collaborators and tuning parameters.
type RouterConfig struct {
	Primary       domain.OCREngine // high-accuracy engine for the primary language
	General       domain.OCREngine // multilingual fallback engine
	PrimaryLang   string           // OCR language code the primary engine serves
	MinConfidence float64          // below this, primary output triggers fallback
	Articles      domain.ArticleFetcher
	Videos        domain.VideoAudioExtractor
	Documents     domain.DocumentExtractor
	Concurrency   int           // global cap on concurrent engine calls
	Timeout       time.Duration // per-item strategy timeout
	Limiter       *EngineLimiter
	Logger        *slog.Logger
}

// Router produces one ExtractionResult per ClassifiedItem.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{cfg: cfg, logger: cfg.Logger}
}

// Extract runs every item of a closed batch, concurrently up to the
// configured cap. Results come back indexed in batch order; only the final
// merge is ordered, extraction itself is free-running.
func (r *Router) Extract(ctx context.Context, batch domain.Batch) []domain.ExtractionResult {
	results := make([]domain.ExtractionResult, len(batch.Items))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, item := range batch.Items {
		g.Go(func() error {
			results[i] = r.extractItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in the results

	return results
}

func (r *Router) extractItem(ctx context.Context, item domain.ClassifiedItem) domain.ExtractionResult {
	if item.PreFailed {
		return domain.ExtractionResult{Seq: item.Seq, Outcome: domain.Failure, Err: item.FailCause}
	}

	if r.cfg.Limiter != nil {
		if err := r.cfg.Limiter.Wait(ctx); err != nil {
			return failed(item.Seq, fmt.Errorf("engine admission: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result := r.runStrategy(ctx, item)
	r.logger.Info("item extracted",
		"seq", item.Seq,
		"type", item.Type.String(),
		"outcome", result.Outcome.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

func (r *Router) runStrategy(ctx context.Context, item domain.ClassifiedItem) domain.ExtractionResult {
	switch item.Type {
	case domain.PlainText:
		return domain.ExtractionResult{Seq: item.Seq, Text: item.Message.Text, Outcome: domain.Success}

	case domain.Image:
		return r.ocrImage(ctx, item)

	case domain.WebLink:
		text, err := r.cfg.Articles.Fetch(ctx, classify.NormalizeURL(item.Message.Text))
		if err != nil {
			return failed(item.Seq, fmt.Errorf("fetch article: %w", err))
		}
		text = textutil.CleanArticleText(text)
		if text == "" {
			return failed(item.Seq, fmt.Errorf("%w: no readable text on page", domain.ErrExtractionFailed))
		}
		return domain.ExtractionResult{Seq: item.Seq, Text: text, Outcome: domain.Success}

	case domain.VideoLink:
		audio, err := r.cfg.Videos.ExtractAudio(ctx, classify.NormalizeURL(item.Message.Text))
		if err != nil {
			return failed(item.Seq, fmt.Errorf("extract video audio: %w", err))
		}
		// Audio bypasses the text merge and is forwarded as-is.
		return domain.ExtractionResult{Seq: item.Seq, Audio: audio, Outcome: domain.Success}

	case domain.Document:
		text, err := r.cfg.Documents.ExtractText(ctx, item.Message.DocumentData, item.Message.FileName, item.Message.MimeType)
		if err != nil {
			if text != "" {
				// Some pages came through before the extractor gave up.
				return domain.ExtractionResult{Seq: item.Seq, Text: text, Outcome: domain.PartialFailure, Err: err}
			}
			return failed(item.Seq, fmt.Errorf("extract document: %w", err))
		}
		return domain.ExtractionResult{Seq: item.Seq, Text: text, Outcome: domain.Success}

	default:
		return failed(item.Seq, fmt.Errorf("%w: %s", domain.ErrUnsupportedContent, item.Type))
	}
}

// ocrImage applies the language-selection policy: a known non-primary
// language goes straight to the general engine; otherwise the primary
// engine runs first and the general engine backs it up on empty or
// low-confidence output.
func (r *Router) ocrImage(ctx context.Context, item domain.ClassifiedItem) domain.ExtractionResult {
	if item.Language != "" && item.Language != r.cfg.PrimaryLang {
		res, err := r.cfg.General.Recognize(ctx, item.Message.ImageData, item.Language)
		if err != nil {
			return failed(item.Seq, fmt.Errorf("ocr (%s): %w", r.cfg.General.Name(), err))
		}
		return ocrResult(item.Seq, res)
	}

	primary, primaryErr := r.cfg.Primary.Recognize(ctx, item.Message.ImageData, r.cfg.PrimaryLang)
	if primaryErr == nil && strings.TrimSpace(primary.Text) != "" && primary.Confidence >= r.cfg.MinConfidence {
		return ocrResult(item.Seq, primary)
	}

	general, generalErr := r.cfg.General.Recognize(ctx, item.Message.ImageData, "")
	if generalErr == nil && strings.TrimSpace(general.Text) != "" {
		return ocrResult(item.Seq, general)
	}

	// Low-confidence primary text is still better than nothing.
	if strings.TrimSpace(primary.Text) != "" {
		res := ocrResult(item.Seq, primary)
		res.Outcome = domain.PartialFailure
		res.Err = fmt.Errorf("%w: low-confidence ocr (%.2f)", domain.ErrExtractionFailed, primary.Confidence)
		return res
	}

	err := primaryErr
	if err == nil {
		err = generalErr
	}
	if err == nil {
		err = errors.New("no text recognized")
	}
	return failed(item.Seq, fmt.Errorf("ocr: %w", err))
}

func ocrResult(seq int, res domain.OCRResult) domain.ExtractionResult {
	return domain.ExtractionResult{
		Seq:     seq,
		Text:    textutil.CleanOCRText(res.Text),
		Outcome: domain.Success,
	}
}

// failed normalizes errors into the pipeline taxonomy; context deadlines
// become ExtractionTimeout so the orchestrator can treat them as transient.
func failed(seq int, err error) domain.ExtractionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrExtractionTimeout, err)
	}
	return domain.ExtractionResult{Seq: seq, Outcome: domain.Failure, Err: err}
}
