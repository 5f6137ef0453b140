package domain

import "context"

// OCRResult is what an OCR collaborator returns for one image.
type OCRResult struct {
	Text       string
	Confidence float64 // 0..1, engine-reported mean line confidence
	Language   string  // detected language code, empty if the engine has no opinion
}

// OCREngine recognizes text in an image. Engine identity (PaddleOCR,
// Tesseract, ...) is an implementation detail behind this interface.
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, image []byte, langHint string) (OCRResult, error)
}

// Synthesizer converts text to spoken audio (MP3).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// ArticleFetcher fetches a web page and extracts its readable article text.
type ArticleFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// VideoAudioExtractor downloads the audio track of a video URL. Platform
// resolution (YouTube, Bilibili, ...) is internal to the collaborator.
type VideoAudioExtractor interface {
	ExtractAudio(ctx context.Context, url string) (*AudioArtifact, error)
}

// DocumentExtractor pulls plain text out of a PDF/EPUB-like container,
// preserving reading order.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, data []byte, fileName, mimeType string) (string, error)
}

// HistoryStore records processed batches and synthesis outcomes.
type HistoryStore interface {
	RecordBatch(ctx context.Context, b Batch, failed int) error
	RecordSynthesis(ctx context.Context, out SynthesisOutcome) error
	Counts(ctx context.Context) (batches, syntheses, failures int, err error)
	Close() error
}
