package domain

import "errors"

// Pipeline error taxonomy. Wrap these with fmt.Errorf("...: %w", ...) so
// callers can branch with errors.Is at policy decision points.
var (
	// ErrUnsupportedContent marks a message whose payload is empty or has
	// no registered extraction strategy. Never retried.
	ErrUnsupportedContent = errors.New("unsupported content")

	// ErrExtractionTimeout is a per-item strategy timeout. Transient.
	ErrExtractionTimeout = errors.New("extraction timed out")

	// ErrExtractionFailed is a per-item collaborator failure.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrBatchExtractionFailed means every item in a batch failed; no
	// synthesis is attempted.
	ErrBatchExtractionFailed = errors.New("all items in batch failed extraction")

	// ErrSynthesisUnavailable means the speech engine was unreachable or
	// timed out. Transient.
	ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")

	// ErrTextTooLong rejects a payload over the synthesis length cap.
	// Deterministic, never retried.
	ErrTextTooLong = errors.New("text exceeds synthesis length limit")

	// ErrTransportDeliveryFailed means the final audio or status could not
	// be delivered to the user.
	ErrTransportDeliveryFailed = errors.New("transport delivery failed")
)

// Transient reports whether err is worth a single bounded retry.
func Transient(err error) bool {
	return errors.Is(err, ErrExtractionTimeout) || errors.Is(err, ErrSynthesisUnavailable)
}
