package domain

import "time"

// ContentType classifies what an inbound message carries and which
// extraction strategy applies to it.
type ContentType int

const (
	PlainText ContentType = iota
	Image
	WebLink
	VideoLink
	Document
)

func (c ContentType) String() string {
	switch c {
	case PlainText:
		return "text"
	case Image:
		return "image"
	case WebLink:
		return "weblink"
	case VideoLink:
		return "videolink"
	case Document:
		return "document"
	default:
		return "unknown"
	}
}

// InboundMessage is one raw message as delivered by a transport channel.
// It is immutable once received.
type InboundMessage struct {
	Channel      string
	ChatID       string
	SenderID     string
	Timestamp    time.Time
	Text         string // text body or URL; caption when an attachment is present
	ImageData    []byte
	DocumentData []byte
	FileName     string
	MimeType     string // content-type hint from the transport
	GroupChat    bool
}

// ClassifiedItem is an InboundMessage after classification. Seq is the
// arrival order within the chat; items are never mutated after creation.
type ClassifiedItem struct {
	Message  InboundMessage
	Type     ContentType
	Seq      int
	Language string // detected/configured source language, empty if unknown

	// PreFailed marks items rejected at classification (unsupported
	// content). They ride along in the batch so it is not blocked on them.
	PreFailed bool
	FailCause error
}

// CloseReason records which trigger closed a batch.
type CloseReason string

const (
	CloseDebounce CloseReason = "debounce"
	CloseMaxItems CloseReason = "max_items"
	CloseMaxAge   CloseReason = "max_age"
	CloseFlush    CloseReason = "flush"
	CloseShutdown CloseReason = "shutdown"
)

// Batch is an ordered set of classified items from one chat, treated as a
// single unit of extraction and synthesis. It is owned by the chat buffer
// until closed, then handed off whole.
type Batch struct {
	ID       string
	ChatID   string
	Items    []ClassifiedItem // ordered by Seq
	OpenedAt time.Time
	ClosedAt time.Time
	Reason   CloseReason
}

// Outcome is the per-item extraction verdict.
type Outcome int

const (
	Success Outcome = iota
	PartialFailure
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial"
	case Failure:
		return "failure"
	}
	return "unknown"
}

// ExtractionResult is one item's extraction output. For VideoLink items the
// extracted audio is carried directly and Text stays empty.
type ExtractionResult struct {
	Seq     int
	Text    string
	Audio   *AudioArtifact // set only for video items
	Outcome Outcome
	Err     error
}

// MergedPayload is the ordered, concatenated text of one batch, ready for
// speech synthesis. It lives only for the duration of batch processing.
type MergedPayload struct {
	ChatID     string
	BatchID    string
	Text       string
	FailedSeqs []int
	Language   string
	Voice      string
}

// AudioArtifact is a synthesized or extracted audio blob plus the name it
// should be delivered under.
type AudioArtifact struct {
	Data     []byte
	FileName string
}

// SynthesisOutcome correlates a synthesis attempt back to its batch.
type SynthesisOutcome struct {
	ChatID   string
	BatchID  string
	Audio    *AudioArtifact
	Voice    string
	Chars    int
	Duration time.Duration
	Err      error
}

// OutboundMessage is what the pipeline hands back to a transport channel:
// either a status/error text or an audio artifact.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Text    string
	Audio   *AudioArtifact
}
