// Package classify turns raw inbound messages into classified pipeline
// items. Classification is pure: one message in, one item out, no I/O.
package classify

import (
	"bytes"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"readloong/internal/domain"
)

// videoHosts are the platforms the video-audio collaborator can resolve.
var videoHosts = map[string]bool{
	"youtube.com":      true,
	"www.youtube.com":  true,
	"m.youtube.com":    true,
	"youtu.be":         true,
	"bilibili.com":     true,
	"www.bilibili.com": true,
	"b23.tv":           true,
}

var documentMIMEs = map[string]bool{
	"application/pdf":                true,
	"application/epub+zip":           true,
	"application/x-mobipocket-ebook": true,
}

var documentExts = map[string]bool{
	".pdf":  true,
	".epub": true,
	".mobi": true,
}

var urlPattern = regexp.MustCompile(`^(https?://|www\.)\S+$`)

// Classifier assigns a content type and sequence number to each message.
// Sequence numbers are per chat; Classify must be called from a single
// goroutine (the pipeline's intake loop) so ordering is deterministic.
type Classifier struct {
	language string // configured primary language, becomes the OCR hint
	nextSeq  map[string]int
}

func New(language string) *Classifier {
	return &Classifier{
		language: language,
		nextSeq:  make(map[string]int),
	}
}

// Classify maps one inbound message to a classified item. Priority order:
// document MIME/extension/magic, image bytes, video-platform URL, generic
// URL, plain text. Unsupported payloads come back pre-marked as failed so
// the batch never waits on them.
func (c *Classifier) Classify(msg domain.InboundMessage) domain.ClassifiedItem {
	item := domain.ClassifiedItem{
		Message: msg,
		Seq:     c.takeSeq(msg.ChatID),
	}

	switch {
	case isDocument(msg):
		item.Type = domain.Document
	case len(msg.ImageData) > 0:
		item.Type = domain.Image
		item.Language = c.language // resolved engine-side if the hint is wrong
	case isVideoURL(msg.Text):
		item.Type = domain.VideoLink
	case isWebURL(msg.Text):
		item.Type = domain.WebLink
	case strings.TrimSpace(msg.Text) != "":
		item.Type = domain.PlainText
	default:
		item.Type = domain.PlainText
		item.PreFailed = true
		if len(msg.DocumentData) > 0 {
			item.FailCause = fmt.Errorf("%w: attachment %q (%s)",
				domain.ErrUnsupportedContent, msg.FileName, msg.MimeType)
		} else {
			item.FailCause = fmt.Errorf("%w: empty payload", domain.ErrUnsupportedContent)
		}
	}

	return item
}

func (c *Classifier) takeSeq(chatID string) int {
	seq := c.nextSeq[chatID]
	c.nextSeq[chatID] = seq + 1
	return seq
}

func isDocument(msg domain.InboundMessage) bool {
	if len(msg.DocumentData) == 0 {
		return false
	}
	if documentMIMEs[strings.ToLower(msg.MimeType)] {
		return true
	}
	if documentExts[strings.ToLower(filepath.Ext(msg.FileName))] {
		return true
	}
	return sniffDocument(msg.DocumentData)
}

// sniffDocument checks magic bytes: %PDF for PDF, a zip container for EPUB.
func sniffDocument(data []byte) bool {
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return true
	}
	// EPUB is a zip whose first entry is the literal "mimetype" file.
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) && bytes.Contains(data[:min(len(data), 64)], []byte("mimetype")) {
		return true
	}
	return false
}

func isVideoURL(text string) bool {
	text = strings.TrimSpace(text)
	if !isWebURL(text) {
		return false
	}
	u, err := url.Parse(normalizeURL(text))
	if err != nil {
		return false
	}
	return videoHosts[strings.ToLower(u.Hostname())]
}

func isWebURL(text string) bool {
	return urlPattern.MatchString(strings.TrimSpace(text))
}

// NormalizeURL prefixes bare www. links with a scheme so collaborators can
// fetch them directly.
func NormalizeURL(text string) string {
	return normalizeURL(strings.TrimSpace(text))
}

func normalizeURL(text string) string {
	if strings.HasPrefix(text, "www.") {
		return "http://" + text
	}
	return text
}
