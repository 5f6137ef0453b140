// Package textutil holds the text normalization helpers shared by the
// extraction strategies and the synthesis dispatcher.
package textutil

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	specialChars  = regexp.MustCompile(`[!®°©]\s*`)
	citationRef   = regexp.MustCompile(`\[\s*\d+\s*\]`)
	timePattern   = regexp.MustCompile(`\d{1,2}:\d{1,2}(?::\d{1,2})?`)
	singleNewline = regexp.MustCompile(`([^\n])\n([^\n])`)
	multiSpace    = regexp.MustCompile(`\s+`)
	editTag       = regexp.MustCompile(`\[edit\]`)
	separatorLine = regexp.MustCompile(`^\s*[-=+]+\s*$`)
	numberedRef   = regexp.MustCompile(`^\s*\^?\s*\d+(\.\d+)*\s+`)
	tableArt      = regexp.MustCompile(`[-+|]\s*[-+|]`)
	sectionHeader = regexp.MustCompile(`^\s*(Notes:|See also|References)\s*$`)
	unsafeInName  = regexp.MustCompile(`[<>:"/\\|?*]`)
	nonASCIIName  = regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
)

// CleanOCRText normalizes raw OCR output. Latin text gets single newlines
// collapsed into spaces; CJK-dominant text gets all whitespace stripped,
// since the engines insert spurious spaces between han characters.
func CleanOCRText(text string) string {
	if text == "" {
		return ""
	}
	text = timePattern.ReplaceAllString(text, "")
	if IsChineseDominant(text) {
		return strings.TrimSpace(multiSpace.ReplaceAllString(text, ""))
	}
	text = specialChars.ReplaceAllString(text, "")
	text = citationRef.ReplaceAllString(text, "")
	text = singleNewline.ReplaceAllString(text, "$1 $2")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CleanArticleText strips wiki-style citations, tables and reference
// sections from extracted article text.
func CleanArticleText(text string) string {
	text = citationRef.ReplaceAllString(text, "")
	text = editTag.ReplaceAllString(text, "")

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "^"),
			strings.HasPrefix(trimmed, "- ^"),
			numberedRef.MatchString(trimmed),
			strings.Contains(line, "|"),
			separatorLine.MatchString(line),
			tableArt.MatchString(line),
			sectionHeader.MatchString(line),
			strings.Contains(line, "{{cite"):
			continue
		}
		kept = append(kept, line)
	}

	text = strings.Join(kept, "\n")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// IsChineseDominant reports whether at least 90% of the runes are han
// characters. Used to pick the voice when no language is configured.
func IsChineseDominant(text string) bool {
	if text == "" {
		return false
	}
	total, han := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	return total > 0 && float64(han) > float64(total)*0.9
}

// SafeFilename derives an audio filename from the first line of the text,
// suffixed with a timestamp for uniqueness.
func SafeFilename(text, extension string, now time.Time) string {
	const maxLen = 50
	stamp := now.Format("20060102_150405")
	if extension == "" {
		extension = "mp3"
	}
	if strings.TrimSpace(text) == "" {
		return "audio_" + stamp + "." + extension
	}

	firstLine := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	if runes := []rune(firstLine); len(runes) > maxLen {
		firstLine = string(runes[:maxLen])
	}
	safe := unsafeInName.ReplaceAllString(firstLine, "")

	if IsChineseDominant(safe) {
		runes := []rune(safe)
		if len(runes) > 10 {
			safe = string(runes[:10])
		}
	} else {
		safe = nonASCIIName.ReplaceAllString(safe, "")
		safe = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(safe), " ", "_"))
	}
	if safe == "" {
		safe = "audio"
	}
	return safe + "_" + stamp + "." + extension
}
