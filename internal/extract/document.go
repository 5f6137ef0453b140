package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecDocumentExtractor extracts document text through the standard
// command-line converters: pdftotext for PDF, ebook-convert (Calibre) for
// EPUB and MOBI. Both preserve reading order, which is the property the
// merge depends on.
type ExecDocumentExtractor struct {
	pdftotextPath    string
	ebookConvertPath string
	logger           *slog.Logger
}

func NewExecDocumentExtractor(pdftotextPath, ebookConvertPath string, logger *slog.Logger) *ExecDocumentExtractor {
	if pdftotextPath == "" {
		pdftotextPath = "pdftotext"
	}
	if ebookConvertPath == "" {
		ebookConvertPath = "ebook-convert"
	}
	return &ExecDocumentExtractor{
		pdftotextPath:    pdftotextPath,
		ebookConvertPath: ebookConvertPath,
		logger:           logger,
	}
}

func (e *ExecDocumentExtractor) ExtractText(ctx context.Context, data []byte, fileName, mimeType string) (string, error) {
	if bytes.HasPrefix(data, []byte("%PDF")) || strings.EqualFold(mimeType, "application/pdf") {
		return e.extractPDF(ctx, data)
	}
	return e.convertEbook(ctx, data, fileName)
}

// extractPDF runs pdftotext with stdout output over a temp copy.
func (e *ExecDocumentExtractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	tempFile, err := writeTemp(data, "*.pdf")
	if err != nil {
		return "", err
	}
	defer os.Remove(tempFile)

	cmd := exec.CommandContext(ctx, e.pdftotextPath, "-layout", tempFile, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("pdftotext cancelled: %w", ctx.Err())
		}
		// pdftotext emits partial text for damaged files before failing.
		partial := strings.TrimSpace(stdout.String())
		return partial, fmt.Errorf("pdftotext: %w: %s", err, truncate(stderr.String(), 300))
	}

	text := strings.TrimSpace(stdout.String())
	e.logger.Debug("pdf extracted", "chars", len(text))
	return text, nil
}

// convertEbook converts EPUB/MOBI to plain text via Calibre.
func (e *ExecDocumentExtractor) convertEbook(ctx context.Context, data []byte, fileName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext != ".epub" && ext != ".mobi" {
		ext = ".epub"
	}

	tempFile, err := writeTemp(data, "*"+ext)
	if err != nil {
		return "", err
	}
	defer os.Remove(tempFile)

	outFile := strings.TrimSuffix(tempFile, ext) + ".txt"
	defer os.Remove(outFile)

	cmd := exec.CommandContext(ctx, e.ebookConvertPath, tempFile, outFile)
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ebook-convert cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("ebook-convert: %w: %s", err, truncate(string(output), 300))
	}

	converted, err := os.ReadFile(outFile)
	if err != nil {
		return "", fmt.Errorf("read converted text: %w", err)
	}

	text := strings.TrimSpace(string(converted))
	e.logger.Debug("ebook extracted", "file", fileName, "chars", len(text))
	return text, nil
}

func writeTemp(data []byte, pattern string) (string, error) {
	f, err := os.CreateTemp("", "readloong-doc-"+pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
