package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"readloong/internal/domain"
)

const ocrHTTPTimeout = 90 * time.Second

// PaddleClient talks to a PaddleOCR hub-serving endpoint. It is the
// high-accuracy engine for the configured primary language.
type PaddleClient struct {
	url    string
	gpu    bool
	client *http.Client
	logger *slog.Logger
}

func NewPaddleClient(url string, gpu bool, logger *slog.Logger) *PaddleClient {
	return &PaddleClient{
		url:    url,
		gpu:    gpu,
		client: &http.Client{Timeout: ocrHTTPTimeout},
		logger: logger,
	}
}

func (p *PaddleClient) Name() string { return "paddleocr" }

type paddleRequest struct {
	Images []string `json:"images"`
	UseGPU bool     `json:"use_gpu,omitempty"`
}

type paddleResponse struct {
	Status  string `json:"status"`
	Msg     string `json:"msg,omitempty"`
	Results [][]struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"results"`
}

// Recognize sends the image as base64 and joins the recognized lines.
// Confidence is the mean of the per-line confidences.
func (p *PaddleClient) Recognize(ctx context.Context, image []byte, langHint string) (domain.OCRResult, error) {
	payload, err := json.Marshal(paddleRequest{
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		UseGPU: p.gpu,
	})
	if err != nil {
		return domain.OCRResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return domain.OCRResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("paddleocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return domain.OCRResult{}, fmt.Errorf("paddleocr status %d: %s", resp.StatusCode, string(body))
	}

	var parsed paddleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.OCRResult{}, fmt.Errorf("paddleocr decode: %w", err)
	}
	if parsed.Status != "" && parsed.Status != "000" {
		return domain.OCRResult{}, fmt.Errorf("paddleocr error %s: %s", parsed.Status, parsed.Msg)
	}
	if len(parsed.Results) == 0 {
		return domain.OCRResult{Language: langHint}, nil
	}

	var sb strings.Builder
	var confSum float64
	lines := parsed.Results[0]
	for _, line := range lines {
		sb.WriteString(line.Text)
		confSum += line.Confidence
	}
	confidence := 0.0
	if len(lines) > 0 {
		confidence = confSum / float64(len(lines))
	}

	p.logger.Debug("paddleocr recognized", "lines", len(lines), "confidence", confidence)
	return domain.OCRResult{Text: sb.String(), Confidence: confidence, Language: langHint}, nil
}

// TesseractClient talks to a tesseract-server endpoint. It is the
// general-purpose multilingual fallback engine.
type TesseractClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewTesseractClient(url string, logger *slog.Logger) *TesseractClient {
	return &TesseractClient{
		url:    url,
		client: &http.Client{Timeout: ocrHTTPTimeout},
		logger: logger,
	}
}

func (t *TesseractClient) Name() string { return "tesseract" }

type tesseractResponse struct {
	Data struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	} `json:"data"`
}

// Recognize uploads the image as multipart form data. tesseract-server
// reports no confidence, so a flat mid-high score is assumed for non-empty
// output.
func (t *TesseractClient) Recognize(ctx context.Context, image []byte, langHint string) (domain.OCRResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return domain.OCRResult{}, err
	}
	if _, err := part.Write(image); err != nil {
		return domain.OCRResult{}, err
	}

	options := map[string]any{}
	if langHint != "" {
		options["languages"] = []string{tesseractLang(langHint)}
	}
	optJSON, _ := json.Marshal(options)
	if err := writer.WriteField("options", string(optJSON)); err != nil {
		return domain.OCRResult{}, err
	}
	if err := writer.Close(); err != nil {
		return domain.OCRResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &body)
	if err != nil {
		return domain.OCRResult{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("tesseract request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return domain.OCRResult{}, fmt.Errorf("tesseract status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed tesseractResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.OCRResult{}, fmt.Errorf("tesseract decode: %w", err)
	}
	if parsed.Data.ExitCode != 0 {
		return domain.OCRResult{}, fmt.Errorf("tesseract exit %d: %s", parsed.Data.ExitCode, parsed.Data.Stderr)
	}

	text := strings.TrimSpace(parsed.Data.Stdout)
	confidence := 0.0
	if text != "" {
		confidence = 0.8
	}
	return domain.OCRResult{Text: text, Confidence: confidence, Language: langHint}, nil
}

// tesseractLang maps pipeline language codes to tesseract traineddata names.
func tesseractLang(lang string) string {
	switch lang {
	case "zh", "ch":
		return "chi_sim"
	case "en":
		return "eng"
	default:
		return lang
	}
}
