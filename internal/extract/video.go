package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"readloong/internal/domain"
)

// YtdlpExtractor shells out to yt-dlp to pull the audio track of a video
// URL as MP3. Platform specifics (YouTube, Bilibili) live in the flags.
type YtdlpExtractor struct {
	binPath string
	logger  *slog.Logger
}

func NewYtdlpExtractor(binPath string, logger *slog.Logger) *YtdlpExtractor {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	return &YtdlpExtractor{binPath: binPath, logger: logger}
}

// ExtractAudio downloads into a scratch directory and returns the single
// MP3 yt-dlp produced. The context bounds the whole download.
func (y *YtdlpExtractor) ExtractAudio(ctx context.Context, videoURL string) (*domain.AudioArtifact, error) {
	tempDir, err := os.MkdirTemp("", "readloong-video-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	args := []string{
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"--no-playlist",
		"--no-warnings",
		"--output", filepath.Join(tempDir, "%(title)s.%(ext)s"),
	}
	if isBilibili(videoURL) {
		// Bilibili refuses requests without a site referer.
		args = append(args,
			"--add-header", "Referer:https://www.bilibili.com",
			"--add-header", "User-Agent:Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		)
	}
	args = append(args, videoURL)

	cmd := exec.CommandContext(ctx, y.binPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("yt-dlp cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("yt-dlp: %w: %s", err, truncate(string(output), 500))
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, fmt.Errorf("read scratch dir: %w", err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".mp3") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(tempDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read audio file: %w", err)
		}
		y.logger.Info("video audio extracted", "url", videoURL, "file", entry.Name(), "bytes", len(data))
		return &domain.AudioArtifact{Data: data, FileName: entry.Name()}, nil
	}

	return nil, fmt.Errorf("%w: yt-dlp produced no audio file", domain.ErrExtractionFailed)
}

func isBilibili(videoURL string) bool {
	u, err := url.Parse(videoURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "bilibili.com" || host == "www.bilibili.com" || host == "b23.tv"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
