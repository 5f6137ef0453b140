package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"readloong/internal/domain"
)

// CLI implements domain.Channel for local terminal use. Inbound lines go
// straight to the pipeline; generated audio is written as files under the
// audio directory instead of being "played".
type CLI struct {
	bus      domain.MessageBus
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	audioDir string
}

type CLIConfig struct {
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	AudioDir string // where generated audio files land
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		audioDir: cfg.AudioDir,
	}
}

var _ domain.Channel = (*CLI)(nil)

func (c *CLI) Name() string { return "cli" }

// Start runs the line reader and blocks until context is cancelled or EOF.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound("cli", func(msg domain.OutboundMessage) {
		if msg.Audio != nil {
			path, err := c.saveAudio(msg.Audio)
			if err != nil {
				c.logger.Error("audio save failed", "err", err)
				_, _ = fmt.Fprintf(c.out, "[error] could not save audio: %v\n", err)
			} else {
				_, _ = fmt.Fprintf(c.out, "[audio] saved to %s\n", path)
			}
		}
		if msg.Text != "" {
			_, _ = fmt.Fprintln(c.out, msg.Text)
		}
		_, _ = fmt.Fprint(c.out, "You> ")
	})

	_, _ = fmt.Fprintln(c.out, "ReadLoong CLI. Send text, a link, or /send <path> for an image/ebook. Type /quit to exit.")
	_, _ = fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "You> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		msg := domain.InboundMessage{
			Channel:  "cli",
			ChatID:   "direct",
			SenderID: "user",
		}
		if path, ok := strings.CutPrefix(line, "/send "); ok {
			path = strings.TrimSpace(path)
			data, err := os.ReadFile(path)
			if err != nil {
				_, _ = fmt.Fprintf(c.out, "[error] %v\nYou> ", err)
				continue
			}
			if isImagePath(path) {
				msg.ImageData = data
			} else {
				msg.DocumentData = data
				msg.FileName = filepath.Base(path)
				msg.MimeType = mime.TypeByExtension(filepath.Ext(path))
			}
		} else {
			msg.Text = line
		}

		c.bus.Publish(msg)
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	_, err := fmt.Fprintln(c.out, content)
	return err
}

func (c *CLI) saveAudio(artifact *domain.AudioArtifact) (string, error) {
	if err := os.MkdirAll(c.audioDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(c.audioDir, artifact.FileName)
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func isImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp", ".gif":
		return true
	}
	return false
}
