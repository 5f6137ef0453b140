package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"readloong/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramDownloadLimit  = 20 << 20 // Bot API file download cap
)

// Telegram implements domain.Channel for the Telegram Bot API. It turns
// updates into pipeline messages (downloading photo and document payloads
// up front) and delivers status text and audio replies.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	username  string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	client *http.Client
	logger *slog.Logger

	status func(ctx context.Context) (string, error) // /status text provider, optional
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Username  string   // bot username, mention-gate for group chats
	Status    func(ctx context.Context) (string, error)
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		username:  strings.TrimPrefix(cfg.Username, "@"),
		client:    &http.Client{Timeout: 60 * time.Second},
		status:    cfg.Status,
		logger:    cfg.Logger,
	}
}

var _ domain.Channel = (*Telegram)(nil)

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	if t.username == "" {
		t.username = bot.Self.UserName
	}
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			return
		}
		if msg.Audio != nil {
			if err := t.sendAudio(chatID, msg.Audio); err != nil {
				t.logger.Error("outbound audio delivery failed", "chat_id", chatID, "err", err)
			}
			return
		}
		if err := t.sendMessage(chatID, msg.Text); err != nil {
			t.logger.Error("outbound message delivery failed", "chat_id", chatID, "err", err)
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	return t.sendMessage(id, content)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", msg.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	if msg.IsCommand() {
		if t.handleCommand(ctx, chatID, msg) {
			return
		}
		// /cancel falls through to the pipeline.
	}

	inbound := domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Text:      strings.TrimSpace(msg.Text),
		GroupChat: msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}

	if len(msg.Photo) > 0 {
		// The caption replaces OCR entirely when present, so only download
		// the photo when there is no caption to read instead.
		if caption := strings.TrimSpace(msg.Caption); caption != "" {
			inbound.Text = caption
		} else {
			largest := msg.Photo[len(msg.Photo)-1]
			data, err := t.download(ctx, largest.FileID)
			if err != nil {
				t.logger.Error("photo download failed", "chat_id", chatID, "err", err)
				t.sendMessage(chatID, "Sorry, I couldn't download that photo.")
				return
			}
			inbound.ImageData = data
		}
	}

	if doc := msg.Document; doc != nil {
		data, err := t.download(ctx, doc.FileID)
		if err != nil {
			t.logger.Error("document download failed", "chat_id", chatID, "err", err)
			t.sendMessage(chatID, "Sorry, I couldn't download that file.")
			return
		}
		inbound.DocumentData = data
		inbound.FileName = doc.FileName
		inbound.MimeType = doc.MimeType
		if caption := strings.TrimSpace(msg.Caption); caption != "" && inbound.Text == "" {
			inbound.Text = caption
		}
	}

	if inbound.Text == "" && inbound.ImageData == nil && inbound.DocumentData == nil {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(inbound.Text),
		"has_photo", inbound.ImageData != nil,
		"has_document", inbound.DocumentData != nil,
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	t.bus.Publish(inbound)
}

// handleCommand replies to transport-level commands. Returns false for
// commands the pipeline owns (/cancel).
func (t *Telegram) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) bool {
	switch msg.Command() {
	case "start":
		t.sendMessage(chatID, "Hello! I am ReadLoong, your personal reader. What would you like me to read?")
	case "help":
		t.sendMessage(chatID, "I am ReadLoong, please send me anything long to read. It could be text, a picture, a link, a video link, or an ebook.\n\nCommands:\n/status — bot status\n/voice <name> — pin a voice\n/cancel — drop pending messages\nAdd !read to a message to convert immediately.")
	case "status":
		text := fmt.Sprintf("ReadLoong online\nBot: @%s\nChat ID: %d", t.bot.Self.UserName, chatID)
		if t.status != nil {
			if extra, err := t.status(ctx); err == nil {
				text += "\n" + extra
			}
		}
		t.sendMessage(chatID, text)
	default:
		return false
	}
	return true
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// download fetches a file's bytes through the Bot API file endpoint.
func (t *Telegram) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramDownloadLimit))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (t *Telegram) sendAudio(chatID int64, artifact *domain.AudioArtifact) error {
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{
		Name:  artifact.FileName,
		Bytes: artifact.Data,
	})
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(audio)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * 2 * time.Second
			t.logger.Warn("telegram audio send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTransportDeliveryFailed, lastErr)
}

// sendMessage splits long texts at the Telegram per-message limit.
func (t *Telegram) sendMessage(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline breaks and never cutting inside a multibyte rune.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// sendChunk sends one message with retry and rate limit handling.
func (t *Telegram) sendChunk(chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTransportDeliveryFailed, lastErr)
}
