// Package pipeline owns the end-to-end wiring: classify inbound messages,
// buffer them per chat, run extraction on closed batches, merge, and hand
// the result to speech synthesis. It is the only component that talks back
// to the transport.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"readloong/internal/assemble"
	"readloong/internal/buffer"
	"readloong/internal/classify"
	"readloong/internal/domain"
	"readloong/internal/extract"
	"readloong/internal/metrics"
	"readloong/internal/synthesis"
)

const (
	// flushTrigger forces the open batch closed, like the original bot's
	// "!read" command.
	flushTrigger = "!read"

	previewLimit = 1000
)

// Orchestrator drives one chat's messages from intake to audio delivery.
type Orchestrator struct {
	bus         domain.MessageBus
	classifier  *classify.Classifier
	buf         *buffer.ChatBuffer
	router      *extract.Router
	assembler   *assemble.Assembler
	dispatcher  *synthesis.Dispatcher
	history     domain.HistoryStore // nil disables persistence
	botUsername string
	logger      *slog.Logger

	// runCtx parents every batch's processing context so shutdown cancels
	// in-flight extraction. Written once in Run before any batch can close.
	runCtx context.Context

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelFunc // chat ID -> batch ID -> cancel
}

type OrchestratorConfig struct {
	Bus         domain.MessageBus
	Classifier  *classify.Classifier
	Router      *extract.Router
	Assembler   *assemble.Assembler
	Dispatcher  *synthesis.Dispatcher
	History     domain.HistoryStore
	BufferOpts  buffer.Options
	BotUsername string
	Logger      *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		bus:         cfg.Bus,
		classifier:  cfg.Classifier,
		router:      cfg.Router,
		assembler:   cfg.Assembler,
		dispatcher:  cfg.Dispatcher,
		history:     cfg.History,
		botUsername: cfg.BotUsername,
		logger:      cfg.Logger,
		inflight:    make(map[string]map[string]context.CancelFunc),
	}
	o.buf = buffer.New(cfg.BufferOpts, o.batchSink, cfg.Logger)
	return o
}

// Run consumes inbound messages until the context is cancelled. Intake is
// single-threaded, which is what makes per-chat sequence numbers
// deterministic; all heavy work happens on batch goroutines.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("pipeline started")
	o.runCtx = ctx

	inbound := o.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("pipeline stopping, flushing open batches")
			o.buf.Shutdown()
			return
		case msg, ok := <-inbound:
			if !ok {
				o.logger.Info("inbound channel closed, pipeline stopping")
				o.buf.Shutdown()
				return
			}
			o.handleInbound(msg)
		}
	}
}

func (o *Orchestrator) handleInbound(msg domain.InboundMessage) {
	metrics.MessagesTotal.Inc()

	if msg.GroupChat {
		mention := "@" + o.botUsername
		if o.botUsername == "" || !strings.Contains(msg.Text, mention) {
			return
		}
		msg.Text = strings.TrimSpace(strings.ReplaceAll(msg.Text, mention, ""))
	}

	trimmed := strings.TrimSpace(msg.Text)
	switch {
	case strings.EqualFold(trimmed, "/cancel"):
		o.CancelChat(msg.ChatID)
		o.reply(msg, "Cancelled pending messages.")
		return

	case strings.HasPrefix(strings.ToLower(trimmed), "/voice"):
		voice := strings.TrimSpace(trimmed[len("/voice"):])
		o.dispatcher.SetVoice(msg.ChatID, voice)
		if voice == "" {
			o.reply(msg, "Voice reset to automatic selection.")
		} else {
			o.reply(msg, "Voice set to "+voice+".")
		}
		return
	}

	flush := strings.Contains(strings.ToLower(msg.Text), flushTrigger)
	if flush {
		cleaned := strings.TrimSpace(replaceFold(msg.Text, flushTrigger, ""))
		msg.Text = cleaned
	}

	if msg.Text != "" || len(msg.ImageData) > 0 || len(msg.DocumentData) > 0 {
		item := o.classifier.Classify(msg)
		if item.Type == domain.Image && msg.Text == "" {
			o.reply(msg, "Converting image to text...")
		}
		o.buf.Add(item)
		metrics.OpenBatches.Set(int64(o.buf.OpenChats()))
	}

	if flush {
		o.buf.Flush(msg.ChatID)
	}
}

// CancelChat discards the chat's open batch and cancels extraction for a
// batch already being processed. Closed batches are never reopened; their
// partial results are simply dropped.
func (o *Orchestrator) CancelChat(chatID string) {
	o.buf.Discard(chatID)

	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.inflight[chatID]))
	for _, cancel := range o.inflight[chatID] {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	o.logger.Info("chat cancelled", "chat_id", chatID, "batches", len(cancels))
}

// batchSink receives each closed batch exactly once, on its own goroutine.
func (o *Orchestrator) batchSink(batch domain.Batch) {
	metrics.BatchesClosed.Inc()
	metrics.OpenBatches.Set(int64(o.buf.OpenChats()))

	parent := o.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	o.mu.Lock()
	if o.inflight[batch.ChatID] == nil {
		o.inflight[batch.ChatID] = make(map[string]context.CancelFunc)
	}
	o.inflight[batch.ChatID][batch.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight[batch.ChatID], batch.ID)
		if len(o.inflight[batch.ChatID]) == 0 {
			delete(o.inflight, batch.ChatID)
		}
		o.mu.Unlock()
	}()

	start := time.Now()
	o.processBatch(ctx, batch)
	metrics.BatchProcessTime.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) processBatch(ctx context.Context, batch domain.Batch) {
	channel := batch.Items[0].Message.Channel

	results := o.router.Extract(ctx, batch)
	results = o.retryTransient(ctx, batch, results)
	if ctx.Err() != nil {
		o.logger.Info("batch discarded", "batch_id", batch.ID, "chat_id", batch.ChatID)
		return
	}

	for _, res := range results {
		if res.Outcome == domain.Failure {
			metrics.ItemsFailed.Inc()
		} else {
			metrics.ItemsExtracted.Inc()
		}
	}

	assembled, err := o.assembler.Merge(batch, results)
	o.recordBatch(batch, countFailures(results))
	if err != nil {
		o.send(channel, batch.ChatID,
			fmt.Sprintf("Sorry, none of your %d message(s) could be processed.", len(batch.Items)))
		return
	}

	// Video audio bypasses synthesis and is delivered independently.
	for _, audio := range assembled.Audio {
		o.sendAudio(channel, batch.ChatID, audio)
	}

	if assembled.Payload == nil {
		return
	}
	payload := assembled.Payload

	o.send(channel, batch.ChatID, "Converting to audio:\n\n"+preview(payload.Text)+
		fmt.Sprintf("\n\nLength: %d characters", len(payload.Text)))

	outcome := o.dispatchWithRetry(ctx, payload)
	o.recordSynthesis(outcome)

	if outcome.Err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(outcome.Err, domain.ErrTextTooLong) {
			o.send(channel, batch.ChatID,
				fmt.Sprintf("Sorry, this text is too long to convert (%d characters). Please send it in smaller parts.", len(payload.Text)))
			return
		}
		o.send(channel, batch.ChatID, "Sorry, I couldn't convert this text to speech. Please try again.")
		return
	}

	o.sendAudio(channel, batch.ChatID, outcome.Audio)

	if len(payload.FailedSeqs) > 0 {
		o.send(channel, batch.ChatID,
			fmt.Sprintf("Note: %d of %d message(s) could not be read and were skipped.",
				len(payload.FailedSeqs), len(batch.Items)))
	}
}

// retryTransient re-runs failed items whose error looks transient, at most
// once. Unsupported content is never retried.
func (o *Orchestrator) retryTransient(ctx context.Context, batch domain.Batch, results []domain.ExtractionResult) []domain.ExtractionResult {
	if ctx.Err() != nil {
		return results
	}

	var retryItems []domain.ClassifiedItem
	var retryIdx []int
	for i, res := range results {
		if res.Outcome == domain.Failure && domain.Transient(res.Err) {
			retryItems = append(retryItems, batch.Items[i])
			retryIdx = append(retryIdx, i)
		}
	}
	if len(retryItems) == 0 {
		return results
	}

	o.logger.Warn("retrying transient extraction failures",
		"batch_id", batch.ID, "items", len(retryItems))

	retryBatch := domain.Batch{ID: batch.ID, ChatID: batch.ChatID, Items: retryItems}
	retried := o.router.Extract(ctx, retryBatch)
	for i, res := range retried {
		if res.Outcome != domain.Failure {
			results[retryIdx[i]] = res
		}
	}
	return results
}

func (o *Orchestrator) dispatchWithRetry(ctx context.Context, payload *domain.MergedPayload) domain.SynthesisOutcome {
	metrics.SynthesisTotal.Inc()
	outcome := o.dispatcher.Dispatch(ctx, payload)
	if outcome.Err != nil && ctx.Err() == nil && errors.Is(outcome.Err, domain.ErrSynthesisUnavailable) {
		o.logger.Warn("synthesis failed, retrying once", "chat_id", payload.ChatID, "err", outcome.Err)
		metrics.SynthesisTotal.Inc()
		outcome = o.dispatcher.Dispatch(ctx, payload)
	}
	if outcome.Err != nil {
		metrics.SynthesisFailed.Inc()
	}
	return outcome
}

func (o *Orchestrator) reply(msg domain.InboundMessage, text string) {
	o.send(msg.Channel, msg.ChatID, text)
}

func (o *Orchestrator) send(channel, chatID, text string) {
	o.bus.SendOutbound(domain.OutboundMessage{Channel: channel, ChatID: chatID, Text: text})
}

func (o *Orchestrator) sendAudio(channel, chatID string, audio *domain.AudioArtifact) {
	o.bus.SendOutbound(domain.OutboundMessage{Channel: channel, ChatID: chatID, Audio: audio})
}

func (o *Orchestrator) recordBatch(batch domain.Batch, failed int) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.history.RecordBatch(ctx, batch, failed); err != nil {
		o.logger.Warn("cannot record batch", "batch_id", batch.ID, "err", err)
	}
}

func (o *Orchestrator) recordSynthesis(outcome domain.SynthesisOutcome) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.history.RecordSynthesis(ctx, outcome); err != nil {
		o.logger.Warn("cannot record synthesis", "batch_id", outcome.BatchID, "err", err)
	}
}

func countFailures(results []domain.ExtractionResult) int {
	n := 0
	for _, res := range results {
		if res.Outcome == domain.Failure {
			n++
		}
	}
	return n
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}

// replaceFold removes every case-insensitive occurrence of old from s.
func replaceFold(s, old, new string) string {
	var sb strings.Builder
	lower := strings.ToLower(s)
	oldLower := strings.ToLower(old)
	for {
		i := strings.Index(lower, oldLower)
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:i])
		sb.WriteString(new)
		s = s[i+len(old):]
		lower = lower[i+len(oldLower):]
	}
}
