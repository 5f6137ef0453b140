// Package buffer coalesces bursts of messages from one chat into a single
// batch, so several photos of the same document become one audio reply.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"readloong/internal/domain"
)

// Sink receives each closed batch exactly once.
type Sink func(domain.Batch)

// Options tunes the batching window.
type Options struct {
	Debounce time.Duration // sliding window, reset on every append
	MaxItems int           // forces closure regardless of the timer
	MaxAge   time.Duration // hard cap on how long a batch may stay open
}

const (
	defaultDebounce = 5 * time.Second
	defaultMaxItems = 10
	defaultMaxAge   = 60 * time.Second
)

// ChatBuffer keeps at most one open batch per chat. All state lives in a
// map guarded by one mutex; timers fire on their own goroutines and
// re-check state under the same lock, so closure happens exactly once no
// matter which trigger wins.
type ChatBuffer struct {
	opts   Options
	sink   Sink
	logger *slog.Logger

	mu    sync.Mutex
	chats map[string]*openBatch
}

type openBatch struct {
	batch    domain.Batch
	debounce *time.Timer
	age      *time.Timer
	closed   bool
}

func New(opts Options, sink Sink, logger *slog.Logger) *ChatBuffer {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaultMaxItems
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	return &ChatBuffer{
		opts:   opts,
		sink:   sink,
		logger: logger,
		chats:  make(map[string]*openBatch),
	}
}

// Add appends an item to the chat's open batch, opening one if needed.
// Every append resets the debounce timer; hitting MaxItems closes the
// batch immediately.
func (b *ChatBuffer) Add(item domain.ClassifiedItem) {
	chatID := item.Message.ChatID

	b.mu.Lock()
	state, ok := b.chats[chatID]
	if !ok {
		state = b.openLocked(chatID)
	}
	state.batch.Items = append(state.batch.Items, item)

	if len(state.batch.Items) >= b.opts.MaxItems {
		batch := b.closeLocked(chatID, state, domain.CloseMaxItems)
		b.mu.Unlock()
		b.deliver(batch)
		return
	}

	state.debounce.Reset(b.opts.Debounce)
	b.mu.Unlock()
}

// Flush closes the chat's open batch immediately, if any.
func (b *ChatBuffer) Flush(chatID string) {
	b.mu.Lock()
	state, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return
	}
	batch := b.closeLocked(chatID, state, domain.CloseFlush)
	b.mu.Unlock()
	b.deliver(batch)
}

// Discard drops the chat's open batch without delivering it.
func (b *ChatBuffer) Discard(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.chats[chatID]
	if !ok {
		return false
	}
	state.closed = true
	state.debounce.Stop()
	state.age.Stop()
	delete(b.chats, chatID)
	return true
}

// Shutdown closes every open batch and delivers them synchronously.
func (b *ChatBuffer) Shutdown() {
	b.mu.Lock()
	var closed []domain.Batch
	for chatID, state := range b.chats {
		closed = append(closed, b.closeLocked(chatID, state, domain.CloseShutdown))
	}
	b.mu.Unlock()

	for _, batch := range closed {
		b.sink(batch)
	}
}

// OpenChats returns the number of chats with an open batch.
func (b *ChatBuffer) OpenChats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chats)
}

// openLocked creates a fresh batch for the chat and arms both timers.
func (b *ChatBuffer) openLocked(chatID string) *openBatch {
	state := &openBatch{
		batch: domain.Batch{
			ID:       uuid.NewString(),
			ChatID:   chatID,
			OpenedAt: time.Now(),
		},
	}
	state.debounce = time.AfterFunc(b.opts.Debounce, func() {
		b.expire(chatID, state, domain.CloseDebounce)
	})
	state.age = time.AfterFunc(b.opts.MaxAge, func() {
		b.expire(chatID, state, domain.CloseMaxAge)
	})
	b.chats[chatID] = state

	b.logger.Debug("batch opened", "chat_id", chatID, "batch_id", state.batch.ID)
	return state
}

// expire runs on a timer goroutine. The timer may have lost the race with
// another trigger, so the closed flag is re-checked under the lock.
func (b *ChatBuffer) expire(chatID string, state *openBatch, reason domain.CloseReason) {
	b.mu.Lock()
	if state.closed {
		b.mu.Unlock()
		return
	}
	batch := b.closeLocked(chatID, state, reason)
	b.mu.Unlock()
	b.deliver(batch)
}

func (b *ChatBuffer) closeLocked(chatID string, state *openBatch, reason domain.CloseReason) domain.Batch {
	state.closed = true
	state.debounce.Stop()
	state.age.Stop()
	delete(b.chats, chatID)

	state.batch.ClosedAt = time.Now()
	state.batch.Reason = reason

	b.logger.Info("batch closed",
		"chat_id", chatID,
		"batch_id", state.batch.ID,
		"items", len(state.batch.Items),
		"reason", string(reason),
	)
	return state.batch
}

// deliver hands the batch to the sink on its own goroutine so a slow chat
// never delays closure or extraction for another chat.
func (b *ChatBuffer) deliver(batch domain.Batch) {
	go b.sink(batch)
}
