package bus

import (
	"log/slog"
	"sync"
	"time"

	"readloong/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus connecting transports to
// the pipeline in-process.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	handlers map[string]func(domain.OutboundMessage)
	mu       sync.RWMutex
	pubs     sync.WaitGroup // in-flight Publish calls
	done     chan struct{}  // closed when the bus closes
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage)),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Publish blocks up to publishTimeout if the bus is full instead of
// dropping. The timed wait happens outside the lock so Close is never
// stalled behind a full channel.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("attempted to publish to closed bus")
		return
	}
	b.pubs.Add(1)
	b.mu.RUnlock()
	defer b.pubs.Done()

	select {
	case b.inbound <- msg:
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting...", "channel", msg.Channel, "chat_id", msg.ChatID)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
	case <-b.done:
		b.logger.Warn("message dropped: bus closed",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
		)
	case <-timer.C:
		b.logger.Error("message dropped: bus full",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound routes a status text or audio artifact back to its channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return
	}

	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	// Unblocked by the done signal; the channel only closes once no
	// publisher can still be sending on it.
	b.pubs.Wait()
	close(b.inbound)
}
