package buffer

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"readloong/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// batchCollector is a Sink that records delivered batches.
type batchCollector struct {
	mu      sync.Mutex
	batches []domain.Batch
	signal  chan struct{}
}

func newCollector() *batchCollector {
	return &batchCollector{signal: make(chan struct{}, 16)}
}

func (c *batchCollector) sink(batch domain.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *batchCollector) wait(t *testing.T, timeout time.Duration) domain.Batch {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for batch delivery")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

func (c *batchCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func item(chatID string, seq int) domain.ClassifiedItem {
	return domain.ClassifiedItem{
		Message: domain.InboundMessage{ChatID: chatID, Text: "msg"},
		Type:    domain.PlainText,
		Seq:     seq,
	}
}

func TestChatBuffer_DebounceCloses(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: 30 * time.Millisecond, MaxItems: 10, MaxAge: time.Second}, c.sink, testLogger())

	b.Add(item("c1", 0))
	b.Add(item("c1", 1))

	batch := c.wait(t, time.Second)
	if len(batch.Items) != 2 {
		t.Errorf("items = %d, want 2", len(batch.Items))
	}
	if batch.Reason != domain.CloseDebounce {
		t.Errorf("reason = %s, want debounce", batch.Reason)
	}
	if b.OpenChats() != 0 {
		t.Errorf("open chats = %d, want 0", b.OpenChats())
	}
}

func TestChatBuffer_AppendResetsDebounce(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: 60 * time.Millisecond, MaxItems: 10, MaxAge: time.Second}, c.sink, testLogger())

	b.Add(item("c1", 0))
	time.Sleep(40 * time.Millisecond)
	b.Add(item("c1", 1)) // resets the window before it fires
	time.Sleep(40 * time.Millisecond)

	if c.count() != 0 {
		t.Fatal("batch closed despite debounce reset")
	}

	batch := c.wait(t, time.Second)
	if len(batch.Items) != 2 {
		t.Errorf("items = %d, want 2", len(batch.Items))
	}
}

func TestChatBuffer_MaxItemsClosesImmediately(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: time.Hour, MaxItems: 3, MaxAge: time.Hour}, c.sink, testLogger())

	for i := 0; i < 3; i++ {
		b.Add(item("c1", i))
	}

	batch := c.wait(t, time.Second)
	if batch.Reason != domain.CloseMaxItems {
		t.Errorf("reason = %s, want max_items", batch.Reason)
	}
	if len(batch.Items) != 3 {
		t.Errorf("items = %d, want 3", len(batch.Items))
	}
}

func TestChatBuffer_MaxAgeCaps(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: 50 * time.Millisecond, MaxItems: 100, MaxAge: 120 * time.Millisecond}, c.sink, testLogger())

	// Keep resetting the debounce so only the age cap can fire.
	stop := time.After(200 * time.Millisecond)
	seq := 0
	for {
		select {
		case <-stop:
			t.Fatal("age cap never fired")
		default:
		}
		b.Add(item("c1", seq))
		seq++
		if c.count() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	c.mu.Lock()
	reason := c.batches[0].Reason
	c.mu.Unlock()
	if reason != domain.CloseMaxAge {
		t.Errorf("reason = %s, want max_age", reason)
	}
}

func TestChatBuffer_FlushDeliversNow(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: time.Hour, MaxItems: 100, MaxAge: time.Hour}, c.sink, testLogger())

	b.Add(item("c1", 0))
	b.Flush("c1")

	batch := c.wait(t, time.Second)
	if batch.Reason != domain.CloseFlush {
		t.Errorf("reason = %s, want flush", batch.Reason)
	}
}

func TestChatBuffer_FlushEmptyChatIsNoop(t *testing.T) {
	c := newCollector()
	b := New(Options{}, c.sink, testLogger())
	b.Flush("nobody")
	if c.count() != 0 {
		t.Error("flush of unknown chat delivered a batch")
	}
}

func TestChatBuffer_DeliveredExactlyOnce(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: 20 * time.Millisecond, MaxItems: 100, MaxAge: 25 * time.Millisecond}, c.sink, testLogger())

	b.Add(item("c1", 0))
	b.Flush("c1") // races the two timers

	c.wait(t, time.Second)
	time.Sleep(100 * time.Millisecond) // give a losing timer a chance to misfire
	if n := c.count(); n != 1 {
		t.Errorf("delivered %d times, want exactly 1", n)
	}
}

func TestChatBuffer_IndependentChats(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: time.Hour, MaxItems: 2, MaxAge: time.Hour}, c.sink, testLogger())

	b.Add(item("a", 0))
	b.Add(item("b", 0))
	b.Add(item("a", 1)) // closes chat a only

	batch := c.wait(t, time.Second)
	if batch.ChatID != "a" {
		t.Errorf("closed chat = %s, want a", batch.ChatID)
	}
	if b.OpenChats() != 1 {
		t.Errorf("open chats = %d, want 1 (chat b)", b.OpenChats())
	}
}

func TestChatBuffer_Discard(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: 30 * time.Millisecond, MaxItems: 100, MaxAge: time.Hour}, c.sink, testLogger())

	b.Add(item("c1", 0))
	if !b.Discard("c1") {
		t.Fatal("discard returned false for an open chat")
	}
	time.Sleep(80 * time.Millisecond)
	if c.count() != 0 {
		t.Error("discarded batch was delivered")
	}
	if b.Discard("c1") {
		t.Error("second discard should return false")
	}
}

func TestChatBuffer_ShutdownDeliversAll(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: time.Hour, MaxItems: 100, MaxAge: time.Hour}, c.sink, testLogger())

	b.Add(item("a", 0))
	b.Add(item("b", 0))
	b.Shutdown()

	if n := c.count(); n != 2 {
		t.Errorf("delivered %d batches, want 2", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, batch := range c.batches {
		if batch.Reason != domain.CloseShutdown {
			t.Errorf("reason = %s, want shutdown", batch.Reason)
		}
	}
}

func TestChatBuffer_BatchIDsUnique(t *testing.T) {
	c := newCollector()
	b := New(Options{Debounce: time.Hour, MaxItems: 1, MaxAge: time.Hour}, c.sink, testLogger())

	b.Add(item("c1", 0))
	c.wait(t, time.Second)
	b.Add(item("c1", 1))
	c.wait(t, time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batches[0].ID == c.batches[1].ID {
		t.Error("consecutive batches share an ID")
	}
}
