package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"readloong/internal/assemble"
	"readloong/internal/buffer"
	"readloong/internal/bus"
	"readloong/internal/classify"
	"readloong/internal/config"
	"readloong/internal/domain"
	"readloong/internal/extract"
	"readloong/internal/synthesis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeOCR struct {
	text     string
	conf     float64
	delay    time.Duration // per-call latency, interruptible
	failures int32         // fail this many calls before succeeding
	calls    int32
}

func (f *fakeOCR) Name() string { return "fake-ocr" }

func (f *fakeOCR) Recognize(ctx context.Context, image []byte, langHint string) (domain.OCRResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.OCRResult{}, ctx.Err()
		}
	}
	if n <= atomic.LoadInt32(&f.failures) {
		return domain.OCRResult{}, fmt.Errorf("%w: engine busy", domain.ErrExtractionTimeout)
	}
	return domain.OCRResult{Text: f.text, Confidence: f.conf}, nil
}

type fakeFetcher struct{ text string }

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	return f.text, nil
}

type fakeVideo struct{ calls int32 }

func (f *fakeVideo) ExtractAudio(ctx context.Context, url string) (*domain.AudioArtifact, error) {
	atomic.AddInt32(&f.calls, 1)
	return &domain.AudioArtifact{Data: []byte("videoaudio"), FileName: "clip.mp3"}, nil
}

type fakeDocs struct{}

func (f *fakeDocs) ExtractText(ctx context.Context, data []byte, fileName, mimeType string) (string, error) {
	return "document text", nil
}

type fakeSynth struct{ calls int32 }

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return []byte("synthesized"), nil
}

// outbox collects everything the pipeline sends back to the transport.
type outbox struct {
	mu   sync.Mutex
	msgs []domain.OutboundMessage
}

func (o *outbox) add(msg domain.OutboundMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *outbox) snapshot() []domain.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.OutboundMessage(nil), o.msgs...)
}

func (o *outbox) waitFor(t *testing.T, pred func([]domain.OutboundMessage) bool) []domain.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msgs := o.snapshot()
		if pred(msgs) {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met; outbox: %+v", o.snapshot())
	return nil
}

func audioCount(msgs []domain.OutboundMessage) int {
	n := 0
	for _, m := range msgs {
		if m.Audio != nil {
			n++
		}
	}
	return n
}

type testRig struct {
	bus   *bus.InMemoryBus
	orch  *Orchestrator
	out   *outbox
	synth *fakeSynth
	ocr   *fakeOCR
	video *fakeVideo
}

func newRig(t *testing.T, botUsername string) *testRig {
	t.Helper()
	logger := testLogger()
	messageBus := bus.New(32, logger)

	rig := &testRig{
		bus:   messageBus,
		out:   &outbox{},
		synth: &fakeSynth{},
		ocr:   &fakeOCR{text: "ocr text", conf: 0.9},
		video: &fakeVideo{},
	}
	messageBus.OnOutbound("test", rig.out.add)

	router := extract.NewRouter(extract.RouterConfig{
		Primary:     rig.ocr,
		General:     rig.ocr,
		PrimaryLang: "zh",
		Articles:    &fakeFetcher{text: "article text"},
		Videos:      rig.video,
		Documents:   &fakeDocs{},
		Timeout:     time.Second,
		Logger:      logger,
	})

	dispatcher := synthesis.NewDispatcher(synthesis.DispatcherConfig{
		Synthesizer:  rig.synth,
		Voices:       config.DefaultVoices(),
		DefaultVoice: "zh-CN-XiaoxiaoNeural",
		Timeout:      time.Second,
		Logger:       logger,
	})

	rig.orch = NewOrchestrator(OrchestratorConfig{
		Bus:        messageBus,
		Classifier: classify.New("zh"),
		Router:     router,
		Assembler:  assemble.New("zh", logger),
		Dispatcher: dispatcher,
		BufferOpts: buffer.Options{
			Debounce: 40 * time.Millisecond,
			MaxItems: 10,
			MaxAge:   time.Second,
		},
		BotUsername: botUsername,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go rig.orch.Run(ctx)
	t.Cleanup(func() {
		cancel()
		messageBus.Close()
	})
	return rig
}

func inbound(text string) domain.InboundMessage {
	return domain.InboundMessage{Channel: "test", ChatID: "chat1", SenderID: "u1", Text: text}
}

func TestPipeline_BurstOfImagesBecomesOneAudio(t *testing.T) {
	rig := newRig(t, "")

	for i := 0; i < 3; i++ {
		msg := inbound("")
		msg.ImageData = []byte{0xff, byte(i)}
		rig.bus.Publish(msg)
	}

	msgs := rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 1 {
		t.Errorf("synthesis calls = %d, want exactly 1 for the whole burst", calls)
	}

	var sawAck, sawPreview bool
	for _, m := range msgs {
		if strings.Contains(m.Text, "Converting image to text") {
			sawAck = true
		}
		if strings.Contains(m.Text, "Converting to audio") {
			sawPreview = true
		}
	}
	if !sawAck {
		t.Error("expected an OCR acknowledgement for caption-less images")
	}
	if !sawPreview {
		t.Error("expected a preview message before the audio")
	}
}

func TestPipeline_TextAndLinkMergedInOrder(t *testing.T) {
	rig := newRig(t, "")

	rig.bus.Publish(inbound("intro paragraph"))
	rig.bus.Publish(inbound("https://example.com/article"))

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	var preview string
	for _, m := range rig.out.snapshot() {
		if strings.Contains(m.Text, "Converting to audio") {
			preview = m.Text
		}
	}
	intro := strings.Index(preview, "intro paragraph")
	article := strings.Index(preview, "article text")
	if intro < 0 || article < 0 || intro > article {
		t.Errorf("merge order wrong in preview: %q", preview)
	}
}

func TestPipeline_VideoBypassesSynthesis(t *testing.T) {
	rig := newRig(t, "")

	rig.bus.Publish(inbound("https://youtu.be/abc123"))

	msgs := rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 0 {
		t.Errorf("synthesis calls = %d, video audio must bypass synthesis", calls)
	}
	for _, m := range msgs {
		if m.Audio != nil && string(m.Audio.Data) != "videoaudio" {
			t.Error("delivered audio is not the extracted video audio")
		}
	}
}

func TestPipeline_UnsupportedItemSkippedWithNote(t *testing.T) {
	rig := newRig(t, "")

	rig.bus.Publish(inbound("readable text"))
	junk := inbound("")
	junk.DocumentData = []byte("JUNKJUNK")
	junk.FileName = "archive.rar"
	junk.MimeType = "application/x-rar"
	rig.bus.Publish(junk)

	msgs := rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	var sawNote bool
	for _, m := range msgs {
		if strings.Contains(m.Text, "could not be read") {
			sawNote = true
		}
	}
	if !sawNote {
		t.Error("expected a note about the skipped item")
	}
	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 1 {
		t.Errorf("synthesis calls = %d, want 1", calls)
	}
}

func TestPipeline_AllFailedReportsOnce(t *testing.T) {
	rig := newRig(t, "")

	junk := inbound("")
	junk.DocumentData = []byte("JUNKJUNK")
	junk.FileName = "archive.rar"
	rig.bus.Publish(junk)

	msgs := rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "none of your") {
				return true
			}
		}
		return false
	})

	if audioCount(msgs) != 0 {
		t.Error("no audio expected when everything failed")
	}
	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 0 {
		t.Errorf("synthesis calls = %d, want 0", calls)
	}
}

func TestPipeline_TransientFailureRetriedOnce(t *testing.T) {
	rig := newRig(t, "")
	rig.ocr.failures = 2 // primary and fallback both time out, retry succeeds

	msg := inbound("")
	msg.ImageData = []byte{0xff}
	rig.bus.Publish(msg)

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	for _, m := range rig.out.snapshot() {
		if strings.Contains(m.Text, "could not be read") {
			t.Error("retried item should not be reported as skipped")
		}
	}
}

func TestPipeline_FlushTriggerClosesImmediately(t *testing.T) {
	rig := newRig(t, "")
	rig.orch.buf = buffer.New(buffer.Options{
		Debounce: time.Hour, MaxItems: 100, MaxAge: time.Hour,
	}, rig.orch.batchSink, testLogger())

	rig.bus.Publish(inbound("some long text !read"))

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	var preview string
	for _, m := range rig.out.snapshot() {
		if strings.Contains(m.Text, "Converting to audio") {
			preview = m.Text
		}
	}
	if strings.Contains(strings.ToLower(preview), "!read") {
		t.Errorf("flush trigger leaked into the payload: %q", preview)
	}
}

func TestPipeline_CancelDropsPending(t *testing.T) {
	rig := newRig(t, "")
	rig.orch.buf = buffer.New(buffer.Options{
		Debounce: time.Hour, MaxItems: 100, MaxAge: time.Hour,
	}, rig.orch.batchSink, testLogger())

	rig.bus.Publish(inbound("line one"))
	rig.bus.Publish(inbound("/cancel"))

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "Cancelled") {
				return true
			}
		}
		return false
	})

	time.Sleep(50 * time.Millisecond)
	if audioCount(rig.out.snapshot()) != 0 {
		t.Error("cancelled batch still produced audio")
	}
	if rig.orch.buf.OpenChats() != 0 {
		t.Error("open batch survived /cancel")
	}
}

func TestPipeline_CancelReachesInflightBatch(t *testing.T) {
	rig := newRig(t, "")
	rig.ocr.delay = 500 * time.Millisecond

	// A slow image batch, flushed so it is already extracting.
	slow := inbound(flushTrigger)
	slow.ImageData = []byte{0xff, 0x01}
	rig.bus.Publish(slow)

	// A second batch for the same chat finishes while the first is still
	// in flight; its cleanup must not unregister the slow batch's cancel.
	rig.bus.Publish(inbound("quick text " + flushTrigger))
	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	rig.bus.Publish(inbound("/cancel"))
	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "Cancelled") {
				return true
			}
		}
		return false
	})

	time.Sleep(700 * time.Millisecond)
	if n := audioCount(rig.out.snapshot()); n != 1 {
		t.Errorf("audio outputs = %d, want 1; the cancelled batch was still delivered", n)
	}
	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 1 {
		t.Errorf("synthesis calls = %d, want 1", calls)
	}
}

func TestPipeline_VoiceCommand(t *testing.T) {
	rig := newRig(t, "")

	rig.bus.Publish(inbound("/voice en-US-GuyNeural"))

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "Voice set to en-US-GuyNeural") {
				return true
			}
		}
		return false
	})

	if got := rig.orch.dispatcher.ResolveVoice("chat1", "zh"); got != "en-US-GuyNeural" {
		t.Errorf("override not applied: %q", got)
	}

	rig.bus.Publish(inbound("/voice"))
	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "Voice reset") {
				return true
			}
		}
		return false
	})
	if got := rig.orch.dispatcher.ResolveVoice("chat1", "zh"); got != "zh-CN-XiaoxiaoNeural" {
		t.Errorf("override not cleared: %q", got)
	}
}

func TestPipeline_GroupChatRequiresMention(t *testing.T) {
	rig := newRig(t, "readloongbot")

	ignored := inbound("just chatter between humans")
	ignored.GroupChat = true
	rig.bus.Publish(ignored)

	addressed := inbound("@readloongbot please read this aloud")
	addressed.GroupChat = true
	rig.bus.Publish(addressed)

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 1
	})

	var preview string
	for _, m := range rig.out.snapshot() {
		if strings.Contains(m.Text, "Converting to audio") {
			preview = m.Text
		}
	}
	if strings.Contains(preview, "chatter") {
		t.Error("unaddressed group message was processed")
	}
	if strings.Contains(preview, "@readloongbot") {
		t.Errorf("mention not stripped from payload: %q", preview)
	}
}

func TestPipeline_ChatsIsolated(t *testing.T) {
	rig := newRig(t, "")

	a := inbound("chat a text")
	b := inbound("chat b text")
	b.ChatID = "chat2"
	rig.bus.Publish(a)
	rig.bus.Publish(b)

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		return audioCount(msgs) == 2
	})

	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 2 {
		t.Errorf("synthesis calls = %d, want one per chat", calls)
	}
}

func TestPipeline_OversizedTextGetsCapNotice(t *testing.T) {
	rig := newRig(t, "")
	rig.orch.dispatcher = synthesis.NewDispatcher(synthesis.DispatcherConfig{
		Synthesizer:  rig.synth,
		Voices:       config.DefaultVoices(),
		DefaultVoice: "zh-CN-XiaoxiaoNeural",
		MaxTextLen:   20,
		Timeout:      time.Second,
		Logger:       testLogger(),
	})

	rig.bus.Publish(inbound("this paragraph is comfortably over the twenty byte cap"))

	msgs := rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "too long") {
				return true
			}
		}
		return false
	})

	for _, m := range msgs {
		if strings.Contains(m.Text, "Please try again") {
			t.Error("deterministic cap reported with the generic failure message")
		}
	}
	if audioCount(msgs) != 0 {
		t.Error("oversized payload still produced audio")
	}
	if calls := atomic.LoadInt32(&rig.synth.calls); calls != 0 {
		t.Errorf("synthesis calls = %d, want 0 for an oversized payload", calls)
	}
}

func TestPipeline_SynthesisFailureReported(t *testing.T) {
	rig := newRig(t, "")
	rig.orch.dispatcher = synthesis.NewDispatcher(synthesis.DispatcherConfig{
		Synthesizer:  failingSynth{},
		Voices:       config.DefaultVoices(),
		DefaultVoice: "zh-CN-XiaoxiaoNeural",
		Timeout:      time.Second,
		Logger:       testLogger(),
	})

	rig.bus.Publish(inbound("text that cannot be spoken"))

	rig.out.waitFor(t, func(msgs []domain.OutboundMessage) bool {
		for _, m := range msgs {
			if strings.Contains(m.Text, "couldn't convert") {
				return true
			}
		}
		return false
	})

	if audioCount(rig.out.snapshot()) != 0 {
		t.Error("no audio expected when synthesis fails")
	}
}

type failingSynth struct{}

func (failingSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	return nil, errors.New("engine unreachable")
}
