package classify

import (
	"errors"
	"testing"

	"readloong/internal/domain"
)

func TestClassify_PlainText(t *testing.T) {
	c := New("zh")
	item := c.Classify(domain.InboundMessage{ChatID: "c1", Text: "read this to me"})
	if item.Type != domain.PlainText {
		t.Errorf("type = %s, want text", item.Type)
	}
	if item.PreFailed {
		t.Error("plain text must not pre-fail")
	}
}

func TestClassify_Image(t *testing.T) {
	c := New("zh")
	item := c.Classify(domain.InboundMessage{ChatID: "c1", ImageData: []byte{0xff, 0xd8, 0xff}})
	if item.Type != domain.Image {
		t.Errorf("type = %s, want image", item.Type)
	}
	if item.Language != "zh" {
		t.Errorf("language hint = %q, want zh", item.Language)
	}
}

func TestClassify_VideoHosts(t *testing.T) {
	c := New("zh")
	videos := []string{
		"https://www.youtube.com/watch?v=abc123",
		"https://youtu.be/abc123",
		"https://m.youtube.com/watch?v=abc123",
		"https://www.bilibili.com/video/BV1xx411c7mD",
		"https://b23.tv/abc",
		"www.youtube.com/watch?v=abc123",
	}
	for _, url := range videos {
		if item := c.Classify(domain.InboundMessage{ChatID: "c1", Text: url}); item.Type != domain.VideoLink {
			t.Errorf("%s classified as %s, want videolink", url, item.Type)
		}
	}
}

func TestClassify_WebLink(t *testing.T) {
	c := New("zh")
	links := []string{
		"https://en.wikipedia.org/wiki/Go_(programming_language)",
		"http://example.com/article",
		"www.example.com/page",
	}
	for _, url := range links {
		if item := c.Classify(domain.InboundMessage{ChatID: "c1", Text: url}); item.Type != domain.WebLink {
			t.Errorf("%s classified as %s, want weblink", url, item.Type)
		}
	}
}

func TestClassify_TextWithEmbeddedURLStaysText(t *testing.T) {
	c := New("zh")
	item := c.Classify(domain.InboundMessage{ChatID: "c1", Text: "check https://example.com later"})
	if item.Type != domain.PlainText {
		t.Errorf("type = %s, want text", item.Type)
	}
}

func TestClassify_Document(t *testing.T) {
	c := New("zh")
	tests := []struct {
		name string
		msg  domain.InboundMessage
	}{
		{"pdf mime", domain.InboundMessage{DocumentData: []byte("x"), MimeType: "application/pdf"}},
		{"epub extension", domain.InboundMessage{DocumentData: []byte("x"), FileName: "book.EPUB"}},
		{"mobi extension", domain.InboundMessage{DocumentData: []byte("x"), FileName: "book.mobi"}},
		{"pdf magic", domain.InboundMessage{DocumentData: []byte("%PDF-1.7 rest")}},
		{"epub magic", domain.InboundMessage{DocumentData: []byte("PK\x03\x04\x14\x00mimetypeapplication/epub+zip")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.ChatID = "c1"
			if item := c.Classify(tt.msg); item.Type != domain.Document {
				t.Errorf("type = %s, want document", item.Type)
			}
		})
	}
}

func TestClassify_DocumentBeatsCaption(t *testing.T) {
	c := New("zh")
	item := c.Classify(domain.InboundMessage{
		ChatID:       "c1",
		Text:         "here is the book",
		DocumentData: []byte("%PDF-1.4"),
	})
	if item.Type != domain.Document {
		t.Errorf("type = %s, want document", item.Type)
	}
}

func TestClassify_UnsupportedAttachment(t *testing.T) {
	c := New("zh")
	item := c.Classify(domain.InboundMessage{
		ChatID:       "c1",
		DocumentData: []byte("BINARYJUNK"),
		FileName:     "archive.tar.gz",
		MimeType:     "application/gzip",
	})
	if !item.PreFailed {
		t.Fatal("unknown attachment should pre-fail")
	}
	if !errors.Is(item.FailCause, domain.ErrUnsupportedContent) {
		t.Errorf("cause = %v, want ErrUnsupportedContent", item.FailCause)
	}
}

func TestClassify_SeqPerChat(t *testing.T) {
	c := New("zh")
	for i := 0; i < 3; i++ {
		if item := c.Classify(domain.InboundMessage{ChatID: "a", Text: "x"}); item.Seq != i {
			t.Errorf("chat a seq = %d, want %d", item.Seq, i)
		}
	}
	if item := c.Classify(domain.InboundMessage{ChatID: "b", Text: "x"}); item.Seq != 0 {
		t.Errorf("chat b seq = %d, want 0", item.Seq)
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL("www.example.com"); got != "http://www.example.com" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeURL("https://example.com"); got != "https://example.com" {
		t.Errorf("got %q", got)
	}
}
