package synthesis

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	edgeEndpoint = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	edgeToken    = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	// audio frames are binary: 2-byte big-endian header length, then
	// ASCII headers, then the MP3 payload.
	edgeHeaderLenBytes = 2
)

// EdgeSynthesizer speaks through the Microsoft Edge read-aloud service
// over a websocket, the same engine the original bot used. It needs no
// API key.
type EdgeSynthesizer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewEdgeSynthesizer(logger *slog.Logger) *EdgeSynthesizer {
	return &EdgeSynthesizer{
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger,
	}
}

// Synthesize opens a fresh connection per request, sends the speech config
// and SSML, and concatenates the audio frames until turn.end.
func (e *EdgeSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	connID := strings.ReplaceAll(uuid.NewString(), "-", "")
	url := fmt.Sprintf("%s?TrustedClientToken=%s&ConnectionId=%s", edgeEndpoint, edgeToken, connID)

	header := http.Header{}
	header.Set("Origin", "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold")
	header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")

	conn, _, err := e.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("edge tts dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	stamp := time.Now().UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
	configMsg := "X-Timestamp:" + stamp + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"audio-24khz-48kbitrate-mono-mp3"}}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(configMsg)); err != nil {
		return nil, fmt.Errorf("edge tts config: %w", err)
	}

	reqID := strings.ReplaceAll(uuid.NewString(), "-", "")
	ssmlMsg := "X-RequestId:" + reqID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + stamp + "\r\n" +
		"Path:ssml\r\n\r\n" +
		buildSSML(text, voice)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMsg)); err != nil {
		return nil, fmt.Errorf("edge tts ssml: %w", err)
	}

	var audio bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("edge tts read: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			if strings.Contains(string(data), "Path:turn.end") {
				if audio.Len() == 0 {
					return nil, fmt.Errorf("edge tts returned no audio")
				}
				e.logger.Debug("edge tts done", "voice", voice, "bytes", audio.Len())
				return audio.Bytes(), nil
			}
		case websocket.BinaryMessage:
			if len(data) < edgeHeaderLenBytes {
				continue
			}
			headerLen := int(data[0])<<8 | int(data[1])
			frameStart := edgeHeaderLenBytes + headerLen
			if frameStart > len(data) {
				continue
			}
			if !bytes.Contains(data[edgeHeaderLenBytes:frameStart], []byte("Path:audio")) {
				continue
			}
			audio.Write(data[frameStart:])
		}
	}
}

func buildSSML(text, voice string) string {
	return `<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>` +
		`<voice name='` + voice + `'>` + escapeXML(text) + `</voice></speak>`
}

func escapeXML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}
