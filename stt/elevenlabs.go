package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"parla/audio"
	"parla/encoder"
)

// elevenLabsDialer opens the ElevenLabs Scribe WebSocket. Each audio
// chunk is shipped as a standalone base64-encoded WAV file inside a JSON
// message; responses are tagged partial_transcript / final_transcript.
func elevenLabsDialer(cfg Config, apiKey string) dialFunc {
	return func(ctx context.Context) (streamTransport, error) {
		model := cfg.Model
		if model == "" {
			model = "scribe_v2"
		}
		lang := cfg.Language
		if lang == "" {
			lang = "en"
		}

		endpoint, err := url.Parse("wss://api.elevenlabs.io/v1/speech-to-text/ws")
		if err != nil {
			return nil, err
		}
		q := endpoint.Query()
		q.Set("model_id", model)
		q.Set("language_code", lang)
		endpoint.RawQuery = q.Encode()

		headers := http.Header{}
		headers.Set("xi-api-key", apiKey)

		wsCtx, cancel := context.WithCancel(ctx)
		conn, _, err := websocket.Dial(wsCtx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
		if err != nil {
			cancel()
			return nil, err
		}
		conn.SetReadLimit(1 << 20)

		return &elevenLabsTransport{conn: conn, ctx: wsCtx, cancel: cancel}, nil
	}
}

type elevenLabsTransport struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type elevenLabsAudioMessage struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base64"`
}

type elevenLabsResponse struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	TimestampMS uint64 `json:"timestamp"`
	Message     string `json:"message"`
}

func (t *elevenLabsTransport) Send(chunk audio.Chunk) error {
	wav, err := encoder.EncodeWAV(chunk.Samples, encoder.SampleRate)
	if err != nil {
		return err
	}
	msg := elevenLabsAudioMessage{
		Type:        "audio",
		AudioBase64: base64.StdEncoding.EncodeToString(wav),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Write(t.ctx, websocket.MessageText, data)
}

// Finalize is a no-op: Scribe has no explicit finalize message, the
// server flushes its tail on connection close.
func (t *elevenLabsTransport) Finalize() error { return nil }

func (t *elevenLabsTransport) Recv() (streamUpdate, error) {
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			return streamUpdate{}, err
		}

		var resp elevenLabsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return streamUpdate{}, err
		}

		switch resp.Type {
		case "partial_transcript":
			return streamUpdate{Text: strings.TrimSpace(resp.Text), TimestampMS: resp.TimestampMS}, nil
		case "final_transcript":
			return streamUpdate{Text: strings.TrimSpace(resp.Text), TimestampMS: resp.TimestampMS, IsFinal: true}, nil
		case "error":
			return streamUpdate{}, fmt.Errorf("elevenlabs: %s", resp.Message)
		default:
			// Ignore keepalives and session metadata.
		}
	}
}

func (t *elevenLabsTransport) Close() error {
	defer t.cancel()
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
