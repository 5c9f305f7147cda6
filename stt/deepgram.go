package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"parla/audio"
	"parla/encoder"
)

// deepgramDialer opens the Deepgram live-transcription WebSocket. Audio
// goes out as raw binary linear16 frames; results come back as JSON with
// is_final / speech_final flags.
func deepgramDialer(cfg Config, apiKey string) dialFunc {
	return func(ctx context.Context) (streamTransport, error) {
		endpoint, err := url.Parse("wss://api.deepgram.com/v1/listen")
		if err != nil {
			return nil, err
		}

		model := cfg.Model
		if model == "" {
			model = "nova-3"
		}
		q := endpoint.Query()
		q.Set("model", model)
		q.Set("encoding", "linear16")
		q.Set("sample_rate", fmt.Sprintf("%d", encoder.SampleRate))
		q.Set("channels", fmt.Sprintf("%d", encoder.Channels))
		q.Set("interim_results", "true")
		if cfg.Language != "" {
			q.Set("language", cfg.Language)
		}
		endpoint.RawQuery = q.Encode()

		headers := http.Header{}
		headers.Set("Authorization", "Token "+apiKey)

		wsCtx, cancel := context.WithCancel(ctx)
		conn, _, err := websocket.Dial(wsCtx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
		if err != nil {
			cancel()
			return nil, err
		}
		conn.SetReadLimit(1 << 20)

		return &deepgramTransport{conn: conn, ctx: wsCtx, cancel: cancel}, nil
	}
}

type deepgramTransport struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type deepgramResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Start        float64 `json:"start"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (t *deepgramTransport) Send(chunk audio.Chunk) error {
	pcm := make([]byte, len(chunk.Samples)*2)
	for i, s := range chunk.Samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return t.conn.Write(t.ctx, websocket.MessageBinary, pcm)
}

func (t *deepgramTransport) Finalize() error {
	return t.conn.Write(t.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

func (t *deepgramTransport) Recv() (streamUpdate, error) {
	_, data, err := t.conn.Read(t.ctx)
	if err != nil {
		return streamUpdate{}, err
	}

	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return streamUpdate{}, err
	}

	transcript := ""
	if len(resp.Channel.Alternatives) > 0 {
		transcript = resp.Channel.Alternatives[0].Transcript
	}

	return streamUpdate{
		Text:         strings.TrimSpace(transcript),
		TimestampMS:  uint64(resp.Start * 1000),
		IsFinal:      resp.IsFinal || resp.SpeechFinal || resp.FromFinalize,
		FromFinalize: resp.FromFinalize,
	}, nil
}

func (t *deepgramTransport) Close() error {
	defer t.cancel()
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
