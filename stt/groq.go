package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

const groqAPIURL = "https://api.groq.com/openai/v1/audio/transcriptions"

type groqUploader struct {
	client *tracedClient
	apiKey string
	lang   string
}

func newGroqUploader(apiKey, lang string) *groqUploader {
	g := &groqUploader{
		client: newTracedClient(groqAPIURL),
		apiKey: apiKey,
		lang:   lang,
	}
	go g.client.Warm()
	return g
}

type groqResponse struct {
	Text string `json:"text"`
}

func (g *groqUploader) transcribe(ctx context.Context, audioData []byte, format string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audioData); err != nil {
		return "", err
	}

	writer.WriteField("model", "whisper-large-v3-turbo")
	writer.WriteField("response_format", "json")
	if g.lang != "" {
		writer.WriteField("language", g.lang)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, groqAPIURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("groq API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var gResp groqResponse
	if err := json.Unmarshal(resp.Body, &gResp); err != nil {
		return "", fmt.Errorf("groq response parse error: %w", err)
	}
	return gResp.Text, nil
}
