package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

const openaiAPIURL = "https://api.openai.com/v1/audio/transcriptions"

type openaiUploader struct {
	client *tracedClient
	apiKey string
	lang   string
}

func newOpenAIUploader(apiKey, lang string) *openaiUploader {
	o := &openaiUploader{
		client: newTracedClient(openaiAPIURL),
		apiKey: apiKey,
		lang:   lang,
	}
	go o.client.Warm()
	return o
}

func (o *openaiUploader) transcribe(ctx context.Context, audioData []byte, format string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audioData); err != nil {
		return "", err
	}

	writer.WriteField("model", "gpt-4o-transcribe")
	writer.WriteField("response_format", "json")
	if o.lang != "" {
		writer.WriteField("language", o.lang)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiAPIURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var oResp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &oResp); err != nil {
		return "", fmt.Errorf("openai response parse error: %w", err)
	}
	return oResp.Text, nil
}
