package postproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type apiFormat int

const (
	formatOpenAI apiFormat = iota
	formatClaude
	formatGemini
)

const (
	openaiDefaultModel = "gpt-4o-mini"
	claudeDefaultModel = "claude-sonnet-4-20250514"
	geminiDefaultModel = "gemini-2.0-flash"

	systemPrompt = "You are a helpful text processing assistant. Follow the instructions precisely and return only the processed text."
)

// HTTPProcessor calls a hosted LLM API. Three wire formats are
// supported: OpenAI chat completions (also used for OpenAI-compatible
// custom endpoints), Anthropic messages, and Gemini generateContent.
type HTTPProcessor struct {
	client  *http.Client
	format  apiFormat
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIProcessor(apiKey, model string) *HTTPProcessor {
	if model == "" {
		model = openaiDefaultModel
	}
	return &HTTPProcessor{
		client:  &http.Client{},
		format:  formatOpenAI,
		baseURL: "https://api.openai.com/v1",
		apiKey:  apiKey,
		model:   model,
	}
}

func NewClaudeProcessor(apiKey, model string) *HTTPProcessor {
	if model == "" {
		model = claudeDefaultModel
	}
	return &HTTPProcessor{
		client:  &http.Client{},
		format:  formatClaude,
		baseURL: "https://api.anthropic.com",
		apiKey:  apiKey,
		model:   model,
	}
}

func NewGeminiProcessor(apiKey, model string) *HTTPProcessor {
	if model == "" {
		model = geminiDefaultModel
	}
	return &HTTPProcessor{
		client:  &http.Client{},
		format:  formatGemini,
		baseURL: "https://generativelanguage.googleapis.com",
		apiKey:  apiKey,
		model:   model,
	}
}

// NewCustomProcessor targets any OpenAI-compatible endpoint (ollama,
// llama.cpp, vLLM and the like).
func NewCustomProcessor(baseURL, apiKey, model string) *HTTPProcessor {
	if model == "" {
		model = openaiDefaultModel
	}
	return &HTTPProcessor{
		client:  &http.Client{},
		format:  formatOpenAI,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, task Task) (string, error) {
	prompt := BuildPrompt(task)

	req, err := p.buildRequest(ctx, prompt)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", p.httpError(resp.StatusCode, body)
	}
	return p.extractText(body)
}

func (p *HTTPProcessor) buildRequest(ctx context.Context, prompt string) (*http.Request, error) {
	var url string
	var payload any

	switch p.format {
	case formatClaude:
		url = p.baseURL + "/v1/messages"
		payload = map[string]any{
			"model":      p.model,
			"max_tokens": 4096,
			"system":     systemPrompt,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}
	case formatGemini:
		url = fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
		payload = map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": prompt}}},
			},
		}
	default:
		url = p.baseURL + "/chat/completions"
		payload = map[string]any{
			"model": p.model,
			"messages": []map[string]string{
				{"role": "system", "content": systemPrompt},
				{"role": "user", "content": prompt},
			},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	switch p.format {
	case formatClaude:
		req.Header.Set("x-api-key", p.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case formatGemini:
		// Key travels in the URL.
	default:
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

func (p *HTTPProcessor) extractText(body []byte) (string, error) {
	switch p.format {
	case formatClaude:
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err == nil && len(resp.Content) > 0 {
			return resp.Content[0].Text, nil
		}
	case formatGemini:
		var resp struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal(body, &resp); err == nil &&
			len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
			return resp.Candidates[0].Content.Parts[0].Text, nil
		}
	default:
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err == nil && len(resp.Choices) > 0 {
			return resp.Choices[0].Message.Content, nil
		}
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return "", fmt.Errorf("malformed API response: %s", snippet)
}

func (p *HTTPProcessor) httpError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("authentication failed, check your API key")
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited, wait and try again")
	case status >= 500:
		return fmt.Errorf("server error %d, try again later", status)
	default:
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("API request failed (HTTP %d): %s", status, snippet)
	}
}
