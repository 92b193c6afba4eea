package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	CallShapeChat       = "chat"
	CallShapeCompletion = "completion"
)

// OpenAICompleter talks to the OpenAI API or an Azure OpenAI deployment using
// either the chat or the legacy completion endpoint.
type OpenAICompleter struct {
	azure       bool
	shape       string
	baseURL     string
	apiKey      string
	apiVersion  string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func NewOpenAICompleter(cfg Config) (*OpenAICompleter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	shape := strings.ToLower(strings.TrimSpace(cfg.CallShape))
	switch shape {
	case "":
		shape = CallShapeChat
	case CallShapeChat, CallShapeCompletion:
	default:
		return nil, fmt.Errorf("unsupported call shape %q", cfg.CallShape)
	}
	azure := strings.EqualFold(strings.TrimSpace(cfg.Provider), "azure")
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if azure && apiVersion == "" {
		return nil, fmt.Errorf("api version is required for azure")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAICompleter{
		azure:       azure,
		shape:       shape,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		apiVersion:  apiVersion,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(c.payload(prompt))
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", c.shape, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", c.shape, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.azure {
		httpReq.Header.Set("api-key", c.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request %s completion: %w", c.shape, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response body: %w", c.shape, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s completion failed status=%d body=%s", c.shape, resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Text    string `json:"text"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode %s completion response: %w", c.shape, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty %s completion choices", c.shape)
	}

	text := parsed.Choices[0].Message.Content
	if c.shape == CallShapeCompletion {
		text = parsed.Choices[0].Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (c *OpenAICompleter) endpoint() string {
	path := "/v1/chat/completions"
	if c.shape == CallShapeCompletion {
		path = "/v1/completions"
	}
	if !c.azure {
		return c.baseURL + path
	}

	path = "/chat/completions"
	if c.shape == CallShapeCompletion {
		path = "/completions"
	}
	return c.baseURL + "/openai/deployments/" + url.PathEscape(c.model) + path + "?api-version=" + url.QueryEscape(c.apiVersion)
}

func (c *OpenAICompleter) payload(prompt string) map[string]any {
	payload := map[string]any{
		"temperature": c.temperature,
	}
	if c.maxTokens > 0 {
		payload["max_tokens"] = c.maxTokens
	}
	if !c.azure {
		payload["model"] = c.model
	}
	if c.shape == CallShapeCompletion {
		payload["prompt"] = prompt
	} else {
		payload["messages"] = []map[string]string{
			{"role": "user", "content": prompt},
		}
	}
	return payload
}
