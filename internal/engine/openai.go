package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crystaldolphin/cirno/internal/resilience"
)

// Config holds the connection and prompt settings of an OpenAIEngine.
type Config struct {
	Provider     string // backend name; empty means detect from key, base and model
	APIKey       string
	APIBase      string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	ExtraHeaders map[string]string
}

// OpenAIEngine talks to any OpenAI-compatible /chat/completions endpoint,
// and to the Anthropic Messages API when the backend calls for it.
type OpenAIEngine struct {
	cfg        Config
	backend    *Backend
	apiBase    string
	model      string
	anthropic  bool
	httpClient *http.Client
}

func NewOpenAIEngine(cfg Config) *OpenAIEngine {
	backend := Resolve(cfg.Provider, cfg.APIKey, cfg.APIBase, cfg.Model)

	base := cfg.APIBase
	if base == "" {
		if backend != nil && backend.DefaultAPIBase != "" {
			base = backend.DefaultAPIBase
		} else {
			base = "https://api.openai.com/v1"
		}
	}
	base = strings.TrimRight(base, "/")

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	// No client timeout: per-call deadlines come from the resilience executor.
	return &OpenAIEngine{
		cfg:        cfg,
		backend:    backend,
		apiBase:    base,
		model:      bareModel(backend, cfg.Model),
		anthropic:  (backend != nil && backend.Anthropic) || strings.Contains(strings.ToLower(base), "anthropic.com"),
		httpClient: &http.Client{},
	}
}

// Backend returns the detected backend, or nil for an unknown host.
func (e *OpenAIEngine) Backend() *Backend { return e.backend }

func (e *OpenAIEngine) APIBase() string { return e.apiBase }

func (e *OpenAIEngine) Model() string { return e.model }

// Reply implements Engine.
func (e *OpenAIEngine) Reply(ctx context.Context, req Request) (Reply, error) {
	var (
		url     string
		body    map[string]any
		headers = map[string]string{"Content-Type": "application/json"}
	)
	if e.anthropic {
		url = e.apiBase + "/messages"
		body = e.anthropicBody(req)
		headers["x-api-key"] = e.cfg.APIKey
		headers["anthropic-version"] = "2023-06-01"
	} else {
		url = e.apiBase + "/chat/completions"
		body = e.openAIBody(req)
		headers["Authorization"] = "Bearer " + e.cfg.APIKey
	}
	for k, v := range e.cfg.ExtraHeaders {
		headers[k] = v
	}

	raw, err := e.post(ctx, url, body, headers)
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	if e.anthropic {
		reply, err = parseAnthropicResponse(raw)
	} else {
		reply, err = parseOpenAIResponse(raw)
	}
	if err != nil {
		return Reply{}, err
	}
	reply.Content = StripThink(reply.Content)

	slog.Debug("engine: reply",
		"session", req.SessionID,
		"model", e.model,
		"finish", reply.FinishReason,
		"prompt_tokens", reply.Usage.PromptTokens,
		"completion_tokens", reply.Usage.CompletionTokens)
	return reply, nil
}

func (e *OpenAIEngine) post(ctx context.Context, url string, body map[string]any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("engine: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("engine: build request: %w", err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, resilience.ClassifyNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.ClassifyNetwork(fmt.Errorf("engine: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		ce := resilience.ClassifyHTTP(resp.StatusCode, string(raw))
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, ce
	}
	return raw, nil
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (e *OpenAIEngine) openAIBody(req Request) map[string]any {
	messages := make([]map[string]any, 0, len(req.History)+2)
	if e.cfg.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": e.cfg.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	var content any = req.Content
	if len(req.Images) > 0 {
		parts := []any{map[string]any{"type": "text", "text": req.Content}}
		for _, url := range req.Images {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
		}
		content = parts
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	return map[string]any{
		"model":       e.model,
		"messages":    messages,
		"max_tokens":  e.cfg.MaxTokens,
		"temperature": e.cfg.Temperature,
	}
}

func (e *OpenAIEngine) anthropicBody(req Request) map[string]any {
	messages := make([]map[string]any, 0, len(req.History)+1)
	for _, m := range req.History {
		// The Messages API rejects two consecutive turns with the same role.
		if n := len(messages); n > 0 && messages[n-1]["role"] == m.Role {
			prev := messages[n-1]
			prev["content"] = prev["content"].(string) + "\n\n" + m.Content
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	text := req.Content
	if n := len(messages); n > 0 && messages[n-1]["role"] == "user" {
		// Fold a dangling user turn into the prompt rather than send two.
		text = messages[n-1]["content"].(string) + "\n\n" + text
		messages = messages[:n-1]
	}

	var content any = text
	if len(req.Images) > 0 {
		var blocks []any
		for _, url := range req.Images {
			blocks = append(blocks, map[string]any{"type": "image", "source": anthropicImageSource(url)})
		}
		content = append(blocks, map[string]any{"type": "text", "text": text})
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	body := map[string]any{
		"model":       e.model,
		"messages":    messages,
		"max_tokens":  e.cfg.MaxTokens,
		"temperature": e.cfg.Temperature,
	}
	if e.cfg.SystemPrompt != "" {
		body["system"] = e.cfg.SystemPrompt
	}
	return body
}

// anthropicImageSource turns an image reference into a Messages API
// source: inline base64 for data URLs, a URL source otherwise.
func anthropicImageSource(url string) map[string]any {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok {
			if mediaType, ok := strings.CutSuffix(meta, ";base64"); ok {
				return map[string]any{"type": "base64", "media_type": mediaType, "data": data}
			}
		}
	}
	return map[string]any{"type": "url", "url": url}
}

type openAIRespBody struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func parseOpenAIResponse(raw []byte) (Reply, error) {
	var body openAIRespBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("engine: parse response: %w", err)
	}
	if len(body.Choices) == 0 {
		return Reply{}, errors.New("engine: empty choices in response")
	}

	choice := body.Choices[0]
	content, _ := choice.Message.Content.(string)
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return Reply{
		Content:      content,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
		},
	}, nil
}

type anthropicRespBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseAnthropicResponse(raw []byte) (Reply, error) {
	var body anthropicRespBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("engine: parse anthropic response: %w", err)
	}

	var sb strings.Builder
	for _, block := range body.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	finish := "stop"
	if body.StopReason != "" && body.StopReason != "end_turn" {
		finish = body.StopReason
	}
	return Reply{
		Content:      sb.String(),
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     body.Usage.InputTokens,
			CompletionTokens: body.Usage.OutputTokens,
		},
	}, nil
}
