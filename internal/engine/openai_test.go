package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/cirno/internal/resilience"
)

type captured struct {
	path   string
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, status int, respBody string, header map[string]string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestOpenAIReply(t *testing.T) {
	srv, got := newServer(t, http.StatusOK,
		`{"choices":[{"message":{"content":"<think>hmm</think>  hello there"},"finish_reason":"stop"}],
		  "usage":{"prompt_tokens":12,"completion_tokens":3}}`, nil)

	eng := NewOpenAIEngine(Config{
		APIKey:       "sk-test",
		APIBase:      srv.URL + "/v1/",
		Model:        "gpt-4o-mini",
		SystemPrompt: "be brief",
	})

	reply, err := eng.Reply(context.Background(), Request{
		SessionID: "cli:private_1",
		History: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hey"},
		},
		Content: "how are you",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply.Content)
	assert.Equal(t, "stop", reply.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3}, reply.Usage)

	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "Bearer sk-test", got.header.Get("Authorization"))
	assert.Equal(t, "gpt-4o-mini", got.body["model"])

	msgs := got.body["messages"].([]any)
	require.Len(t, msgs, 4)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.(map[string]any)["role"].(string)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "how are you", msgs[3].(map[string]any)["content"])
}

func TestOpenAIReplyWithImages(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"choices":[{"message":{"content":"a cat"}}]}`, nil)
	eng := NewOpenAIEngine(Config{APIKey: "k", APIBase: srv.URL, Model: "gpt-4o"})

	_, err := eng.Reply(context.Background(), Request{Content: "what is this", Images: []string{"https://img/1.png"}})
	require.NoError(t, err)

	msgs := got.body["messages"].([]any)
	parts := msgs[len(msgs)-1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestHTTPFailuresAreClassified(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		header     map[string]string
		category   resilience.Category
		retryAfter time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, resilience.CategoryRateLimit, 7 * time.Second},
		{"bad key", http.StatusUnauthorized, nil, resilience.CategoryAuth, 0},
		{"overloaded", http.StatusServiceUnavailable, nil, resilience.CategoryServer, 0},
		{"bad request", http.StatusBadRequest, nil, resilience.CategoryBadRequest, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, tc.status, `{"error":"nope"}`, tc.header)
			eng := NewOpenAIEngine(Config{APIKey: "k", APIBase: srv.URL, Model: "gpt-4o"})

			_, err := eng.Reply(context.Background(), Request{Content: "x"})
			var ce *resilience.CallError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.category, ce.Category)
			assert.Equal(t, tc.status, ce.StatusCode)
			assert.Equal(t, tc.retryAfter, ce.RetryAfter)
		})
	}
}

func TestTransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	eng := NewOpenAIEngine(Config{APIKey: "k", APIBase: base, Model: "gpt-4o"})
	_, err := eng.Reply(context.Background(), Request{Content: "x"})
	assert.Equal(t, resilience.CategoryNetwork, resilience.CategoryOf(err))
	assert.True(t, resilience.IsRetryable(err))
}

func TestEmptyChoicesIsAnError(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"choices":[]}`, nil)
	eng := NewOpenAIEngine(Config{APIKey: "k", APIBase: srv.URL, Model: "gpt-4o"})
	_, err := eng.Reply(context.Background(), Request{Content: "x"})
	require.Error(t, err)
}

func TestAnthropicReply(t *testing.T) {
	srv, got := newServer(t, http.StatusOK,
		`{"content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}],"stop_reason":"end_turn",
		  "usage":{"input_tokens":5,"output_tokens":2}}`, nil)

	eng := NewOpenAIEngine(Config{
		Provider:     "anthropic",
		APIKey:       "ak",
		APIBase:      srv.URL,
		Model:        "anthropic/claude-sonnet",
		SystemPrompt: "sys",
	})
	require.NotNil(t, eng.Backend())
	assert.Equal(t, "claude-sonnet", eng.Model())

	reply, err := eng.Reply(context.Background(), Request{
		History: []Message{{Role: "user", Content: "earlier"}},
		Content: "now",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply.Content)
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 2}, reply.Usage)

	assert.Equal(t, "/messages", got.path)
	assert.Equal(t, "ak", got.header.Get("x-api-key"))
	assert.Equal(t, "sys", got.body["system"])
	msgs := got.body["messages"].([]any)
	require.Len(t, msgs, 1, "consecutive user turns are folded")
	assert.Equal(t, "earlier\n\nnow", msgs[0].(map[string]any)["content"])
}

func TestResolveBackend(t *testing.T) {
	assert.Equal(t, "openrouter", Resolve("", "sk-or-abc", "", "anthropic/claude").Name)
	assert.Equal(t, "deepseek", Resolve("", "k", "", "deepseek-chat").Name)
	assert.Equal(t, "anthropic", Resolve("", "k", "", "claude-3-haiku").Name)
	assert.Equal(t, "vllm", Resolve("vllm", "", "http://localhost:8000/v1", "llama").Name)
	assert.Nil(t, Resolve("", "", "", "mystery-model"))

	gw := FindByName("openrouter")
	assert.Equal(t, "anthropic/claude", bareModel(gw, "anthropic/claude"))
	assert.Equal(t, "deepseek-chat", bareModel(FindByName("deepseek"), "deepseek/deepseek-chat"))
}

func TestStripThink(t *testing.T) {
	assert.Equal(t, "answer", StripThink("<think>a\nb</think>\nanswer"))
	assert.Equal(t, "plain", StripThink("plain"))
}

func TestAnthropicImageSource(t *testing.T) {
	assert.Equal(t,
		map[string]any{"type": "base64", "media_type": "image/png", "data": "AAAA"},
		anthropicImageSource("data:image/png;base64,AAAA"))
	assert.Equal(t,
		map[string]any{"type": "url", "url": "https://img/1.png"},
		anthropicImageSource("https://img/1.png"))
}
