// Package engine is the client side of the reasoning engine: it turns a
// session's history plus a new turn into a reply.
package engine

import (
	"context"
	"regexp"
	"strings"
)

// Message is one prior exchange sent as context.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is everything the engine sees for one turn.
type Request struct {
	SessionID string
	History   []Message // oldest first
	Content   string
	Images    []string // image URLs attached to the turn
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Reply is the engine's answer to a turn.
type Reply struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Engine produces replies. Implementations return errors classified with
// the resilience package so callers can decide whether to retry.
type Engine interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, req Request) (Reply, error)

func (f Func) Reply(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

var reThink = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThink removes <think>…</think> blocks that some models embed.
func StripThink(s string) string {
	return strings.TrimSpace(reThink.ReplaceAllString(s, ""))
}
