package pipeline

import (
	"errors"

	"github.com/crystaldolphin/cirno/internal/resilience"
)

// Failure kinds used to pick a fallback message.
const (
	KindCircuitOpen = "circuit_open"
	KindRateLimit   = "rate_limit"
	KindAuth        = "auth"
	KindNetwork     = "network"
	KindDefault     = "default"
)

var defaultFallbacks = map[string]string{
	KindCircuitOpen: "I'm temporarily unavailable. Please try again in a minute.",
	KindRateLimit:   "I'm getting too many requests right now. Please try again shortly.",
	KindAuth:        "I can't reach my reasoning service because of a configuration problem.",
	KindNetwork:     "I couldn't reach my reasoning service. Please try again.",
	KindDefault:     "Sorry, something went wrong while handling your message.",
}

// FailureKind maps an executor error to a fallback key.
func FailureKind(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return KindCircuitOpen
	}
	switch resilience.CategoryOf(err) {
	case resilience.CategoryRateLimit, resilience.CategoryQuota:
		return KindRateLimit
	case resilience.CategoryAuth:
		return KindAuth
	case resilience.CategoryNetwork, resilience.CategoryTimeout:
		return KindNetwork
	default:
		return KindDefault
	}
}

func (c *Coordinator) fallbackText(kind string) string {
	if msg, ok := c.settings.FallbackMessages[kind]; ok && msg != "" {
		return msg
	}
	if msg, ok := defaultFallbacks[kind]; ok {
		return msg
	}
	return defaultFallbacks[KindDefault]
}
