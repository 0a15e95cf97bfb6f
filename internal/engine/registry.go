package engine

import "strings"

// Backend describes an OpenAI-compatible (or Anthropic) API host.
type Backend struct {
	Name                string
	DisplayName         string
	Keywords            []string // model-name keywords, lowercase
	DefaultAPIBase      string
	DetectByKeyPrefix   string // api key prefix that identifies a gateway
	DetectByBaseKeyword string // api base substring that identifies a gateway
	IsGateway           bool   // routes "vendor/model" names; the prefix is kept
	IsLocal             bool
	Anthropic           bool // speaks the Messages API instead of chat completions
}

func (b Backend) Label() string {
	if b.DisplayName != "" {
		return b.DisplayName
	}
	return b.Name
}

// Backends is ordered by match priority.
var Backends = []Backend{
	{
		Name:                "openrouter",
		DisplayName:         "OpenRouter",
		Keywords:            []string{"openrouter"},
		DefaultAPIBase:      "https://openrouter.ai/api/v1",
		DetectByKeyPrefix:   "sk-or-",
		DetectByBaseKeyword: "openrouter",
		IsGateway:           true,
	},
	{
		Name:                "siliconflow",
		DisplayName:         "SiliconFlow",
		Keywords:            []string{"siliconflow"},
		DefaultAPIBase:      "https://api.siliconflow.cn/v1",
		DetectByBaseKeyword: "siliconflow",
		IsGateway:           true,
	},
	{
		Name:           "anthropic",
		DisplayName:    "Anthropic",
		Keywords:       []string{"anthropic", "claude"},
		DefaultAPIBase: "https://api.anthropic.com/v1",
		Anthropic:      true,
	},
	{
		Name:           "openai",
		DisplayName:    "OpenAI",
		Keywords:       []string{"openai", "gpt"},
		DefaultAPIBase: "https://api.openai.com/v1",
	},
	{
		Name:           "deepseek",
		DisplayName:    "DeepSeek",
		Keywords:       []string{"deepseek"},
		DefaultAPIBase: "https://api.deepseek.com/v1",
	},
	{
		Name:           "dashscope",
		DisplayName:    "DashScope",
		Keywords:       []string{"qwen", "dashscope"},
		DefaultAPIBase: "https://dashscope.aliyuncs.com/compatible-mode/v1",
	},
	{
		Name:           "moonshot",
		DisplayName:    "Moonshot",
		Keywords:       []string{"moonshot", "kimi"},
		DefaultAPIBase: "https://api.moonshot.ai/v1",
	},
	{
		Name:        "vllm",
		DisplayName: "vLLM/Local",
		Keywords:    []string{"vllm"},
		IsLocal:     true,
	},
}

// FindByName returns the backend called name.
func FindByName(name string) *Backend {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	for i := range Backends {
		if Backends[i].Name == name {
			return &Backends[i]
		}
	}
	return nil
}

// FindByModel matches a direct backend from the model name: an explicit
// "vendor/" prefix first, then keywords. Gateways and local backends are
// never matched this way.
func FindByModel(model string) *Backend {
	lower := strings.ToLower(model)
	prefix, _, hasPrefix := strings.Cut(lower, "/")

	if hasPrefix {
		if b := FindByName(prefix); b != nil && !b.IsGateway && !b.IsLocal {
			return b
		}
	}
	for i := range Backends {
		b := &Backends[i]
		if b.IsGateway || b.IsLocal {
			continue
		}
		for _, kw := range b.Keywords {
			if strings.Contains(lower, kw) {
				return b
			}
		}
	}
	return nil
}

// FindGateway detects a gateway or local backend from the configured
// name, the api key prefix or the api base.
func FindGateway(name, apiKey, apiBase string) *Backend {
	if name != "" {
		if b := FindByName(name); b != nil && (b.IsGateway || b.IsLocal) {
			return b
		}
	}
	for i := range Backends {
		b := &Backends[i]
		if b.DetectByKeyPrefix != "" && strings.HasPrefix(apiKey, b.DetectByKeyPrefix) {
			return b
		}
		if b.DetectByBaseKeyword != "" && strings.Contains(apiBase, b.DetectByBaseKeyword) {
			return b
		}
	}
	return nil
}

// Resolve picks the backend for a configuration: gateway detection wins,
// then the explicit name, then the model name.
func Resolve(name, apiKey, apiBase, model string) *Backend {
	if b := FindGateway(name, apiKey, apiBase); b != nil {
		return b
	}
	if name != "" {
		if b := FindByName(name); b != nil {
			return b
		}
	}
	return FindByModel(model)
}

// bareModel strips a "vendor/" prefix for direct backends. Gateways need
// the prefix for routing.
func bareModel(b *Backend, model string) string {
	if b == nil || b.IsGateway {
		return model
	}
	prefix, rest, ok := strings.Cut(model, "/")
	if !ok {
		return model
	}
	if FindByName(prefix) != nil {
		return rest
	}
	return model
}
