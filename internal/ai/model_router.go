package ai

import "strings"

type TaskKind string

const (
	TaskSynthesis     TaskKind = "synthesis"
	TaskDeepSynthesis TaskKind = "deep_synthesis"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

type ModelRouterConfig struct {
	Provider      string
	PrimaryModel  string
	FallbackModel string
}

// ModelRouter picks model ids and sampling settings per task.
type ModelRouter struct {
	config ModelRouterConfig
}

// defaultModels holds primary and fallback ids per provider.
var defaultModels = map[string][2]string{
	"openai":     {"gpt-4.1-mini", "gpt-4.1-nano"},
	"openrouter": {"openai/gpt-4.1-mini", "openai/gpt-4.1-nano"},
	"genai":      {"gemini-2.5-flash", "gemini-2.5-flash-lite"},
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	provider := strings.ToLower(strings.TrimSpace(config.Provider))
	defaults, ok := defaultModels[provider]
	if !ok {
		defaults = defaultModels["openrouter"]
	}
	if strings.TrimSpace(config.PrimaryModel) == "" {
		config.PrimaryModel = defaults[0]
	}
	if strings.TrimSpace(config.FallbackModel) == "" {
		config.FallbackModel = defaults[1]
	}
	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskDeepSynthesis:
		return ModelProfile{
			PrimaryModel:    r.config.PrimaryModel,
			FallbackModel:   r.config.FallbackModel,
			Temperature:     0.2,
			MaxOutputTokens: 1400,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.PrimaryModel,
			FallbackModel:   r.config.FallbackModel,
			Temperature:     0.2,
			MaxOutputTokens: 700,
		}
	}
}
