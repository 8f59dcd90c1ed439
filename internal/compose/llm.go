package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/llm"
	"github.com/abhisek/focuscoach/internal/metrics"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// NudgeSchema is the response schema of LLM-written copy.
var NudgeSchema = &llm.Schema{
	Name:        "nudge-copy",
	Description: "Title and body of one coaching notification",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"minLength":   1,
				"maxLength":   80,
				"description": "Notification title, at most 80 characters",
			},
			"body": map[string]any{
				"type":        "string",
				"maxLength":   280,
				"description": "One or two short sentences",
			},
		},
		"required":             []any{"title", "body"},
		"additionalProperties": false,
	},
}

// LLMConfig tunes the LLM composer.
type LLMConfig struct {
	MaxTokens   int
	Temperature float64

	// MinPriority is the lowest trigger priority worth a model call.
	// Lower-priority triggers keep their template copy.
	MinPriority int
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{MaxTokens: 200, Temperature: 0.7, MinPriority: 0}
}

// LLM rewrites template copy through a language model. Any model failure
// returns the template copy instead.
type LLM struct {
	provider  llm.Provider
	templates *Templates
	cfg       LLMConfig
	logger    *zap.Logger
}

var _ Composer = (*LLM)(nil)

// NewLLM creates an LLM composer. A nil provider always yields template
// copy.
func NewLLM(provider llm.Provider, templates *Templates, cfg LLMConfig, logger *zap.Logger) *LLM {
	if templates == nil {
		templates = NewTemplates()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{provider: provider, templates: templates, cfg: cfg, logger: logger}
}

type nudgeOutput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (c *LLM) Compose(ctx context.Context, def registry.Definition, uc usercontext.UserContext) (Copy, error) {
	draft, err := c.templates.Compose(ctx, def, uc)
	if err != nil {
		return Copy{}, err
	}
	if c.provider == nil || def.Priority < c.cfg.MinPriority {
		return draft, nil
	}

	purpose := llm.PurposeNudgeCopy
	if def.Synthetic {
		purpose = llm.PurposeUnlockCopy
	}
	ctx = llm.WithPurpose(ctx, purpose)

	msg, err := buildNudgeMessage(def, uc, draft)
	if err != nil {
		return draft, nil
	}
	resp, err := c.provider.Generate(ctx, llm.Request{
		System:      nudgeSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: msg}},
		Schema:      NudgeSchema,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		reason := FallbackReason(err)
		metrics.RecordCopyFallback(reason)
		c.logger.Warn("llm copy failed, using template",
			zap.String("trigger", def.ID),
			zap.String("user", uc.UserID()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return draft, nil
	}

	var out nudgeOutput
	if err := json.Unmarshal(resp.Content, &out); err != nil || out.Title == "" {
		metrics.RecordCopyFallback(ReasonInvalidResponse)
		c.logger.Warn("unusable llm copy, using template", zap.String("trigger", def.ID), zap.Error(err))
		return draft, nil
	}
	return Copy{Title: out.Title, Body: out.Body, Source: SourceLLM}, nil
}

// Reasons template copy replaced a model answer.
const (
	ReasonRateLimited     = "rate_limited"
	ReasonUnavailable     = "unavailable"
	ReasonInvalidResponse = "invalid_response"
	ReasonTruncated       = "truncated"
	ReasonError           = "error"
)

// FallbackReason classifies a provider error for logs and metrics.
func FallbackReason(err error) string {
	var (
		rl    *llm.ErrRateLimit
		down  *llm.ErrProviderUnavailable
		inv   *llm.ErrInvalidResponse
		trunc *llm.ErrMaxTokensExceeded
	)
	switch {
	case errors.As(err, &rl):
		return ReasonRateLimited
	case errors.As(err, &down):
		return ReasonUnavailable
	case errors.As(err, &inv):
		return ReasonInvalidResponse
	case errors.As(err, &trunc):
		return ReasonTruncated
	default:
		return ReasonError
	}
}

const nudgeSystemPrompt = `You write notifications for a personal productivity coach. Each notification nudges one person toward a focus habit.

Rules:
- Keep the meaning of the draft. Do not add facts that are not in the input.
- Title: at most 80 characters, no emoji, no trailing period.
- Body: one or two short sentences in second person, warm and direct.
- Never shame the reader about missed sessions.`

type nudgePrompt struct {
	TriggerID   string
	Methodology string
	Draft       Copy
	Data        Data
}

var nudgeUserTemplate = template.Must(template.New("nudge").Parse(`Trigger: {{.TriggerID}}
Methodology: {{.Methodology}}

Draft title: {{.Draft.Title}}
Draft body: {{.Draft.Body}}

Context:
- current streak: {{.Data.Streak}} days (next milestone {{.Data.NextMilestone}})
- sessions today: {{.Data.SessionsToday}}
- focus minutes today: {{.Data.FocusMinutesToday}}, this week: {{.Data.FocusMinutesWeek}}
- open tasks: {{.Data.TasksOpen}}, completed today: {{.Data.TasksCompletedToday}}
`))

func buildNudgeMessage(def registry.Definition, uc usercontext.UserContext, draft Copy) (string, error) {
	data := DataFor(def, uc)
	var buf bytes.Buffer
	err := nudgeUserTemplate.Execute(&buf, nudgePrompt{
		TriggerID:   def.ID,
		Methodology: data.Methodology,
		Draft:       draft,
		Data:        data,
	})
	if err != nil {
		return "", fmt.Errorf("build nudge prompt: %w", err)
	}
	return buf.String(), nil
}
