package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/engine"
	"github.com/abhisek/focuscoach/internal/llm"
)

// clearProviderKeys keeps the developer's API keys out of discovery.
func clearProviderKeys(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearProviderKeys(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, engine.DefaultConfig(), cfg.ForEngine())
	assert.Equal(t, llm.ProviderNone, cfg.LLM.Provider)
}

func TestLoad_Overrides(t *testing.T) {
	clearProviderKeys(t)
	t.Setenv("COACH_ENGINE_DAILY_CAP", "3")
	t.Setenv("COACH_ENGINE_PER_CYCLE", "1")
	t.Setenv("COACH_DELIVERY_MAX_ATTEMPTS", "5")
	t.Setenv("COACH_DELIVERY_PUSH_RATE", "2.5")
	t.Setenv("COACH_SWEEP_INTERVAL", "5m")
	t.Setenv("COACH_RESUME_INTERVAL", "30s")
	t.Setenv("COACH_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("COACH_LLM_PROVIDER", "openai")
	t.Setenv("COACH_OPENAI_API_KEY", "sk-test")
	t.Setenv("COACH_LLM_MIN_PRIORITY", "20")

	cfg, err := Load()
	require.NoError(t, err)

	ec := cfg.ForEngine()
	assert.Equal(t, 3, ec.DailyCap)
	assert.Equal(t, 1, ec.PerCycle)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.ResumeInterval)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)

	rc := cfg.ForRouter()
	assert.Equal(t, 5, rc.Retry.MaxAttempts)
	assert.Equal(t, 2.5, rc.Channels[channel.Push].Rate)
	assert.Equal(t, Default().Delivery.EmailRate, rc.Channels[channel.Email].Rate)

	assert.Equal(t, llm.ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
	assert.Equal(t, 20, cfg.ForComposer().MinPriority)
}

func TestLoad_DiscoversProvider(t *testing.T) {
	clearProviderKeys(t)
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderAnthropic, cfg.LLM.Provider)
	assert.Equal(t, "ak-test", cfg.LLM.Anthropic.APIKey)
	assert.Equal(t, Default().LLM.Timeout, cfg.LLM.Timeout)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero daily cap", map[string]string{"COACH_ENGINE_DAILY_CAP": "0"}},
		{"bad redis url", map[string]string{"COACH_REDIS_URL": "not a url"}},
		{"max wait below initial", map[string]string{"COACH_DELIVERY_INITIAL_WAIT": "10s", "COACH_DELIVERY_MAX_WAIT": "1s"}},
		{"unparsable duration", map[string]string{"COACH_SWEEP_INTERVAL": "soon"}},
		{"provider without key", map[string]string{"COACH_LLM_PROVIDER": "gemini"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearProviderKeys(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
