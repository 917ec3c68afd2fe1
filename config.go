package dualai

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// Config holds every setting the service reads. It is constructed once at
// startup and passed by reference into each component constructor; nothing
// reads the environment after LoadConfig returns.
type Config struct {
	ListenAddr string `env:"DUAL_AI_LISTEN_ADDR" envDefault:":8080"`

	// Anthropic
	AnthropicAPIKey       string  `env:"DUAL_AI_ANTHROPIC_API_KEY"`
	AnthropicModel        string  `env:"DUAL_AI_ANTHROPIC_MODEL" envDefault:"claude-3-sonnet-20240229"`
	AnthropicSystemPrompt string  `env:"DUAL_AI_ANTHROPIC_SYSTEM_PROMPT"`
	AnthropicMaxTokens    int64   `env:"DUAL_AI_ANTHROPIC_MAX_TOKENS" envDefault:"1024"`
	AnthropicTemperature  float64 `env:"DUAL_AI_ANTHROPIC_TEMPERATURE" envDefault:"0.7"`

	// ElevenLabs
	ElevenLabsAPIKey       string `env:"DUAL_AI_ELEVENLABS_API_KEY"`
	ElevenLabsAgentID      string `env:"DUAL_AI_ELEVENLABS_AGENT_ID"`
	ElevenLabsVoiceID      string `env:"DUAL_AI_ELEVENLABS_VOICE_ID"`
	ElevenLabsModelID      string `env:"DUAL_AI_ELEVENLABS_MODEL_ID" envDefault:"eleven_multilingual_v2"`
	ElevenLabsOutputFormat string `env:"DUAL_AI_ELEVENLABS_OUTPUT_FORMAT" envDefault:"mp3_44100_128"`

	// Synthesized audio artifacts
	AudioTempDir   string `env:"DUAL_AI_AUDIO_TEMP_DIR" envDefault:"/tmp/dualai-audio"`
	AudioBaseURL   string `env:"DUAL_AI_AUDIO_BASE_URL" envDefault:"/audio"`
	WelcomeMessage string `env:"DUAL_AI_WELCOME_MESSAGE"`
	DisplayMode    string `env:"DUAL_AI_DISPLAY_MODE" envDefault:"floating"`

	// Gateway trust domains. The admin token guards report/export/test
	// endpoints; the public token guards the visitor-facing chat endpoints.
	// The two are separate secrets.
	AdminAPIToken   string `env:"DUAL_AI_ADMIN_API_TOKEN"`
	PublicChatToken string `env:"DUAL_AI_PUBLIC_CHAT_TOKEN"`

	// Interaction log storage. Driver is one of "sqlite3", "postgres" or
	// "memory".
	DatabaseDriver string `env:"DUAL_AI_DB_DRIVER" envDefault:"sqlite3"`
	DatabaseDSN    string `env:"DUAL_AI_DB_DSN" envDefault:"dualai.db"`
}

// LoadConfig parses the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	return cfg, nil
}

// HasAnthropicCredentials reports whether a chat request can be attempted.
func (c *Config) HasAnthropicCredentials() bool {
	return c.AnthropicAPIKey != ""
}

// HasElevenLabsCredentials reports whether both the API key and agent id are
// present. Checked per call, not cached, so a settings change takes effect on
// the next request.
func (c *Config) HasElevenLabsCredentials() bool {
	return c.ElevenLabsAPIKey != "" && c.ElevenLabsAgentID != ""
}
