package dualai

import (
	"time"
)

// Provider identifiers for logged interactions.
const (
	ProviderAnthropic  = "anthropic"
	ProviderElevenLabs = "elevenlabs"
)

// Interaction types recorded by the provider clients.
const (
	InteractionChatMessage       = "chat_message"
	InteractionTextToSpeech      = "text_to_speech"
	InteractionVoiceAgentSession = "voice_agent_session"
)

// GuestUserID is the sentinel user id recorded for unauthenticated callers.
const GuestUserID int64 = 0

// Interaction is one logged, completed call to a provider. Rows are immutable
// once inserted; there is no update or delete path and no retention limit.
type Interaction struct {
	ID        int64     `json:"id"`
	Type      string    `json:"interaction_type"`
	Provider  string    `json:"api_provider"`
	Data      string    `json:"interaction_data"`
	Time      time.Time `json:"interaction_time"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id"`
}

// RequestContext carries the caller identity resolved once at the gateway
// boundary. It replaces ambient cookie/global lookups: every logging and
// client call receives it explicitly.
type RequestContext struct {
	UserID    int64
	SessionID string
}

// IsGuest reports whether the caller is unauthenticated.
func (rc RequestContext) IsGuest() bool { return rc.UserID == GuestUserID }

// ChatMessage is one role-tagged message in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the internal shape of a text chat request. Zero-valued
// fields are filled from configuration defaults.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	ProductID   string        `json:"product_id,omitempty"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
}

// Voice is a normalized ElevenLabs voice entry.
type Voice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// TTSOptions controls a text-to-speech synthesis call. Zero values are filled
// from configuration defaults before the cache key is derived.
type TTSOptions struct {
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id"`
	OutputFormat    string  `json:"output_format"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// TTSResult references a synthesized audio artifact by public URL and local
// path. The artifact can be deleted by the temp-file sweep while a cache
// entry still points at it, so consumers must verify on-disk presence.
type TTSResult struct {
	AudioURL string `json:"audio_url"`
	FilePath string `json:"file_path"`
}

// Product is the commerce item a chat request can reference for context.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       string
}

// UserInfo is the display view of an interaction's owning user.
type UserInfo struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}
