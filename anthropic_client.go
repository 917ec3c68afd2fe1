package dualai

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicRequestTimeout bounds every outbound chat completion call. A
// timeout surfaces directly as an error to the caller; there is no retry.
const anthropicRequestTimeout = 30 * time.Second

// AnthropicClientProvider defines the interface for interacting with
// Anthropic's API. It abstracts the single message-completion operation used
// by AnthropicProvider so tests can substitute a mock.
type AnthropicClientProvider interface {
	// CreateMessage creates a new message using Anthropic's API.
	CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// AnthropicClient implements AnthropicClientProvider using Anthropic's
// official SDK.
type AnthropicClient struct {
	messages *anthropic.MessageService
}

// NewAnthropicClient creates a new AnthropicClient with the provided API key
// and the standard request timeout.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(anthropicRequestTimeout),
	)
	return &AnthropicClient{
		messages: client.Messages,
	}
}

// CreateMessage implements the AnthropicClientProvider interface using the
// Anthropic client.
func (c *AnthropicClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.messages.New(ctx, params)
}
