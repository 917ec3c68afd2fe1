package dualai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicProvider translates internal chat requests into Anthropic
// message-completion calls and records a chat_message interaction for every
// successful one.
type AnthropicProvider struct {
	cfg      *Config
	client   AnthropicClientProvider
	catalog  ProductCatalog
	recorder *InteractionRecorder
	logger   Logger

	// newClient builds an SDK client for a given key. Swapped in tests and
	// used by TestConnection when an override key is supplied.
	newClient func(apiKey string) AnthropicClientProvider
}

// AnthropicProviderConfig holds the dependencies for an AnthropicProvider.
// Client may be nil; one is then constructed from the configured API key on
// first use. Catalog may be nil when no commerce integration is active.
type AnthropicProviderConfig struct {
	Config   *Config
	Client   AnthropicClientProvider
	Catalog  ProductCatalog
	Recorder *InteractionRecorder
	Logger   Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(pc AnthropicProviderConfig) *AnthropicProvider {
	logger := pc.Logger
	if logger == nil {
		logger = NewNullLogger()
	}
	return &AnthropicProvider{
		cfg:      pc.Config,
		client:   pc.Client,
		catalog:  pc.Catalog,
		recorder: pc.Recorder,
		logger:   logger,
		newClient: func(apiKey string) AnthropicClientProvider {
			return NewAnthropicClient(apiKey)
		},
	}
}

// ensureClient lazily constructs the SDK client. The credential check happens
// before this is called, so apiKey is known to be non-empty.
func (p *AnthropicProvider) ensureClient() AnthropicClientProvider {
	if p.client == nil {
		p.client = p.newClient(p.cfg.AnthropicAPIKey)
	}
	return p.client
}

// productContext builds the system-prompt preamble for a product page chat.
func (p *AnthropicProvider) productContext(ctx context.Context, productID string) string {
	product, err := p.catalog.GetProduct(ctx, productID)
	if err != nil {
		p.logger.WithErr(err).WithFields(map[string]interface{}{
			"product_id": productID,
		}).Debug("product lookup failed, skipping product context")
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You are assisting with information about the product: " + product.Name + "\n")
	sb.WriteString("Description: " + product.Description + "\n")
	sb.WriteString("Price: " + product.Price + "\n")
	return sb.String()
}

// prepareMessageParams converts a ChatRequest into Anthropic message
// parameters, applying configuration defaults and the optional product
// context.
func (p *AnthropicProvider) prepareMessageParams(ctx context.Context, req ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.cfg.AnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.AnthropicMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.AnthropicTemperature
	}
	system := req.System
	if system == "" {
		system = p.cfg.AnthropicSystemPrompt
	}

	if req.ProductID != "" && p.catalog != nil {
		if productContext := p.productContext(ctx, req.ProductID); productContext != "" {
			if system != "" {
				system = productContext + "\n" + system
			} else {
				system = productContext
			}
		}
	}

	var anthropicMessages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(anthropic.Model(model)),
		Messages:    anthropic.F(anthropicMessages),
		MaxTokens:   anthropic.F(maxTokens),
		Temperature: anthropic.Float(temperature),
	}

	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(system),
		})
	}

	return params
}

// wrapAnthropicError maps an SDK error to the APIError taxonomy, carrying the
// upstream status and message through to the caller.
func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &APIError{
			Provider:   ProviderAnthropic,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Err:        err,
		}
	}
	return &APIError{
		Provider: ProviderAnthropic,
		Message:  fmt.Sprintf("error connecting to Anthropic API: %v", err),
		Err:      err,
	}
}

// SendChatRequest sends a chat completion request and returns the raw
// provider response. On success exactly one chat_message interaction is
// recorded with the final user message and the model's reply.
func (p *AnthropicProvider) SendChatRequest(ctx context.Context, rc RequestContext, req ChatRequest) (*anthropic.Message, error) {
	ctx, span := StartSpan(ctx, "AnthropicProvider.SendChatRequest")
	defer span.End()

	if len(req.Messages) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "must be a non-empty array"}
	}

	if !p.cfg.HasAnthropicCredentials() {
		return nil, &ConfigurationError{Provider: ProviderAnthropic, Missing: "API key"}
	}

	params := p.prepareMessageParams(ctx, req)

	message, err := p.ensureClient().CreateMessage(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	input := req.Messages[len(req.Messages)-1].Content
	output := extractMessageText(message)

	if p.recorder != nil {
		p.recorder.Record(ctx, rc, InteractionChatMessage, ProviderAnthropic, map[string]interface{}{
			"input":     input,
			"output":    output,
			"model":     string(message.Model),
			"timestamp": time.Now().Unix(),
		})
	}

	return message, nil
}

// TestConnection sends a minimal request to verify an API key. When
// apiKeyOverride is empty the stored key is used. Returns the responding
// model name.
func (p *AnthropicProvider) TestConnection(ctx context.Context, apiKeyOverride string) (string, error) {
	ctx, span := StartSpan(ctx, "AnthropicProvider.TestConnection")
	defer span.End()

	apiKey := apiKeyOverride
	if apiKey == "" {
		apiKey = p.cfg.AnthropicAPIKey
	}
	if apiKey == "" {
		return "", &ConfigurationError{Provider: ProviderAnthropic, Missing: "API key"}
	}

	client := p.client
	if apiKeyOverride != "" || client == nil {
		client = p.newClient(apiKey)
	}

	message, err := client.CreateMessage(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(p.cfg.AnthropicModel)),
		MaxTokens: anthropic.F(int64(10)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Say hello world")),
		}),
	})
	if err != nil {
		return "", wrapAnthropicError(err)
	}

	return string(message.Model), nil
}

// Models returns the static mapping of model identifiers to display names.
// Anthropic offers no usable public model-listing endpoint, so the list is
// maintained by hand.
func (p *AnthropicProvider) Models() map[string]string {
	return map[string]string{
		"claude-3-5-sonnet-20240620": "Claude 3.5 Sonnet (June 2024)",
		"claude-3-opus-20240229":     "Claude 3 Opus (Feb 2024)",
		"claude-3-sonnet-20240229":   "Claude 3 Sonnet (Feb 2024)",
		"claude-3-haiku-20240307":    "Claude 3 Haiku (Mar 2024)",
		"claude-2.1":                 "Claude 2.1",
		"claude-2.0":                 "Claude 2.0",
		"claude-instant-1.2":         "Claude Instant 1.2",
	}
}

// extractMessageText concatenates the text blocks of a provider response.
func extractMessageText(message *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range message.Content {
		if textBlock, ok := block.AsUnion().(anthropic.TextBlock); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(textBlock.Text)
		}
	}
	return sb.String()
}
