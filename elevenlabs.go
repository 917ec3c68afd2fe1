package dualai

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

	// elevenLabsRequestTimeout bounds most outbound calls; synthesis gets a
	// longer window because audio generation is slow. Deadlines are applied
	// per call through the request context, never on the HTTP client, so the
	// synthesis window is not capped by the shorter default.
	elevenLabsRequestTimeout = 15 * time.Second
	elevenLabsTTSTimeout     = 30 * time.Second

	// tempFileMaxAge is the age past which the cleanup sweep deletes
	// synthesized audio files. Younger files are never touched.
	tempFileMaxAge = 48 * time.Hour
)

// ElevenLabsClient wraps the provider's voice capabilities (signed session
// URLs, text-to-speech, voice listing) behind a consistent
// request/cache/error pipeline.
type ElevenLabsClient struct {
	cfg        *Config
	httpClient *http.Client
	cache      Cache
	recorder   *InteractionRecorder
	logger     Logger
	baseURL    string
	now        func() time.Time

	requestTimeout time.Duration
	ttsTimeout     time.Duration
}

// ElevenLabsClientConfig holds the dependencies for an ElevenLabsClient.
// HTTPClient, Cache and BaseURL have working defaults; BaseURL is overridden
// in tests.
type ElevenLabsClientConfig struct {
	Config     *Config
	HTTPClient *http.Client
	Cache      Cache
	Recorder   *InteractionRecorder
	Logger     Logger
	BaseURL    string
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cc ElevenLabsClientConfig) *ElevenLabsClient {
	httpClient := cc.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cache := cc.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	logger := cc.Logger
	if logger == nil {
		logger = NewNullLogger()
	}
	baseURL := cc.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	return &ElevenLabsClient{
		cfg:            cc.Config,
		httpClient:     httpClient,
		cache:          cache,
		recorder:       cc.Recorder,
		logger:         logger,
		baseURL:        baseURL,
		now:            time.Now,
		requestTimeout: elevenLabsRequestTimeout,
		ttsTimeout:     elevenLabsTTSTimeout,
	}
}

func md5hex(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// elevenLabsErrorMessage pulls a human-readable message out of an error
// response body. The provider nests it either at the top level or under
// "detail".
func elevenLabsErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Detail  struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Detail.Message != "" {
			return payload.Detail.Message
		}
	}
	return "Unknown API error"
}

// apiRequest performs one call against the provider. Credentials are checked
// per call so a settings change takes effect immediately. A context without a
// deadline gets the default request timeout; callers needing a longer window
// (synthesis) pass a context carrying their own deadline.
func (c *ElevenLabsClient) apiRequest(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	if !c.cfg.HasElevenLabsCredentials() {
		return nil, &ConfigurationError{Provider: ProviderElevenLabs, Missing: "API key or agent ID"}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	fullURL := strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, &APIError{Provider: ProviderElevenLabs, Message: fmt.Sprintf("failed to build request: %v", err), Err: err}
	}
	req.Header.Set("xi-api-key", c.cfg.ElevenLabsAPIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{
			Provider: ProviderElevenLabs,
			Message:  fmt.Sprintf("error connecting to ElevenLabs API: %v", err),
			Err:      err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{
			Provider: ProviderElevenLabs,
			Message:  fmt.Sprintf("error reading ElevenLabs API response: %v", err),
			Err:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := elevenLabsErrorMessage(respBody)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			message = "Authentication error: Check your ElevenLabs API key"
		case http.StatusNotFound:
			message = "Resource not found: " + message
		case http.StatusTooManyRequests:
			message = "API rate limit exceeded. Try again later"
		}
		return nil, &APIError{
			Provider:   ProviderElevenLabs,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && !json.Valid(respBody) {
		return nil, &DecodeError{Provider: ProviderElevenLabs, Err: fmt.Errorf("response is not valid JSON")}
	}

	return respBody, nil
}

// GetSignedURL returns a short-lived signed WebSocket URL authorizing a
// voice session with the configured agent. The URL is cached for five
// minutes; a cache hit returns without a network call and without logging a
// new session.
func (c *ElevenLabsClient) GetSignedURL(ctx context.Context, rc RequestContext) (string, error) {
	ctx, span := StartSpan(ctx, "ElevenLabsClient.GetSignedURL")
	defer span.End()

	if !c.cfg.HasElevenLabsCredentials() {
		return "", &ConfigurationError{Provider: ProviderElevenLabs, Missing: "API key or agent ID"}
	}

	agentID := c.cfg.ElevenLabsAgentID
	cacheKey := "elevenlabs_signed_url_" + md5hex(agentID)

	if cached, ok := c.cache.Get(cacheKey); ok {
		c.logger.Debug("using cached signed URL")
		return cached.(string), nil
	}

	endpoint := "convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(agentID)
	respBody, err := c.apiRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", &DecodeError{Provider: ProviderElevenLabs, Err: err}
	}
	if payload.SignedURL == "" {
		return "", &APIError{
			Provider: ProviderElevenLabs,
			Message:  "invalid response from ElevenLabs API: missing signed_url",
		}
	}

	c.cache.Set(cacheKey, payload.SignedURL, SignedURLCacheTTL)

	if c.recorder != nil {
		c.recorder.Record(ctx, rc, InteractionVoiceAgentSession, ProviderElevenLabs, map[string]interface{}{
			"agent_id":  agentID,
			"timestamp": c.now().Unix(),
			"type":      "voice_agent",
		})
	}

	return payload.SignedURL, nil
}

// applyTTSDefaults fills zero-valued options from configuration. Options are
// normalized before the cache key is derived so logically identical requests
// share an entry.
func (c *ElevenLabsClient) applyTTSDefaults(opts TTSOptions) TTSOptions {
	if opts.VoiceID == "" {
		opts.VoiceID = c.cfg.ElevenLabsVoiceID
	}
	if opts.ModelID == "" {
		opts.ModelID = c.cfg.ElevenLabsModelID
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = c.cfg.ElevenLabsOutputFormat
	}
	if opts.Stability == 0 {
		opts.Stability = 0.75
	}
	if opts.SimilarityBoost == 0 {
		opts.SimilarityBoost = 0.75
	}
	return opts
}

// ttsCacheKey derives a deterministic cache key from the text and the
// normalized options. Options marshal with a fixed field order, so identical
// logical requests always hit the same entry.
func ttsCacheKey(text string, opts TTSOptions) string {
	serialized, _ := json.Marshal(opts)
	return "elevenlabs_tts_" + md5hex(text, string(serialized))
}

// TextToSpeech synthesizes speech for the given text. Identical (text,
// options) calls inside the 24 hour TTL reuse the previously written audio
// file when it still exists on disk; the temp-file sweep can delete files the
// cache still references, so presence is re-checked on every hit. Concurrent
// identical calls may each synthesize; the duplicate work is acceptable.
func (c *ElevenLabsClient) TextToSpeech(ctx context.Context, rc RequestContext, text string, opts TTSOptions) (*TTSResult, error) {
	ctx, span := StartSpan(ctx, "ElevenLabsClient.TextToSpeech")
	defer span.End()

	if !c.cfg.HasElevenLabsCredentials() {
		return nil, &ConfigurationError{Provider: ProviderElevenLabs, Missing: "API key or agent ID"}
	}

	opts = c.applyTTSDefaults(opts)
	if opts.VoiceID == "" {
		return nil, &ValidationError{Field: "voice_id", Reason: "a voice ID is required for TTS"}
	}

	cacheKey := ttsCacheKey(text, opts)
	if cached, ok := c.cache.Get(cacheKey); ok {
		result := cached.(*TTSResult)
		if _, err := os.Stat(result.FilePath); err == nil {
			c.logger.Debug("using cached TTS file")
			return result, nil
		}
		c.cache.Delete(cacheKey)
	}

	requestData, err := json.Marshal(map[string]interface{}{
		"text":     text,
		"model_id": opts.ModelID,
		"voice_settings": map[string]interface{}{
			"stability":         opts.Stability,
			"similarity_boost":  opts.SimilarityBoost,
			"style":             opts.Style,
			"use_speaker_boost": opts.UseSpeakerBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	endpoint := "text-to-speech/" + url.PathEscape(opts.VoiceID) + "?output_format=" + url.QueryEscape(opts.OutputFormat)

	ttsCtx, cancel := context.WithTimeout(ctx, c.ttsTimeout)
	defer cancel()

	audioData, err := c.apiRequest(ttsCtx, http.MethodPost, endpoint, requestData)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.cfg.AudioTempDir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: c.cfg.AudioTempDir, Err: err}
	}

	fileName := "elevenlabs_tts_" + uuid.NewString() + ".mp3"
	filePath := filepath.Join(c.cfg.AudioTempDir, fileName)

	if err := os.WriteFile(filePath, audioData, 0o644); err != nil {
		return nil, &StorageError{Op: "write audio file", Path: filePath, Err: err}
	}

	result := &TTSResult{
		AudioURL: strings.TrimRight(c.cfg.AudioBaseURL, "/") + "/" + fileName,
		FilePath: filePath,
	}

	c.cache.Set(cacheKey, result, TTSCacheTTL)

	if c.recorder != nil {
		// The text itself is never logged, only its length.
		c.recorder.Record(ctx, rc, InteractionTextToSpeech, ProviderElevenLabs, map[string]interface{}{
			"voice_id":    opts.VoiceID,
			"model_id":    opts.ModelID,
			"text_length": len(text),
			"timestamp":   c.now().Unix(),
		})
	}

	return result, nil
}

// GetVoices fetches the provider's voice list normalized to (id, name,
// category) tuples, cached for one hour.
func (c *ElevenLabsClient) GetVoices(ctx context.Context) ([]Voice, error) {
	ctx, span := StartSpan(ctx, "ElevenLabsClient.GetVoices")
	defer span.End()

	const cacheKey = "elevenlabs_voices"
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]Voice), nil
	}

	respBody, err := c.apiRequest(ctx, http.MethodGet, "voices", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Voices []struct {
			VoiceID  string `json:"voice_id"`
			Name     string `json:"name"`
			Category string `json:"category"`
		} `json:"voices"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, &DecodeError{Provider: ProviderElevenLabs, Err: err}
	}
	if payload.Voices == nil {
		return nil, &DecodeError{Provider: ProviderElevenLabs, Err: fmt.Errorf("response is missing the voices array")}
	}

	voices := make([]Voice, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		category := v.Category
		if category == "" {
			category = "custom"
		}
		voices = append(voices, Voice{VoiceID: v.VoiceID, Name: v.Name, Category: category})
	}

	c.cache.Set(cacheKey, voices, VoicesCacheTTL)

	return voices, nil
}

// TestConnection verifies reachability with an uncached voice-list fetch,
// then returns the (cached or fresh) normalized voice list.
func (c *ElevenLabsClient) TestConnection(ctx context.Context) ([]Voice, error) {
	ctx, span := StartSpan(ctx, "ElevenLabsClient.TestConnection")
	defer span.End()

	if !c.cfg.HasElevenLabsCredentials() {
		return nil, &ConfigurationError{Provider: ProviderElevenLabs, Missing: "API key or agent ID"}
	}

	if _, err := c.apiRequest(ctx, http.MethodGet, "voices", nil); err != nil {
		return nil, err
	}

	return c.GetVoices(ctx)
}

// CleanupTempFiles deletes synthesized audio files strictly older than 48
// hours from the shared temp directory and returns the number removed. It
// runs on a daily schedule.
func (c *ElevenLabsClient) CleanupTempFiles() (int, error) {
	pattern := filepath.Join(c.cfg.AudioTempDir, "*.mp3")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return 0, &StorageError{Op: "scan temp dir", Path: c.cfg.AudioTempDir, Err: err}
	}

	cutoff := c.now().Add(-tempFileMaxAge)
	count := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(file); err != nil {
				c.logger.WithErr(err).WithFields(map[string]interface{}{"file": file}).Warn("failed to remove temp file")
				continue
			}
			count++
		}
	}

	c.logger.WithFields(map[string]interface{}{"files_removed": count}).Debug("temp files cleanup complete")

	return count, nil
}
