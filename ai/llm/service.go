// Package llm wraps an OpenAI-compatible chat completion endpoint behind the
// narrow provider contract the companion depends on.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Service is the low-level LLM interface.
type Service interface {
	// Chat performs a synchronous, stateless chat completion.
	Chat(ctx context.Context, messages []Message) (string, error)

	// TextChat is the companion-facing provider contract: a prompt tied to
	// an optional session (for rolling history) with optional image
	// references attached to the user turn.
	TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error)

	// Warmup sends a lightweight ping to establish the connection.
	Warmup(ctx context.Context)
}

// Config represents LLM service configuration.
type Config struct {
	Provider     string // openai, deepseek, zai, siliconflow, dashscope, ollama
	Model        string
	APIKey       string
	BaseURL      string
	MaxTokens    int     // default: 2048
	Temperature  float32 // default: 0.7
	Timeout      int     // request timeout in seconds (default: 120)
	SystemPrompt string  // persona, prepended to every session
}

// historyLimit bounds the rolling per-session history, in messages.
const historyLimit = 40

type service struct {
	client       *openai.Client
	model        string
	provider     string
	maxTokens    int
	temperature  float32
	timeout      int
	systemPrompt string

	mu       sync.Mutex
	sessions map[string][]Message
}

// NewService creates a new LLM Service.
func NewService(cfg *Config) (Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &service{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		provider:     cfg.Provider,
		maxTokens:    maxTokens,
		temperature:  temperature,
		timeout:      timeout,
		systemPrompt: cfg.SystemPrompt,
		sessions:     make(map[string][]Message),
	}, nil
}

func (s *service) Chat(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	slog.Debug("llm: chat request", "model", s.model, "messages", len(messages))

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from llm")
	}
	return resp.Choices[0].Message.Content, nil
}

func (s *service) TextChat(ctx context.Context, prompt, sessionID string, imageURLs []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	var messages []openai.ChatCompletionMessage
	if s.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s.systemPrompt,
		})
	}
	if sessionID != "" {
		messages = append(messages, convertMessages(s.history(sessionID))...)
	}
	messages = append(messages, userTurn(prompt, imageURLs))

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    messages,
	}

	startTime := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("llm: text chat failed", "session", sessionID, "error", err)
		return "", fmt.Errorf("llm text chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from llm")
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("llm: text chat response",
		"session", sessionID,
		"content_length", len(content),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	if sessionID != "" {
		s.remember(sessionID, prompt, content)
	}
	return content, nil
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	}

	if _, err := s.client.CreateChatCompletion(warmupCtx, req); err != nil {
		slog.Warn("llm: warmup ping failed (service will still work, first request may be slower)",
			"provider", s.provider, "model", s.model, "error", err)
		return
	}
	slog.Info("llm: connection warmed up", "provider", s.provider, "model", s.model)
}

func (s *service) history(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func (s *service) remember(sessionID, prompt, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.sessions[sessionID],
		Message{Role: "user", Content: prompt},
		Message{Role: "assistant", Content: reply},
	)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	s.sessions[sessionID] = h
}

func userTurn(prompt string, imageURLs []string) openai.ChatCompletionMessage {
	if len(imageURLs) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}
	}

	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: prompt},
	}
	for _, url := range imageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = "user"
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
