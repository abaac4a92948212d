package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aosora-chat/server/config"
	"go.uber.org/zap"
)

var (
	ErrEmptyPrompt = errors.New("assistant: prompt is empty")
	ErrUnavailable = errors.New("assistant: provider unavailable")
	ErrNoReply     = errors.New("assistant: provider returned no choices")
)

// Client talks to an OpenAI-compatible chat-completions endpoint. One
// request/response call per reply: prompt plus prior turns in, free text
// out. No retry is built in; callers surface the configured fallback
// string on failure.
type Client struct {
	cfg     config.AssistantConfig
	http    *http.Client
	history *History
	logger  *zap.Logger
}

// NewClient creates a Client. history may be nil to disable conversation
// memory entirely.
func NewClient(cfg config.AssistantConfig, history *History, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		history: history,
		logger:  logger,
	}
}

// Fallback returns the user-visible message for failed replies.
func (c *Client) Fallback() string { return c.cfg.Fallback }

// chat-completions wire types

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are a helpful assistant inside a chat app. Answer concisely."

// Reply sends the prompt with the user's cached prior turns and returns
// the assistant's text. On success both turns are appended to the
// user's history, which expires on its own after the configured TTL.
func (c *Client) Reply(ctx context.Context, userID int64, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	messages := []chatMessage{{Role: "system", Content: systemPrompt}}
	if c.history != nil {
		turns, err := c.history.Load(ctx, userID)
		if err != nil {
			c.logger.Warn("assistant history load failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
		messages = append(messages, turns...)
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("assistant: encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("assistant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("assistant provider error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("assistant: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrNoReply
	}
	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)

	if c.history != nil {
		c.history.Append(ctx, userID,
			chatMessage{Role: "user", Content: prompt},
			chatMessage{Role: "assistant", Content: reply})
	}
	return reply, nil
}
