package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/config"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/version"
)

// Message is one turn of a chat completion exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionClient calls the language model's chat completion API. It serves
// both the conversation path (next-line generation) and the scoring path
// (structured judge requests).
type CompletionClient struct {
	logger     *logrus.Logger
	config     *config.SpeechConfig
	httpClient *http.Client
}

// NewCompletionClient creates a chat completion client.
func NewCompletionClient(logger *logrus.Logger, cfg *config.SpeechConfig) *CompletionClient {
	timeout := 45 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &CompletionClient{
		logger: logger,
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete returns the model's next message for the given conversation.
func (c *CompletionClient) Complete(ctx context.Context, system string, history []Message) (string, error) {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: "system", Content: system})
	messages = append(messages, history...)

	return c.send(ctx, chatRequest{
		Model:       c.config.ChatModel,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   150,
	})
}

// CompleteJSON sends a single-prompt request in JSON mode and decodes the
// structured result into out.
func (c *CompletionClient) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	content, err := c.send(ctx, chatRequest{
		Model:          c.config.ChatModel,
		Messages:       []Message{{Role: "user", Content: prompt}},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return errors.Wrap(errors.ErrJudgeFailed, fmt.Sprintf("malformed judge response: %v", err))
	}
	return nil
}

func (c *CompletionClient) send(ctx context.Context, request chatRequest) (string, error) {
	if c.config.APIKey == "" {
		return "", errors.Wrap(errors.ErrGenerationFailed, "speech API key not configured")
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ChatURL, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to create completion request")
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrGenerationFailed, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "failed to read completion response")
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(errors.ErrGenerationFailed, fmt.Sprintf("unparseable completion response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("completion API returned status %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", errors.Wrap(errors.ErrGenerationFailed, msg, map[string]interface{}{
			"status_code": resp.StatusCode,
		})
	}

	if len(parsed.Choices) == 0 {
		return "", errors.Wrap(errors.ErrGenerationFailed, "completion response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
