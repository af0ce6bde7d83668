// Package llm is an OpenAI-compatible chat-completions client implementing
// collaborator.TextGenerator.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/collaborator"
)

// Config configures the client.
type Config struct {
	// Endpoint is the API base URL, e.g. https://api.openai.com/v1.
	Endpoint string
	Model    string
	APIKey   string
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
}

// Client calls a chat-completions endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("llm endpoint is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate answers one prompt.
func (c *Client) Generate(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
	system, user, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}

	content, err := c.complete(ctx, system, user)
	if err != nil {
		return nil, err
	}

	resp, err := parse(req.PromptKind, content)
	if err != nil {
		c.logger.Debug("unparseable completion",
			zap.String("field_id", req.FieldID),
			zap.String("prompt_kind", string(req.PromptKind)),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func buildPrompt(req collaborator.Request) (string, string, error) {
	var (
		system string
		input  any
	)
	switch req.PromptKind {
	case collaborator.PromptContextualize:
		system = contextualizeSystem
		input = contextualizeInput{
			FieldID:     req.FieldID,
			Label:       req.FieldLabel,
			Kind:        string(req.Kind),
			Options:     req.Options,
			PageContext: req.PageContext,
		}
	case collaborator.PromptExtract:
		system = extractSystem
		input = extractInput{
			FieldID:  req.FieldID,
			Label:    req.FieldLabel,
			Kind:     string(req.Kind),
			Options:  req.Options,
			Question: req.Question,
			Context:  req.ClinicalContext,
			Referral: req.SourceText,
		}
	default:
		return "", "", fmt.Errorf("%w: unknown prompt kind %q", collaborator.ErrMalformedInput, req.PromptKind)
	}
	user, err := json.Marshal(input)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", collaborator.ErrMalformedInput, err)
	}
	return system, string(user), nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", collaborator.ErrUnavailable, err)
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return "", err
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return "", fmt.Errorf("%w: %v", collaborator.ErrMalformedResponse, err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", collaborator.ErrMalformedResponse)
	}
	return chat.Choices[0].Message.Content, nil
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	var sentinel error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		sentinel = collaborator.ErrUnauthorized
	case code == http.StatusTooManyRequests:
		sentinel = collaborator.ErrRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		sentinel = collaborator.ErrTimeout
	case code >= 500:
		sentinel = collaborator.ErrUnavailable
	default:
		sentinel = collaborator.ErrMalformedInput
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, code, msg)
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", collaborator.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", collaborator.ErrUnavailable, err)
}

// parse decodes the JSON content of a completion.
func parse(kind collaborator.PromptKind, content string) (*collaborator.Response, error) {
	content = stripFence(content)
	switch kind {
	case collaborator.PromptContextualize:
		var out contextualizeOutput
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return nil, fmt.Errorf("%w: %v", collaborator.ErrMalformedResponse, err)
		}
		return &collaborator.Response{Question: out.Question, ClinicalContext: out.Context}, nil
	default:
		var out extractOutput
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return nil, fmt.Errorf("%w: %v", collaborator.ErrMalformedResponse, err)
		}
		resp := &collaborator.Response{
			Value:      out.Value,
			Confidence: out.Confidence,
			Excerpt:    out.Excerpt,
			Page:       out.Page,
			Absent:     out.Value == nil && len(out.Candidates) == 0,
		}
		for _, cand := range out.Candidates {
			if cand.Value == nil {
				continue
			}
			resp.Candidates = append(resp.Candidates, collaborator.Candidate{
				Value:      *cand.Value,
				Confidence: cand.Confidence,
				Excerpt:    cand.Excerpt,
				Page:       cand.Page,
			})
		}
		return resp, nil
	}
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
