package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "postbot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.x.ai/v1"
	DefaultModel   = "grok-2-1212"
)

type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client calls a chat-completions style LLM API to produce post copy.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the prompt and returns the model's text, trimmed of the
// surrounding whitespace and quote marks models like to add.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", errors.New("generator api key not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generator api %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode generator response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("generator api: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("generator returned no choices")
	}

	text := strings.TrimSpace(cr.Choices[0].Message.Content)
	text = strings.Trim(text, `"`)
	if text == "" {
		return "", errors.New("generator returned empty content")
	}
	c.log.Debug("content generated",
		logx.String("model", c.cfg.Model),
		logx.Int("chars", len([]rune(text))),
		logx.Duration("took", time.Since(start)))
	return text, nil
}
