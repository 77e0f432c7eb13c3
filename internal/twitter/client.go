package twitter

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

	"golang.org/x/time/rate"

	logx "postbot/pkg/logx"
)

const DefaultBaseURL = "https://api.twitter.com"

type Config struct {
	Enabled     bool
	BaseURL     string
	BearerToken string
	RatePerMin  int // client-side cap on publish calls; 0 disables
}

// Client publishes tweets via the v2 API.
//
// It deliberately does not retry: retry policy belongs to the poster engine,
// which persists failures so operators can reschedule them.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	var lim *rate.Limiter
	if cfg.RatePerMin > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: lim,
		log:     log,
	}
}

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Publish posts text and returns the platform tweet id.
func (c *Client) Publish(ctx context.Context, text string) (string, error) {
	if !c.cfg.Enabled {
		return "", errors.New("twitter client disabled")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(tweetRequest{Text: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	var tr tweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode tweet response: %w", err)
	}
	if tr.Data.ID == "" {
		return "", errors.New("tweet response missing id")
	}
	return tr.Data.ID, nil
}

// Ready reports whether credentials are present and accepted by the API.
func (c *Client) Ready(ctx context.Context) bool {
	if !c.cfg.Enabled || strings.TrimSpace(c.cfg.BearerToken) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/2/users/me", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("twitter readiness probe failed", logx.Err(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ae apiError
	if err := json.Unmarshal(b, &ae); err == nil && ae.Title != "" {
		if ae.Detail != "" {
			return fmt.Errorf("twitter api %d: %s: %s", resp.StatusCode, ae.Title, ae.Detail)
		}
		return fmt.Errorf("twitter api %d: %s", resp.StatusCode, ae.Title)
	}
	return fmt.Errorf("twitter api %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}
