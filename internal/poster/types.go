package poster

import (
	"context"
	"time"
)

// Publisher performs the actual network call to publish a post.
type Publisher interface {
	Publish(ctx context.Context, text string) (externalID string, err error)
	Ready(ctx context.Context) bool
}

// Generator produces platform copy from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config controls the poster engine.
type Config struct {
	// CharLimit is the platform character (rune) limit. Default 280.
	CharLimit int

	// RetryMax is the number of automatic publish retries after a failure.
	// 0 (the default) means failed posts are retried only via an explicit
	// Reschedule by an operator.
	RetryMax      int
	RetryBase     time.Duration // default 30s
	RetryMaxDelay time.Duration // default 10m

	// SweepInterval is how often stored scheduled posts are reconciled against
	// the live timer set. Default 1m.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CharLimit <= 0 {
		c.CharLimit = 280
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Stats summarizes post counts per status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Event types published on the bus.
const (
	EventPosted = "post.posted"
	EventFailed = "post.failed"
	EventMissed = "post.missed"
)

// PostEvent is the bus payload for lifecycle events.
type PostEvent struct {
	ID         string
	Content    string
	ExternalID string
	Error      string
	At         time.Time
}
