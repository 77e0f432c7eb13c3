package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("post not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default when empty): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is the lifecycle state of a Post.
//
// Posts move forward only: scheduled -> processing -> posted/failed. The only
// way back to scheduled is an explicit reschedule from missed, failed or
// cancelled (or scheduled itself, to move the time).
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusPosted     Status = "posted"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusMissed     Status = "missed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusProcessing, StatusPosted,
		StatusFailed, StatusCancelled, StatusMissed:
		return true
	}
	return false
}

// Post is the schedulable unit.
//
// The store's status column is the source of truth for the engine: in-memory
// timers are only a wake-up mechanism and are re-derived from persisted
// scheduled posts after every restart.
type Post struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  Status `json:"status"`

	ScheduledAt time.Time `json:"scheduled_at,omitzero"` // zero when unset
	PostedAt    time.Time `json:"posted_at,omitzero"`    // set exactly once, on transition to posted

	ExternalID   string `json:"external_id,omitempty"`   // platform id; present iff posted
	ErrorMessage string `json:"error_message,omitempty"` // present iff failed
	SourceRef    string `json:"source_ref,omitempty"`    // originating article/content id, reporting only

	Attempts int `json:"attempts"` // publish attempts so far (auto-retry accounting)

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PostUpdate is a partial update. Nil pointers leave the column untouched;
// a pointer to the zero value clears it.
type PostUpdate struct {
	Status       *Status
	ScheduledAt  *time.Time
	PostedAt     *time.Time
	ExternalID   *string
	ErrorMessage *string
	Attempts     *int
}
