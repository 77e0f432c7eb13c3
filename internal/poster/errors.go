package poster

import "errors"

var (
	// ErrPastSchedule rejects schedule/reschedule times that are not in the
	// future. Nothing is persisted and no timer is armed.
	ErrPastSchedule = errors.New("scheduled time must be in the future")

	// ErrGeneration wraps content-generator failures. No post is created.
	ErrGeneration = errors.New("content generation failed")
)
