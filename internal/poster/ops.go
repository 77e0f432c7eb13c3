package poster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Schedule persists a new post with status scheduled and arms a timer for it.
// Content over the platform limit is truncated, not rejected. Times not in
// the future are rejected with ErrPastSchedule before any side effect.
func (s *Service) Schedule(ctx context.Context, content string, at time.Time, sourceRef string) (storage.Post, error) {
	if !at.After(time.Now()) {
		return storage.Post{}, ErrPastSchedule
	}
	cfg := s.config()

	p := storage.Post{
		ID:          uuid.NewString(),
		Content:     truncate(content, cfg.CharLimit),
		Status:      storage.StatusScheduled,
		ScheduledAt: at,
		SourceRef:   sourceRef,
	}
	p, err := s.store.InsertPost(ctx, p)
	if err != nil {
		return storage.Post{}, err
	}
	s.arm(p.ID, at)
	s.log.Info("post scheduled", logx.String("id", p.ID), logx.Time("at", at))
	return p, nil
}

// Cancel stops the timer and marks the post cancelled. A missing post or one
// not currently scheduled is a no-op returning false: double-cancel is an
// expected race, not an error. The cancelled write is conditional on the post
// still being scheduled, so a timer callback that claimed it first wins and
// Cancel truthfully reports false.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	p, err := s.store.PostByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.Status != storage.StatusScheduled {
		return false, nil
	}

	s.clearTimer(id)
	st := storage.StatusCancelled
	ok, err := s.store.UpdatePostIf(ctx, id, storage.StatusScheduled, storage.PostUpdate{Status: &st})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.log.Info("post cancelled", logx.String("id", id))
	return true, nil
}

// Reschedule moves a scheduled, missed, failed or cancelled post back to
// scheduled at the new time, clearing any earlier error and retry count.
func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	if !at.After(time.Now()) {
		return false, ErrPastSchedule
	}

	p, err := s.store.PostByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch p.Status {
	case storage.StatusScheduled, storage.StatusMissed, storage.StatusFailed, storage.StatusCancelled:
	default:
		return false, nil
	}

	s.clearTimer(id)
	var (
		st       = storage.StatusScheduled
		when     = at
		noErr    = ""
		attempts = 0
	)
	upd := storage.PostUpdate{Status: &st, ScheduledAt: &when, ErrorMessage: &noErr, Attempts: &attempts}
	// Conditional on the status we decided on: if a timer fired and claimed
	// the post in the meantime, this reports false rather than yanking a post
	// that is mid-publish back to scheduled.
	ok, err := s.store.UpdatePostIf(ctx, id, p.Status, upd)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.arm(id, at)
	s.log.Info("post rescheduled", logx.String("id", id), logx.Time("at", at), logx.String("was", string(p.Status)))
	return true, nil
}

// Recover rebuilds the timer set from persisted state. Timers are not durable
// across restarts, only the intent (status scheduled + scheduled_at) is, so
// this must run before new scheduling requests are accepted. Posts whose time
// passed while the process was down go straight to missed without publishing.
func (s *Service) Recover(ctx context.Context) error {
	posts, err := s.store.PostsByStatus(ctx, storage.StatusScheduled)
	if err != nil {
		return fmt.Errorf("load scheduled posts: %w", err)
	}

	now := time.Now()
	armed, missed := 0, 0
	for _, p := range posts {
		if p.ScheduledAt.IsZero() || !p.ScheduledAt.After(now) {
			st := storage.StatusMissed
			if err := s.store.UpdatePost(ctx, p.ID, storage.PostUpdate{Status: &st}); err != nil {
				s.log.Warn("missed mark failed", logx.String("id", p.ID), logx.Err(err))
				continue
			}
			s.emit(EventMissed, PostEvent{ID: p.ID, Content: p.Content, At: now})
			missed++
			continue
		}
		s.arm(p.ID, p.ScheduledAt)
		armed++
	}
	s.log.Info("scheduled posts recovered", logx.Int("armed", armed), logx.Int("missed", missed))
	return nil
}

// GenerateFromArticle asks the content generator for platform copy promoting
// an article. Generator output over the limit is truncated deterministically;
// generation never fails on length, only when the generator itself errors.
func (s *Service) GenerateFromArticle(ctx context.Context, content, title string, tags []string) (string, error) {
	cfg := s.config()
	out, err := s.gen.Generate(ctx, tweetPrompt(content, title, tags, cfg.CharLimit))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return truncate(out, cfg.CharLimit), nil
}

// Ready reports whether the posting client's credentials check out.
func (s *Service) Ready(ctx context.Context) bool {
	return s.pub != nil && s.pub.Ready(ctx)
}

// ---- queries ----

func (s *Service) Scheduled(ctx context.Context) ([]storage.Post, error) {
	return s.store.PostsByStatus(ctx, storage.StatusScheduled)
}

func (s *Service) ByStatus(ctx context.Context, st storage.Status) ([]storage.Post, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("invalid status %q", st)
	}
	return s.store.PostsByStatus(ctx, st)
}

// ForDay returns posts scheduled within the calendar day containing t, in t's
// location.
func (s *Service) ForDay(ctx context.Context, t time.Time) ([]storage.Post, error) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return s.store.PostsInRange(ctx, start, start.AddDate(0, 0, 1))
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{ByStatus: make(map[string]int, len(counts))}
	for st, n := range counts {
		out.ByStatus[string(st)] = n
		out.Total += n
	}
	return out, nil
}
