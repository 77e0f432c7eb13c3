package poster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Service is the scheduling/posting engine. It owns the in-memory timer map
// correlated with persisted post records and drives each post through its
// status lifecycle exactly once per scheduling.
//
// The timer map is only a wake-up mechanism: the store's status column is the
// source of truth, and every externally-visible decision re-validates against
// the store immediately before acting.
type Service struct {
	log   logx.Logger
	store storage.Store
	pub   Publisher
	gen   Generator
	bus   eventbus.Bus

	mu  sync.Mutex
	cfg Config

	// runtime timers, keyed by post id; cleared on every transition out of
	// scheduled and rebuilt from the store on restart.
	tmu    sync.Mutex
	timers map[string]*time.Timer

	c       *cron.Cron
	started bool
}

func New(cfg Config, store storage.Store, pub Publisher, gen Generator, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		log:    log,
		store:  store,
		pub:    pub,
		gen:    gen,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		timers: map[string]*time.Timer{},
	}
}

// Apply swaps engine knobs at runtime (hot reload). A changed sweep interval
// takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the maintenance cron jobs. Recover should have run first so
// the timer set reflects the store before sweeps begin.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	cfg := s.cfg

	c := cron.New()
	_, _ = c.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.sweepMissed(sctx); err != nil {
			s.log.Warn("missed sweep failed", logx.Err(err))
		}
	})
	_, _ = c.AddFunc("5 0 * * *", func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logStats(sctx)
	})
	c.Start()

	s.c = c
	s.started = true
	s.log.Info("poster engine started",
		logx.Duration("sweep_interval", cfg.SweepInterval),
		logx.Int("retry_max", cfg.RetryMax))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	// Stop runtime timers. The scheduled intent stays in the store and is
	// re-derived by Recover on the next start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("poster engine stopped")
}

// ---- timer bookkeeping ----

// arm replaces any existing timer for id. Exactly one timer may exist per
// scheduled post.
func (s *Service) arm(id string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

// clearTimer stops and removes the timer for id, if present.
func (s *Service) clearTimer(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	_ = t.Stop()
	delete(s.timers, id)
	return true
}

func (s *Service) hasTimer(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// TimerCount reports the number of armed timers.
func (s *Service) TimerCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

// ---- fire path ----

// fire is the timer callback. Stopping a fired timer cannot un-fire it, so
// the store, not timer cancellation, is what prevents a cancelled or
// rescheduled post from publishing: the transition to processing is a
// compare-and-set on status, and a cancel that lands between the re-read and
// that write makes the claim fail.
func (s *Service) fire(id string) {
	ctx := context.Background()
	s.clearTimer(id)

	p, err := s.store.PostByID(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("post re-read failed", logx.String("id", id), logx.Err(err))
		}
		return
	}
	if p.Status != storage.StatusScheduled {
		s.log.Debug("timer fired for non-scheduled post; ignoring",
			logx.String("id", id), logx.String("status", string(p.Status)))
		return
	}

	st := storage.StatusProcessing
	claimed, err := s.store.UpdatePostIf(ctx, id, storage.StatusScheduled, storage.PostUpdate{Status: &st})
	if err != nil {
		s.log.Error("mark processing failed", logx.String("id", id), logx.Err(err))
		return
	}
	if !claimed {
		s.log.Debug("post changed while claiming; ignoring", logx.String("id", id))
		return
	}

	extID, perr := s.pub.Publish(ctx, p.Content)
	if perr != nil {
		s.publishFailed(ctx, p, perr)
		return
	}

	now := time.Now()
	posted := storage.StatusPosted
	upd := storage.PostUpdate{Status: &posted, PostedAt: &now, ExternalID: &extID}
	if err := s.store.UpdatePost(ctx, id, upd); err != nil {
		s.log.Error("mark posted failed", logx.String("id", id), logx.Err(err))
		return
	}
	s.log.Info("post published", logx.String("id", id), logx.String("external_id", extID))
	s.emit(EventPosted, PostEvent{ID: id, Content: p.Content, ExternalID: extID, At: now})
}

// publishFailed records a publish failure. The error is persisted onto the
// post, never thrown into an unhandled context; failures are discoverable by
// status queries. With retry_max 0 nothing is retried automatically.
func (s *Service) publishFailed(ctx context.Context, p storage.Post, perr error) {
	cfg := s.config()
	attempts := p.Attempts + 1
	msg := perr.Error()

	if attempts <= cfg.RetryMax {
		delay := backoffDelay(cfg, attempts)
		at := time.Now().Add(delay)
		st := storage.StatusScheduled
		upd := storage.PostUpdate{Status: &st, ScheduledAt: &at, ErrorMessage: &msg, Attempts: &attempts}
		if err := s.store.UpdatePost(ctx, p.ID, upd); err != nil {
			s.log.Error("retry update failed", logx.String("id", p.ID), logx.Err(err))
			return
		}
		s.arm(p.ID, at)
		s.log.Warn("publish failed; retry armed",
			logx.String("id", p.ID), logx.Int("attempt", attempts),
			logx.Duration("delay", delay), logx.Err(perr))
		return
	}

	st := storage.StatusFailed
	upd := storage.PostUpdate{Status: &st, ErrorMessage: &msg, Attempts: &attempts}
	if err := s.store.UpdatePost(ctx, p.ID, upd); err != nil {
		s.log.Error("mark failed failed", logx.String("id", p.ID), logx.Err(err))
		return
	}
	s.log.Warn("publish failed", logx.String("id", p.ID), logx.Int("attempts", attempts), logx.Err(perr))
	s.emit(EventFailed, PostEvent{ID: p.ID, Content: p.Content, Error: msg, At: time.Now()})
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			break
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// jitter [0.8, 1.2]
	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if d < 0 {
		d = 0
	}
	return d
}

// ---- maintenance ----

// sweepMissed marks stored scheduled posts whose time passed without a live
// timer (a lost race, or an admin writing the store directly) as missed.
func (s *Service) sweepMissed(ctx context.Context) error {
	posts, err := s.store.PostsByStatus(ctx, storage.StatusScheduled)
	if err != nil {
		return err
	}
	now := time.Now()
	n := 0
	for _, p := range posts {
		if p.ScheduledAt.After(now) || s.hasTimer(p.ID) {
			continue
		}
		// Conditional: a timer callback claiming the post between our listing
		// and this write must win over the sweep.
		st := storage.StatusMissed
		ok, err := s.store.UpdatePostIf(ctx, p.ID, storage.StatusScheduled, storage.PostUpdate{Status: &st})
		if err != nil {
			s.log.Warn("missed mark failed", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		s.emit(EventMissed, PostEvent{ID: p.ID, Content: p.Content, At: now})
		n++
	}
	if n > 0 {
		s.log.Warn("missed posts swept", logx.Int("count", n))
	}
	return nil
}

func (s *Service) logStats(ctx context.Context) {
	st, err := s.Stats(ctx)
	if err != nil {
		s.log.Warn("stats query failed", logx.Err(err))
		return
	}
	s.log.Info("daily post stats", logx.Int("total", st.Total), logx.Any("by_status", st.ByStatus))
}

func (s *Service) emit(typ string, ev PostEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
