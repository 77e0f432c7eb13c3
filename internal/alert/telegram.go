// Package alert pushes operator notifications about post failures to a
// Telegram chat. It is entirely optional: with no token configured the
// service is inert and failures remain discoverable via status queries.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/eventbus"
	"postbot/internal/poster"
	logx "postbot/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int // cap on outgoing alert messages; 0 means 20/min
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	bot *tele.Bot

	mu      sync.Mutex
	chatID  int64
	limiter *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the alerter. A disabled config returns a working no-op service
// so callers don't have to nil-check.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	s := &Service{log: log, bus: bus}
	s.applyLocked(cfg)
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("alerts enabled but telegram token/chat_id missing")
	}

	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	s.bot = b
	return s, nil
}

// Apply updates the chat target and rate limit at runtime. Token changes
// require a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.chatID = cfg.ChatID
	rpm := cfg.RatePerMin
	if rpm <= 0 {
		rpm = 20
	}
	s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}

func (s *Service) Start(ctx context.Context) {
	if s.bot == nil || s.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, unsub := s.bus.Subscribe(32)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.handle(ev)
			}
		}
	}()
	s.log.Info("alerting started", logx.Int64("chat_id", s.chatID))
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) handle(ev eventbus.Event) {
	pe, ok := ev.Data.(poster.PostEvent)
	if !ok {
		return
	}

	var msg string
	switch ev.Type {
	case poster.EventFailed:
		msg = fmt.Sprintf("⚠️ post %s failed\n%s\n\n%s", pe.ID, pe.Error, snippet(pe.Content))
	case poster.EventMissed:
		msg = fmt.Sprintf("⏰ post %s missed its scheduled time\n\n%s", pe.ID, snippet(pe.Content))
	default:
		return
	}

	s.mu.Lock()
	chatID := s.chatID
	lim := s.limiter
	s.mu.Unlock()

	if chatID == 0 || lim == nil || !lim.Allow() {
		return
	}

	// Best-effort: alerting must never become a second failure mode.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.bot.Send(tele.ChatID(chatID), msg); err != nil {
			s.log.Warn("alert send failed", logx.Err(err))
		}
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		s.log.Warn("alert send timed out")
	}
}

func snippet(content string) string {
	r := []rune(content)
	if len(r) > 120 {
		return string(r[:117]) + "..."
	}
	return content
}
