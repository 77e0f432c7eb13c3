package poster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// ---- fakes ----

type memStore struct {
	mu    sync.Mutex
	posts map[string]storage.Post
}

func newMemStore() *memStore {
	return &memStore{posts: map[string]storage.Post{}}
}

func (m *memStore) InsertPost(_ context.Context, p storage.Post) (storage.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.posts[p.ID] = p
	return p, nil
}

func (m *memStore) UpdatePost(_ context.Context, id string, upd storage.PostUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.posts[id] = applyUpdate(p, upd)
	return nil
}

func (m *memStore) UpdatePostIf(_ context.Context, id string, expect storage.Status, upd storage.PostUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok || p.Status != expect {
		return false, nil
	}
	m.posts[id] = applyUpdate(p, upd)
	return true, nil
}

func applyUpdate(p storage.Post, upd storage.PostUpdate) storage.Post {
	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.ScheduledAt != nil {
		p.ScheduledAt = *upd.ScheduledAt
	}
	if upd.PostedAt != nil {
		p.PostedAt = *upd.PostedAt
	}
	if upd.ExternalID != nil {
		p.ExternalID = *upd.ExternalID
	}
	if upd.ErrorMessage != nil {
		p.ErrorMessage = *upd.ErrorMessage
	}
	if upd.Attempts != nil {
		p.Attempts = *upd.Attempts
	}
	p.UpdatedAt = time.Now()
	return p
}

func (m *memStore) PostByID(_ context.Context, id string) (storage.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return storage.Post{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) PostsByStatus(_ context.Context, st storage.Status) ([]storage.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Post
	for _, p := range m.posts {
		if p.Status == st {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) PostsInRange(_ context.Context, start, end time.Time) ([]storage.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Post
	for _, p := range m.posts {
		if !p.ScheduledAt.IsZero() && !p.ScheduledAt.Before(start) && p.ScheduledAt.Before(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[storage.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[storage.Status]int{}
	for _, p := range m.posts {
		out[p.Status]++
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *memStore) seed(p storage.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call; nil entry means success
	extID string
	isUp  bool
}

func (f *fakePublisher) Publish(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.extID, nil
}

func (f *fakePublisher) Ready(context.Context) bool { return f.isUp }

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	out string
	err error
}

func (f *fakeGenerator) Generate(context.Context, string) (string, error) {
	return f.out, f.err
}

func newTestService(t *testing.T, cfg Config, pub *fakePublisher, gen Generator, bus eventbus.Bus) (*Service, *memStore) {
	t.Helper()
	st := newMemStore()
	s := New(cfg, st, pub, gen, bus, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, st
}

func waitStatus(t *testing.T, st *memStore, id string, want storage.Status) storage.Post {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.PostByID(context.Background(), id)
		if err == nil && p.Status == want {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, _ := st.PostByID(context.Background(), id)
	t.Fatalf("post %s status = %q, want %q", id, p.Status, want)
	return storage.Post{}
}

// ---- tests ----

func TestSchedulePastRejected(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-123"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	_, err := s.Schedule(context.Background(), "too late", time.Now().Add(-time.Second), "")
	if !errors.Is(err, ErrPastSchedule) {
		t.Fatalf("err = %v, want ErrPastSchedule", err)
	}
	if st.len() != 0 {
		t.Fatalf("store gained %d records, want 0", st.len())
	}
	if s.TimerCount() != 0 {
		t.Fatalf("timer count = %d, want 0", s.TimerCount())
	}
}

func TestScheduleAndPublish(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-123"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	p, err := s.Schedule(context.Background(), "Hello world", time.Now().Add(30*time.Millisecond), "article-1")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if p.Status != storage.StatusScheduled {
		t.Fatalf("status = %q, want scheduled", p.Status)
	}
	if s.TimerCount() != 1 {
		t.Fatalf("timer count = %d, want 1", s.TimerCount())
	}

	got := waitStatus(t, st, p.ID, storage.StatusPosted)
	if got.ExternalID != "ext-123" {
		t.Fatalf("external id = %q, want ext-123", got.ExternalID)
	}
	if got.PostedAt.IsZero() {
		t.Fatal("posted_at not set")
	}
	if pub.callCount() != 1 {
		t.Fatalf("publish calls = %d, want 1", pub.callCount())
	}
	if s.TimerCount() != 0 {
		t.Fatalf("timer count after publish = %d, want 0", s.TimerCount())
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-123"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	p, err := s.Schedule(context.Background(), "later", time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	ok, err := s.Cancel(context.Background(), p.ID)
	if err != nil || !ok {
		t.Fatalf("first Cancel = (%v, %v), want (true, nil)", ok, err)
	}
	got, _ := st.PostByID(context.Background(), p.ID)
	if got.Status != storage.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if s.TimerCount() != 0 {
		t.Fatalf("timer count = %d, want 0", s.TimerCount())
	}

	ok, err = s.Cancel(context.Background(), p.ID)
	if err != nil || ok {
		t.Fatalf("second Cancel = (%v, %v), want (false, nil)", ok, err)
	}
	got, _ = st.PostByID(context.Background(), p.ID)
	if got.Status != storage.StatusCancelled {
		t.Fatalf("status after double cancel = %q, want cancelled", got.Status)
	}
}

func TestCancelUnknownPost(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{}, &fakePublisher{}, nil, nil)
	ok, err := s.Cancel(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("Cancel = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestScheduleTruncatesContent(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-123"}
	s, st := newTestService(t, Config{CharLimit: 280}, pub, nil, nil)

	long := strings.Repeat("a", 300)
	p, err := s.Schedule(context.Background(), long, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	got, _ := st.PostByID(context.Background(), p.ID)
	if n := len([]rune(got.Content)); n != 280 {
		t.Fatalf("content length = %d runes, want 280", n)
	}
	if !strings.HasSuffix(got.Content, "...") {
		t.Fatalf("content does not end in ellipsis: %q", got.Content[270:])
	}
}

func TestRecoverArmsFutureTimer(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-9"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	st.seed(storage.Post{
		ID:          "p1",
		Content:     "pending from before restart",
		Status:      storage.StatusScheduled,
		ScheduledAt: time.Now().Add(40 * time.Millisecond),
	})

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if s.TimerCount() != 1 {
		t.Fatalf("timer count = %d, want 1", s.TimerCount())
	}

	got := waitStatus(t, st, "p1", storage.StatusPosted)
	if got.ExternalID != "ext-9" {
		t.Fatalf("external id = %q, want ext-9", got.ExternalID)
	}
}

func TestRecoverMarksStaleMissed(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-9"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	st.seed(storage.Post{
		ID:          "p1",
		Content:     "should have gone out yesterday",
		Status:      storage.StatusScheduled,
		ScheduledAt: time.Now().Add(-time.Minute),
	})

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	got, _ := st.PostByID(context.Background(), "p1")
	if got.Status != storage.StatusMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
	if pub.callCount() != 0 {
		t.Fatalf("publish calls = %d, want 0", pub.callCount())
	}
	if s.TimerCount() != 0 {
		t.Fatalf("timer count = %d, want 0", s.TimerCount())
	}
}

// A timer that already fired cannot be un-fired by Cancel; the fire path must
// observe the cancelled status on re-read and do nothing.
func TestFireAfterCancelIsNoop(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-123"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	p, err := s.Schedule(context.Background(), "racy", time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if ok, _ := s.Cancel(context.Background(), p.ID); !ok {
		t.Fatal("Cancel returned false")
	}

	// Simulate the armed timer's callback running despite the cancel.
	s.fire(p.ID)

	got, _ := st.PostByID(context.Background(), p.ID)
	if got.Status != storage.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if pub.callCount() != 0 {
		t.Fatalf("publish calls = %d, want 0", pub.callCount())
	}
}

// stallingStore parks the first conditional update until released, letting a
// test interleave another writer between a reader's re-read and its claim.
type stallingStore struct {
	*memStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *stallingStore) UpdatePostIf(ctx context.Context, id string, expect storage.Status, upd storage.PostUpdate) (bool, error) {
	if g.armed.CompareAndSwap(true, false) {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.memStore.UpdatePostIf(ctx, id, expect, upd)
}

// A cancel that lands between fire's re-read and its scheduled->processing
// write must win: Cancel returns true and the publish never happens.
func TestCancelDuringFireClaimWins(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-race"}
	gs := &stallingStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := New(Config{}, gs, pub, nil, nil, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	gs.seed(storage.Post{
		ID:          "p1",
		Content:     "contested",
		Status:      storage.StatusScheduled,
		ScheduledAt: time.Now().Add(time.Hour),
	})

	// Fire re-reads the post (still scheduled), then parks on its claim.
	gs.armed.Store(true)
	fired := make(chan struct{})
	go func() {
		s.fire("p1")
		close(fired)
	}()
	<-gs.entered

	ok, err := s.Cancel(context.Background(), "p1")
	if err != nil || !ok {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", ok, err)
	}

	close(gs.release)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("fire did not return")
	}

	got, _ := gs.PostByID(context.Background(), "p1")
	if got.Status != storage.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if pub.callCount() != 0 {
		t.Fatalf("publish calls = %d, want 0", pub.callCount())
	}
}

func TestPublishFailureRecorded(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{errs: []error{errors.New("rate limited")}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s, st := newTestService(t, Config{}, pub, nil, bus)

	p, err := s.Schedule(context.Background(), "doomed", time.Now().Add(20*time.Millisecond), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	got := waitStatus(t, st, p.ID, storage.StatusFailed)
	if got.ErrorMessage != "rate limited" {
		t.Fatalf("error message = %q, want %q", got.ErrorMessage, "rate limited")
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}

	select {
	case ev := <-events:
		if ev.Type != EventFailed {
			t.Fatalf("event type = %q, want %q", ev.Type, EventFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
}

func TestRescheduleFailedPost(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{errs: []error{errors.New("boom")}, extID: "ext-2"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	p, err := s.Schedule(context.Background(), "try again", time.Now().Add(20*time.Millisecond), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	waitStatus(t, st, p.ID, storage.StatusFailed)

	at := time.Now().Add(time.Hour)
	ok, err := s.Reschedule(context.Background(), p.ID, at)
	if err != nil || !ok {
		t.Fatalf("Reschedule = (%v, %v), want (true, nil)", ok, err)
	}
	got, _ := st.PostByID(context.Background(), p.ID)
	if got.Status != storage.StatusScheduled {
		t.Fatalf("status = %q, want scheduled", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error message not cleared: %q", got.ErrorMessage)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.Attempts)
	}
	if s.TimerCount() != 1 {
		t.Fatalf("timer count = %d, want 1", s.TimerCount())
	}
}

func TestRescheduleRejectsPastAndWrongState(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{extID: "ext-123"}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	p, err := s.Schedule(context.Background(), "quick", time.Now().Add(20*time.Millisecond), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	waitStatus(t, st, p.ID, storage.StatusPosted)

	if _, err := s.Reschedule(context.Background(), p.ID, time.Now().Add(-time.Hour)); !errors.Is(err, ErrPastSchedule) {
		t.Fatalf("err = %v, want ErrPastSchedule", err)
	}
	// posted is terminal
	ok, err := s.Reschedule(context.Background(), p.ID, time.Now().Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("Reschedule posted = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestAutoRetryEventuallyPublishes(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{
		errs:  []error{errors.New("flaky"), errors.New("flaky"), nil},
		extID: "ext-3",
	}
	cfg := Config{RetryMax: 2, RetryBase: 10 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond}
	s, st := newTestService(t, cfg, pub, nil, nil)

	p, err := s.Schedule(context.Background(), "persistent", time.Now().Add(10*time.Millisecond), "")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	got := waitStatus(t, st, p.ID, storage.StatusPosted)
	if got.ExternalID != "ext-3" {
		t.Fatalf("external id = %q, want ext-3", got.ExternalID)
	}
	if pub.callCount() != 3 {
		t.Fatalf("publish calls = %d, want 3", pub.callCount())
	}
}

func TestGenerateFromArticle(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{out: strings.Repeat("x", 300)}
	s, _ := newTestService(t, Config{CharLimit: 280}, &fakePublisher{}, gen, nil)

	out, err := s.GenerateFromArticle(context.Background(), "body", "title", []string{"#go"})
	if err != nil {
		t.Fatalf("GenerateFromArticle error: %v", err)
	}
	if n := len([]rune(out)); n != 280 {
		t.Fatalf("generated length = %d runes, want 280", n)
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatal("generated content does not end in ellipsis")
	}
}

func TestGenerateFromArticleWrapsErrors(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{err: errors.New("api down")}
	s, _ := newTestService(t, Config{}, &fakePublisher{}, gen, nil)

	_, err := s.GenerateFromArticle(context.Background(), "body", "", nil)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("err = %v, want ErrGeneration", err)
	}
}

func TestStatsAndForDay(t *testing.T) {
	t.Parallel()
	s, st := newTestService(t, Config{}, &fakePublisher{}, nil, nil)

	now := time.Now()
	st.seed(storage.Post{ID: "a", Status: storage.StatusPosted, ScheduledAt: now.Add(time.Hour)})
	st.seed(storage.Post{ID: "b", Status: storage.StatusFailed, ScheduledAt: now.Add(2 * time.Hour)})
	st.seed(storage.Post{ID: "c", Status: storage.StatusScheduled, ScheduledAt: now.AddDate(0, 0, 2)})

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus["failed"] != 1 {
		t.Fatalf("failed count = %d, want 1", stats.ByStatus["failed"])
	}

	// a and b fall on today (hour offsets may cross midnight near day end, so
	// query using their own day).
	day, err := s.ForDay(context.Background(), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ForDay error: %v", err)
	}
	for _, p := range day {
		if p.ID == "c" {
			t.Fatal("ForDay returned a post scheduled two days out")
		}
	}
}

func TestSweepMarksOrphanedPostsMissed(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	s, st := newTestService(t, Config{}, pub, nil, nil)

	// Scheduled in the past with no live timer: an admin wrote the store
	// directly, or a timer was lost.
	st.seed(storage.Post{
		ID:          "orphan",
		Status:      storage.StatusScheduled,
		ScheduledAt: time.Now().Add(-time.Minute),
	})

	if err := s.sweepMissed(context.Background()); err != nil {
		t.Fatalf("sweepMissed error: %v", err)
	}
	got, _ := st.PostByID(context.Background(), "orphan")
	if got.Status != storage.StatusMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
	if pub.callCount() != 0 {
		t.Fatalf("publish calls = %d, want 0", pub.callCount())
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{}, &fakePublisher{isUp: true}, nil, nil)
	if !s.Ready(context.Background()) {
		t.Fatal("Ready = false, want true")
	}
	s2, _ := newTestService(t, Config{}, &fakePublisher{}, nil, nil)
	if s2.Ready(context.Background()) {
		t.Fatal("Ready = true, want false")
	}
}
