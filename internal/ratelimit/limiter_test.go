package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "dmfleet/pkg/logx"
)

// fakeClock advances instantly on Sleep and records total slept time.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	return nil
}

func (c *fakeClock) totalSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

func TestBucketKeyClasses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		method, endpoint, want string
	}{
		{"POST", "/chats/42/messages", "chat_messages:42"},
		{"GET", "/chats/42", "chat:42"},
		{"GET", "/guilds/7/members", "guild_members:7"},
		{"GET", "/guilds/7", "guild:7"},
		{"POST", "/users/9/dm", "dm_channels"},
		{"GET", "/gateway", "GET:/gateway"},
	}
	for _, tc := range cases {
		if got := BucketKey(tc.method, tc.endpoint); got != tc.want {
			t.Errorf("BucketKey(%s %s) = %q, want %q", tc.method, tc.endpoint, got, tc.want)
		}
	}
}

func TestAcquireWaitsOutRetryAfter(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewBotLimiter("b1", 0, clk, logx.Nop())

	l.NoteRetryAfter("POST", "/chats/1/messages", 3*time.Second, false)
	if err := l.Acquire(context.Background(), "POST", "/chats/1/messages"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clk.totalSlept(); got != 3*time.Second {
		t.Fatalf("slept %s, want 3s", got)
	}

	// A different bucket is unaffected.
	before := clk.totalSlept()
	if err := l.Acquire(context.Background(), "POST", "/chats/2/messages"); err != nil {
		t.Fatalf("other bucket: %v", err)
	}
	if clk.totalSlept() != before {
		t.Fatal("unrelated bucket slept")
	}
}

func TestGlobalCooldownGatesAllBuckets(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewBotLimiter("b1", 0, clk, logx.Nop())

	l.NoteRetryAfter("", "", 5*time.Second, true)
	if err := l.Acquire(context.Background(), "POST", "/chats/1/messages"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clk.totalSlept(); got != 5*time.Second {
		t.Fatalf("slept %s, want 5s", got)
	}
	// Cooldown is consumed once.
	before := clk.totalSlept()
	if err := l.Acquire(context.Background(), "POST", "/chats/2/messages"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if clk.totalSlept() != before {
		t.Fatal("cooldown applied twice")
	}
}

func TestAcquireRefusesWaitBeyondCeiling(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewBotLimiter("b1", 10*time.Second, clk, logx.Nop())

	l.NoteRetryAfter("POST", "/chats/1/messages", time.Minute, false)
	err := l.Acquire(context.Background(), "POST", "/chats/1/messages")
	if !errors.Is(err, ErrWaitTooLong) {
		t.Fatalf("got %v, want ErrWaitTooLong", err)
	}
	if clk.totalSlept() != 0 {
		t.Fatal("slept despite refusing")
	}
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewBotLimiter("b1", 0, clk, logx.Nop())
	l.NoteRetryAfter("POST", "/chats/1/messages", time.Second, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, "POST", "/chats/1/messages"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestUpdateFromHeadersDrivesBucket(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewBotLimiter("b1", 0, clk, logx.Nop())

	l.UpdateFromHeaders("POST", "/chats/1/messages", 200, map[string]string{
		"x-ratelimit-remaining":   "0",
		"x-ratelimit-limit":       "5",
		"x-ratelimit-reset-after": "2",
	})
	if err := l.Acquire(context.Background(), "POST", "/chats/1/messages"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clk.totalSlept(); got != 2*time.Second {
		t.Fatalf("slept %s, want 2s", got)
	}
	// Bucket refilled to its advertised limit after waiting.
	remaining, limit, _ := l.Status("POST", "/chats/1/messages")
	if limit != 5 || remaining != 4 {
		t.Fatalf("remaining/limit = %d/%d, want 4/5", remaining, limit)
	}
}

func TestGlobal429Header(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewBotLimiter("b1", 0, clk, logx.Nop())

	l.UpdateFromHeaders("POST", "/chats/1/messages", 429, map[string]string{
		"x-ratelimit-global": "true",
		"retry-after":        "7",
	})
	if err := l.Acquire(context.Background(), "GET", "/gateway"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clk.totalSlept(); got != 7*time.Second {
		t.Fatalf("slept %s, want 7s", got)
	}
}

func TestPacerAllowsBurstThenBlocks(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := NewPacer(10, clk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := p.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clk.totalSlept() != 0 {
		t.Fatalf("burst slept %s, want 0", clk.totalSlept())
	}
	if got := p.InWindow(); got != 10 {
		t.Fatalf("in window = %d, want 10", got)
	}

	// Eleventh send waits for the oldest to age out of the window.
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire 11: %v", err)
	}
	if got := clk.totalSlept(); got != time.Minute {
		t.Fatalf("slept %s, want 1m", got)
	}
}

func TestPacerSetPaceAppliesToNextAcquire(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := NewPacer(2, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	p.SetPace(5)
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire after raise: %v", err)
	}
	if clk.totalSlept() != 0 {
		t.Fatalf("slept %s after raising pace, want 0", clk.totalSlept())
	}
}

func TestPacerWindowSlides(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := NewPacer(3, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	// Move past the window; all entries age out.
	_ = clk.Sleep(ctx, 61*time.Second)
	if got := p.InWindow(); got != 0 {
		t.Fatalf("in window = %d after slide, want 0", got)
	}
	before := clk.totalSlept()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire after slide: %v", err)
	}
	if clk.totalSlept() != before {
		t.Fatal("slept after window slid")
	}
}

func TestPacerInterval(t *testing.T) {
	t.Parallel()
	p := NewPacer(60, newFakeClock())
	if got := p.Interval(); got != time.Second {
		t.Fatalf("Interval at 60/min = %v, want 1s", got)
	}
	p.SetPace(120)
	if got := p.Interval(); got != 500*time.Millisecond {
		t.Fatalf("Interval at 120/min = %v, want 500ms", got)
	}
}
