package fleet

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dmfleet/internal/eventbus"
	"dmfleet/internal/store"
	"dmfleet/internal/transport"
	"dmfleet/internal/vault"
	logx "dmfleet/pkg/logx"
)

// fakeSender scripts delivery outcomes per recipient.
type fakeSender struct {
	mu    sync.Mutex
	sent  []int64
	fail  func(userID int64) error
	pings int
}

func (f *fakeSender) SendDirect(ctx context.Context, userID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(userID); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, userID)
	return nil
}

func (f *fakeSender) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	return time.Millisecond, nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) delivered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sent...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "fleet.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startWorkerForTest(t *testing.T, st store.Store, sender *fakeSender, cfg Config) *Worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker("b1", "alpha", sender, st, eventbus.New(), cfg, nil, logx.Nop())
	go w.run(ctx)
	t.Cleanup(func() {
		cancel()
		w.stop()
	})
	waitFor(t, "worker ready", w.Ready)
	return w
}

func seedTarget(t *testing.T, st store.Store, campaignID string, userID int64) {
	t.Helper()
	if err := st.InsertTargets(context.Background(), []store.Target{
		{CampaignID: campaignID, UserID: userID, BotID: "b1"},
	}); err != nil {
		t.Fatalf("seed target: %v", err)
	}
}

func TestWorkerDeliversAndRecords(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sender := &fakeSender{}
	w := startWorkerForTest(t, st, sender, Config{})
	seedTarget(t, st, "c1", 42)

	if err := w.Enqueue(Job{CampaignID: "c1", GuildID: 1, UserID: 42, Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(sender.delivered()) == 1 })

	counts, err := st.TargetCounts(context.Background(), "c1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[store.TargetSent] != 1 {
		t.Fatalf("counts = %v, want one sent", counts)
	}
}

func TestWorkerSkipsBlacklisted(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.AddListEntry(ctx, store.ListEntry{GuildID: 1, UserID: 42, Kind: store.ListBlacklist, AddedBy: 9}); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	sender := &fakeSender{}
	w := startWorkerForTest(t, st, sender, Config{})
	seedTarget(t, st, "c1", 42)

	if err := w.Enqueue(Job{CampaignID: "c1", GuildID: 1, UserID: 42, Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "skip", func() bool {
		counts, _ := st.TargetCounts(ctx, "c1")
		return counts[store.TargetSkipped] == 1
	})
	if len(sender.delivered()) != 0 {
		t.Fatal("blacklisted member was messaged")
	}
}

func TestWorkerTerminalFailure(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sender := &fakeSender{fail: func(int64) error {
		return &transport.SendError{Kind: transport.ErrForbidden, Cause: errors.New("dm closed")}
	}}
	w := startWorkerForTest(t, st, sender, Config{})
	seedTarget(t, st, "c1", 42)

	if err := w.Enqueue(Job{CampaignID: "c1", GuildID: 1, UserID: 42, Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "terminal failure", func() bool {
		counts, _ := st.TargetCounts(context.Background(), "c1")
		return counts[store.TargetFailed] == 1
	})
	// No retry on forbidden.
	if len(sender.delivered()) != 0 {
		t.Fatal("send recorded for forbidden recipient")
	}
}

func TestWorkerRetriesRateLimitThenDelivers(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	var attempts int
	sender := &fakeSender{}
	sender.fail = func(int64) error {
		attempts++
		if attempts == 1 {
			return &transport.SendError{
				Kind:       transport.ErrRateLimited,
				RetryAfter: 10 * time.Millisecond,
				Cause:      errors.New("flood"),
			}
		}
		return nil
	}
	w := startWorkerForTest(t, st, sender, Config{})
	seedTarget(t, st, "c1", 42)

	if err := w.Enqueue(Job{CampaignID: "c1", GuildID: 1, UserID: 42, Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "delivery after flood", func() bool { return len(sender.delivered()) == 1 })

	ctx := context.Background()
	pending, err := st.PendingTargets(ctx, "c1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending = %v (%v), want none", pending, err)
	}
	counts, _ := st.TargetCounts(ctx, "c1")
	if counts[store.TargetSent] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestWorkerGivesUpAfterMaxRequeues(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sender := &fakeSender{fail: func(int64) error {
		return errors.New("connection reset")
	}}
	w := startWorkerForTest(t, st, sender, Config{MaxRequeues: 2})
	seedTarget(t, st, "c1", 42)

	if err := w.Enqueue(Job{CampaignID: "c1", GuildID: 1, UserID: 42, Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "terminal failure", func() bool {
		counts, _ := st.TargetCounts(context.Background(), "c1")
		return counts[store.TargetFailed] == 1
	})
}

func newTestRegistry(t *testing.T, st store.Store, dial transport.SenderFactory) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	r := NewRegistry(ctx, Config{}, st, v, dial, eventbus.New(), nil, logx.Nop())
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = r.Stop(sctx)
		cancel()
	})
	return r
}

func TestRegistryRejectsDuplicateToken(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	dial := func(string) (transport.Sender, error) { return &fakeSender{}, nil }
	r := newTestRegistry(t, st, dial)
	ctx := context.Background()

	if _, err := r.Register(ctx, "alpha", "token-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, "beta", "token-1"); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("duplicate: got %v, want ErrDuplicateToken", err)
	}
	if r.Running() != 1 {
		t.Fatalf("running = %d, want 1", r.Running())
	}
}

func TestRegistryRejectsBadToken(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	dial := func(string) (transport.Sender, error) { return nil, errors.New("unauthorized") }
	r := newTestRegistry(t, st, dial)

	if _, err := r.Register(context.Background(), "alpha", "bad"); err == nil {
		t.Fatal("bad token accepted")
	}
	if bots, _ := st.ListBots(context.Background()); len(bots) != 0 {
		t.Fatal("rejected token reached the store")
	}
}

func TestRegistryAvailableFiltersUnhealthy(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	dial := func(string) (transport.Sender, error) { return &fakeSender{}, nil }
	r := newTestRegistry(t, st, dial)
	ctx := context.Background()

	b1, err := r.Register(ctx, "alpha", "token-1")
	if err != nil {
		t.Fatalf("register 1: %v", err)
	}
	b2, err := r.Register(ctx, "beta", "token-2")
	if err != nil {
		t.Fatalf("register 2: %v", err)
	}
	waitFor(t, "workers ready", func() bool {
		w1, ok1 := r.Worker(b1.ID)
		w2, ok2 := r.Worker(b2.ID)
		return ok1 && ok2 && w1.Ready() && w2.Ready()
	})

	if got := r.Available(ctx, 1); len(got) != 2 {
		t.Fatalf("available = %v, want both", got)
	}
	if err := st.UpsertHealth(ctx, store.HealthRecord{BotID: b1.ID, Status: store.Unhealthy}); err != nil {
		t.Fatalf("health: %v", err)
	}
	got := r.Available(ctx, 1)
	if len(got) != 1 || got[0] != b2.ID {
		t.Fatalf("available = %v, want only %s", got, b2.ID)
	}
}

func TestRegistryLoadAllStartsStoredBots(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v, _ := vault.New("test-master-key")
	blob, fp, err := v.Seal("token-9")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ctx := context.Background()
	if err := st.InsertBot(ctx, store.Bot{
		ID: "b-stored", Name: "stored", TokenCiphertext: blob,
		TokenFingerprint: fp, Status: store.BotActive,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dial := func(token string) (transport.Sender, error) {
		if token != "token-9" {
			return nil, errors.New("wrong token unsealed")
		}
		return &fakeSender{}, nil
	}
	r := newTestRegistry(t, st, dial)
	if err := r.LoadAll(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Running() != 1 {
		t.Fatalf("running = %d, want 1", r.Running())
	}
}

func TestRegistryRemoveStopsWorker(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	dial := func(string) (transport.Sender, error) { return &fakeSender{}, nil }
	r := newTestRegistry(t, st, dial)
	ctx := context.Background()

	bot, err := r.Register(ctx, "alpha", "token-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Remove(ctx, bot.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r.Running() != 0 {
		t.Fatalf("running = %d, want 0", r.Running())
	}
	got, err := st.GetBot(ctx, bot.ID)
	if err != nil || got.Status != store.BotInactive {
		t.Fatalf("bot after remove = %+v (%v)", got, err)
	}
}

func TestHealthThresholds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		errs    int64
		pingErr error
		want    store.HealthStatus
	}{
		{0, nil, store.Healthy},
		{9, nil, store.Healthy},
		{10, nil, store.Degraded},
		{19, nil, store.Degraded},
		{20, nil, store.Unhealthy},
		{0, errors.New("timeout"), store.Unhealthy},
	}
	for _, tc := range cases {
		if got := healthFor(tc.errs, tc.pingErr); got != tc.want {
			t.Errorf("healthFor(%d, %v) = %s, want %s", tc.errs, tc.pingErr, got, tc.want)
		}
	}
}
