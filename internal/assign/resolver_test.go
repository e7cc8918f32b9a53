package assign

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dmfleet/internal/store"
	logx "dmfleet/pkg/logx"
)

func newResolver(t *testing.T) (*Resolver, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "assign.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(st, logx.Nop()), st
}

func TestResolveIsSticky(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)
	ctx := context.Background()
	avail := []string{"b1", "b2", "b3"}

	first, err := r.Resolve(ctx, 1, 100, avail)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := r.Resolve(ctx, 1, 100, avail)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if got != first {
			t.Fatalf("resolve %d = %s, want sticky %s", i, got, first)
		}
	}
}

func TestResolveBalancesLoad(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)
	ctx := context.Background()
	avail := []string{"b1", "b2", "b3"}

	counts := map[string]int{}
	for uid := int64(1); uid <= 9; uid++ {
		bot, err := r.Resolve(ctx, 1, uid, avail)
		if err != nil {
			t.Fatalf("resolve %d: %v", uid, err)
		}
		counts[bot]++
	}
	// Least-loaded selection spreads nine members evenly over three bots.
	for _, id := range avail {
		if counts[id] != 3 {
			t.Fatalf("distribution %v, want 3 each", counts)
		}
	}
}

func TestResolvePromotesFallback(t *testing.T) {
	t.Parallel()
	r, st := newResolver(t)
	ctx := context.Background()

	if err := st.SupersedeAssignment(ctx, store.Assignment{
		GuildID: 1, UserID: 100, BotID: "b1",
		Fallbacks: []string{"b2", "b3"}, Reason: store.ReasonNew,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Primary gone, first fallback also gone: b3 takes over.
	got, err := r.Resolve(ctx, 1, 100, []string{"b3", "b4"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "b3" {
		t.Fatalf("got %s, want fallback b3", got)
	}
	a, err := st.ActiveAssignment(ctx, 1, 100)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if a.BotID != "b3" || a.Reason != store.ReasonFallback {
		t.Fatalf("assignment = %+v, want promoted b3", a)
	}
}

func TestResolveRebalancesWhenChainExhausted(t *testing.T) {
	t.Parallel()
	r, st := newResolver(t)
	ctx := context.Background()

	if err := st.SupersedeAssignment(ctx, store.Assignment{
		GuildID: 1, UserID: 100, BotID: "b1",
		Fallbacks: []string{"b2"}, Reason: store.ReasonNew,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := r.Resolve(ctx, 1, 100, []string{"b9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "b9" {
		t.Fatalf("got %s, want b9", got)
	}
	a, _ := st.ActiveAssignment(ctx, 1, 100)
	if a.BotID != "b9" || a.Reason != store.ReasonNew {
		t.Fatalf("assignment = %+v", a)
	}
	// Only one active row remains after supersession.
	if n, _ := st.CountActiveAssignments(ctx, 1, "b1"); n != 0 {
		t.Fatalf("old bot still active: %d", n)
	}
}

func TestResolveNoBots(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)
	if _, err := r.Resolve(context.Background(), 1, 100, nil); !errors.Is(err, ErrNoBots) {
		t.Fatalf("got %v, want ErrNoBots", err)
	}
}

func TestNewAssignmentFallbackChainCapped(t *testing.T) {
	t.Parallel()
	r, st := newResolver(t)
	ctx := context.Background()
	avail := []string{"b1", "b2", "b3", "b4", "b5", "b6"}

	bot, err := r.Resolve(ctx, 1, 100, avail)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	a, err := st.ActiveAssignment(ctx, 1, 100)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(a.Fallbacks) != maxFallbacks {
		t.Fatalf("fallbacks = %v, want %d entries", a.Fallbacks, maxFallbacks)
	}
	for _, fb := range a.Fallbacks {
		if fb == bot {
			t.Fatalf("primary %s appears in fallback chain %v", bot, a.Fallbacks)
		}
	}
}

func TestStatsAndRecordSend(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)
	ctx := context.Background()
	avail := []string{"b1", "b2"}

	for uid := int64(1); uid <= 4; uid++ {
		if _, err := r.Resolve(ctx, 7, uid, avail); err != nil {
			t.Fatalf("resolve %d: %v", uid, err)
		}
	}
	if err := r.RecordSend(ctx, 7, 1); err != nil {
		t.Fatalf("record send: %v", err)
	}

	s, err := r.Stats(ctx, 7)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Total != 4 {
		t.Fatalf("total = %d, want 4", s.Total)
	}
	var dms int
	for _, l := range s.PerBot {
		dms += l.DMsSum
	}
	if dms != 1 {
		t.Fatalf("dms sum = %d, want 1", dms)
	}
}

// faultStore injects failures into selected assignment operations while
// delegating everything else to a real store.
type faultStore struct {
	store.Store
	lookupErr    error
	loadsErr     error
	supersedeErr error
}

func (f *faultStore) ActiveAssignment(ctx context.Context, guildID, userID int64) (store.Assignment, error) {
	if f.lookupErr != nil {
		return store.Assignment{}, f.lookupErr
	}
	return f.Store.ActiveAssignment(ctx, guildID, userID)
}

func (f *faultStore) AssignmentLoads(ctx context.Context, guildID int64) ([]store.BotLoad, error) {
	if f.loadsErr != nil {
		return nil, f.loadsErr
	}
	return f.Store.AssignmentLoads(ctx, guildID)
}

func (f *faultStore) SupersedeAssignment(ctx context.Context, a store.Assignment) error {
	if f.supersedeErr != nil {
		return f.supersedeErr
	}
	return f.Store.SupersedeAssignment(ctx, a)
}

func TestResolveDegradesOnLookupFailure(t *testing.T) {
	t.Parallel()
	_, st := newResolver(t)
	r := NewResolver(&faultStore{Store: st, lookupErr: errors.New("store down")}, logx.Nop())

	got, err := r.Resolve(context.Background(), 1, 100, []string{"b1", "b2"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "b1" {
		t.Fatalf("degraded pick = %s, want first available b1", got)
	}
}

func TestResolveDegradesOnLoadFailure(t *testing.T) {
	t.Parallel()
	_, st := newResolver(t)
	r := NewResolver(&faultStore{Store: st, loadsErr: errors.New("store down")}, logx.Nop())
	ctx := context.Background()

	got, err := r.Resolve(ctx, 1, 100, []string{"b1", "b2"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "b1" {
		t.Fatalf("unbalanced pick = %s, want b1", got)
	}
	// The assignment still persisted, so the pick stays sticky.
	cur, err := st.ActiveAssignment(ctx, 1, 100)
	if err != nil {
		t.Fatalf("ActiveAssignment: %v", err)
	}
	if cur.BotID != "b1" {
		t.Fatalf("persisted bot = %s, want b1", cur.BotID)
	}
}

func TestResolveDegradesOnPersistFailure(t *testing.T) {
	t.Parallel()
	_, st := newResolver(t)
	r := NewResolver(&faultStore{Store: st, supersedeErr: errors.New("store down")}, logx.Nop())
	ctx := context.Background()

	got, err := r.Resolve(ctx, 1, 100, []string{"b1", "b2"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "b1" {
		t.Fatalf("unsticky pick = %s, want b1", got)
	}
	if _, err := st.ActiveAssignment(ctx, 1, 100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no persisted row, got err %v", err)
	}
}
