package ops

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dmfleet/internal/assign"
	"dmfleet/internal/campaign"
	"dmfleet/internal/eventbus"
	"dmfleet/internal/fleet"
	"dmfleet/internal/store"
	"dmfleet/internal/transport"
	"dmfleet/internal/vault"
	logx "dmfleet/pkg/logx"
)

type fakeOperator struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeOperator) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeOperator) Stop(ctx context.Context) error                               { return nil }

func (f *fakeOperator) Reply(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	f.replies = append(f.replies, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeOperator) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeOperator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type nullSender struct{}

func (nullSender) SendDirect(ctx context.Context, userID int64, text string) error { return nil }
func (nullSender) Ping(ctx context.Context) (time.Duration, error)                 { return 0, nil }
func (nullSender) Close() error                                                    { return nil }

func newTestRouter(t *testing.T) (*Router, *fakeOperator, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "ops.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v, _ := vault.New("test-master-key")
	bus := eventbus.New()
	res := assign.NewResolver(st, logx.Nop())
	dial := func(string) (transport.Sender, error) { return nullSender{}, nil }
	reg := fleet.NewRegistry(ctx, fleet.Config{}, st, v, dial, bus, nil, logx.Nop())
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = reg.Stop(sctx)
	})
	eng := campaign.NewEngine(ctx, st, reg, res, bus, logx.Nop())
	op := &fakeOperator{}

	r := NewRouter(Deps{
		Registry: reg, Engine: eng, Resolver: res, Store: st, Operator: op,
	}, []int64{7}, logx.Nop())
	return r, op, st
}

func admin(text string) transport.Update {
	return transport.Update{ChatID: 1, FromID: 7, Text: text}
}

func TestNonAdminIgnored(t *testing.T) {
	t.Parallel()
	r, op, _ := newTestRouter(t)
	r.handle(context.Background(), transport.Update{ChatID: 1, FromID: 99, Text: "/bot list"})
	if op.count() != 0 {
		t.Fatalf("non-admin got a reply: %q", op.last())
	}
}

func TestNonCommandIgnored(t *testing.T) {
	t.Parallel()
	r, op, _ := newTestRouter(t)
	r.handle(context.Background(), admin("hello there"))
	if op.count() != 0 {
		t.Fatal("chatter produced a reply")
	}
}

func TestBotAddListRemove(t *testing.T) {
	t.Parallel()
	r, op, st := newTestRouter(t)
	ctx := context.Background()

	r.handle(ctx, admin("/bot add alpha token-1"))
	if !strings.Contains(op.last(), "registered") {
		t.Fatalf("add reply = %q", op.last())
	}
	bots, err := st.ListBots(ctx)
	if err != nil || len(bots) != 1 {
		t.Fatalf("bots = %d (%v)", len(bots), err)
	}

	r.handle(ctx, admin("/bot list"))
	if !strings.Contains(op.last(), "alpha") {
		t.Fatalf("list reply = %q", op.last())
	}

	r.handle(ctx, admin("/bot remove "+bots[0].ID))
	if op.last() != "bot removed" {
		t.Fatalf("remove reply = %q", op.last())
	}
	got, _ := st.GetBot(ctx, bots[0].ID)
	if got.Status != store.BotInactive {
		t.Fatalf("status = %s, want inactive", got.Status)
	}
}

func TestDuplicateTokenReportsError(t *testing.T) {
	t.Parallel()
	r, op, _ := newTestRouter(t)
	ctx := context.Background()

	r.handle(ctx, admin("/bot add alpha token-1"))
	r.handle(ctx, admin("/bot add beta token-1"))
	if !strings.Contains(op.last(), "error") {
		t.Fatalf("duplicate reply = %q", op.last())
	}
}

func TestBlacklistCommands(t *testing.T) {
	t.Parallel()
	r, op, st := newTestRouter(t)
	ctx := context.Background()

	r.handle(ctx, admin("/blacklist add 1 42"))
	if !strings.Contains(op.last(), "added") {
		t.Fatalf("reply = %q", op.last())
	}
	if ok, _ := st.InList(ctx, 1, 42, store.ListBlacklist); !ok {
		t.Fatal("entry missing after add")
	}

	r.handle(ctx, admin("/blacklist remove 1 42"))
	if ok, _ := st.InList(ctx, 1, 42, store.ListBlacklist); ok {
		t.Fatal("entry present after remove")
	}
}

func TestCampaignCreateAndStatusViaCommands(t *testing.T) {
	t.Parallel()
	r, op, st := newTestRouter(t)
	ctx := context.Background()

	r.handle(ctx, admin("/bot add alpha token-1"))
	for uid := int64(1); uid <= 3; uid++ {
		if err := st.UpsertMember(ctx, store.Member{GuildID: 5, UserID: uid}); err != nil {
			t.Fatalf("member: %v", err)
		}
	}
	// Worker needs a moment to report ready before it counts as available.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.handle(ctx, admin("/campaign create 5 paced 10 spring push | hello members"))
		if strings.Contains(op.last(), "created") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(op.last(), "created with 3 targets") {
		t.Fatalf("create reply = %q", op.last())
	}

	cs, err := st.ListCampaigns(ctx, 5, 10)
	if err != nil || len(cs) < 1 {
		t.Fatalf("campaigns = %d (%v)", len(cs), err)
	}
	c := cs[0]
	if c.Name != "spring push" || c.Message != "hello members" || c.Pace != 10 {
		t.Fatalf("campaign = %+v", c)
	}

	r.handle(ctx, admin("/campaign status "+c.ID))
	if !strings.Contains(op.last(), "spring push") || !strings.Contains(op.last(), "pending 3") {
		t.Fatalf("status reply = %q", op.last())
	}

	r.handle(ctx, admin("/assign stats 5"))
	if !strings.Contains(op.last(), "guild 5") {
		t.Fatalf("stats reply = %q", op.last())
	}
}

func TestAuditTrailWritten(t *testing.T) {
	t.Parallel()
	r, _, st := newTestRouter(t)
	ctx := context.Background()

	r.handle(ctx, admin("/bot add alpha token-1"))
	r.handle(ctx, admin("/blacklist add 1 42"))

	// Both actions leave audit rows; prune with a future cutoff counts them.
	n, err := st.PruneAudits(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("audit rows = %d, want 2", n)
	}
}

func TestHelp(t *testing.T) {
	t.Parallel()
	r, op, _ := newTestRouter(t)
	r.handle(context.Background(), admin("/help"))
	if !strings.Contains(op.last(), "/bot add") {
		t.Fatalf("help reply = %q", op.last())
	}
}

func TestMemberCommands(t *testing.T) {
	t.Parallel()
	r, op, st := newTestRouter(t)
	ctx := context.Background()

	r.handle(ctx, admin("/member add 10 501 alice"))
	if op.last() != "member tracked" {
		t.Fatalf("add reply = %q", op.last())
	}
	r.handle(ctx, admin("/member add 10 502"))

	r.handle(ctx, admin("/member count 10"))
	if !strings.Contains(op.last(), "2 eligible members") {
		t.Fatalf("count reply = %q", op.last())
	}

	r.handle(ctx, admin("/member remove 10 501"))
	if op.last() != "member dropped" {
		t.Fatalf("remove reply = %q", op.last())
	}
	ids, err := st.EligibleMembers(ctx, 10)
	if err != nil || len(ids) != 1 || ids[0] != 502 {
		t.Fatalf("eligible after remove = %v (%v)", ids, err)
	}

	r.handle(ctx, admin("/member add 10 nope"))
	if op.last() != "bad user id" {
		t.Fatalf("bad id reply = %q", op.last())
	}
}
