package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dmfleet/internal/store"
	logx "dmfleet/pkg/logx"
)

func TestRunOncePrunesAndRetires(t *testing.T) {
	t.Parallel()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "jan.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	old := time.Now().Add(-100 * 24 * time.Hour)

	if err := st.AppendSend(ctx, store.SendRecord{CampaignID: "c1", UserID: 1, BotID: "b1", Outcome: store.SendSuccess, At: old}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := st.AppendAudit(ctx, store.AuditEntry{ActorID: 1, Action: "bot_add", At: old}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := st.UpsertHealth(ctx, store.HealthRecord{BotID: "dead", Status: store.Healthy, LastHeartbeat: old}); err != nil {
		t.Fatalf("health: %v", err)
	}

	// Member 2 left the guild; member 3 is whitelisted despite not being
	// tracked.
	if err := st.UpsertMember(ctx, store.Member{GuildID: 1, UserID: 1}); err != nil {
		t.Fatalf("member: %v", err)
	}
	if err := st.AddListEntry(ctx, store.ListEntry{GuildID: 1, UserID: 3, Kind: store.ListWhitelist, AddedBy: 9}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	for _, uid := range []int64{1, 2, 3} {
		if err := st.SupersedeAssignment(ctx, store.Assignment{GuildID: 1, UserID: uid, BotID: "b1", Reason: store.ReasonNew}); err != nil {
			t.Fatalf("assignment %d: %v", uid, err)
		}
	}

	j := New(Config{}, st, logx.Nop())
	j.RunOnce(ctx)

	if _, err := st.GetHealth(ctx, "dead"); err == nil {
		t.Fatal("stale health survived")
	}
	if n, _ := st.PruneSends(ctx, time.Now()); n != 0 {
		t.Fatalf("sends left after prune: %d", n)
	}
	// Tracked and whitelisted members keep their assignments.
	if _, err := st.ActiveAssignment(ctx, 1, 1); err != nil {
		t.Fatalf("tracked member lost assignment: %v", err)
	}
	if _, err := st.ActiveAssignment(ctx, 1, 3); err != nil {
		t.Fatalf("whitelisted member lost assignment: %v", err)
	}
	if _, err := st.ActiveAssignment(ctx, 1, 2); err == nil {
		t.Fatal("departed member kept assignment")
	}
}
