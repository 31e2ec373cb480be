package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"leasepool/internal/config"
	"leasepool/internal/db"
	"leasepool/internal/domain"
	"leasepool/internal/engine"
	"leasepool/internal/migrate"
	"leasepool/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) add(t *testing.T, key string, priority float64) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.AddItem(env.Ctx, key, nil, priority)
	if err != nil {
		t.Fatalf("add %s: %v", key, err)
	}
	return it
}

func (env *testEnv) claim(t *testing.T, agentID string) *domain.WorkItem {
	t.Helper()
	it, err := env.Engine.Claim(env.Ctx, agentID)
	if err != nil {
		t.Fatalf("claim by %s: %v", agentID, err)
	}
	return it
}

func TestClaimPriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "old-high", 0.9)
	env.advance(time.Second)
	env.add(t, "new-high", 0.9)
	env.add(t, "low", 0.2)

	// highest score first, ties broken by creation time
	it := env.claim(t, "agent-1")
	if it == nil || it.Key != "old-high" {
		t.Fatalf("expected old-high, got %+v", it)
	}
	if it.Status != domain.StatusAssigned || it.Owner != "agent-1" || it.AttemptCount != 1 {
		t.Fatalf("unexpected claimed item: %+v", it)
	}
	if it.AssignedAt == "" || it.LastHeartbeatAt == "" {
		t.Fatalf("expected lease timestamps on %+v", it)
	}
	it = env.claim(t, "agent-1")
	if it == nil || it.Key != "new-high" {
		t.Fatalf("expected new-high, got %+v", it)
	}
	it = env.claim(t, "agent-1")
	if it == nil || it.Key != "low" {
		t.Fatalf("expected low, got %+v", it)
	}
}

func TestClaimKeyTiebreak(t *testing.T) {
	env := newTestEnv(t)
	// same score, same creation second
	env.add(t, "bravo", 0.5)
	env.add(t, "alpha", 0.5)
	it := env.claim(t, "agent-1")
	if it == nil || it.Key != "alpha" {
		t.Fatalf("expected alpha by key order, got %+v", it)
	}
}

func TestClaimEmptyPool(t *testing.T) {
	env := newTestEnv(t)
	it := env.claim(t, "agent-1")
	if it != nil {
		t.Fatalf("expected nil on empty pool, got %+v", it)
	}
	env.add(t, "only", 0)
	if got := env.claim(t, "agent-1"); got == nil {
		t.Fatalf("expected claim")
	}
	// drained again
	if got := env.claim(t, "agent-2"); got != nil {
		t.Fatalf("expected nil after drain, got %+v", got)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"a", "b", "c", "d"} {
		env.add(t, key, 1)
	}
	var wg sync.WaitGroup
	results := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			it, err := env.Engine.Claim(env.Ctx, "agent")
			// losing every retry under contention is a legal outcome
			if err != nil && !errors.Is(err, engine.ErrContention) {
				t.Errorf("claim %d: %v", n, err)
				return
			}
			if it != nil {
				results <- it.Key
			}
		}(i)
	}
	wg.Wait()
	close(results)
	seen := map[string]bool{}
	for key := range results {
		if seen[key] {
			t.Fatalf("item %s claimed twice", key)
		}
		seen[key] = true
	}
	if len(seen) == 0 {
		t.Fatalf("expected at least one claim")
	}
	// every assigned row must match exactly one claimer's result
	var assigned int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM work_items WHERE status='assigned'`)
	if err := row.Scan(&assigned); err != nil {
		t.Fatal(err)
	}
	if assigned != len(seen) {
		t.Fatalf("assigned rows %d != claims %d", assigned, len(seen))
	}
}

func TestHeartbeatRenewal(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0)
	env.claim(t, "agent-1")

	env.advance(10 * time.Minute)
	held, err := env.Engine.Heartbeat(env.Ctx, "agent-1", "job")
	if err != nil || !held {
		t.Fatalf("expected renewal: held=%v err=%v", held, err)
	}
	// repeating it is always safe
	held, err = env.Engine.Heartbeat(env.Ctx, "agent-1", "job")
	if err != nil || !held {
		t.Fatalf("expected repeat renewal: held=%v err=%v", held, err)
	}
	it, err := env.Engine.Repo.GetWorkItem(env.Ctx, "job")
	if err != nil {
		t.Fatal(err)
	}
	if it.LastHeartbeatAt != env.now.Format(time.RFC3339) {
		t.Fatalf("heartbeat not recorded: %s", it.LastHeartbeatAt)
	}

	// wrong owner, wrong status and unknown key all renew nothing
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-2", "job"); held {
		t.Fatalf("expected false for non-owner")
	}
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-1", "missing"); held {
		t.Fatalf("expected false for unknown key")
	}
}

func TestSweepReclaimsOnlyStale(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "stale", 0.9)
	env.add(t, "fresh", 0.8)
	env.claim(t, "agent-1") // stale
	env.claim(t, "agent-2") // fresh

	env.advance(10 * time.Minute)
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-2", "fresh"); !held {
		t.Fatalf("expected renewal")
	}
	env.advance(21 * time.Minute) // stale is 31m old, fresh 21m

	n, err := env.Engine.Sweep(env.Ctx, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	it, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "stale")
	if it.Status != domain.StatusAvailable || it.Owner != "" || it.LastHeartbeatAt != "" {
		t.Fatalf("expected stale returned to pool: %+v", it)
	}
	if it.AttemptCount != 1 {
		t.Fatalf("reclaim must keep attempt count, got %d", it.AttemptCount)
	}
	fresh, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "fresh")
	if fresh.Status != domain.StatusAssigned || fresh.Owner != "agent-2" {
		t.Fatalf("fresh lease must survive: %+v", fresh)
	}

	// the evicted owner learns about it on the next heartbeat
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-1", "stale"); held {
		t.Fatalf("expected false after eviction")
	}
	// reclaim event names the evicted owner
	var agentID string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT agent_id FROM events WHERE type='item.reclaimed' AND item_key='stale'`)
	if err := row.Scan(&agentID); err != nil {
		t.Fatalf("expected reclaim event: %v", err)
	}
	if agentID != "agent-1" {
		t.Fatalf("expected evicted owner on event, got %s", agentID)
	}
}

func TestSweepSparesRenewedLease(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0)
	env.claim(t, "agent-1")
	env.advance(31 * time.Minute)
	// renewal lands before the sweep; the lease is not lost
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-1", "job"); !held {
		t.Fatalf("expected renewal before sweep")
	}
	n, err := env.Engine.Sweep(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected nothing reclaimed, got %d", n)
	}
	it, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "job")
	if it.Status != domain.StatusAssigned || it.Owner != "agent-1" {
		t.Fatalf("lease must survive sweep: %+v", it)
	}
}

func TestReleaseReturnsAllLeases(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a", 0.3)
	env.add(t, "b", 0.2)
	env.add(t, "c", 0.1)
	env.claim(t, "agent-1")
	env.claim(t, "agent-1")
	env.claim(t, "agent-2")

	n, err := env.Engine.Release(env.Ctx, "agent-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	for _, key := range []string{"a", "b"} {
		it, _ := env.Engine.Repo.GetWorkItem(env.Ctx, key)
		if it.Status != domain.StatusAvailable || it.Owner != "" {
			t.Fatalf("expected %s back in pool: %+v", key, it)
		}
	}
	other, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "c")
	if other.Owner != "agent-2" {
		t.Fatalf("other agent's lease must survive: %+v", other)
	}
	// idempotent for an agent with nothing held
	n, err = env.Engine.Release(env.Ctx, "agent-1")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 on repeat, got %d err=%v", n, err)
	}
	// released items are claimable again
	if it := env.claim(t, "agent-3"); it == nil {
		t.Fatalf("expected re-claim after release")
	}
}

func TestCompleteIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0)
	env.claim(t, "agent-1")
	if err := env.Engine.Complete(env.Ctx, "agent-1", "job"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	it, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "job")
	if it.Status != domain.StatusCompleted || it.Owner != "" {
		t.Fatalf("expected completed: %+v", it)
	}
	// repeat completion is a no-op, whoever asks
	if err := env.Engine.Complete(env.Ctx, "agent-1", "job"); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if err := env.Engine.Complete(env.Ctx, "agent-2", "job"); err != nil {
		t.Fatalf("repeat complete by other agent: %v", err)
	}
}

func TestCompleteOwnershipMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0)
	env.claim(t, "agent-1")
	err := env.Engine.Complete(env.Ctx, "agent-2", "job")
	var mismatch engine.OwnershipMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ownership mismatch, got %v", err)
	}
	if mismatch.Key != "job" || mismatch.AgentID != "agent-2" {
		t.Fatalf("unexpected mismatch fields: %+v", mismatch)
	}
	// completing an unclaimed item is also a mismatch
	env.add(t, "idle", 0)
	if err := env.Engine.Complete(env.Ctx, "agent-1", "idle"); !errors.As(err, &mismatch) {
		t.Fatalf("expected mismatch on unclaimed item, got %v", err)
	}
}

func TestFailReturnsItemToPool(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0)
	env.claim(t, "agent-1")
	if err := env.Engine.Fail(env.Ctx, "agent-1", "job", "disk full"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	it, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "job")
	if it.Status != domain.StatusAvailable || it.Owner != "" {
		t.Fatalf("expected item back in pool: %+v", it)
	}
	if it.AttemptCount != 1 {
		t.Fatalf("fail must keep attempt count, got %d", it.AttemptCount)
	}
	// reason lives on the audit event only
	var payload string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT payload FROM events WHERE type='item.failed' AND item_key='job'`)
	if err := row.Scan(&payload); err != nil {
		t.Fatalf("expected fail event: %v", err)
	}
	if !strings.Contains(payload, "disk full") {
		t.Fatalf("expected reason in payload: %s", payload)
	}
	// next claim is attempt two
	it2 := env.claim(t, "agent-2")
	if it2 == nil || it2.Key != "job" || it2.AttemptCount != 2 {
		t.Fatalf("expected re-claim with attempt 2, got %+v", it2)
	}
}

func TestFailParksAfterAttemptCap(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Pool.MaxItemAttempts = 2
	env.add(t, "cursed", 0)

	env.claim(t, "agent-1")
	_ = env.Engine.Fail(env.Ctx, "agent-1", "cursed", "boom")
	env.claim(t, "agent-1")
	if err := env.Engine.Fail(env.Ctx, "agent-1", "cursed", "boom again"); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	it, _ := env.Engine.Repo.GetWorkItem(env.Ctx, "cursed")
	if it.Status != domain.StatusFailed {
		t.Fatalf("expected parked item, got %+v", it)
	}
	// parked items are out of the claim order
	if got := env.claim(t, "agent-2"); got != nil {
		t.Fatalf("expected empty pool, got %+v", got)
	}
	var payload string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT payload FROM events WHERE type='item.failed' AND item_key='cursed' ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(payload, `"parked":true`) {
		t.Fatalf("expected parked flag in payload: %s", payload)
	}
	// an operator can still force it onto an agent by key
	got, err := env.Engine.ClaimItem(env.Ctx, "agent-2", "cursed")
	if err != nil {
		t.Fatalf("explicit claim of parked item: %v", err)
	}
	if got.Owner != "agent-2" || got.AttemptCount != 3 {
		t.Fatalf("unexpected explicit claim: %+v", got)
	}
}

func TestClaimItemTakeover(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0)
	env.claim(t, "agent-1")

	// a fresh lease cannot be taken
	env.advance(5 * time.Minute)
	_, err := env.Engine.ClaimItem(env.Ctx, "agent-2", "job")
	var notClaimable engine.NotClaimableError
	if !errors.As(err, &notClaimable) {
		t.Fatalf("expected not claimable, got %v", err)
	}

	// a stale one can
	env.advance(26 * time.Minute)
	it, err := env.Engine.ClaimItem(env.Ctx, "agent-2", "job")
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if it.Owner != "agent-2" || it.AttemptCount != 2 {
		t.Fatalf("unexpected takeover result: %+v", it)
	}
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-1", "job"); held {
		t.Fatalf("evicted owner must not renew")
	}
	var payload string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT payload FROM events WHERE type='item.claimed' AND agent_id='agent-2'`)
	if err := row.Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(payload, `"takeover_from":"agent-1"`) {
		t.Fatalf("expected takeover recorded: %s", payload)
	}
}

func TestAddItemRefreshKeepsLease(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "job", 0.5)
	env.claim(t, "agent-1")

	it, err := env.Engine.AddItem(env.Ctx, "job", map[string]any{"path": "/tmp/x"}, 0.7)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if it.Status != domain.StatusAssigned || it.Owner != "agent-1" {
		t.Fatalf("refresh must not touch the lease: %+v", it)
	}
	if it.PriorityScore != 0.7 || !strings.Contains(it.PayloadJSON, "/tmp/x") {
		t.Fatalf("refresh must update payload and score: %+v", it)
	}
	// only the first insert is a creation event
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='item.created' AND item_key='job'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one creation event, got %d", count)
	}
}

func TestSetPriorityUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetPriority(env.Ctx, "missing", 1)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusReport(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "idle", 0.1)
	env.add(t, "stale", 0.9)
	env.add(t, "fresh", 0.8)
	env.add(t, "done", 0.7)
	env.claim(t, "agent-1") // stale
	env.claim(t, "agent-2") // fresh
	env.claim(t, "agent-2") // done
	_ = env.Engine.Complete(env.Ctx, "agent-2", "done")

	env.advance(31 * time.Minute)
	if held, _ := env.Engine.Heartbeat(env.Ctx, "agent-2", "fresh"); !held {
		t.Fatalf("expected renewal")
	}

	report, err := env.Engine.Status(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.GeneratedAt == "" {
		t.Fatalf("expected generated_at")
	}
	want := map[string]int{
		domain.StatusAvailable: 1,
		domain.StatusAssigned:  2,
		domain.StatusCompleted: 1,
		domain.StatusFailed:    0,
	}
	for status, n := range want {
		if report.Counts[status] != n {
			t.Fatalf("count %s: want %d got %d", status, n, report.Counts[status])
		}
	}
	byAgent := map[string][]domain.Lease{}
	for _, a := range report.Agents {
		byAgent[a.AgentID] = a.Leases
	}
	if len(byAgent["agent-1"]) != 1 || len(byAgent["agent-2"]) != 1 {
		t.Fatalf("unexpected agent grouping: %+v", report.Agents)
	}
	if len(report.Stale) != 1 || report.Stale[0].Key != "stale" || report.Stale[0].Owner != "agent-1" {
		t.Fatalf("unexpected stale listing: %+v", report.Stale)
	}
	if report.Stale[0].HeartbeatAgeSeconds != int64((31 * time.Minute).Seconds()) {
		t.Fatalf("unexpected heartbeat age: %d", report.Stale[0].HeartbeatAgeSeconds)
	}
}

func TestAssignedTo(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a", 0.2)
	env.add(t, "b", 0.1)
	env.claim(t, "agent-1")
	env.claim(t, "agent-1")
	items, err := env.Engine.AssignedTo(env.Ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 leases, got %d", len(items))
	}
	items, err = env.Engine.AssignedTo(env.Ctx, "agent-9")
	if err != nil || len(items) != 0 {
		t.Fatalf("expected none for unknown agent: %v %v", items, err)
	}
}
