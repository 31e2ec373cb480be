package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"leasepool/internal/config"
	"leasepool/internal/domain"
	"leasepool/internal/events"
	"leasepool/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ErrContention reports a claim that lost every retry under concurrent load.
// Callers may retry the whole operation.
var ErrContention = errors.New("claim lost retry race; try again")

// OwnershipMismatchError reports a mutation attempted by a party that does
// not currently hold the lease, including leases that already expired.
type OwnershipMismatchError struct {
	Key     string
	AgentID string
}

func (e OwnershipMismatchError) Error() string {
	return fmt.Sprintf("agent %s does not hold the lease on %s", e.AgentID, e.Key)
}

// NotClaimableError reports an explicit claim of an item that is completed or
// actively leased.
type NotClaimableError struct {
	Key    string
	Status string
}

func (e NotClaimableError) Error() string {
	return fmt.Sprintf("item %s is not claimable (status %s)", e.Key, e.Status)
}

// AddItem registers a work item in the available pool, or refreshes the
// payload and priority of an existing one without touching its lease state.
func (e Engine) AddItem(ctx context.Context, key string, payload map[string]any, priorityScore float64) (domain.WorkItem, error) {
	if strings.TrimSpace(key) == "" {
		return domain.WorkItem{}, errors.New("key is required")
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	existing, err := e.Repo.GetWorkItemTx(ctx, tx, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, err
	}
	if errors.Is(err, repo.ErrNotFound) {
		it := domain.WorkItem{
			Key:           key,
			PayloadJSON:   payloadJSON,
			PriorityScore: priorityScore,
			Status:        domain.StatusAvailable,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.Repo.InsertWorkItemTx(ctx, tx, it); err != nil {
			return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.ItemCreated, key, "", events.EventPayload{"priority_score": priorityScore}); err != nil {
			return domain.WorkItem{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.WorkItem{}, err
		}
		return it, nil
	}
	if err := e.Repo.RefreshWorkItemTx(ctx, tx, key, payloadJSON, priorityScore, now); err != nil {
		return domain.WorkItem{}, fmt.Errorf("refresh work item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	existing.PayloadJSON = payloadJSON
	existing.PriorityScore = priorityScore
	existing.UpdatedAt = now
	return existing, nil
}

// SetPriority is the write path for the external ranking producer. It never
// alters status or ownership.
func (e Engine) SetPriority(ctx context.Context, key string, score float64) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetPriorityTx(ctx, tx, key, score, now); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemPriority, key, "", events.EventPayload{"priority_score": score}); err != nil {
		return domain.WorkItem{}, err
	}
	it, err := e.Repo.GetWorkItemTx(ctx, tx, key)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

type claimOutcome int

const (
	claimWon claimOutcome = iota
	claimLost
	claimEmpty
)

// Claim atomically assigns the highest-priority available item to agentID.
// Order is priority_score descending, then created_at, then key. Returns
// (nil, nil) when no work is available. Lost races are retried with backoff
// up to pool.claim_attempts before ErrContention surfaces.
func (e Engine) Claim(ctx context.Context, agentID string) (*domain.WorkItem, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("agent id is required")
	}
	attempts := e.Config.Pool.ClaimAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.Config.ClaimBackoff()
	for attempt := 0; attempt < attempts; attempt++ {
		it, outcome, err := e.claimOnce(ctx, agentID)
		if err != nil {
			if isBusy(err) {
				if err := sleep(ctx, backoff*time.Duration(attempt+1)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		switch outcome {
		case claimWon:
			return &it, nil
		case claimEmpty:
			return nil, nil
		case claimLost:
			if err := sleep(ctx, backoff*time.Duration(attempt+1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, ErrContention
}

func (e Engine) claimOnce(ctx context.Context, agentID string) (domain.WorkItem, claimOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, claimLost, err
	}
	defer tx.Rollback()

	candidate, err := e.Repo.NextAvailableTx(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, claimEmpty, nil
	}
	if err != nil {
		return domain.WorkItem{}, claimLost, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.AssignTx(ctx, tx, candidate.Key, agentID, now)
	if err != nil {
		return domain.WorkItem{}, claimLost, err
	}
	if !ok {
		// Another claimant took the row between our read and write.
		return domain.WorkItem{}, claimLost, nil
	}
	if err := e.Events.Append(ctx, tx, events.ItemClaimed, candidate.Key, agentID, events.EventPayload{
		"priority_score": candidate.PriorityScore,
		"attempt":        candidate.AttemptCount + 1,
	}); err != nil {
		return domain.WorkItem{}, claimLost, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, claimLost, err
	}
	candidate.Status = domain.StatusAssigned
	candidate.Owner = agentID
	candidate.AssignedAt = now
	candidate.LastHeartbeatAt = now
	candidate.AttemptCount++
	candidate.UpdatedAt = now
	return candidate, claimWon, nil
}

// ClaimItem claims a specific item by key. Eligible states: available,
// parked as failed, or assigned with a heartbeat staler than the configured
// timeout (a takeover of a dead owner's lease).
func (e Engine) ClaimItem(ctx context.Context, agentID, key string) (*domain.WorkItem, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("agent id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	staleBefore := now.Add(-e.Config.HeartbeatTimeout()).Format(time.RFC3339)
	ok, err := e.Repo.AssignExplicitTx(ctx, tx, key, agentID, nowStr, staleBefore)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NotClaimableError{Key: key, Status: it.Status}
	}
	payload := events.EventPayload{"priority_score": it.PriorityScore, "attempt": it.AttemptCount + 1}
	if it.Status == domain.StatusAssigned {
		payload["takeover_from"] = it.Owner
	}
	if err := e.Events.Append(ctx, tx, events.ItemClaimed, key, agentID, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	it.Status = domain.StatusAssigned
	it.Owner = agentID
	it.AssignedAt = nowStr
	it.LastHeartbeatAt = nowStr
	it.AttemptCount++
	it.UpdatedAt = nowStr
	return &it, nil
}

// Heartbeat renews agentID's lease on key. A false result means the lease is
// no longer held; the caller must stop side-effecting work on the item.
// The renewal is a single guarded UPDATE, so repeating it is always safe.
func (e Engine) Heartbeat(ctx context.Context, agentID, key string) (bool, error) {
	if strings.TrimSpace(agentID) == "" {
		return false, errors.New("agent id is required")
	}
	if strings.TrimSpace(key) == "" {
		return false, errors.New("key is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.TouchHeartbeat(ctx, key, agentID, now)
}

// Sweep returns every lease whose heartbeat is older than timeout to the
// available pool and reports how many it reclaimed. The staleness predicate
// is re-checked per row at update time, so a heartbeat committed between the
// scan and the update keeps its lease. Safe to run concurrently from any
// process; zero reclaimed is a normal outcome.
func (e Engine) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		if e.Config == nil {
			return 0, errors.New("config not loaded")
		}
		timeout = e.Config.HeartbeatTimeout()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	cutoff := now.Add(-timeout).Format(time.RFC3339)
	stale, err := e.Repo.StaleAssignedTx(ctx, tx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scan stale leases: %w", err)
	}
	count := 0
	for _, it := range stale {
		ok, err := e.Repo.ReclaimTx(ctx, tx, it.Key, cutoff, nowStr)
		if err != nil {
			return 0, fmt.Errorf("reclaim %s: %w", it.Key, err)
		}
		if !ok {
			continue
		}
		count++
		if err := e.Events.Append(ctx, tx, events.ItemReclaimed, it.Key, it.Owner, events.EventPayload{
			"last_heartbeat_at": it.LastHeartbeatAt,
			"timeout_seconds":   int(timeout.Seconds()),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Release unconditionally returns every item assigned to agentID to the
// pool, regardless of heartbeat freshness. Operator-facing eviction.
func (e Engine) Release(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, errors.New("agent id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	held, err := e.Repo.AssignedByOwnerTx(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	count := 0
	for _, it := range held {
		ok, err := e.Repo.ReleaseTx(ctx, tx, it.Key, agentID, now)
		if err != nil {
			return 0, fmt.Errorf("release %s: %w", it.Key, err)
		}
		if !ok {
			continue
		}
		count++
		if err := e.Events.Append(ctx, tx, events.ItemReleased, it.Key, agentID, events.EventPayload{}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Complete marks an item done. Only the current owner may complete it; a
// repeat call on an already completed item is a no-op.
func (e Engine) Complete(ctx context.Context, agentID, key string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, key)
	if err != nil {
		return err
	}
	if it.Status == domain.StatusCompleted {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.CompleteTx(ctx, tx, key, agentID, now)
	if err != nil {
		return err
	}
	if !ok {
		return OwnershipMismatchError{Key: key, AgentID: agentID}
	}
	if err := e.Events.Append(ctx, tx, events.ItemCompleted, key, agentID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail reports that the owner could not finish the item. The item returns to
// available immediately (the reason lives only on the audit event), unless
// pool.max_item_attempts is set and exhausted, in which case the item is
// parked as failed and left out of the claim order.
func (e Engine) Fail(ctx context.Context, agentID, key, reason string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, key)
	if err != nil {
		return err
	}
	park := false
	if e.Config != nil && e.Config.Pool.MaxItemAttempts > 0 {
		park = it.AttemptCount >= e.Config.Pool.MaxItemAttempts
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.FailTx(ctx, tx, key, agentID, now, park)
	if err != nil {
		return err
	}
	if !ok {
		return OwnershipMismatchError{Key: key, AgentID: agentID}
	}
	if err := e.Events.Append(ctx, tx, events.ItemFailed, key, agentID, events.EventPayload{
		"reason": reason,
		"parked": park,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Status builds the operational report in a single read transaction: counts
// per status, leases grouped by agent with heartbeat age, and the stale
// listing for the caller's threshold.
func (e Engine) Status(ctx context.Context, staleAfter time.Duration) (domain.StatusReport, error) {
	if staleAfter <= 0 {
		if e.Config == nil {
			return domain.StatusReport{}, errors.New("config not loaded")
		}
		staleAfter = e.Config.HeartbeatTimeout()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StatusReport{}, err
	}
	defer tx.Rollback()

	counts, err := e.Repo.CountByStatusTx(ctx, tx)
	if err != nil {
		return domain.StatusReport{}, err
	}
	leases, err := e.Repo.AssignedLeasesTx(ctx, tx, "")
	if err != nil {
		return domain.StatusReport{}, err
	}
	for _, status := range []string{domain.StatusAvailable, domain.StatusAssigned, domain.StatusCompleted, domain.StatusFailed} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	now := e.now().UTC()
	cutoff := now.Add(-staleAfter).Format(time.RFC3339)
	report := domain.StatusReport{
		GeneratedAt: now.Format(time.RFC3339),
		Counts:      counts,
	}
	for i := range leases {
		if beat, err := time.Parse(time.RFC3339, leases[i].LastHeartbeatAt); err == nil {
			leases[i].HeartbeatAgeSeconds = int64(now.Sub(beat).Seconds())
		}
	}
	for _, l := range leases {
		if n := len(report.Agents); n == 0 || report.Agents[n-1].AgentID != l.Owner {
			report.Agents = append(report.Agents, domain.AgentStatus{AgentID: l.Owner})
		}
		last := &report.Agents[len(report.Agents)-1]
		last.Leases = append(last.Leases, l)
		if l.LastHeartbeatAt < cutoff {
			report.Stale = append(report.Stale, l)
		}
	}
	return report, nil
}

// AssignedTo lists the items currently leased by one agent.
func (e Engine) AssignedTo(ctx context.Context, agentID string) ([]domain.WorkItem, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("agent id is required")
	}
	return e.Repo.AssignedByOwner(ctx, agentID)
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// isBusy matches the driver's lock errors so claims can retry instead of
// surfacing SQLITE_BUSY to callers.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
