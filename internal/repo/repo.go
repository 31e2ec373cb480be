package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"leasepool/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const itemColumns = `key,COALESCE(payload,'{}'),priority_score,status,owner,assigned_at,last_heartbeat_at,attempt_count,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row scanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var owner, assignedAt, heartbeatAt sql.NullString
	err := row.Scan(&it.Key, &it.PayloadJSON, &it.PriorityScore, &it.Status, &owner, &assignedAt, &heartbeatAt, &it.AttemptCount, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if owner.Valid {
		it.Owner = owner.String
	}
	if assignedAt.Valid {
		it.AssignedAt = assignedAt.String
	}
	if heartbeatAt.Valid {
		it.LastHeartbeatAt = heartbeatAt.String
	}
	return it, nil
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(key,payload,priority_score,status,owner,assigned_at,last_heartbeat_at,attempt_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		it.Key, it.PayloadJSON, it.PriorityScore, it.Status, nullable(it.Owner), nullable(it.AssignedAt), nullable(it.LastHeartbeatAt), it.AttemptCount, it.CreatedAt, it.UpdatedAt)
	return err
}

// RefreshWorkItemTx updates the producer-owned columns of an existing item
// without touching its lease state.
func (r Repo) RefreshWorkItemTx(ctx context.Context, tx *sql.Tx, key, payloadJSON string, priorityScore float64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET payload=?, priority_score=?, updated_at=? WHERE key=?`,
		payloadJSON, priorityScore, now, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetPriorityTx(ctx context.Context, tx *sql.Tx, key string, score float64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET priority_score=?, updated_at=? WHERE key=?`, score, now, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, key string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE key=?`, key))
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, key string) (domain.WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE key=?`, key))
}

func (r Repo) DeleteWorkItem(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM work_items WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ItemFilters struct {
	Status          string
	Owner           string
	Limit           int
	CursorCreatedAt string
	CursorKey       string
}

// ListWorkItems returns items newest first with cursor pagination.
func (r Repo) ListWorkItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.CursorCreatedAt != "" && f.CursorKey != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND key < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorKey)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + itemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, key DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// NextAvailableTx returns the claim candidate: highest priority first, ties
// broken by oldest created_at, then key, so the order is a strict total order.
func (r Repo) NextAvailableTx(ctx context.Context, tx *sql.Tx) (domain.WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE status='available' ORDER BY priority_score DESC, created_at ASC, key ASC LIMIT 1`))
}

// AssignTx moves an available item to assigned. The status is re-checked in
// the WHERE clause; zero rows affected means a concurrent claim won the row.
func (r Repo) AssignTx(ctx context.Context, tx *sql.Tx, key, agentID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status='assigned', owner=?, assigned_at=?, last_heartbeat_at=?, attempt_count=attempt_count+1, updated_at=? WHERE key=? AND status='available'`,
		agentID, now, now, now, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AssignExplicitTx claims a specific item: available, parked as failed, or
// assigned with a heartbeat older than staleBefore (takeover of a dead owner).
func (r Repo) AssignExplicitTx(ctx context.Context, tx *sql.Tx, key, agentID, now, staleBefore string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status='assigned', owner=?, assigned_at=?, last_heartbeat_at=?, attempt_count=attempt_count+1, updated_at=?
WHERE key=? AND (status IN ('available','failed') OR (status='assigned' AND last_heartbeat_at < ?))`,
		agentID, now, now, now, key, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchHeartbeat renews a lease. A false result means the caller no longer
// owns the item.
func (r Repo) TouchHeartbeat(ctx context.Context, key, agentID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE work_items SET last_heartbeat_at=?, updated_at=? WHERE key=? AND owner=? AND status='assigned'`,
		now, now, key, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StaleAssignedTx lists assigned items whose last heartbeat is older than the
// cutoff, ordered for deterministic sweep processing.
func (r Repo) StaleAssignedTx(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.WorkItem, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE status='assigned' AND last_heartbeat_at < ? ORDER BY last_heartbeat_at ASC, key ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ReclaimTx returns one stale lease to the pool. The staleness predicate is
// re-evaluated at update time so a freshly renewed lease is left alone.
func (r Repo) ReclaimTx(ctx context.Context, tx *sql.Tx, key, cutoff, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status='available', owner=NULL, assigned_at=NULL, last_heartbeat_at=NULL, updated_at=? WHERE key=? AND status='assigned' AND last_heartbeat_at < ?`,
		now, key, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) AssignedByOwner(ctx context.Context, agentID string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE status='assigned' AND owner=? ORDER BY assigned_at ASC, key ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) AssignedByOwnerTx(ctx context.Context, tx *sql.Tx, agentID string) ([]domain.WorkItem, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE status='assigned' AND owner=? ORDER BY assigned_at ASC, key ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ReleaseTx unconditionally returns one assigned item held by agentID to the
// pool, regardless of heartbeat freshness.
func (r Repo) ReleaseTx(ctx context.Context, tx *sql.Tx, key, agentID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status='available', owner=NULL, assigned_at=NULL, last_heartbeat_at=NULL, updated_at=? WHERE key=? AND owner=? AND status='assigned'`,
		now, key, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CompleteTx(ctx context.Context, tx *sql.Tx, key, agentID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status='completed', owner=NULL, assigned_at=NULL, last_heartbeat_at=NULL, updated_at=? WHERE key=? AND owner=? AND status='assigned'`,
		now, key, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTx releases a failed item back to the pool, or parks it as failed when
// the caller has decided its attempts are exhausted.
func (r Repo) FailTx(ctx context.Context, tx *sql.Tx, key, agentID, now string, park bool) (bool, error) {
	status := domain.StatusAvailable
	if park {
		status = domain.StatusFailed
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status=?, owner=NULL, assigned_at=NULL, last_heartbeat_at=NULL, updated_at=? WHERE key=? AND owner=? AND status='assigned'`,
		status, now, key, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.DB.QueryContext)
}

func (r Repo) CountByStatusTx(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	return countByStatus(ctx, tx.QueryContext)
}

func countByStatus(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error)) (map[string]int, error) {
	rows, err := query(ctx, `SELECT status, count(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

// AssignedLeasesTx returns every live lease grouped by owner for the status
// report. Pass a cutoff to restrict the listing to stale leases.
func (r Repo) AssignedLeasesTx(ctx context.Context, tx *sql.Tx, staleBefore string) ([]domain.Lease, error) {
	query := `SELECT key,owner,priority_score,assigned_at,last_heartbeat_at FROM work_items WHERE status='assigned'`
	var args []any
	if staleBefore != "" {
		query += ` AND last_heartbeat_at < ?`
		args = append(args, staleBefore)
	}
	query += ` ORDER BY owner ASC, assigned_at ASC, key ASC`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		var l domain.Lease
		if err := rows.Scan(&l.Key, &l.Owner, &l.PriorityScore, &l.AssignedAt, &l.LastHeartbeatAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, itemKey, agentID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, itemKey, agentID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, itemKey, agentID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if itemKey != "" {
		clauses = append(clauses, "item_key=?")
		args = append(args, itemKey)
	}
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,item_key,agent_id,payload FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,item_key,agent_id,payload FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var itemKey, agentID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &itemKey, &agentID, &payload); err != nil {
			return nil, err
		}
		if itemKey.Valid {
			e.ItemKey = itemKey.String
		}
		if agentID.Valid {
			e.AgentID = agentID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
