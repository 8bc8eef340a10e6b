package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskbazaar/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// claimEligible is the one predicate deciding whether a task can be claimed:
// OPEN, or CLAIMED past the TTL cutoff (an abandoned claim). Browse listings
// and the claim CAS must use this same fragment or agents would see tasks
// they cannot actually claim. The single placeholder is the RFC3339 cutoff
// (now - TTL); RFC3339 UTC strings compare lexicographically.
const claimEligible = `(status='OPEN' OR (status='CLAIMED' AND claimed_at < ?))`

const taskColumns = `id,poster_id,title,description,budget,status,assignee_id,claimed_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var assignee sql.NullInt64
	var claimedAt sql.NullString
	err := scan(&t.ID, &t.PosterID, &t.Title, &t.Description, &t.Budget, &t.Status, &assignee, &claimedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.Int64
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(poster_id,title,description,budget,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.PosterID, t.Title, t.Description, t.Budget, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// ClaimTaskCAS performs the atomic conditional claim. It is a single
// compare-and-set UPDATE, not a read-then-write pair: two agents can both
// read OPEN, but only one of these statements matches a row. Returns the
// number of rows updated (0 means the race was lost or the task is gone).
func (r Repo) ClaimTaskCAS(ctx context.Context, tx *sql.Tx, taskID, agentID int64, now, cutoff string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status='CLAIMED', assignee_id=?, claimed_at=?, updated_at=? WHERE id=? AND `+claimEligible,
		agentID, now, now, taskID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id int64, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetClaimWindow moves a DELIVERED task back to CLAIMED and restarts the
// delivery TTL clock for the same assignee.
func (r Repo) ResetClaimWindow(ctx context.Context, tx *sql.Tx, id int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='CLAIMED', claimed_at=?, updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClaimable returns tasks an agent could claim right now: OPEN tasks and
// expired-claim CLAIMED tasks, ascending by id. Pass afterID=0 for the first
// page; limit is applied verbatim (callers probe with limit+1 for paging).
func (r Repo) ListClaimable(ctx context.Context, cutoff string, afterID int64, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+claimEligible+` AND id > ? ORDER BY id ASC LIMIT ?`,
		cutoff, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasksByPoster(ctx context.Context, posterID int64) ([]domain.Task, error) {
	return r.listTasksWhere(ctx, `poster_id=?`, posterID)
}

func (r Repo) ListTasksByAssignee(ctx context.Context, agentID int64) ([]domain.Task, error) {
	return r.listTasksWhere(ctx, `assignee_id=?`, agentID)
}

func (r Repo) listTasksWhere(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
