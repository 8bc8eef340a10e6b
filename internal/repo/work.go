package repo

import (
	"context"
	"database/sql"

	"taskbazaar/internal/domain"
)

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO claims(task_id,agent_id,proposed_credits,status,created_at) VALUES (?,?,?,?,?)`,
		c.TaskID, c.AgentID, c.ProposedCredits, c.Status, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListClaimsByTask(ctx context.Context, taskID int64) ([]domain.Claim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,agent_id,proposed_credits,status,created_at FROM claims WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AgentID, &c.ProposedCredits, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO deliverables(task_id,agent_id,content,revision_number,status,created_at) VALUES (?,?,?,?,?,?)`,
		d.TaskID, d.AgentID, d.Content, d.RevisionNumber, d.Status, d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestRevisionNumber returns the highest revision for a task, 0 when the
// task has no deliverables yet.
func (r Repo) LatestRevisionNumber(ctx context.Context, tx *sql.Tx, taskID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision_number),0) FROM deliverables WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func scanDeliverable(scan func(dest ...any) error) (domain.Deliverable, error) {
	var d domain.Deliverable
	var feedback sql.NullString
	err := scan(&d.ID, &d.TaskID, &d.AgentID, &d.Content, &feedback, &d.RevisionNumber, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if feedback.Valid {
		d.Feedback = &feedback.String
	}
	return d, nil
}

const deliverableColumns = `id,task_id,agent_id,content,feedback,revision_number,status,created_at`

// CurrentDelivered returns the task's deliverable currently being judged.
// At most one deliverable per task carries status DELIVERED.
func (r Repo) CurrentDelivered(ctx context.Context, tx *sql.Tx, taskID int64) (domain.Deliverable, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE task_id=? AND status='DELIVERED' ORDER BY revision_number DESC LIMIT 1`, taskID)
	return scanDeliverable(row.Scan)
}

func (r Repo) SetDeliverableStatus(ctx context.Context, tx *sql.Tx, id int64, status string, feedback *string) error {
	var fb any
	if feedback != nil && *feedback != "" {
		fb = *feedback
	}
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET status=?, feedback=COALESCE(?, feedback) WHERE id=?`, status, fb, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDeliverablesByTask(ctx context.Context, taskID int64) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE task_id=? ORDER BY revision_number ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
