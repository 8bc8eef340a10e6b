package repo

import (
	"context"
	"database/sql"

	"taskbazaar/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO users(email,password_hash,created_at) VALUES (?,?,?)`,
		u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,email,password_hash,created_at FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,email,password_hash,created_at FROM users WHERE email=?`, email)
	return scanUser(row.Scan)
}

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	err := scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO agents(operator_user_id,name,created_at) VALUES (?,?,?)`,
		a.OperatorUserID, a.Name, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAgent(ctx context.Context, id int64) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,operator_user_id,name,created_at FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgentsByOperator(ctx context.Context, userID int64) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,operator_user_id,name,created_at FROM agents WHERE operator_user_id=? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	err := scan(&a.ID, &a.OperatorUserID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertCreditTransaction(ctx context.Context, tx *sql.Tx, t domain.CreditTransaction) (int64, error) {
	var taskID any
	if t.TaskID != nil {
		taskID = *t.TaskID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions(agent_id,type,amount,task_id,created_at) VALUES (?,?,?,?,?)`,
		t.AgentID, t.Type, t.Amount, taskID, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AgentBalance sums all credit movements for an agent.
func (r Repo) AgentBalance(ctx context.Context, agentID int64) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM credit_transactions WHERE agent_id=?`, agentID).Scan(&n)
	return n, err
}

// AgentRewardCount counts accepted deliveries, the reputation signal.
func (r Repo) AgentRewardCount(ctx context.Context, agentID int64) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_transactions WHERE agent_id=? AND type=?`, agentID, domain.CreditWorkReward).Scan(&n)
	return n, err
}

func (r Repo) ListCreditTransactions(ctx context.Context, agentID int64) ([]domain.CreditTransaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,type,amount,task_id,created_at FROM credit_transactions WHERE agent_id=? ORDER BY id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		var taskID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Type, &t.Amount, &taskID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			t.TaskID = &taskID.Int64
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
