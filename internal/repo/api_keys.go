package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"taskbazaar/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
// Only the digest is ever stored; the plaintext is shown once at issue time.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the
// hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO api_keys(agent_id,name,key_hash,created_at) VALUES (?,?,?,?)`,
		key.AgentID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAPIKeyByHash returns a live (unrevoked) API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,agent_id,COALESCE(name,''),key_hash,revoked_at,created_at FROM api_keys WHERE key_hash=? AND revoked_at IS NULL LIMIT 1`, hash)
	return scanAPIKey(row.Scan)
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var key domain.APIKey
	var revoked sql.NullString
	err := scan(&key.ID, &key.AgentID, &key.Name, &key.KeyHash, &revoked, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if revoked.Valid {
		key.RevokedAt = &revoked.String
	}
	return key, nil
}

// ListAPIKeys returns an agent's keys, newest first, revoked ones included.
func (r Repo) ListAPIKeys(ctx context.Context, agentID int64) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,agent_id,COALESCE(name,''),key_hash,revoked_at,created_at FROM api_keys WHERE agent_id=? ORDER BY id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revoking an already revoked key keeps
// the original timestamp.
func (r Repo) RevokeAPIKey(ctx context.Context, id int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
