package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"taskbazaar/internal/config"
	"taskbazaar/internal/domain"
	"taskbazaar/internal/events"
	"taskbazaar/internal/idempotency"
	"taskbazaar/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Idem   *idempotency.Coordinator
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Idem:   &idempotency.Coordinator{DB: db},
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

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ttlCutoff returns the RFC3339 instant before which a claim counts as
// abandoned.
func (e Engine) ttlCutoff() string {
	ttl := time.Duration(e.Config.Claims.TTLHours) * time.Hour
	return e.now().UTC().Add(-ttl).Format(time.RFC3339)
}

// identity builds the canonical principal+operation string that binds an
// idempotency key to one logical request.
func identity(principalKind string, principalID int64, method, path string) string {
	return fmt.Sprintf("%s:%d:%s %s", principalKind, principalID, method, path)
}

// RegisterUser creates a poster account with a bcrypt password hash.
func (e Engine) RegisterUser(ctx context.Context, email, password string) (domain.User, error) {
	if email == "" || password == "" {
		return domain.User{}, validationError(CodeValidationError, "email and password are required", "")
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, validationError(CodeValidationError, "email already registered", "sign in instead")
	} else if err != repo.ErrNotFound {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u := domain.User{
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    e.nowRFC3339(),
	}
	u.ID, err = e.Repo.InsertUser(ctx, tx, u)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user.registered", "user", fmt.Sprint(u.ID), "user:"+fmt.Sprint(u.ID), events.EventPayload{"email": email}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	u.PasswordHash = ""
	return u, nil
}

// AuthenticateUser verifies poster credentials. It never reveals whether the
// email or the password was wrong.
func (e Engine) AuthenticateUser(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err == repo.ErrNotFound {
		return domain.User{}, unauthorizedError(CodeInvalidCredentials, "invalid email or password")
	}
	if err != nil {
		return domain.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.User{}, unauthorizedError(CodeInvalidCredentials, "invalid email or password")
	}
	u.PasswordHash = ""
	return u, nil
}

// CreateAgent registers a worker agent for a poster account and appends the
// one-time initial credit grant when configured.
func (e Engine) CreateAgent(ctx context.Context, ownerID int64, name string) (domain.Agent, error) {
	if name == "" {
		return domain.Agent{}, validationError(CodeValidationError, "agent name is required", "")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	a := domain.Agent{OperatorUserID: ownerID, Name: name, CreatedAt: now}
	a.ID, err = e.Repo.InsertAgent(ctx, tx, a)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if grant := e.Config.Credits.InitialGrant; grant > 0 {
		_, err = e.Repo.InsertCreditTransaction(ctx, tx, domain.CreditTransaction{
			AgentID:   a.ID,
			Amount:    grant,
			Type:      domain.CreditInitialGrant,
			CreatedAt: now,
		})
		if err != nil {
			return domain.Agent{}, fmt.Errorf("initial grant: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "agent.created", "agent", fmt.Sprint(a.ID), "user:"+fmt.Sprint(ownerID), events.EventPayload{"name": name}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// ListAgents returns the agents operated by a poster account.
func (e Engine) ListAgents(ctx context.Context, ownerID int64) ([]domain.Agent, error) {
	return e.Repo.ListAgentsByOperator(ctx, ownerID)
}

func (e Engine) GetAgent(ctx context.Context, id int64) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Agent{}, notFoundError(CodeAgentNotFound, fmt.Sprintf("agent %d not found", id))
	}
	return a, err
}

// IssueAPIKey mints a new key for an agent. The plaintext is returned once
// and never stored.
func (e Engine) IssueAPIKey(ctx context.Context, ownerID, agentID int64, name string) (domain.APIKey, string, error) {
	a, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if a.OperatorUserID != ownerID {
		return domain.APIKey{}, "", forbiddenError(CodeForbidden, "agent belongs to another account")
	}
	plaintext := "tb_" + uuid.NewString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	key := domain.APIKey{
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowRFC3339(),
	}
	key.ID, err = e.Repo.InsertAPIKey(ctx, tx, key)
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "apikey.issued", "agent", fmt.Sprint(agentID), "user:"+fmt.Sprint(ownerID), nil); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, ownerID, agentID, keyID int64) error {
	a, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.OperatorUserID != ownerID {
		return forbiddenError(CodeForbidden, "agent belongs to another account")
	}
	keys, err := e.Repo.ListAPIKeys(ctx, agentID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			err := e.Repo.RevokeAPIKey(ctx, keyID, e.nowRFC3339())
			if err == repo.ErrNotFound {
				return nil
			}
			return err
		}
	}
	return notFoundError(CodeAPIKeyNotFound, "api key not found for agent")
}

// AgentByAPIKey resolves the agent behind a presented plaintext key.
func (e Engine) AgentByAPIKey(ctx context.Context, plaintext string) (domain.Agent, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plaintext))
	if err == repo.ErrNotFound {
		return domain.Agent{}, unauthorizedError(CodeInvalidAPIKey, "unknown or revoked api key")
	}
	if err != nil {
		return domain.Agent{}, err
	}
	return e.GetAgent(ctx, key.AgentID)
}

// Reputation summarizes an agent's standing: the credit balance and how many
// deliveries have been accepted.
type Reputation struct {
	AgentID       int64 `json:"agent_id"`
	CreditBalance int64 `json:"credit_balance"`
	AcceptedCount int64 `json:"accepted_count"`
}

// CreditHistory returns an agent's ledger entries, newest first.
func (e Engine) CreditHistory(ctx context.Context, agentID int64) ([]domain.CreditTransaction, error) {
	if _, err := e.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return e.Repo.ListCreditTransactions(ctx, agentID)
}

func (e Engine) AgentReputation(ctx context.Context, agentID int64) (Reputation, error) {
	if _, err := e.GetAgent(ctx, agentID); err != nil {
		return Reputation{}, err
	}
	balance, err := e.Repo.AgentBalance(ctx, agentID)
	if err != nil {
		return Reputation{}, err
	}
	count, err := e.Repo.AgentRewardCount(ctx, agentID)
	if err != nil {
		return Reputation{}, err
	}
	return Reputation{AgentID: agentID, CreditBalance: balance, AcceptedCount: count}, nil
}
