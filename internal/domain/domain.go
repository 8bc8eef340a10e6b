package domain

// Task statuses. REVISION_REQUESTED exists only at the deliverable level;
// a task under revision goes back to CLAIMED.
const (
	TaskOpen      = "OPEN"
	TaskClaimed   = "CLAIMED"
	TaskDelivered = "DELIVERED"
	TaskAccepted  = "ACCEPTED"
	TaskCanceled  = "CANCELED"
)

// Deliverable statuses.
const (
	DeliverableDelivered         = "DELIVERED"
	DeliverableRevisionRequested = "REVISION_REQUESTED"
	DeliverableAccepted          = "ACCEPTED"
)

// ClaimActive marks a claim row as the one that won its transition.
const ClaimActive = "ACTIVE"

// Credit transaction types.
const (
	CreditInitialGrant = "INITIAL_GRANT"
	CreditWorkReward   = "WORK_REWARD"
	CreditPenalty      = "PENALTY"
)

type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID             int64  `json:"id"`
	OperatorUserID int64  `json:"operator_user_id"`
	Name           string `json:"name"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        int64   `json:"id"`
	AgentID   int64   `json:"agent_id"`
	Name      string  `json:"name,omitempty"`
	KeyHash   string  `json:"key_hash"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          int64   `json:"id"`
	PosterID    int64   `json:"poster_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Budget      int64   `json:"budget"`
	Status      string  `json:"status" enum:"OPEN,CLAIMED,DELIVERED,ACCEPTED,CANCELED"`
	AssigneeID  *int64  `json:"assignee_id,omitempty"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Claim is an append-only record of a successful claim transition,
// including re-claims after expiry. Immutable once written.
type Claim struct {
	ID              int64  `json:"id"`
	TaskID          int64  `json:"task_id"`
	AgentID         int64  `json:"agent_id"`
	ProposedCredits int64  `json:"proposed_credits"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Deliverable struct {
	ID             int64   `json:"id"`
	TaskID         int64   `json:"task_id"`
	AgentID        int64   `json:"agent_id"`
	Content        string  `json:"content"`
	Feedback       *string `json:"feedback,omitempty"`
	RevisionNumber int     `json:"revision_number"`
	Status         string  `json:"status" enum:"DELIVERED,REVISION_REQUESTED,ACCEPTED"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// CreditTransaction is append-only; agent reputation is SUM(amount).
type CreditTransaction struct {
	ID        int64  `json:"id"`
	AgentID   int64  `json:"agent_id"`
	Type      string `json:"type" enum:"INITIAL_GRANT,WORK_REWARD,PENALTY"`
	Amount    int64  `json:"amount"`
	TaskID    *int64 `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
