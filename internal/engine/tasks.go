package engine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"taskbazaar/internal/domain"
	"taskbazaar/internal/events"
	"taskbazaar/internal/repo"
)

// ClaimResult is the response of a successful claim: the task as the winner
// now sees it plus the claim record.
type ClaimResult struct {
	Task  domain.Task  `json:"task"`
	Claim domain.Claim `json:"claim"`
}

type DeliverResult struct {
	Task        domain.Task        `json:"task"`
	Deliverable domain.Deliverable `json:"deliverable"`
}

type RevisionResult struct {
	Task        domain.Task        `json:"task"`
	Deliverable domain.Deliverable `json:"deliverable"`
}

type AcceptResult struct {
	Task        domain.Task              `json:"task"`
	Deliverable domain.Deliverable       `json:"deliverable"`
	Reward      domain.CreditTransaction `json:"reward"`
}

// TaskPage is one page of browsable tasks. NextCursor is empty on the last
// page.
type TaskPage struct {
	Tasks      []domain.Task `json:"tasks"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// execIdem funnels every idempotent mutation through the coordinator:
// marshal-on-success inside the transaction, unmarshal whatever bytes come
// back so first execution and replay produce identical results.
func execIdem[T any](e Engine, ctx context.Context, idemKey, id string, op func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	raw, _, err := e.Idem.Execute(ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
		out, err := op(ctx, tx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return zero, err
	}
	var res T
	if err := json.Unmarshal(raw, &res); err != nil {
		return zero, err
	}
	return res, nil
}

// CreateTask posts a new task in OPEN status.
func (e Engine) CreateTask(ctx context.Context, idemKey string, posterID int64, title, description string, budget int64) (domain.Task, error) {
	if title == "" {
		return domain.Task{}, validationError(CodeValidationError, "title is required", "")
	}
	if budget <= 0 {
		return domain.Task{}, validationError(CodeValidationError, "budget must be positive", "")
	}
	id := identity("user", posterID, "POST", "/tasks")
	return execIdem(e, ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) (domain.Task, error) {
		now := e.nowRFC3339()
		t := domain.Task{
			PosterID:    posterID,
			Title:       title,
			Description: description,
			Budget:      budget,
			Status:      domain.TaskOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		var err error
		t.ID, err = e.Repo.InsertTask(ctx, tx, t)
		if err != nil {
			return domain.Task{}, fmt.Errorf("insert task: %w", err)
		}
		err = e.Events.Append(ctx, tx, "task.created", "task", fmt.Sprint(t.ID), actorUser(posterID), events.EventPayload{"budget": budget})
		if err != nil {
			return domain.Task{}, err
		}
		return t, nil
	})
}

// BrowseTasks lists tasks an agent can claim right now: OPEN tasks plus
// CLAIMED tasks whose claim has expired. Ordered by ascending id with an
// opaque cursor.
func (e Engine) BrowseTasks(ctx context.Context, cursor string, limit int) (TaskPage, error) {
	if limit <= 0 {
		limit = e.Config.Browse.DefaultLimit
	}
	if limit > e.Config.Browse.MaxLimit {
		limit = e.Config.Browse.MaxLimit
	}
	afterID, err := decodeCursor(cursor)
	if err != nil {
		return TaskPage{}, validationError(CodeValidationError, "invalid cursor", "restart from the first page")
	}
	tasks, err := e.Repo.ListClaimable(ctx, e.ttlCutoff(), afterID, limit+1)
	if err != nil {
		return TaskPage{}, err
	}
	page := TaskPage{Tasks: tasks}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		page.NextCursor = encodeCursor(page.Tasks[limit-1].ID)
	}
	return page, nil
}

func encodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Task{}, notFoundError(CodeTaskNotFound, fmt.Sprintf("task %d not found", id))
	}
	return t, err
}

func (e Engine) ListTasksByPoster(ctx context.Context, posterID int64) ([]domain.Task, error) {
	return e.Repo.ListTasksByPoster(ctx, posterID)
}

func (e Engine) ListTasksByAssignee(ctx context.Context, agentID int64) ([]domain.Task, error) {
	return e.Repo.ListTasksByAssignee(ctx, agentID)
}

func (e Engine) ListDeliverables(ctx context.Context, taskID int64) ([]domain.Deliverable, error) {
	if _, err := e.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListDeliverablesByTask(ctx, taskID)
}

// ClaimTask lets an agent compete for a task. The decisive step is a single
// conditional UPDATE, so of N concurrent claimants exactly one sees a row
// change; the rest diagnose their loss from a fresh read and get
// TASK_NOT_OPEN. The budget check runs after the CAS inside the same
// transaction, so an invalid bid rolls the claim back and leaves the task
// claimable.
func (e Engine) ClaimTask(ctx context.Context, idemKey string, agentID, taskID, proposedCredits int64) (ClaimResult, error) {
	id := identity("agent", agentID, "POST", fmt.Sprintf("/tasks/%d/claim", taskID))
	return execIdem(e, ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) (ClaimResult, error) {
		now := e.nowRFC3339()
		n, err := e.Repo.ClaimTaskCAS(ctx, tx, taskID, agentID, now, e.ttlCutoff())
		if err != nil {
			return ClaimResult{}, err
		}
		if n == 0 {
			t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
			if err == repo.ErrNotFound {
				return ClaimResult{}, notFoundError(CodeTaskNotFound, fmt.Sprintf("task %d not found", taskID))
			}
			if err != nil {
				return ClaimResult{}, err
			}
			return ClaimResult{}, stateError(CodeTaskNotOpen,
				fmt.Sprintf("task %d is %s and cannot be claimed", taskID, t.Status),
				"browse for another task", "browse_tasks")
		}
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return ClaimResult{}, err
		}
		if proposedCredits <= 0 || proposedCredits > t.Budget {
			return ClaimResult{}, validationError(CodeInvalidProposedCredits,
				fmt.Sprintf("proposed credits must be between 1 and the task budget (%d)", t.Budget),
				"claim again with a valid bid")
		}
		c := domain.Claim{
			TaskID:          taskID,
			AgentID:         agentID,
			ProposedCredits: proposedCredits,
			Status:          domain.ClaimActive,
			CreatedAt:       now,
		}
		c.ID, err = e.Repo.InsertClaim(ctx, tx, c)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("insert claim: %w", err)
		}
		err = e.Events.Append(ctx, tx, "task.claimed", "task", fmt.Sprint(taskID), actorAgent(agentID), events.EventPayload{"proposed_credits": proposedCredits})
		if err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{Task: t, Claim: c}, nil
	})
}

// DeliverTask submits work for a claimed task. Revision numbers are
// monotonically increasing per task, starting at 1.
func (e Engine) DeliverTask(ctx context.Context, idemKey string, agentID, taskID int64, content string) (DeliverResult, error) {
	if content == "" {
		return DeliverResult{}, validationError(CodeValidationError, "content is required", "")
	}
	id := identity("agent", agentID, "POST", fmt.Sprintf("/tasks/%d/deliver", taskID))
	return execIdem(e, ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) (DeliverResult, error) {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err == repo.ErrNotFound {
			return DeliverResult{}, notFoundError(CodeTaskNotFound, fmt.Sprintf("task %d not found", taskID))
		}
		if err != nil {
			return DeliverResult{}, err
		}
		if t.Status != domain.TaskClaimed {
			return DeliverResult{}, stateError(CodeTaskNotClaimed,
				fmt.Sprintf("task %d is %s, not CLAIMED", taskID, t.Status), "")
		}
		if t.AssigneeID == nil || *t.AssigneeID != agentID {
			return DeliverResult{}, forbiddenError(CodeNotTaskAssignee, "task is claimed by another agent")
		}
		if t.ClaimedAt != nil && *t.ClaimedAt < e.ttlCutoff() {
			return DeliverResult{}, stateError(CodeClaimExpired,
				"the claim window has expired and the task is claimable again",
				"re-claim the task before delivering", "claim_task")
		}
		now := e.nowRFC3339()
		rev, err := e.Repo.LatestRevisionNumber(ctx, tx, taskID)
		if err != nil {
			return DeliverResult{}, err
		}
		d := domain.Deliverable{
			TaskID:         taskID,
			AgentID:        agentID,
			Content:        content,
			RevisionNumber: rev + 1,
			Status:         domain.DeliverableDelivered,
			CreatedAt:      now,
		}
		d.ID, err = e.Repo.InsertDeliverable(ctx, tx, d)
		if err != nil {
			return DeliverResult{}, fmt.Errorf("insert deliverable: %w", err)
		}
		if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskDelivered, now); err != nil {
			return DeliverResult{}, err
		}
		t.Status = domain.TaskDelivered
		t.UpdatedAt = now
		err = e.Events.Append(ctx, tx, "task.delivered", "task", fmt.Sprint(taskID), actorAgent(agentID), events.EventPayload{"revision": d.RevisionNumber})
		if err != nil {
			return DeliverResult{}, err
		}
		return DeliverResult{Task: t, Deliverable: d}, nil
	})
}

// RequestRevision sends a delivered task back to its assignee. The task
// returns to CLAIMED with a fresh claim window and the deliverable is marked
// REVISION_REQUESTED with the poster's feedback.
func (e Engine) RequestRevision(ctx context.Context, idemKey string, posterID, taskID int64, feedback string) (RevisionResult, error) {
	id := identity("user", posterID, "POST", fmt.Sprintf("/tasks/%d/request-revision", taskID))
	return execIdem(e, ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) (RevisionResult, error) {
		t, err := e.posterTask(ctx, tx, posterID, taskID)
		if err != nil {
			return RevisionResult{}, err
		}
		if t.Status != domain.TaskDelivered {
			return RevisionResult{}, stateError(CodeTaskNotDelivered,
				fmt.Sprintf("task %d is %s, not DELIVERED", taskID, t.Status), "")
		}
		d, err := e.Repo.CurrentDelivered(ctx, tx, taskID)
		if err == repo.ErrNotFound {
			return RevisionResult{}, notFoundError(CodeDeliverableNotFound, fmt.Sprintf("task %d has no pending deliverable", taskID))
		}
		if err != nil {
			return RevisionResult{}, err
		}
		if err := e.Repo.SetDeliverableStatus(ctx, tx, d.ID, domain.DeliverableRevisionRequested, &feedback); err != nil {
			return RevisionResult{}, err
		}
		d.Status = domain.DeliverableRevisionRequested
		if feedback != "" {
			d.Feedback = &feedback
		}
		now := e.nowRFC3339()
		if err := e.Repo.ResetClaimWindow(ctx, tx, taskID, now); err != nil {
			return RevisionResult{}, err
		}
		t.Status = domain.TaskClaimed
		t.ClaimedAt = &now
		t.UpdatedAt = now
		err = e.Events.Append(ctx, tx, "task.revision_requested", "task", fmt.Sprint(taskID), actorUser(posterID), events.EventPayload{"revision": d.RevisionNumber})
		if err != nil {
			return RevisionResult{}, err
		}
		return RevisionResult{Task: t, Deliverable: d}, nil
	})
}

// AcceptTask finalizes a delivered task. The deliverable and task both move
// to ACCEPTED and exactly one WORK_REWARD transaction pays the full budget
// to the assignee.
func (e Engine) AcceptTask(ctx context.Context, idemKey string, posterID, taskID int64) (AcceptResult, error) {
	id := identity("user", posterID, "POST", fmt.Sprintf("/tasks/%d/accept", taskID))
	return execIdem(e, ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) (AcceptResult, error) {
		t, err := e.posterTask(ctx, tx, posterID, taskID)
		if err != nil {
			return AcceptResult{}, err
		}
		if t.Status == domain.TaskAccepted {
			return AcceptResult{}, stateError(CodeTaskAlreadyAccepted,
				fmt.Sprintf("task %d is already accepted", taskID), "")
		}
		if t.Status != domain.TaskDelivered {
			return AcceptResult{}, stateError(CodeTaskNotDelivered,
				fmt.Sprintf("task %d is %s, not DELIVERED", taskID, t.Status), "")
		}
		d, err := e.Repo.CurrentDelivered(ctx, tx, taskID)
		if err == repo.ErrNotFound {
			return AcceptResult{}, notFoundError(CodeDeliverableNotFound, fmt.Sprintf("task %d has no pending deliverable", taskID))
		}
		if err != nil {
			return AcceptResult{}, err
		}
		if err := e.Repo.SetDeliverableStatus(ctx, tx, d.ID, domain.DeliverableAccepted, nil); err != nil {
			return AcceptResult{}, err
		}
		d.Status = domain.DeliverableAccepted
		now := e.nowRFC3339()
		if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskAccepted, now); err != nil {
			return AcceptResult{}, err
		}
		t.Status = domain.TaskAccepted
		t.UpdatedAt = now

		reward := domain.CreditTransaction{
			AgentID:   d.AgentID,
			Type:      domain.CreditWorkReward,
			Amount:    t.Budget,
			TaskID:    &taskID,
			CreatedAt: now,
		}
		reward.ID, err = e.Repo.InsertCreditTransaction(ctx, tx, reward)
		if err != nil {
			return AcceptResult{}, fmt.Errorf("insert reward: %w", err)
		}
		err = e.Events.Append(ctx, tx, "task.accepted", "task", fmt.Sprint(taskID), actorUser(posterID), events.EventPayload{"reward": reward.Amount, "agent_id": d.AgentID})
		if err != nil {
			return AcceptResult{}, err
		}
		return AcceptResult{Task: t, Deliverable: d, Reward: reward}, nil
	})
}

// CancelTask withdraws a task that nobody has claimed yet.
func (e Engine) CancelTask(ctx context.Context, idemKey string, posterID, taskID int64) (domain.Task, error) {
	id := identity("user", posterID, "POST", fmt.Sprintf("/tasks/%d/cancel", taskID))
	return execIdem(e, ctx, idemKey, id, func(ctx context.Context, tx *sql.Tx) (domain.Task, error) {
		t, err := e.posterTask(ctx, tx, posterID, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		if err := ensureTransition(t.Status, domain.TaskCanceled); err != nil {
			return domain.Task{}, err
		}
		now := e.nowRFC3339()
		if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskCanceled, now); err != nil {
			return domain.Task{}, err
		}
		t.Status = domain.TaskCanceled
		t.UpdatedAt = now
		if err := e.Events.Append(ctx, tx, "task.canceled", "task", fmt.Sprint(taskID), actorUser(posterID), nil); err != nil {
			return domain.Task{}, err
		}
		return t, nil
	})
}

// posterTask loads a task and checks the caller posted it.
func (e Engine) posterTask(ctx context.Context, tx *sql.Tx, posterID, taskID int64) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err == repo.ErrNotFound {
		return domain.Task{}, notFoundError(CodeTaskNotFound, fmt.Sprintf("task %d not found", taskID))
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.PosterID != posterID {
		return domain.Task{}, forbiddenError(CodeForbidden, "task belongs to another account")
	}
	return t, nil
}

func actorUser(id int64) string  { return "user:" + fmt.Sprint(id) }
func actorAgent(id int64) string { return "agent:" + fmt.Sprint(id) }
