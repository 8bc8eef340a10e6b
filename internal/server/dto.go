package server

import (
	"encoding/json"

	"taskbazaar/internal/domain"
	"taskbazaar/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password" minLength:"8"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type CreateAgentRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateTaskRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Budget      int64  `json:"budget" minimum:"1"`
}

type ClaimTaskRequest struct {
	ProposedCredits int64 `json:"proposed_credits" minimum:"1"`
}

type DeliverTaskRequest struct {
	Content string `json:"content" minLength:"1"`
}

type RequestRevisionRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// Response payloads

type UserResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type AgentResponse struct {
	ID             int64  `json:"id"`
	OperatorUserID int64  `json:"operator_user_id"`
	Name           string `json:"name"`
	CreatedAt      string `json:"created_at"`
}

// APIKeyResponse carries the plaintext key exactly once, at issue time.
type APIKeyResponse struct {
	ID        int64  `json:"id"`
	AgentID   int64  `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type TaskResponse struct {
	ID          int64   `json:"id"`
	PosterID    int64   `json:"poster_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Budget      int64   `json:"budget"`
	Status      string  `json:"status"`
	AssigneeID  *int64  `json:"assignee_id,omitempty"`
	ClaimedAt   *string `json:"claimed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type TaskPageResponse struct {
	Tasks      []TaskResponse `json:"tasks"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ClaimRecordResponse struct {
	ID              int64  `json:"id"`
	TaskID          int64  `json:"task_id"`
	AgentID         int64  `json:"agent_id"`
	ProposedCredits int64  `json:"proposed_credits"`
	CreatedAt       string `json:"created_at"`
}

type ClaimResponse struct {
	Task  TaskResponse        `json:"task"`
	Claim ClaimRecordResponse `json:"claim"`
}

type DeliverableResponse struct {
	ID             int64   `json:"id"`
	TaskID         int64   `json:"task_id"`
	AgentID        int64   `json:"agent_id"`
	Content        string  `json:"content"`
	Feedback       *string `json:"feedback,omitempty"`
	RevisionNumber int     `json:"revision_number"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
}

type DeliverResponse struct {
	Task        TaskResponse        `json:"task"`
	Deliverable DeliverableResponse `json:"deliverable"`
}

type RevisionResponse struct {
	Task        TaskResponse        `json:"task"`
	Deliverable DeliverableResponse `json:"deliverable"`
}

type CreditTransactionResponse struct {
	ID        int64  `json:"id"`
	AgentID   int64  `json:"agent_id"`
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
	TaskID    *int64 `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type AcceptResponse struct {
	Task        TaskResponse              `json:"task"`
	Deliverable DeliverableResponse       `json:"deliverable"`
	Reward      CreditTransactionResponse `json:"reward"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Mappers

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{ID: a.ID, OperatorUserID: a.OperatorUserID, Name: a.Name, CreatedAt: a.CreatedAt}
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, AgentID: k.AgentID, Name: k.Name, Key: plaintext, CreatedAt: k.CreatedAt}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		PosterID:    t.PosterID,
		Title:       t.Title,
		Description: t.Description,
		Budget:      t.Budget,
		Status:      t.Status,
		AssigneeID:  t.AssigneeID,
		ClaimedAt:   t.ClaimedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func taskPageResponse(p engine.TaskPage) TaskPageResponse {
	return TaskPageResponse{Tasks: mapTasks(p.Tasks), NextCursor: p.NextCursor}
}

func claimRecordResponse(c domain.Claim) ClaimRecordResponse {
	return ClaimRecordResponse{ID: c.ID, TaskID: c.TaskID, AgentID: c.AgentID, ProposedCredits: c.ProposedCredits, CreatedAt: c.CreatedAt}
}

func claimResponse(r engine.ClaimResult) ClaimResponse {
	return ClaimResponse{Task: taskResponse(r.Task), Claim: claimRecordResponse(r.Claim)}
}

func deliverableResponse(d domain.Deliverable) DeliverableResponse {
	return DeliverableResponse{
		ID:             d.ID,
		TaskID:         d.TaskID,
		AgentID:        d.AgentID,
		Content:        d.Content,
		Feedback:       d.Feedback,
		RevisionNumber: d.RevisionNumber,
		Status:         d.Status,
		CreatedAt:      d.CreatedAt,
	}
}

func mapDeliverables(items []domain.Deliverable) []DeliverableResponse {
	res := make([]DeliverableResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deliverableResponse(d))
	}
	return res
}

func deliverResponse(r engine.DeliverResult) DeliverResponse {
	return DeliverResponse{Task: taskResponse(r.Task), Deliverable: deliverableResponse(r.Deliverable)}
}

func revisionResponse(r engine.RevisionResult) RevisionResponse {
	return RevisionResponse{Task: taskResponse(r.Task), Deliverable: deliverableResponse(r.Deliverable)}
}

func creditTransactionResponse(t domain.CreditTransaction) CreditTransactionResponse {
	return CreditTransactionResponse{ID: t.ID, AgentID: t.AgentID, Type: t.Type, Amount: t.Amount, TaskID: t.TaskID, CreatedAt: t.CreatedAt}
}

func mapCreditTransactions(items []domain.CreditTransaction) []CreditTransactionResponse {
	res := make([]CreditTransactionResponse, 0, len(items))
	for _, t := range items {
		res = append(res, creditTransactionResponse(t))
	}
	return res
}

func acceptResponse(r engine.AcceptResult) AcceptResponse {
	return AcceptResponse{
		Task:        taskResponse(r.Task),
		Deliverable: deliverableResponse(r.Deliverable),
		Reward:      creditTransactionResponse(r.Reward),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := json.RawMessage(nil)
		if e.Payload != "" && json.Valid([]byte(e.Payload)) {
			payload = json.RawMessage(e.Payload)
		}
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Actor:      e.Actor,
			Payload:    payload,
		})
	}
	return res
}
