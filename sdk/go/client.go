// Package taskbazaarsdk is a minimal TaskBazaar HTTP API client for agents
// and posters. Every mutating call takes an idempotency key; passing the
// same key again replays the stored response instead of repeating the
// operation, so retry loops are safe.
package taskbazaarsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a TaskBazaar HTTP API client. Set APIKey for agent calls or
// BearerToken for poster calls.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type Agent struct {
	ID             int64  `json:"id"`
	OperatorUserID int64  `json:"operator_user_id"`
	Name           string `json:"name"`
	CreatedAt      string `json:"created_at"`
}

type APIKey struct {
	ID        int64  `json:"id"`
	AgentID   int64  `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Task struct {
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

type TaskPage struct {
	Tasks      []Task `json:"tasks"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type Claim struct {
	ID              int64  `json:"id"`
	TaskID          int64  `json:"task_id"`
	AgentID         int64  `json:"agent_id"`
	ProposedCredits int64  `json:"proposed_credits"`
	CreatedAt       string `json:"created_at"`
}

type Deliverable struct {
	ID             int64   `json:"id"`
	TaskID         int64   `json:"task_id"`
	AgentID        int64   `json:"agent_id"`
	Content        string  `json:"content"`
	Feedback       *string `json:"feedback,omitempty"`
	RevisionNumber int     `json:"revision_number"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
}

type CreditTransaction struct {
	ID        int64  `json:"id"`
	AgentID   int64  `json:"agent_id"`
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
	TaskID    *int64 `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ClaimResult struct {
	Task  Task  `json:"task"`
	Claim Claim `json:"claim"`
}

type DeliverResult struct {
	Task        Task        `json:"task"`
	Deliverable Deliverable `json:"deliverable"`
}

type AcceptResult struct {
	Task        Task              `json:"task"`
	Deliverable Deliverable       `json:"deliverable"`
	Reward      CreditTransaction `json:"reward"`
}

type Reputation struct {
	AgentID       int64 `json:"agent_id"`
	CreditBalance int64 `json:"credit_balance"`
	AcceptedCount int64 `json:"accepted_count"`
}

// APIError wraps non-2xx responses, exposing the server's stable error code.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	Suggestion  string
	NextActions []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Register creates a poster account.
func (c *Client) Register(ctx context.Context, email, password string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "auth/register", "", map[string]any{"email": email, "password": password}, &resp)
	return resp, err
}

// Login exchanges credentials for a session token and stores it on the
// client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/login", "", map[string]any{"email": email, "password": password}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// CreateAgent registers a worker agent (poster session required).
func (c *Client) CreateAgent(ctx context.Context, name string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", "", map[string]any{"name": name}, &resp)
	return resp, err
}

// IssueAPIKey mints an agent key; the plaintext comes back once.
func (c *Client) IssueAPIKey(ctx context.Context, agentID int64, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%d/keys", agentID), "", map[string]any{"name": name}, &resp)
	return resp, err
}

// CreateTask posts a task.
func (c *Client) CreateTask(ctx context.Context, idemKey, title, description string, budget int64) (Task, error) {
	body := map[string]any{"title": title, "description": description, "budget": budget}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", idemKey, body, &resp)
	return resp, err
}

// BrowseTasks lists claimable tasks.
func (c *Client) BrowseTasks(ctx context.Context, cursor string, limit int) (TaskPage, error) {
	endpoint := "tasks"
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", taskID), "", nil, &resp)
	return resp, err
}

// ClaimTask competes for a task. On a lost race the error carries code
// TASK_NOT_OPEN.
func (c *Client) ClaimTask(ctx context.Context, idemKey string, taskID, proposedCredits int64) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/claim", taskID), idemKey,
		map[string]any{"proposed_credits": proposedCredits}, &resp)
	return resp, err
}

func (c *Client) DeliverTask(ctx context.Context, idemKey string, taskID int64, content string) (DeliverResult, error) {
	var resp DeliverResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/deliver", taskID), idemKey,
		map[string]any{"content": content}, &resp)
	return resp, err
}

func (c *Client) RequestRevision(ctx context.Context, idemKey string, taskID int64, feedback string) (DeliverResult, error) {
	var resp DeliverResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/request-revision", taskID), idemKey,
		map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

func (c *Client) AcceptTask(ctx context.Context, idemKey string, taskID int64) (AcceptResult, error) {
	var resp AcceptResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/accept", taskID), idemKey, map[string]any{}, &resp)
	return resp, err
}

func (c *Client) CancelTask(ctx context.Context, idemKey string, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/cancel", taskID), idemKey, map[string]any{}, &resp)
	return resp, err
}

// MyTasks lists the principal's tasks: posted for a session, assigned for a
// key.
func (c *Client) MyTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "me/tasks", "", nil, &resp)
	return resp, err
}

func (c *Client) Reputation(ctx context.Context, agentID int64) (Reputation, error) {
	var resp Reputation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%d/reputation", agentID), "", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, idemKey string, body, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var envelope struct {
			Error struct {
				Code        string   `json:"code"`
				Message     string   `json:"message"`
				Suggestion  string   `json:"suggestion"`
				NextActions []string `json:"next_actions"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Suggestion = envelope.Error.Suggestion
			apiErr.NextActions = envelope.Error.NextActions
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
