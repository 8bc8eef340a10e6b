package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskbazaar/internal/config"
	"taskbazaar/internal/db"
	"taskbazaar/internal/domain"
	"taskbazaar/internal/engine"
	"taskbazaar/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Poster int64
	Agent  int64

	mu  sync.Mutex
	now time.Time
}

// Advance moves the test clock.
func (env *testEnv) Advance(d time.Duration) {
	env.mu.Lock()
	env.now = env.now.Add(d)
	env.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	env.Engine = eng

	u, err := eng.RegisterUser(env.Ctx, "poster@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	env.Poster = u.ID
	a, err := eng.CreateAgent(env.Ctx, u.ID, "worker-1")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	env.Agent = a.ID
	return env
}

func (env *testEnv) postTask(t *testing.T, title string, budget int64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, "post-"+title, env.Poster, title, "", budget)
	if err != nil {
		t.Fatalf("post task: %v", err)
	}
	return task
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "scrape prices", 50)
	if task.Status != domain.TaskOpen {
		t.Fatalf("new task status = %s", task.Status)
	}

	claim, err := env.Engine.ClaimTask(env.Ctx, "claim-1", env.Agent, task.ID, 40)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Task.Status != domain.TaskClaimed || claim.Task.AssigneeID == nil || *claim.Task.AssigneeID != env.Agent {
		t.Fatalf("claim result: %+v", claim.Task)
	}

	del, err := env.Engine.DeliverTask(env.Ctx, "deliver-1", env.Agent, task.ID, "results.csv")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if del.Deliverable.RevisionNumber != 1 || del.Task.Status != domain.TaskDelivered {
		t.Fatalf("deliver result: %+v", del)
	}

	acc, err := env.Engine.AcceptTask(env.Ctx, "accept-1", env.Poster, task.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.Task.Status != domain.TaskAccepted || acc.Reward.Amount != 50 || acc.Reward.Type != domain.CreditWorkReward {
		t.Fatalf("accept result: %+v", acc)
	}

	rep, err := env.Engine.AgentReputation(env.Ctx, env.Agent)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if rep.CreditBalance != 100+50 || rep.AcceptedCount != 1 {
		t.Fatalf("reputation: %+v", rep)
	}

	// Ledger shows the grant and the reward, newest first.
	txs, err := env.Engine.CreditHistory(env.Ctx, env.Agent)
	if err != nil {
		t.Fatalf("credit history: %v", err)
	}
	if len(txs) != 2 || txs[0].Type != domain.CreditWorkReward || txs[1].Type != domain.CreditInitialGrant {
		t.Fatalf("ledger: %+v", txs)
	}
	if txs[0].TaskID == nil || *txs[0].TaskID != task.ID {
		t.Fatalf("reward task id: %+v", txs[0])
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "race me", 30)

	const agents = 8
	agentIDs := make([]int64, agents)
	agentIDs[0] = env.Agent
	for i := 1; i < agents; i++ {
		a, err := env.Engine.CreateAgent(env.Ctx, env.Poster, fmt.Sprintf("worker-%d", i+1))
		if err != nil {
			t.Fatalf("create agent: %v", err)
		}
		agentIDs[i] = a.ID
	}

	var wg sync.WaitGroup
	results := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.ClaimTask(env.Ctx, fmt.Sprintf("claim-race-%d", i), agentIDs[i], task.ID, 10)
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case engine.CodeOf(err) == engine.CodeTaskNotOpen:
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || losses != agents-1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}

	claims, err := env.Engine.Repo.ListClaimsByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claim rows = %d", len(claims))
	}
}

func TestClaimReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "replay", 20)

	first, err := env.Engine.ClaimTask(env.Ctx, "claim-once", env.Agent, task.ID, 15)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, err := env.Engine.ClaimTask(env.Ctx, "claim-once", env.Agent, task.ID, 15)
	if err != nil {
		t.Fatalf("replay claim: %v", err)
	}
	if first.Claim.ID != second.Claim.ID || first.Task.UpdatedAt != second.Task.UpdatedAt {
		t.Fatalf("replay differs: %+v vs %+v", first, second)
	}
	claims, _ := env.Engine.Repo.ListClaimsByTask(env.Ctx, task.ID)
	if len(claims) != 1 {
		t.Fatalf("claim rows = %d", len(claims))
	}
}

func TestClaimExpiryReopensTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "slow worker", 25)

	if _, err := env.Engine.ClaimTask(env.Ctx, "claim-slow", env.Agent, task.ID, 20); err != nil {
		t.Fatalf("claim: %v", err)
	}

	env.Advance(25 * time.Hour)

	// The original assignee can no longer deliver.
	_, err := env.Engine.DeliverTask(env.Ctx, "deliver-late", env.Agent, task.ID, "too late")
	if engine.CodeOf(err) != engine.CodeClaimExpired {
		t.Fatalf("expected CLAIM_EXPIRED, got %v", err)
	}

	// The task is browsable again.
	page, err := env.Engine.BrowseTasks(env.Ctx, "", 10)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	found := false
	for _, bt := range page.Tasks {
		if bt.ID == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expired task not browsable: %+v", page.Tasks)
	}

	// Another agent can steal it.
	rival, err := env.Engine.CreateAgent(env.Ctx, env.Poster, "worker-2")
	if err != nil {
		t.Fatalf("create rival: %v", err)
	}
	res, err := env.Engine.ClaimTask(env.Ctx, "claim-steal", rival.ID, task.ID, 20)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if res.Task.AssigneeID == nil || *res.Task.AssigneeID != rival.ID {
		t.Fatalf("re-claim assignee: %+v", res.Task)
	}
}

func TestRevisionFlow(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "needs polish", 60)

	if _, err := env.Engine.ClaimTask(env.Ctx, "c1", env.Agent, task.ID, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.DeliverTask(env.Ctx, "d1", env.Agent, task.ID, "draft"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	rev, err := env.Engine.RequestRevision(env.Ctx, "r1", env.Poster, task.ID, "missing charts")
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if rev.Task.Status != domain.TaskClaimed {
		t.Fatalf("task after revision = %s", rev.Task.Status)
	}
	if rev.Deliverable.Status != domain.DeliverableRevisionRequested || rev.Deliverable.Feedback == nil || *rev.Deliverable.Feedback != "missing charts" {
		t.Fatalf("deliverable after revision: %+v", rev.Deliverable)
	}

	del2, err := env.Engine.DeliverTask(env.Ctx, "d2", env.Agent, task.ID, "draft v2")
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if del2.Deliverable.RevisionNumber != 2 {
		t.Fatalf("revision number = %d", del2.Deliverable.RevisionNumber)
	}

	acc, err := env.Engine.AcceptTask(env.Ctx, "a1", env.Poster, task.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.Deliverable.RevisionNumber != 2 {
		t.Fatalf("accepted revision = %d", acc.Deliverable.RevisionNumber)
	}
}

func TestRevisionResetsClaimWindow(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "long haul", 40)

	if _, err := env.Engine.ClaimTask(env.Ctx, "c1", env.Agent, task.ID, 30); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.Advance(23 * time.Hour)
	if _, err := env.Engine.DeliverTask(env.Ctx, "d1", env.Agent, task.ID, "draft"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := env.Engine.RequestRevision(env.Ctx, "r1", env.Poster, task.ID, "redo"); err != nil {
		t.Fatalf("request revision: %v", err)
	}
	// 23h into the original claim plus another 23h would have expired it;
	// the revision restarted the window.
	env.Advance(23 * time.Hour)
	if _, err := env.Engine.DeliverTask(env.Ctx, "d2", env.Agent, task.ID, "draft v2"); err != nil {
		t.Fatalf("deliver after reset window: %v", err)
	}
}

func TestInvalidProposedCreditsLeavesTaskOpen(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "budget cap", 10)

	_, err := env.Engine.ClaimTask(env.Ctx, "over", env.Agent, task.ID, 11)
	if engine.CodeOf(err) != engine.CodeInvalidProposedCredits {
		t.Fatalf("expected INVALID_PROPOSED_CREDITS, got %v", err)
	}

	// The failed claim rolled back entirely, including the CAS.
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskOpen || got.AssigneeID != nil {
		t.Fatalf("task after failed claim: %+v", got)
	}

	// A failed key is retryable with a valid bid.
	if _, err := env.Engine.ClaimTask(env.Ctx, "over", env.Agent, task.ID, 10); err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
}

func TestAcceptTwicePaysOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "pay once", 30)

	if _, err := env.Engine.ClaimTask(env.Ctx, "c1", env.Agent, task.ID, 30); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.DeliverTask(env.Ctx, "d1", env.Agent, task.ID, "done"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	first, err := env.Engine.AcceptTask(env.Ctx, "a1", env.Poster, task.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Same key replays the stored response.
	replay, err := env.Engine.AcceptTask(env.Ctx, "a1", env.Poster, task.ID)
	if err != nil {
		t.Fatalf("replay accept: %v", err)
	}
	if replay.Reward.ID != first.Reward.ID {
		t.Fatalf("replay reward differs: %d vs %d", replay.Reward.ID, first.Reward.ID)
	}

	// A fresh key runs the operation and hits the terminal-state guard.
	_, err = env.Engine.AcceptTask(env.Ctx, "a2", env.Poster, task.ID)
	if engine.CodeOf(err) != engine.CodeTaskAlreadyAccepted {
		t.Fatalf("expected TASK_ALREADY_ACCEPTED, got %v", err)
	}

	count, err := env.Engine.Repo.AgentRewardCount(env.Ctx, env.Agent)
	if err != nil {
		t.Fatalf("reward count: %v", err)
	}
	if count != 1 {
		t.Fatalf("reward rows = %d", count)
	}
}

func TestCancelOnlyFromOpen(t *testing.T) {
	env := newTestEnv(t)
	open := env.postTask(t, "cancel me", 10)
	claimed := env.postTask(t, "keep me", 10)

	got, err := env.Engine.CancelTask(env.Ctx, "x1", env.Poster, open.ID)
	if err != nil {
		t.Fatalf("cancel open: %v", err)
	}
	if got.Status != domain.TaskCanceled {
		t.Fatalf("status = %s", got.Status)
	}

	if _, err := env.Engine.ClaimTask(env.Ctx, "c1", env.Agent, claimed.ID, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = env.Engine.CancelTask(env.Ctx, "x2", env.Poster, claimed.ID)
	if engine.CodeOf(err) != engine.CodeInvalidStateTransition {
		t.Fatalf("expected INVALID_STATE_TRANSITION, got %v", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	env := newTestEnv(t)
	task := env.postTask(t, "mine", 10)

	stranger, err := env.Engine.RegisterUser(env.Ctx, "other@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("register stranger: %v", err)
	}
	_, err = env.Engine.CancelTask(env.Ctx, "x1", stranger.ID, task.ID)
	if engine.CodeOf(err) != engine.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	if _, err := env.Engine.ClaimTask(env.Ctx, "c1", env.Agent, task.ID, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rival, err := env.Engine.CreateAgent(env.Ctx, env.Poster, "worker-2")
	if err != nil {
		t.Fatalf("create rival: %v", err)
	}
	_, err = env.Engine.DeliverTask(env.Ctx, "d1", rival.ID, task.ID, "not mine")
	if engine.CodeOf(err) != engine.CodeNotTaskAssignee {
		t.Fatalf("expected NOT_TASK_ASSIGNEE, got %v", err)
	}
}

func TestBrowsePagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.postTask(t, fmt.Sprintf("task-%d", i), 10)
	}

	page1, err := env.Engine.BrowseTasks(env.Ctx, "", 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1.Tasks) != 2 || page1.NextCursor == "" {
		t.Fatalf("page 1: %d tasks, cursor %q", len(page1.Tasks), page1.NextCursor)
	}

	page2, err := env.Engine.BrowseTasks(env.Ctx, page1.NextCursor, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Tasks) != 2 || page2.Tasks[0].ID <= page1.Tasks[1].ID {
		t.Fatalf("page 2 out of order: %+v", page2.Tasks)
	}

	page3, err := env.Engine.BrowseTasks(env.Ctx, page2.NextCursor, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3.Tasks) != 1 || page3.NextCursor != "" {
		t.Fatalf("page 3: %d tasks, cursor %q", len(page3.Tasks), page3.NextCursor)
	}

	_, err = env.Engine.BrowseTasks(env.Ctx, "not-base64!!!", 2)
	if engine.CodeOf(err) != engine.CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR for bad cursor, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	key, plaintext, err := env.Engine.IssueAPIKey(env.Ctx, env.Poster, env.Agent, "ci")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	if plaintext == "" || key.KeyHash == plaintext {
		t.Fatalf("plaintext handling: %+v", key)
	}

	a, err := env.Engine.AgentByAPIKey(env.Ctx, plaintext)
	if err != nil || a.ID != env.Agent {
		t.Fatalf("resolve by key: %v", err)
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, env.Poster, env.Agent, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err = env.Engine.AgentByAPIKey(env.Ctx, plaintext)
	if engine.CodeOf(err) != engine.CodeInvalidAPIKey {
		t.Fatalf("expected INVALID_API_KEY after revoke, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.Engine.AuthenticateUser(env.Ctx, "poster@example.com", "hunter2hunter2")
	if err != nil || u.ID != env.Poster {
		t.Fatalf("authenticate: %v", err)
	}
	_, err = env.Engine.AuthenticateUser(env.Ctx, "poster@example.com", "wrong")
	if engine.CodeOf(err) != engine.CodeInvalidCredentials {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", err)
	}
	_, err = env.Engine.AuthenticateUser(env.Ctx, "ghost@example.com", "whatever")
	if engine.CodeOf(err) != engine.CodeInvalidCredentials {
		t.Fatalf("expected INVALID_CREDENTIALS for unknown email, got %v", err)
	}

	var typed *engine.Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected typed error, got %T", err)
	}
}
