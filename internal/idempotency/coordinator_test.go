package idempotency_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"taskbazaar/internal/db"
	"taskbazaar/internal/idempotency"
	"taskbazaar/internal/migrate"
)

func newCoordinator(t *testing.T) *idempotency.Coordinator {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &idempotency.Coordinator{DB: conn}
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	var runs int32

	op := func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
		atomic.AddInt32(&runs, 1)
		return []byte(`{"n":1}`), nil
	}

	out, replayed, err := c.Execute(ctx, "k1", "agent:1:POST /tasks/1/claim", op)
	if err != nil || replayed {
		t.Fatalf("first execute: out=%s replayed=%v err=%v", out, replayed, err)
	}
	out2, replayed, err := c.Execute(ctx, "k1", "agent:1:POST /tasks/1/claim", op)
	if err != nil || !replayed {
		t.Fatalf("replay: replayed=%v err=%v", replayed, err)
	}
	if string(out) != string(out2) {
		t.Fatalf("replay bytes differ: %s vs %s", out, out2)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("op ran %d times", runs)
	}
}

func TestExecuteIdentityMismatchConflicts(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	ok := func(ctx context.Context, tx *sql.Tx) ([]byte, error) { return []byte(`{}`), nil }
	if _, _, err := c.Execute(ctx, "k1", "agent:1:POST /tasks/1/claim", ok); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, _, err := c.Execute(ctx, "k1", "agent:2:POST /tasks/1/claim", ok)
	if !errors.Is(err, idempotency.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	_, _, err = c.Execute(ctx, "k1", "agent:1:POST /tasks/9/claim", ok)
	if !errors.Is(err, idempotency.ErrConflict) {
		t.Fatalf("expected ErrConflict for different path, got %v", err)
	}
}

func TestExecuteErrorIsNotCached(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := c.Execute(ctx, "k1", "id", func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected op error, got %v", err)
	}

	// The key is free again: a retry runs the op for real.
	out, replayed, err := c.Execute(ctx, "k1", "id", func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	if err != nil || replayed || string(out) != `{"ok":true}` {
		t.Fatalf("retry: out=%s replayed=%v err=%v", out, replayed, err)
	}
}

func TestExecuteWritesRollBackWithKey(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	_, _, err := c.Execute(ctx, "k1", "id", func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,actor) VALUES ('2024-01-01T00:00:00Z','t','task','a')`); err != nil {
			return nil, err
		}
		return nil, errors.New("fail after write")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var n int
	if err := c.DB.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("writes leaked: %d rows", n)
	}
}

func TestExecuteConcurrentSameKey(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	var runs int32

	const workers = 8
	outs := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _, err := c.Execute(ctx, "shared", "id", func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
				n := atomic.AddInt32(&runs, 1)
				return []byte(fmt.Sprintf(`{"run":%d}`, n)), nil
			})
			outs[i] = string(out)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if outs[i] != outs[0] {
			t.Fatalf("diverging responses: %q vs %q", outs[i], outs[0])
		}
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("op ran %d times", runs)
	}
}

func TestExecuteRequiresKey(t *testing.T) {
	c := newCoordinator(t)
	_, _, err := c.Execute(context.Background(), "", "id", func(ctx context.Context, tx *sql.Tx) ([]byte, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error for empty key")
	}
}
