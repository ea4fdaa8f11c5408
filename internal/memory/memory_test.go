package memory_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"goalline/internal/db"
	"goalline/internal/domain"
	"goalline/internal/memory"
	"goalline/internal/migrate"
	"goalline/internal/repo"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newRecorder(t *testing.T) (memory.Recorder, *sql.DB, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := memory.New(repo.Repo{DB: conn}, nil, 24*time.Hour)
	rec.Now = clk.Now
	return rec, conn, clk
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx fn: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRecordStepAndRecentContext(t *testing.T) {
	rec, conn, _ := newRecorder(t)
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		g := domain.Goal{ID: "g1", Description: "goal one", Status: domain.GoalActive, CreatedAt: "2024-01-01T00:00:00Z"}
		if err := rec.Repo.InsertGoal(ctx, tx, g); err != nil {
			return err
		}
		p := domain.Goal{ID: "g2", Description: "goal two", Status: domain.GoalPending, CreatedAt: "2024-01-01T00:00:01Z"}
		if err := rec.Repo.InsertGoal(ctx, tx, p); err != nil {
			return err
		}
		if err := rec.RecordStep(ctx, tx, domain.StepThink, "thinking", map[string]any{"k": "v"}, "g1"); err != nil {
			return err
		}
		return rec.RecordStep(ctx, tx, domain.StepAct, "acting", nil, "g1")
	})

	inTx(t, conn, func(tx *sql.Tx) error {
		got, err := rec.RecentContext(ctx, tx, 10)
		if err != nil {
			return err
		}
		if !got.HasActiveGoal || got.ActiveGoal.ID != "g1" {
			t.Fatalf("expected active g1, got %+v", got.ActiveGoal)
		}
		if got.PendingCount != 1 || got.PendingGoals[0].ID != "g2" {
			t.Fatalf("expected pending g2, got %+v", got.PendingGoals)
		}
		if len(got.RecentLogs) != 2 {
			t.Fatalf("expected 2 log entries, got %d", len(got.RecentLogs))
		}
		return nil
	})
}

func TestCleanupExpired(t *testing.T) {
	rec, conn, clk := newRecorder(t)
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		return rec.RecordStep(ctx, tx, domain.StepInfo, "old entry", nil, "")
	})

	// Inside retention: nothing collected.
	clk.now = clk.now.Add(time.Hour)
	inTx(t, conn, func(tx *sql.Tx) error {
		n, err := rec.CleanupExpired(ctx, tx)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("expected nothing collected, got %d", n)
		}
		return nil
	})

	// Past retention: collected.
	clk.now = clk.now.Add(25 * time.Hour)
	inTx(t, conn, func(tx *sql.Tx) error {
		n, err := rec.CleanupExpired(ctx, tx)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("expected 1 collected, got %d", n)
		}
		return nil
	})
}

func TestRecentContextExcludesExpired(t *testing.T) {
	rec, conn, clk := newRecorder(t)
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		return rec.RecordStep(ctx, tx, domain.StepInfo, "will expire", nil, "")
	})
	clk.now = clk.now.Add(48 * time.Hour)
	inTx(t, conn, func(tx *sql.Tx) error {
		got, err := rec.RecentContext(ctx, tx, 10)
		if err != nil {
			return err
		}
		if len(got.RecentLogs) != 0 {
			t.Fatalf("expired entries must not surface, got %d", len(got.RecentLogs))
		}
		return nil
	})
}

type failingStore struct{}

func (failingStore) Store(context.Context, memory.StoreRequest) (string, error) {
	return "", errors.New("store unavailable")
}

func (failingStore) Query(context.Context, string, int, float64) ([]memory.Learning, error) {
	return nil, errors.New("store unavailable")
}

func TestQueryLearningsSwallowsFailures(t *testing.T) {
	rec := memory.New(repo.Repo{}, failingStore{}, time.Hour)
	if got := rec.QueryLearnings(context.Background(), "anything", 3); got != nil {
		t.Fatalf("expected nil on store failure, got %v", got)
	}
}

func TestPromoteBuildsStoreRequest(t *testing.T) {
	captured := &capturingStore{}
	rec := memory.New(repo.Repo{}, captured, time.Hour)
	goal := domain.Goal{
		ID: "g1", Description: "desc", CardIDs: []string{"c1", "c2"},
		TotalTokens: 42, TotalCostUSD: 1.5,
	}
	id, err := rec.Promote(context.Background(), goal, "what we learned", "success", "")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if id != "id-1" {
		t.Fatalf("expected id-1, got %s", id)
	}
	req := captured.last
	if req.GoalDescription != "desc" || req.Learning != "what we learned" || req.Outcome != "success" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Cards) != 2 || req.Tokens != 42 || req.CostUSD != 1.5 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

type capturingStore struct {
	last memory.StoreRequest
}

func (s *capturingStore) Store(_ context.Context, req memory.StoreRequest) (string, error) {
	s.last = req
	return "id-1", nil
}

func (s *capturingStore) Query(context.Context, string, int, float64) ([]memory.Learning, error) {
	return nil, nil
}
