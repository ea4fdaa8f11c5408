package scheduler_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"goalline/internal/db"
	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/migrate"
	"goalline/internal/repo"
	"goalline/internal/scheduler"
)

func newScheduler(t *testing.T) (scheduler.Scheduler, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := scheduler.New(repo.Repo{DB: conn}, events.Writer{DB: conn})
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, conn
}

func insertCard(t *testing.T, conn *sql.DB, s scheduler.Scheduler, c domain.Card) domain.Card {
	t.Helper()
	if c.CreatedAt == "" {
		c.CreatedAt = "2024-01-01T00:00:00Z"
		c.UpdatedAt = c.CreatedAt
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := s.Repo.InsertCard(context.Background(), tx, c); err != nil {
		t.Fatalf("insert card: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return c
}

func TestListReady(t *testing.T) {
	done := domain.Card{ID: "a", Column: domain.ColumnDone}
	ready := domain.Card{ID: "b", Column: domain.ColumnBacklog, DependsOn: []string{"a"}}
	blocked := domain.Card{ID: "c", Column: domain.ColumnBacklog, DependsOn: []string{"b"}}
	cancelled := domain.Card{ID: "d", Column: domain.ColumnCancelled}

	got := scheduler.ListReady([]domain.Card{done, ready, blocked, cancelled})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only b ready, got %+v", got)
	}
}

func TestListReadyCancelledDependencyStaysBlocked(t *testing.T) {
	cancelled := domain.Card{ID: "a", Column: domain.ColumnCancelled}
	dependent := domain.Card{ID: "b", Column: domain.ColumnBacklog, DependsOn: []string{"a"}}
	if got := scheduler.ListReady([]domain.Card{cancelled, dependent}); len(got) != 0 {
		t.Fatalf("cancelled dependency is not done, expected nothing ready, got %+v", got)
	}
}

func TestAdvanceOneColumnOnly(t *testing.T) {
	s, conn := newScheduler(t)
	ctx := context.Background()
	c := insertCard(t, conn, s, domain.Card{ID: "c1", Title: "card", Column: domain.ColumnBacklog})

	tx, _ := conn.Begin()
	defer tx.Rollback()

	if _, err := s.Advance(ctx, tx, c, domain.ColumnImplement); err == nil {
		t.Fatalf("skipping a column must be rejected")
	}
	moved, err := s.Advance(ctx, tx, c, domain.ColumnPlan)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if moved.Column != domain.ColumnPlan {
		t.Fatalf("expected plan, got %s", moved.Column)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.Repo.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Column != domain.ColumnPlan {
		t.Fatalf("expected persisted plan, got %s", got.Column)
	}
}

func TestAdvanceRejectsTerminal(t *testing.T) {
	s, conn := newScheduler(t)
	ctx := context.Background()
	c := insertCard(t, conn, s, domain.Card{ID: "c1", Title: "card", Column: domain.ColumnDone})

	tx, _ := conn.Begin()
	defer tx.Rollback()
	if _, err := s.Advance(ctx, tx, c, ""); err == nil {
		t.Fatalf("advancing a done card must fail")
	}
}

func TestCancel(t *testing.T) {
	s, conn := newScheduler(t)
	ctx := context.Background()
	c := insertCard(t, conn, s, domain.Card{ID: "c1", Title: "card", Column: domain.ColumnTest})

	tx, _ := conn.Begin()
	cancelled, err := s.Cancel(ctx, tx, c)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Column != domain.ColumnCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Column)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := conn.Begin()
	defer tx2.Rollback()
	if _, err := s.Cancel(ctx, tx2, cancelled); err == nil {
		t.Fatalf("cancelling twice must fail")
	}
}

func TestResolveDependencies(t *testing.T) {
	orderToID := map[int]string{1: "id-1", 2: "id-2"}
	got := scheduler.ResolveDependencies(orderToID, []int{2, 1, 7})
	if len(got) != 2 || got[0] != "id-2" || got[1] != "id-1" {
		t.Fatalf("expected known orders resolved and unknown dropped, got %v", got)
	}
}

func TestCreateFixIdempotent(t *testing.T) {
	s, conn := newScheduler(t)
	ctx := context.Background()
	parent := insertCard(t, conn, s, domain.Card{
		ID: "p1", Title: "Parent", Column: domain.ColumnTest,
		Executor: domain.ExecutorConfig{ModelTest: "model-t"},
	})

	tx, _ := conn.Begin()
	fix, err := s.CreateFix(ctx, tx, parent, "tests failed")
	if err != nil {
		t.Fatalf("create fix: %v", err)
	}
	if !fix.IsFix || fix.Column != domain.ColumnBacklog {
		t.Fatalf("unexpected fix card: %+v", fix)
	}
	if fix.ParentCardID == nil || *fix.ParentCardID != "p1" {
		t.Fatalf("expected parent link, got %v", fix.ParentCardID)
	}
	if fix.Executor.ModelTest != "model-t" {
		t.Fatalf("fix card must inherit the parent executor config")
	}
	if fix.FixContext == nil || *fix.FixContext != "tests failed" {
		t.Fatalf("expected fix context, got %v", fix.FixContext)
	}

	again, err := s.CreateFix(ctx, tx, parent, "tests failed again")
	if err != nil {
		t.Fatalf("second create fix: %v", err)
	}
	if again.ID != fix.ID {
		t.Fatalf("expected existing fix card reused, got %s vs %s", again.ID, fix.ID)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCreateFixRejectsFixParent(t *testing.T) {
	s, conn := newScheduler(t)
	ctx := context.Background()
	fixParent := insertCard(t, conn, s, domain.Card{ID: "f1", Title: "Fix: thing", Column: domain.ColumnBacklog, IsFix: true})

	tx, _ := conn.Begin()
	defer tx.Rollback()
	if _, err := s.CreateFix(ctx, tx, fixParent, ""); err == nil {
		t.Fatalf("fix-of-fix must be rejected")
	}
}
