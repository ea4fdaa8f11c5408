package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"goalline/internal/db"
	"goalline/internal/domain"
	"goalline/internal/migrate"
	"goalline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func mustTx(t *testing.T, conn *sql.DB) *sql.Tx {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func TestGoalRoundTrip(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()
	source := "cli"
	g := domain.Goal{
		ID: "g1", Description: "the goal", Status: domain.GoalPending,
		Source: &source, CreatedAt: "2024-01-01T00:00:00Z",
	}

	tx := mustTx(t, conn)
	if err := r.InsertGoal(ctx, tx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := r.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "the goal" || got.Status != domain.GoalPending {
		t.Fatalf("unexpected goal: %+v", got)
	}
	if got.Source == nil || *got.Source != "cli" {
		t.Fatalf("expected source cli, got %v", got.Source)
	}
	if got.StartedAt != nil || got.Learning != nil {
		t.Fatalf("unset optionals must stay nil: %+v", got)
	}
}

func TestGetGoalNotFound(t *testing.T) {
	r, _ := newRepo(t)
	if _, err := r.GetGoal(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateGoalNotFound(t *testing.T) {
	r, conn := newRepo(t)
	tx := mustTx(t, conn)
	defer tx.Rollback()
	err := r.UpdateGoal(context.Background(), tx, domain.Goal{ID: "missing"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveGoalNotFoundWhenNone(t *testing.T) {
	r, conn := newRepo(t)
	tx := mustTx(t, conn)
	defer tx.Rollback()
	if _, err := r.ActiveGoal(context.Background(), tx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendGoalCardOrderingAndIdempotence(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()

	tx := mustTx(t, conn)
	if err := r.InsertGoal(ctx, tx, domain.Goal{ID: "g1", Description: "d", Status: domain.GoalActive, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert goal: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		c := domain.Card{ID: id, Title: id, Column: domain.ColumnBacklog, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
		if err := r.InsertCard(ctx, tx, c); err != nil {
			t.Fatalf("insert card: %v", err)
		}
	}
	for _, id := range []string{"c1", "c2", "c1"} {
		if err := r.AppendGoalCard(ctx, tx, "g1", id); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := r.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("get goal: %v", err)
	}
	if len(got.CardIDs) != 2 || got.CardIDs[0] != "c1" || got.CardIDs[1] != "c2" {
		t.Fatalf("expected ordered unique card ids, got %v", got.CardIDs)
	}
}

func TestGoalCardsFollowListOrder(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()

	// One decomposition stamps every card with the same created_at, so the
	// goal's position column is the only thing separating them. Ids are chosen
	// so an id sort would disagree with the append order.
	appendOrder := []string{"zz-first", "aa-second", "mm-third"}

	tx := mustTx(t, conn)
	if err := r.InsertGoal(ctx, tx, domain.Goal{ID: "g1", Description: "d", Status: domain.GoalActive, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert goal: %v", err)
	}
	for _, id := range appendOrder {
		c := domain.Card{ID: id, Title: id, Column: domain.ColumnBacklog, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
		if err := r.InsertCard(ctx, tx, c); err != nil {
			t.Fatalf("insert card %s: %v", id, err)
		}
		if err := r.AppendGoalCard(ctx, tx, "g1", id); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	cards, err := r.GoalCards(ctx, tx, "g1")
	if err != nil {
		t.Fatalf("goal cards: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(cards) != len(appendOrder) {
		t.Fatalf("expected %d cards, got %d", len(appendOrder), len(cards))
	}
	for i, id := range appendOrder {
		if cards[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, cards[i].ID)
		}
	}

	got, err := r.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("get goal: %v", err)
	}
	for i, id := range got.CardIDs {
		if cards[i].ID != id {
			t.Fatalf("GoalCards and CardIDs disagree at %d: %s vs %s", i, cards[i].ID, id)
		}
	}
}

func TestActiveFixCard(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()
	parentID := "p1"

	tx := mustTx(t, conn)
	cards := []domain.Card{
		{ID: "p1", Title: "parent", Column: domain.ColumnTest},
		{ID: "f-done", Title: "old fix", Column: domain.ColumnDone, IsFix: true, ParentCardID: &parentID},
		{ID: "f-live", Title: "live fix", Column: domain.ColumnBacklog, IsFix: true, ParentCardID: &parentID},
	}
	for _, c := range cards {
		c.CreatedAt = "2024-01-01T00:00:00Z"
		c.UpdatedAt = c.CreatedAt
		if err := r.InsertCard(ctx, tx, c); err != nil {
			t.Fatalf("insert %s: %v", c.ID, err)
		}
	}

	got, err := r.ActiveFixCard(ctx, tx, "p1")
	if err != nil {
		t.Fatalf("active fix: %v", err)
	}
	if got.ID != "f-live" {
		t.Fatalf("expected the live fix, got %s", got.ID)
	}
	if _, err := r.ActiveFixCard(ctx, tx, "other"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	tx.Rollback()
}

func TestIsTransientPlainErrors(t *testing.T) {
	if repo.IsTransient(errors.New("database is locked")) {
		t.Fatalf("string matching must not classify errors")
	}
	if repo.IsTransient(nil) {
		t.Fatalf("nil is not transient")
	}
	if repo.IsTransient(repo.ErrNotFound) {
		t.Fatalf("not found is permanent")
	}
}
