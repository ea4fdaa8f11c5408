package repo

import (
	"context"
	"database/sql"

	"goalline/internal/domain"
)

const goalColumns = `id,description,status,learning,learning_id,error,source,source_id,total_tokens,total_cost_usd,created_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (domain.Goal, error) {
	var g domain.Goal
	var learning, learningID, errText, source, sourceID, startedAt, completedAt sql.NullString
	err := row.Scan(&g.ID, &g.Description, &g.Status, &learning, &learningID, &errText, &source, &sourceID,
		&g.TotalTokens, &g.TotalCostUSD, &g.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Learning = stringPtr(learning)
	g.LearningID = stringPtr(learningID)
	g.Error = stringPtr(errText)
	g.Source = stringPtr(source)
	g.SourceID = stringPtr(sourceID)
	g.StartedAt = stringPtr(startedAt)
	g.CompletedAt = stringPtr(completedAt)
	return g, nil
}

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goals(`+goalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.Description, g.Status, nullableStringPtr(g.Learning), nullableStringPtr(g.LearningID),
		nullableStringPtr(g.Error), nullableStringPtr(g.Source), nullableStringPtr(g.SourceID),
		g.TotalTokens, g.TotalCostUSD, g.CreatedAt, nullableStringPtr(g.StartedAt), nullableStringPtr(g.CompletedAt))
	return err
}

func (r Repo) UpdateGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET description=?, status=?, learning=?, learning_id=?, error=?, total_tokens=?, total_cost_usd=?, started_at=?, completed_at=? WHERE id=?`,
		g.Description, g.Status, nullableStringPtr(g.Learning), nullableStringPtr(g.LearningID), nullableStringPtr(g.Error),
		g.TotalTokens, g.TotalCostUSD, nullableStringPtr(g.StartedAt), nullableStringPtr(g.CompletedAt), g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) getGoal(ctx context.Context, q queryer, id string) (domain.Goal, error) {
	g, err := scanGoal(q.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
	if err != nil {
		return g, err
	}
	g.CardIDs, err = listGoalCards(ctx, q, id)
	return g, err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	return r.getGoal(ctx, r.DB, id)
}

func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Goal, error) {
	return r.getGoal(ctx, tx, id)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func listGoals(ctx context.Context, q queryer, where string, args ...any) ([]domain.Goal, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].CardIDs, err = listGoalCards(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ActiveGoal returns the single active goal, ErrNotFound when none exists.
func (r Repo) ActiveGoal(ctx context.Context, tx *sql.Tx) (domain.Goal, error) {
	goals, err := listGoals(ctx, tx, `WHERE status=? ORDER BY created_at LIMIT 1`, domain.GoalActive)
	if err != nil {
		return domain.Goal{}, err
	}
	if len(goals) == 0 {
		return domain.Goal{}, ErrNotFound
	}
	return goals[0], nil
}

// PendingGoals returns pending goals oldest first.
func (r Repo) PendingGoals(ctx context.Context, tx *sql.Tx) ([]domain.Goal, error) {
	return listGoals(ctx, tx, `WHERE status=? ORDER BY created_at, id`, domain.GoalPending)
}

func (r Repo) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	return listGoals(ctx, r.DB, `ORDER BY created_at DESC, id DESC`)
}

func listGoalCards(ctx context.Context, q queryer, goalID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT card_id FROM goal_cards WHERE goal_id=? ORDER BY position`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendGoalCard appends a card id to the goal's ordered card list. A card
// already on the list is left in place.
func (r Repo) AppendGoalCard(ctx context.Context, tx *sql.Tx, goalID, cardID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO goal_cards(goal_id,card_id,position)
SELECT ?,?,COALESCE(MAX(position)+1,0) FROM goal_cards WHERE goal_id=?`, goalID, cardID, goalID)
	return err
}
