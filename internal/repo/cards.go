package repo

import (
	"context"
	"database/sql"

	"goalline/internal/domain"
)

const cardColumns = `id,title,description,column_id,is_fix,parent_card_id,needs_fix,fix_context,artifact,model_plan,model_implement,model_test,model_review,created_at,updated_at`

func scanCard(row rowScanner) (domain.Card, error) {
	var c domain.Card
	var desc, parentID, fixCtx, artifact sql.NullString
	var mPlan, mImpl, mTest, mReview sql.NullString
	err := row.Scan(&c.ID, &c.Title, &desc, &c.Column, &c.IsFix, &parentID, &c.NeedsFix, &fixCtx, &artifact,
		&mPlan, &mImpl, &mTest, &mReview, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if desc.Valid {
		c.Description = desc.String
	}
	c.ParentCardID = stringPtr(parentID)
	c.FixContext = stringPtr(fixCtx)
	c.Artifact = stringPtr(artifact)
	c.Executor = domain.ExecutorConfig{
		ModelPlan:      mPlan.String,
		ModelImplement: mImpl.String,
		ModelTest:      mTest.String,
		ModelReview:    mReview.String,
	}
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.Description), c.Column, c.IsFix, nullableStringPtr(c.ParentCardID),
		c.NeedsFix, nullableStringPtr(c.FixContext), nullableStringPtr(c.Artifact),
		nullable(c.Executor.ModelPlan), nullable(c.Executor.ModelImplement), nullable(c.Executor.ModelTest), nullable(c.Executor.ModelReview),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) UpdateCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	res, err := tx.ExecContext(ctx, `UPDATE cards SET title=?, description=?, column_id=?, needs_fix=?, fix_context=?, artifact=?, updated_at=? WHERE id=?`,
		c.Title, nullable(c.Description), c.Column, c.NeedsFix, nullableStringPtr(c.FixContext), nullableStringPtr(c.Artifact), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) getCard(ctx context.Context, q queryer, id string) (domain.Card, error) {
	c, err := scanCard(q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.DependsOn, err = listCardDependencies(ctx, q, id)
	return c, err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return r.getCard(ctx, r.DB, id)
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return r.getCard(ctx, tx, id)
}

// GoalCards returns the goal's cards with dependencies populated, ordered by
// their position on the goal's card list. Cards created in one decomposition
// share a timestamp, so position is the only total order; fix cards appended
// later sort after the original batch.
func (r Repo) GoalCards(ctx context.Context, tx *sql.Tx, goalID string) ([]domain.Card, error) {
	rows, err := tx.QueryContext(ctx, `SELECT c.id,c.title,c.description,c.column_id,c.is_fix,c.parent_card_id,c.needs_fix,c.fix_context,c.artifact,c.model_plan,c.model_implement,c.model_test,c.model_review,c.created_at,c.updated_at FROM cards c
JOIN goal_cards gc ON gc.card_id = c.id
WHERE gc.goal_id=? ORDER BY gc.position, c.id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn, err = listCardDependencies(ctx, tx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) ListCards(ctx context.Context) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn, err = listCardDependencies(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func listCardDependencies(ctx context.Context, q queryer, cardID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_id FROM card_dependencies WHERE card_id=? ORDER BY depends_on_id`, cardID)
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

func (r Repo) AddCardDependencies(ctx context.Context, tx *sql.Tx, cardID string, dependsOn []string) error {
	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO card_dependencies(card_id,depends_on_id) VALUES (?,?)`, cardID, dep); err != nil {
			return err
		}
	}
	return nil
}

// ActiveFixCard returns the non-terminal fix card for a parent, ErrNotFound
// when none exists.
func (r Repo) ActiveFixCard(ctx context.Context, tx *sql.Tx, parentID string) (domain.Card, error) {
	c, err := scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards
WHERE is_fix=1 AND parent_card_id=? AND column_id NOT IN (?,?) ORDER BY created_at LIMIT 1`,
		parentID, domain.ColumnDone, domain.ColumnCancelled))
	if err != nil {
		return c, err
	}
	c.DependsOn, err = listCardDependencies(ctx, tx, c.ID)
	return c, err
}
