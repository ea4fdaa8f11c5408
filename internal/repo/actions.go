package repo

import (
	"context"
	"database/sql"

	"goalline/internal/domain"
)

const actionColumns = `id,goal_id,type,card_id,input_json,output_json,success,error,started_at,completed_at`

// InsertAction appends one audit row. Actions are never updated afterwards.
func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.GoalID, a.Type, nullableStringPtr(a.CardID), nullableStringPtr(a.InputJSON), nullableStringPtr(a.OutputJSON),
		a.Success, nullableStringPtr(a.Error), a.StartedAt, nullableStringPtr(a.CompletedAt))
	return err
}

// GoalActions returns a goal's actions ordered by start time.
func (r Repo) GoalActions(ctx context.Context, goalID string) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE goal_id=? ORDER BY started_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var cardID, input, output, errText, completedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.GoalID, &a.Type, &cardID, &input, &output, &a.Success, &errText, &a.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		a.CardID = stringPtr(cardID)
		a.InputJSON = stringPtr(input)
		a.OutputJSON = stringPtr(output)
		a.Error = stringPtr(errText)
		a.CompletedAt = stringPtr(completedAt)
		res = append(res, a)
	}
	return res, rows.Err()
}
