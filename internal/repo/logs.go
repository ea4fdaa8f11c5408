package repo

import (
	"context"
	"database/sql"

	"goalline/internal/domain"
)

const logColumns = `id,step,content,context_json,goal_id,ts,expires_at`

func (r Repo) InsertLog(ctx context.Context, tx *sql.Tx, l domain.LogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO logs(`+logColumns+`) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.Step, l.Content, nullableStringPtr(l.ContextJSON), nullableStringPtr(l.GoalID), l.Timestamp, l.ExpiresAt)
	return err
}

func scanLogs(rows *sql.Rows) ([]domain.LogEntry, error) {
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var l domain.LogEntry
		var contextJSON, goalID sql.NullString
		if err := rows.Scan(&l.ID, &l.Step, &l.Content, &contextJSON, &goalID, &l.Timestamp, &l.ExpiresAt); err != nil {
			return nil, err
		}
		l.ContextJSON = stringPtr(contextJSON)
		l.GoalID = stringPtr(goalID)
		res = append(res, l)
	}
	return res, rows.Err()
}

// RecentLogs returns the newest limit entries that have not expired at cutoff.
func (r Repo) RecentLogs(ctx context.Context, tx *sql.Tx, cutoff string, limit int) ([]domain.LogEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+logColumns+` FROM logs WHERE expires_at > ? ORDER BY ts DESC, id DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

// TailLogs returns the newest limit entries regardless of expiry, for the CLI.
func (r Repo) TailLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM logs ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

// DeleteExpiredLogs removes entries whose expiry is at or before cutoff and
// returns the number removed.
func (r Repo) DeleteExpiredLogs(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
