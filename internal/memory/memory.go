package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goalline/internal/domain"
	"goalline/internal/repo"
)

// Learning is a durable record retrieved from the long-term store.
type Learning struct {
	Learning        string  `json:"learning"`
	GoalDescription string  `json:"goal_description"`
	Outcome         string  `json:"outcome"`
	Score           float64 `json:"score"`
}

// StoreRequest is the payload written to the long-term store when a goal's
// outcome is promoted.
type StoreRequest struct {
	GoalDescription string   `json:"goal_description"`
	Learning        string   `json:"learning"`
	Cards           []string `json:"cards"`
	Outcome         string   `json:"outcome"`
	Error           string   `json:"error,omitempty"`
	Tokens          int      `json:"tokens"`
	CostUSD         float64  `json:"cost_usd"`
}

// LearningStore is the long-term semantic memory collaborator.
type LearningStore interface {
	Store(ctx context.Context, req StoreRequest) (string, error)
	Query(ctx context.Context, contextText string, limit int, minScore float64) ([]Learning, error)
}

// NopLearningStore stores nothing and recalls nothing.
type NopLearningStore struct{}

func (NopLearningStore) Store(context.Context, StoreRequest) (string, error) { return "", nil }
func (NopLearningStore) Query(context.Context, string, int, float64) ([]Learning, error) {
	return nil, nil
}

// Recorder is the orchestrator's short-term memory over the logs table, plus
// selective promotion into the LearningStore.
type Recorder struct {
	Repo      repo.Repo
	Store     LearningStore
	Retention time.Duration
	Now       func() time.Time
}

func New(r repo.Repo, store LearningStore, retention time.Duration) Recorder {
	if store == nil {
		store = NopLearningStore{}
	}
	return Recorder{Repo: r, Store: store, Retention: retention, Now: time.Now}
}

func (m Recorder) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RecordStep appends one telemetry entry. Purely additive.
func (m Recorder) RecordStep(ctx context.Context, tx *sql.Tx, step, content string, stepContext map[string]any, goalID string) error {
	now := m.now().UTC()
	entry := domain.LogEntry{
		ID:        uuid.New().String(),
		Step:      step,
		Content:   content,
		Timestamp: now.Format(time.RFC3339),
		ExpiresAt: now.Add(m.Retention).Format(time.RFC3339),
	}
	if goalID != "" {
		entry.GoalID = &goalID
	}
	if stepContext != nil {
		data, err := json.Marshal(stepContext)
		if err != nil {
			return err
		}
		s := string(data)
		entry.ContextJSON = &s
	}
	return m.Repo.InsertLog(ctx, tx, entry)
}

// Context is the recent-context summary handed to the decision engine.
type Context struct {
	ActiveGoal    *domain.Goal
	PendingGoals  []domain.Goal
	RecentLogs    []domain.LogEntry
	PendingCount  int
	HasActiveGoal bool
}

// RecentContext assembles the active goal, pending goals and the last limit
// log entries.
func (m Recorder) RecentContext(ctx context.Context, tx *sql.Tx, limit int) (Context, error) {
	var out Context
	now := m.now().UTC().Format(time.RFC3339)
	logs, err := m.Repo.RecentLogs(ctx, tx, now, limit)
	if err != nil {
		return out, err
	}
	out.RecentLogs = logs

	active, err := m.Repo.ActiveGoal(ctx, tx)
	if err == nil {
		out.ActiveGoal = &active
		out.HasActiveGoal = true
	} else if err != repo.ErrNotFound {
		return out, err
	}

	pending, err := m.Repo.PendingGoals(ctx, tx)
	if err != nil {
		return out, err
	}
	out.PendingGoals = pending
	out.PendingCount = len(pending)
	return out, nil
}

// CleanupExpired garbage-collects log entries past their retention age.
func (m Recorder) CleanupExpired(ctx context.Context, tx *sql.Tx) (int64, error) {
	cutoff := m.now().UTC().Format(time.RFC3339)
	return m.Repo.DeleteExpiredLogs(ctx, tx, cutoff)
}

// Promote writes a learning record to the long-term store and returns its id.
func (m Recorder) Promote(ctx context.Context, goal domain.Goal, learning, outcome, errText string) (string, error) {
	return m.Store.Store(ctx, StoreRequest{
		GoalDescription: goal.Description,
		Learning:        learning,
		Cards:           goal.CardIDs,
		Outcome:         outcome,
		Error:           errText,
		Tokens:          goal.TotalTokens,
		CostUSD:         goal.TotalCostUSD,
	})
}

// QueryLearnings recalls semantically relevant past learnings. Failures are
// swallowed into an empty result; recall is advisory.
func (m Recorder) QueryLearnings(ctx context.Context, contextText string, limit int) []Learning {
	learnings, err := m.Store.Query(ctx, contextText, limit, 0.5)
	if err != nil {
		return nil
	}
	return learnings
}
