package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goalline/internal/config"
	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/executor"
	"goalline/internal/memory"
	"goalline/internal/repo"
	"goalline/internal/scheduler"
	"goalline/internal/usage"
)

// Engine runs the orchestration cycle: Read, Query, Think, Act, Record,
// Learn. All components are explicit and injected; there are no package
// singletons.
type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Scheduler     scheduler.Scheduler
	Memory        memory.Recorder
	Events        events.Writer
	Notifier      events.Notifier
	Usage         usage.Checker
	StageExecutor executor.StageExecutor
	Decomposer    executor.Decomposer
	Config        *config.Config
	Now           func() time.Time

	mu        sync.Mutex
	lastUsage *usage.Snapshot
}

// New wires an Engine with command-backed collaborators from config.
// Collaborator fields may be replaced before use.
func New(db *sql.DB, cfg *config.Config) *Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	e := &Engine{
		DB:        db,
		Repo:      r,
		Scheduler: scheduler.New(r, w),
		Memory:    memory.New(r, nil, cfg.Retention()),
		Events:    w,
		Notifier:  events.NopNotifier{},
		Usage: usage.CommandChecker{
			Command:          cfg.Usage.Command,
			ThresholdPercent: cfg.Orchestrator.UsageLimitPercent,
		},
		StageExecutor: executor.CommandExecutor{Command: cfg.Executor.Command, WorkingDir: cfg.Executor.WorkingDir},
		Decomposer:    executor.CommandDecomposer{Command: cfg.Decomposer.Command, WorkingDir: cfg.Executor.WorkingDir},
		Config:        cfg,
		Now:           time.Now,
	}
	if cfg.Learning.Endpoint != "" {
		e.Memory.Store = memory.NewHTTPLearningStore(cfg.Learning.Endpoint)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitGoal creates a pending goal. Activation only ever happens inside the
// cycle, never here.
func (e *Engine) SubmitGoal(ctx context.Context, description, source, sourceID string) (domain.Goal, error) {
	if description == "" {
		return domain.Goal{}, errors.New("description is required")
	}
	g := domain.Goal{
		ID:          uuid.New().String(),
		Description: description,
		Status:      domain.GoalPending,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if source != "" {
		g.Source = &source
	}
	if sourceID != "" {
		g.SourceID = &sourceID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "goal.submitted", "goal", g.ID, events.EventPayload{"description": truncate(description, 80)}); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Memory.RecordStep(ctx, tx, domain.StepInfo, "New goal submitted: "+truncate(description, 50), nil, g.ID); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	e.Notifier.Notify("goal.submitted", g.ID, nil)
	return g, nil
}

func (e *Engine) setGoalStatus(ctx context.Context, id, from, to, evtType string) (domain.Goal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return g, err
	}
	if g.Status != from {
		return g, fmt.Errorf("goal %s is %s, expected %s", id, g.Status, from)
	}
	g.Status = to
	if err := e.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "goal", g.ID, nil); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	e.Notifier.Notify(evtType, g.ID, nil)
	return g, nil
}

// PauseGoal suspends the active goal. There is no automatic unpause; resuming
// is an explicit external action.
func (e *Engine) PauseGoal(ctx context.Context, id string) (domain.Goal, error) {
	return e.setGoalStatus(ctx, id, domain.GoalActive, domain.GoalPaused, "goal.paused")
}

// ResumeGoal returns a paused goal to active.
func (e *Engine) ResumeGoal(ctx context.Context, id string) (domain.Goal, error) {
	return e.setGoalStatus(ctx, id, domain.GoalPaused, domain.GoalActive, "goal.resumed")
}

// FailGoal marks the active goal failed with an error, releasing the single
// active slot.
func (e *Engine) FailGoal(ctx context.Context, id, reason string) (domain.Goal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, id)
	if err != nil {
		return g, err
	}
	if g.Status == domain.GoalCompleted || g.Status == domain.GoalFailed {
		return g, fmt.Errorf("goal %s already %s", id, g.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	g.Status = domain.GoalFailed
	g.CompletedAt = &now
	if reason != "" {
		g.Error = &reason
	}
	if err := e.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "goal.failed", "goal", g.ID, events.EventPayload{"error": reason}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	e.Notifier.Notify("goal.failed", g.ID, nil)
	return g, nil
}

// CancelCard redirects a card to the cancelled column, outside the forward
// pipeline.
func (e *Engine) CancelCard(ctx context.Context, id string) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	card, err := e.Repo.GetCardTx(ctx, tx, id)
	if err != nil {
		return card, err
	}
	card, err = e.Scheduler.Cancel(ctx, tx, card)
	if err != nil {
		return card, err
	}
	return card, tx.Commit()
}

// RunCycle executes one full cycle, retrying the whole thing with linear
// backoff when the store reports transient contention. Nothing from a failed
// attempt is durable: the transaction rolled back.
func (e *Engine) RunCycle(ctx context.Context) error {
	attempts := e.Config.Orchestrator.RetryAttempts
	backoff := e.Config.RetryBackoff()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.cycleOnce(ctx)
		if err == nil || !repo.IsTransient(err) {
			return err
		}
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("cycle retries exhausted: %w", err)
}

// cycleOnce runs Read, Query, Think, Act, Record and Learn inside a single
// transaction. Commit on success; any unwinding error rolls the whole cycle
// back so a half-mutated cycle never becomes visible.
func (e *Engine) cycleOnce(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// READ: recent context from short-term memory.
	mctx, err := e.Memory.RecentContext(ctx, tx, e.Config.Orchestrator.ContextLimit)
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	readMsg := fmt.Sprintf("Read context: active_goal=%t, pending=%d", mctx.HasActiveGoal, mctx.PendingCount)
	if err := e.Memory.RecordStep(ctx, tx, domain.StepRead, readMsg, nil, goalIDOf(mctx.ActiveGoal)); err != nil {
		return err
	}

	// QUERY: relevant learnings for the active goal.
	var learnings []memory.Learning
	if mctx.ActiveGoal != nil {
		learnings = e.Memory.QueryLearnings(ctx, mctx.ActiveGoal.Description, 3)
		msg := fmt.Sprintf("Found %d relevant learnings for goal", len(learnings))
		if err := e.Memory.RecordStep(ctx, tx, domain.StepQuery, msg, nil, mctx.ActiveGoal.ID); err != nil {
			return err
		}
	}

	// THINK: pure decision over a snapshot of state.
	var cards []domain.Card
	if mctx.ActiveGoal != nil {
		cards, err = e.Repo.GoalCards(ctx, tx, mctx.ActiveGoal.ID)
		if err != nil {
			return fmt.Errorf("load goal cards: %w", err)
		}
	}
	snap := e.Usage.Check(ctx)
	e.mu.Lock()
	e.lastUsage = &snap
	e.mu.Unlock()
	decision := Decide(ThinkContext{
		ActiveGoal:   mctx.ActiveGoal,
		Cards:        cards,
		PendingGoals: mctx.PendingGoals,
		Usage:        snap,
		Learnings:    learnings,
	})
	thinkMsg := fmt.Sprintf("Decision: %s - %s", decision.Kind, decision.Reason)
	if err := e.Memory.RecordStep(ctx, tx, domain.StepThink, thinkMsg, nil, decision.GoalID); err != nil {
		return err
	}

	// ACT.
	started := e.now().UTC().Format(time.RFC3339)
	result, err := e.act(ctx, tx, decision)
	if err != nil {
		return fmt.Errorf("act %s: %w", decision.Kind, err)
	}

	// RECORD: short-term memory plus the immutable action audit row.
	recordCtx := map[string]any{"decision": decision.Kind.String(), "success": result.Success}
	if result.Error != "" {
		recordCtx["error"] = result.Error
	}
	recordMsg := fmt.Sprintf("Action %s: success=%t", decision.Kind, result.Success)
	if err := e.Memory.RecordStep(ctx, tx, domain.StepAct, recordMsg, recordCtx, decision.GoalID); err != nil {
		return err
	}
	if decision.GoalID != "" {
		if err := e.recordAction(ctx, tx, decision, result, started); err != nil {
			return fmt.Errorf("record action: %w", err)
		}
	}

	// LEARN: promote a durable learning when the action asked for it.
	if result.ShouldLearn && result.Learning != "" && decision.GoalID != "" {
		if err := e.learn(ctx, tx, decision, result); err != nil {
			return err
		}
	}

	// Retention GC for short-term memory.
	if _, err := e.Memory.CleanupExpired(ctx, tx); err != nil {
		return fmt.Errorf("cleanup logs: %w", err)
	}
	return tx.Commit()
}

func (e *Engine) recordAction(ctx context.Context, tx *sql.Tx, decision Decision, result ActResult, started string) error {
	completed := e.now().UTC().Format(time.RFC3339)
	a := domain.Action{
		ID:          uuid.New().String(),
		GoalID:      decision.GoalID,
		Type:        decision.Kind.String(),
		Success:     result.Success,
		StartedAt:   started,
		CompletedAt: &completed,
	}
	if decision.CardID != "" {
		cardID := decision.CardID
		a.CardID = &cardID
	}
	if decision.Context != nil {
		if data, err := json.Marshal(decision.Context); err == nil {
			s := string(data)
			a.InputJSON = &s
		}
	}
	if result.Data != nil {
		if data, err := json.Marshal(result.Data); err == nil {
			s := string(data)
			a.OutputJSON = &s
		}
	}
	if result.Error != "" {
		errText := result.Error
		a.Error = &errText
	}
	return e.Repo.InsertAction(ctx, tx, a)
}

// learn promotes the outcome to the long-term store and attaches the learning
// to the goal. Promotion failure is logged, never fatal.
func (e *Engine) learn(ctx context.Context, tx *sql.Tx, decision Decision, result ActResult) error {
	goal, err := e.Repo.GetGoalTx(ctx, tx, decision.GoalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	outcome := "success"
	if !result.Success {
		outcome = "failed"
	}
	learningID, err := e.Memory.Promote(ctx, goal, result.Learning, outcome, result.Error)
	if err != nil {
		return e.Memory.RecordStep(ctx, tx, domain.StepError, fmt.Sprintf("Failed to store learning: %v", err), nil, goal.ID)
	}
	learning := result.Learning
	goal.Learning = &learning
	if learningID != "" {
		goal.LearningID = &learningID
	}
	if err := e.Repo.UpdateGoal(ctx, tx, goal); err != nil {
		return err
	}
	return e.Memory.RecordStep(ctx, tx, domain.StepLearn, "Stored learning: "+truncate(result.Learning, 50), nil, goal.ID)
}

// Overview summarizes orchestrator state for the control surface.
type Overview struct {
	ActiveGoal    *domain.Goal   `json:"active_goal,omitempty"`
	PendingGoals  int            `json:"pending_goals"`
	CardsByColumn map[string]int `json:"cards_by_column,omitempty"`
}

func (e *Engine) Overview(ctx context.Context) (Overview, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Overview{}, err
	}
	defer tx.Rollback()
	var out Overview
	g, err := e.Repo.ActiveGoal(ctx, tx)
	switch {
	case err == nil:
		out.ActiveGoal = &g
	case !errors.Is(err, repo.ErrNotFound):
		return out, err
	}
	pending, err := e.Repo.PendingGoals(ctx, tx)
	if err != nil {
		return out, err
	}
	out.PendingGoals = len(pending)
	if out.ActiveGoal != nil {
		cards, err := e.Repo.GoalCards(ctx, tx, out.ActiveGoal.ID)
		if err != nil {
			return out, err
		}
		out.CardsByColumn = make(map[string]int, len(cards))
		for _, c := range cards {
			out.CardsByColumn[c.Column]++
		}
	}
	return out, tx.Commit()
}

// LastUsage returns the usage snapshot from the most recent cycle, if any.
func (e *Engine) LastUsage() *usage.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsage
}

func goalIDOf(g *domain.Goal) string {
	if g == nil {
		return ""
	}
	return g.ID
}
