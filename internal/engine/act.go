package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/executor"
	"goalline/internal/repo"
	"goalline/internal/scheduler"
)

// ActResult is the outcome of executing one decision.
type ActResult struct {
	Success     bool
	ShouldLearn bool
	Learning    string
	Error       string
	Data        map[string]any
}

// act executes the decided action. Failures are captured as data, never
// propagated past the cycle boundary; only storage errors unwind.
func (e *Engine) act(ctx context.Context, tx *sql.Tx, d Decision) (ActResult, error) {
	switch d.Kind {
	case DecisionWait:
		return ActResult{Success: true}, nil
	case DecisionDecompose:
		return e.actDecompose(ctx, tx, d)
	case DecisionExecuteCard:
		return e.actExecuteCard(ctx, tx, d)
	case DecisionCreateFix:
		return e.actCreateFix(ctx, tx, d)
	case DecisionCompleteGoal:
		return e.actCompleteGoal(ctx, tx, d)
	}
	return ActResult{Success: false, Error: fmt.Sprintf("unknown decision kind %d", d.Kind)}, nil
}

// actDecompose activates the goal if still pending, then asks the external
// decomposer for cards. Card creation is two-pass: first create every card
// and record its order, then resolve declared dependency orders to real ids.
func (e *Engine) actDecompose(ctx context.Context, tx *sql.Tx, d Decision) (ActResult, error) {
	goal, err := e.Repo.GetGoalTx(ctx, tx, d.GoalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ActResult{Success: false, Error: "goal not found"}, nil
		}
		return ActResult{}, err
	}
	if goal.Status == domain.GoalPending {
		now := e.now().UTC().Format(time.RFC3339)
		goal.Status = domain.GoalActive
		goal.StartedAt = &now
		if err := e.Repo.UpdateGoal(ctx, tx, goal); err != nil {
			return ActResult{}, err
		}
		_ = e.Events.Append(ctx, tx, "goal.activated", "goal", goal.ID, nil)
		e.Notifier.Notify("goal.activated", goal.ID, nil)
	}

	dec, err := e.Decomposer.Decompose(ctx, goal.Description)
	if err != nil {
		return ActResult{Success: false, Error: fmt.Sprintf("decompose: %v", err)}, nil
	}
	if !dec.Success {
		msg := dec.Error
		if msg == "" {
			msg = "failed to decompose goal"
		}
		return ActResult{Success: false, Error: msg}, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	orderToID := make(map[int]string, len(dec.Cards))
	var created []string
	for _, proposed := range dec.Cards {
		card := domain.Card{
			ID:          uuid.New().String(),
			Title:       proposed.Title,
			Description: proposed.Description,
			Column:      domain.ColumnBacklog,
			Executor:    e.Config.Executor.Models,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertCard(ctx, tx, card); err != nil {
			return ActResult{}, fmt.Errorf("insert card: %w", err)
		}
		if err := e.Repo.AppendGoalCard(ctx, tx, goal.ID, card.ID); err != nil {
			return ActResult{}, fmt.Errorf("append goal card: %w", err)
		}
		orderToID[proposed.Order] = card.ID
		created = append(created, card.ID)
	}
	// Second pass: dependency orders may reference cards created after the
	// card that declares them.
	for _, proposed := range dec.Cards {
		if len(proposed.DependencyOrders) == 0 {
			continue
		}
		cardID, ok := orderToID[proposed.Order]
		if !ok {
			continue
		}
		deps := scheduler.ResolveDependencies(orderToID, proposed.DependencyOrders)
		if err := e.Repo.AddCardDependencies(ctx, tx, cardID, deps); err != nil {
			return ActResult{}, fmt.Errorf("add card dependencies: %w", err)
		}
	}
	_ = e.Events.Append(ctx, tx, "goal.decomposed", "goal", goal.ID, events.EventPayload{"card_count": len(created)})
	e.Notifier.Notify("goal.decomposed", goal.ID, events.EventPayload{"card_ids": created})

	return ActResult{Success: true, Data: map[string]any{
		"card_ids":   created,
		"card_count": len(created),
		"reasoning":  dec.Reasoning,
	}}, nil
}

// stageFor maps a card's current column to the stage the executor must run
// before the card can advance. Backlog needs no executor work: entering the
// pipeline is a plain promotion to plan.
func stageFor(column string) string {
	switch column {
	case domain.ColumnPlan, domain.ColumnImplement, domain.ColumnTest, domain.ColumnReview:
		return column
	}
	return ""
}

func (e *Engine) actExecuteCard(ctx context.Context, tx *sql.Tx, d Decision) (ActResult, error) {
	card, err := e.Repo.GetCardTx(ctx, tx, d.CardID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ActResult{Success: false, Error: "card not found"}, nil
		}
		return ActResult{}, err
	}
	if domain.TerminalColumn(card.Column) {
		return ActResult{Success: true, Data: map[string]any{"message": "card in " + card.Column + ", no action needed"}}, nil
	}

	stage := stageFor(card.Column)
	if stage == "" {
		// Backlog: promote into the pipeline without invoking the executor.
		moved, err := e.Scheduler.Advance(ctx, tx, card, domain.NextColumn(card.Column))
		if err != nil {
			return ActResult{Success: false, Error: err.Error()}, nil
		}
		return ActResult{Success: true, Data: map[string]any{"column": moved.Column}}, nil
	}

	req := executor.StageRequest{
		CardID:      card.ID,
		Stage:       stage,
		Title:       card.Title,
		Description: card.Description,
		WorkingDir:  e.Config.Executor.WorkingDir,
		Model:       card.Executor.ModelFor(stage),
		Config:      card.Executor,
	}
	if card.Artifact != nil {
		req.Artifact = *card.Artifact
	}
	if card.FixContext != nil {
		req.FixContext = *card.FixContext
	}
	res, err := e.StageExecutor.Execute(ctx, req)
	if err != nil {
		return ActResult{Success: false, Error: fmt.Sprintf("stage %s: %v", stage, err)}, nil
	}

	if res.Tokens != 0 || res.CostUSD != 0 {
		goal, err := e.Repo.GetGoalTx(ctx, tx, d.GoalID)
		if err == nil {
			goal.TotalTokens += res.Tokens
			goal.TotalCostUSD += res.CostUSD
			if err := e.Repo.UpdateGoal(ctx, tx, goal); err != nil {
				return ActResult{}, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return ActResult{}, err
		}
	}

	if !res.Success {
		out := ActResult{Success: false, Error: res.Error, Data: map[string]any{"column": card.Column, "stage": stage}}
		if res.NeedsFix {
			card.NeedsFix = true
			if res.Error != "" {
				errText := res.Error
				card.FixContext = &errText
			}
			card.UpdatedAt = e.now().UTC().Format(time.RFC3339)
			if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
				return ActResult{}, err
			}
			out.Data["needs_fix"] = true
		}
		return out, nil
	}

	if res.Artifact != "" {
		artifact := res.Artifact
		card.Artifact = &artifact
	}
	moved, err := e.Scheduler.Advance(ctx, tx, card, domain.NextColumn(card.Column))
	if err != nil {
		return ActResult{Success: false, Error: err.Error()}, nil
	}
	return ActResult{Success: true, Data: map[string]any{"column": moved.Column, "stage": stage}}, nil
}

func (e *Engine) actCreateFix(ctx context.Context, tx *sql.Tx, d Decision) (ActResult, error) {
	parent, err := e.Repo.GetCardTx(ctx, tx, d.CardID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ActResult{Success: false, Error: "parent card not found"}, nil
		}
		return ActResult{}, err
	}
	errContext := ""
	if d.Context != nil {
		if v, ok := d.Context["error"].(string); ok {
			errContext = v
		}
	}
	fix, err := e.Scheduler.CreateFix(ctx, tx, parent, errContext)
	if err != nil {
		if repo.IsTransient(err) {
			return ActResult{}, err
		}
		return ActResult{Success: false, Error: err.Error()}, nil
	}
	// Clear the flag so the next cycle executes the fix card instead of
	// deciding CREATE_FIX again. The failed card now depends on its fix, so
	// it stays blocked until the fix is done.
	parent.NeedsFix = false
	parent.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCard(ctx, tx, parent); err != nil {
		return ActResult{}, err
	}
	if err := e.Repo.AddCardDependencies(ctx, tx, parent.ID, []string{fix.ID}); err != nil {
		return ActResult{}, err
	}
	if err := e.Repo.AppendGoalCard(ctx, tx, d.GoalID, fix.ID); err != nil {
		return ActResult{}, err
	}
	return ActResult{Success: true, Data: map[string]any{"fix_card_id": fix.ID}}, nil
}

func (e *Engine) actCompleteGoal(ctx context.Context, tx *sql.Tx, d Decision) (ActResult, error) {
	goal, err := e.Repo.GetGoalTx(ctx, tx, d.GoalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ActResult{Success: false, Error: "goal not found"}, nil
		}
		return ActResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	goal.Status = domain.GoalCompleted
	goal.CompletedAt = &now
	if err := e.Repo.UpdateGoal(ctx, tx, goal); err != nil {
		return ActResult{}, err
	}
	_ = e.Events.Append(ctx, tx, "goal.completed", "goal", goal.ID, events.EventPayload{"card_count": len(goal.CardIDs)})
	e.Notifier.Notify("goal.completed", goal.ID, nil)

	learning := fmt.Sprintf("Completed goal: %s. Cards: %d.", goal.Description, len(goal.CardIDs))
	return ActResult{
		Success:     true,
		ShouldLearn: true,
		Learning:    learning,
		Data:        map[string]any{"cards_completed": len(goal.CardIDs)},
	}, nil
}
