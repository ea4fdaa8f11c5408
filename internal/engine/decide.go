package engine

import (
	"fmt"

	"goalline/internal/domain"
	"goalline/internal/memory"
	"goalline/internal/scheduler"
	"goalline/internal/usage"
)

// DecisionKind is the closed set of actions the orchestrator can take.
type DecisionKind int

const (
	DecisionWait DecisionKind = iota
	DecisionDecompose
	DecisionExecuteCard
	DecisionCreateFix
	DecisionCompleteGoal
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionWait:
		return "wait"
	case DecisionDecompose:
		return "decompose"
	case DecisionExecuteCard:
		return "execute_card"
	case DecisionCreateFix:
		return "create_fix"
	case DecisionCompleteGoal:
		return "complete_goal"
	}
	return "unknown"
}

// Decision is the single next action for a cycle. Reason is mandatory; it
// feeds the audit trail and external observers.
type Decision struct {
	Kind    DecisionKind
	GoalID  string
	CardID  string
	Reason  string
	Context map[string]any
}

// ThinkContext bundles everything Decide is allowed to look at.
type ThinkContext struct {
	ActiveGoal   *domain.Goal
	Cards        []domain.Card
	PendingGoals []domain.Goal
	Usage        usage.Snapshot
	Learnings    []memory.Learning
}

// Decide maps current state to exactly one next action. Pure: no side
// effects, all mutation happens in Act. The first matching rule wins.
func Decide(tc ThinkContext) Decision {
	// Rule 1: resource-safety circuit breaker, checked every cycle.
	if !tc.Usage.SafeToExecute {
		return Decision{
			Kind:   DecisionWait,
			Reason: fmt.Sprintf("usage limit exceeded: session=%.1f%%, daily=%.1f%%", tc.Usage.SessionPercent, tc.Usage.DailyPercent),
		}
	}

	if tc.ActiveGoal == nil {
		// Rule 2: activate the oldest pending goal and decompose it.
		if len(tc.PendingGoals) > 0 {
			g := tc.PendingGoals[0]
			return Decision{
				Kind:   DecisionDecompose,
				GoalID: g.ID,
				Reason: "activating pending goal: " + truncate(g.Description, 50),
			}
		}
		return Decision{Kind: DecisionWait, Reason: "no active or pending goals"}
	}

	goal := tc.ActiveGoal

	// Rule 3: active goal with no cards yet.
	if len(tc.Cards) == 0 {
		return Decision{
			Kind:   DecisionDecompose,
			GoalID: goal.ID,
			Reason: "active goal has no cards, need to decompose",
		}
	}

	// Rule 4: a stage reported failure and flagged the card for fixing.
	for _, c := range tc.Cards {
		if c.NeedsFix && !domain.TerminalColumn(c.Column) {
			d := Decision{
				Kind:   DecisionCreateFix,
				GoalID: goal.ID,
				CardID: c.ID,
				Reason: fmt.Sprintf("card %s failed %s stage, creating fix", shortID(c.ID), c.Column),
			}
			if c.FixContext != nil {
				d.Context = map[string]any{"error": *c.FixContext}
			}
			return d
		}
	}

	// Rule 5: exactly one ready card per cycle.
	if ready := scheduler.ListReady(tc.Cards); len(ready) > 0 {
		c := ready[0]
		return Decision{
			Kind:   DecisionExecuteCard,
			GoalID: goal.ID,
			CardID: c.ID,
			Reason: fmt.Sprintf("card %s ready to execute in %s", shortID(c.ID), c.Column),
		}
	}

	// Rule 6: nothing left to move. Cancelled cards count as settled so an
	// externally cancelled dependency cannot wedge the goal forever.
	allSettled := true
	for _, c := range tc.Cards {
		if !domain.TerminalColumn(c.Column) {
			allSettled = false
			break
		}
	}
	if allSettled {
		return Decision{Kind: DecisionCompleteGoal, GoalID: goal.ID, Reason: "all cards completed"}
	}

	// Rule 7: cards exist but none is actionable this cycle.
	return Decision{Kind: DecisionWait, GoalID: goal.ID, Reason: "cards in progress, waiting"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
