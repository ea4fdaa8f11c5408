package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/repo"
)

// Scheduler owns the card state machine: readiness, forward-only column
// advancement, dependency resolution and fix-card creation.
type Scheduler struct {
	Repo     repo.Repo
	Events   events.Writer
	Notifier events.Notifier
	Now      func() time.Time
}

func New(r repo.Repo, w events.Writer) Scheduler {
	return Scheduler{
		Repo:     r,
		Events:   w,
		Notifier: events.NopNotifier{},
		Now:      time.Now,
	}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ListReady returns the cards eligible for execution: non-terminal column and
// every dependency done. Input order is preserved, so callers passing cards in
// goal list order get the earliest-listed ready card first.
func ListReady(cards []domain.Card) []domain.Card {
	done := make(map[string]bool, len(cards))
	for _, c := range cards {
		if c.Column == domain.ColumnDone {
			done[c.ID] = true
		}
	}
	var ready []domain.Card
	for _, c := range cards {
		if domain.TerminalColumn(c.Column) {
			continue
		}
		ok := true
		for _, dep := range c.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, c)
		}
	}
	return ready
}

// Advance moves a card forward exactly one column. Any request that is not
// the immediate next column in the pipeline is rejected. The emitted
// card.moved event and notification are best-effort and never fail the move.
func (s Scheduler) Advance(ctx context.Context, tx *sql.Tx, card domain.Card, toColumn string) (domain.Card, error) {
	if domain.TerminalColumn(card.Column) {
		return card, fmt.Errorf("card %s is in terminal column %s", card.ID, card.Column)
	}
	next := domain.NextColumn(card.Column)
	if toColumn != next {
		return card, fmt.Errorf("invalid card transition %s -> %s (next is %s)", card.Column, toColumn, next)
	}
	from := card.Column
	card.Column = toColumn
	card.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCard(ctx, tx, card); err != nil {
		return card, fmt.Errorf("update card: %w", err)
	}
	payload := events.EventPayload{"from": from, "to": toColumn}
	_ = s.Events.Append(ctx, tx, "card.moved", "card", card.ID, payload)
	s.Notifier.Notify("card.moved", card.ID, payload)
	return card, nil
}

// Cancel redirects a non-terminal card to the cancelled column. This is the
// external exit path; Advance never produces it.
func (s Scheduler) Cancel(ctx context.Context, tx *sql.Tx, card domain.Card) (domain.Card, error) {
	if domain.TerminalColumn(card.Column) {
		return card, fmt.Errorf("card %s is in terminal column %s", card.ID, card.Column)
	}
	from := card.Column
	card.Column = domain.ColumnCancelled
	card.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCard(ctx, tx, card); err != nil {
		return card, fmt.Errorf("update card: %w", err)
	}
	payload := events.EventPayload{"from": from, "to": domain.ColumnCancelled}
	_ = s.Events.Append(ctx, tx, "card.cancelled", "card", card.ID, payload)
	s.Notifier.Notify("card.cancelled", card.ID, payload)
	return card, nil
}

// ResolveDependencies maps decomposition order indices to created card ids.
// Indices with no corresponding card are dropped; decomposition may have
// produced a partial card set.
func ResolveDependencies(orderToID map[int]string, dependencyOrders []int) []string {
	var ids []string
	for _, order := range dependencyOrders {
		if id, ok := orderToID[order]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CreateFix returns the existing non-terminal fix card for parent, or creates
// a new one in backlog inheriting the parent's executor configuration.
func (s Scheduler) CreateFix(ctx context.Context, tx *sql.Tx, parent domain.Card, errContext string) (domain.Card, error) {
	if parent.IsFix {
		return domain.Card{}, fmt.Errorf("card %s is itself a fix card", parent.ID)
	}
	existing, err := s.Repo.ActiveFixCard(ctx, tx, parent.ID)
	if err == nil {
		return existing, nil
	}
	if err != repo.ErrNotFound {
		return domain.Card{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	parentID := parent.ID
	fix := domain.Card{
		ID:           uuid.New().String(),
		Title:        "Fix: " + parent.Title,
		Description:  "Remediate failed stage for card " + parent.ID,
		Column:       domain.ColumnBacklog,
		IsFix:        true,
		ParentCardID: &parentID,
		Executor:     parent.Executor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if errContext != "" {
		fix.FixContext = &errContext
	}
	if err := s.Repo.InsertCard(ctx, tx, fix); err != nil {
		return domain.Card{}, fmt.Errorf("insert fix card: %w", err)
	}
	payload := events.EventPayload{"parent_card_id": parent.ID}
	_ = s.Events.Append(ctx, tx, "card.fix_created", "card", fix.ID, payload)
	s.Notifier.Notify("card.fix_created", fix.ID, payload)
	return fix, nil
}
