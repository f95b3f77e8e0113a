package dispatcher

import (
	"context"
	"time"

	"octopilot/internal/domain"
)

// Journal persists sessions, trial records and decisions. Writes happen on
// the arena goroutine; a failing journal is logged and never stops a
// session.
type Journal interface {
	CreateSession(ctx context.Context, session domain.Session) error
	EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error
	AppendTrial(ctx context.Context, rec domain.TrialRecord) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type nopJournal struct{}

func (nopJournal) CreateSession(context.Context, domain.Session) error { return nil }
func (nopJournal) EndSession(context.Context, string, string, time.Time) error { return nil }
func (nopJournal) AppendTrial(context.Context, domain.TrialRecord) error { return nil }
func (nopJournal) LogDecision(context.Context, domain.DecisionLog) error { return nil }
