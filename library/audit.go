package library

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is emitted once per loan engine call.
type AuditEvent struct {
	ID       string
	Time     time.Time
	Op       string
	BookID   int64
	MemberID int64
	LoanID   int64
	Outcome  string
	Kind     Kind
	Reason   Reason
	Err      string
}

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// AuditSink receives audit events. Returned errors are logged and otherwise ignored.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// SlogAudit writes audit events as structured log records.
type SlogAudit struct {
	Logger *slog.Logger
}

func NewSlogAudit(logger *slog.Logger) *SlogAudit {
	if logger == nil {
		logger = discardLogger()
	}
	return &SlogAudit{Logger: logger.With("component", "audit")}
}

func (a *SlogAudit) Record(ctx context.Context, ev AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("op", ev.Op),
		slog.String("outcome", ev.Outcome),
	}
	if ev.BookID != 0 {
		attrs = append(attrs, slog.Int64("book_id", ev.BookID))
	}
	if ev.MemberID != 0 {
		attrs = append(attrs, slog.Int64("member_id", ev.MemberID))
	}
	if ev.LoanID != 0 {
		attrs = append(attrs, slog.Int64("loan_id", ev.LoanID))
	}
	level := slog.LevelInfo
	if ev.Outcome != OutcomeOK {
		attrs = append(attrs, slog.String("kind", ev.Kind.String()))
		if ev.Reason != "" {
			attrs = append(attrs, slog.String("reason", string(ev.Reason)))
		}
		attrs = append(attrs, slog.String("error", ev.Err))
		if ev.Outcome == OutcomeFailed {
			level = slog.LevelWarn
		}
	}
	a.Logger.LogAttrs(ctx, level, "loan audit", attrs...)
	return nil
}

func newAuditEvent(op string, now time.Time) AuditEvent {
	return AuditEvent{ID: uuid.NewString(), Time: now, Op: op}
}

// complete fills the outcome fields from err.
func (ev *AuditEvent) complete(err error) {
	switch {
	case err == nil:
		ev.Outcome = OutcomeOK
	case KindOf(err) == KindStorage || KindOf(err) == 0:
		ev.Outcome = OutcomeFailed
	default:
		ev.Outcome = OutcomeRejected
	}
	if err != nil {
		ev.Kind = KindOf(err)
		ev.Reason = ReasonOf(err)
		ev.Err = err.Error()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
