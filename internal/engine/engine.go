package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpplane/internal/config"
	"mcpplane/internal/events"
	"mcpplane/internal/observability"
	"mcpplane/internal/repo"
)

const (
	defaultReviewThreshold = 80
	defaultHealthAlpha     = 0.2
)

// Publisher receives committed domain events.
type Publisher interface {
	Publish(ctx context.Context, rec events.Record)
}

// Listener runs inside the transaction that appended rec. A returned error
// rolls the whole mutation back.
type Listener func(ctx context.Context, e Engine, uow *UnitOfWork, rec events.Record) error

// UnitOfWork is one mutation transaction plus the events it produced.
type UnitOfWork struct {
	Tx      *sql.Tx
	records []events.Record
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Publisher Publisher
	Listeners []Listener

	// ReviewThreshold is the minimum confidence for completion without review.
	ReviewThreshold int
	// HealthAlpha weights the newest sample in the failure EWMA.
	HealthAlpha float64
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:              db,
		Repo:            repo.Repo{DB: db},
		Events:          events.Writer{},
		Config:          cfg,
		Now:             time.Now,
		Logger:          zap.NewNop(),
		ReviewThreshold: defaultReviewThreshold,
		HealthAlpha:     defaultHealthAlpha,
		Listeners:       []Listener{InstallationUsageListener},
	}
	if cfg != nil {
		e.ReviewThreshold = cfg.Review.ConfidenceThreshold
		if cfg.Installations.HealthAlpha > 0 {
			e.HealthAlpha = cfg.Installations.HealthAlpha
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// inTx runs fn in a transaction, commits, then publishes the recorded events.
func (e Engine) inTx(ctx context.Context, fn func(uow *UnitOfWork) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	uow := &UnitOfWork{Tx: tx}
	if err := fn(uow); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if e.Publisher != nil {
		for _, rec := range uow.records {
			e.Publisher.Publish(ctx, rec)
		}
	}
	return nil
}

// append writes an event inside uow and hands it to every listener.
func (e Engine) append(ctx context.Context, uow *UnitOfWork, evtType, customerID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	rec, err := e.writer().Append(ctx, uow.Tx, evtType, customerID, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	uow.records = append(uow.records, rec)
	for _, l := range e.Listeners {
		if err := l(ctx, e, uow, rec); err != nil {
			return fmt.Errorf("listener for %s: %w", evtType, err)
		}
	}
	return nil
}
