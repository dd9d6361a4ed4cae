package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trickle/internal/instrument"
	"trickle/internal/models"
	"trickle/internal/session"
)

// Sessions is the part of the ingestion pipeline the archiver drives.
type Sessions interface {
	Session(ctx context.Context, id string) (models.Session, error)
	ReadSessionMetrics(ctx context.Context, id string) ([]models.NormalizedMetric, error)
	MarkSaved(ctx context.Context, id, path string) error
}

type CompletedLister interface {
	CompletedSessions(ctx context.Context, limit int) ([]models.Session, error)
}

type Archiver struct {
	sessions Sessions
	lister   CompletedLister
	store    ObjectStore
	prefix   string
	format   Format
	logger   *slog.Logger
	metrics  *instrument.Metrics
	now      func() time.Time
}

func NewArchiver(sessions Sessions, lister CompletedLister, store ObjectStore, prefix string, format Format, logger *slog.Logger, metrics *instrument.Metrics) *Archiver {
	return &Archiver{
		sessions: sessions,
		lister:   lister,
		store:    store,
		prefix:   prefix,
		format:   format,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type Result struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Records   int    `json:"records"`
	Format    Format `json:"format"`
}

// Export uploads one completed session and marks it saved. An empty format
// uses the archiver default. The session stays completed if the upload fails.
func (a *Archiver) Export(ctx context.Context, sessionID string, format Format) (Result, error) {
	if format == "" {
		format = a.format
	}
	s, err := a.sessions.Session(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if s.Status != models.SessionCompleted {
		return Result{}, fmt.Errorf("%w: cannot export %s session %s", session.ErrInvalidTransition, s.Status, s.ID)
	}
	metrics, err := a.sessions.ReadSessionMetrics(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	data, err := Render(format, s, metrics, a.now())
	if err != nil {
		return Result{}, fmt.Errorf("render %s: %w", sessionID, err)
	}
	path := ObjectPath(a.prefix, s, format)
	if err := a.store.Put(ctx, path, data, format.ContentType()); err != nil {
		a.metrics.Export("upload_failed")
		return Result{}, err
	}
	if err := a.sessions.MarkSaved(ctx, sessionID, path); err != nil {
		a.metrics.Export("mark_failed")
		return Result{}, err
	}
	a.metrics.Export("ok")
	a.logger.Info("session exported", "session", sessionID, "source", s.SourceID, "path", path, "records", len(metrics))
	return Result{SessionID: sessionID, Path: path, Records: len(metrics), Format: format}, nil
}

// ExportPending exports up to limit completed sessions. Failures are logged
// and left for the next run.
func (a *Archiver) ExportPending(ctx context.Context, limit int) (int, error) {
	pending, err := a.lister.CompletedSessions(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list completed sessions: %w", err)
	}
	exported := 0
	for _, s := range pending {
		if _, err := a.Export(ctx, s.ID, ""); err != nil {
			a.logger.Warn("export failed", "session", s.ID, "err", err)
			continue
		}
		exported++
	}
	return exported, nil
}
