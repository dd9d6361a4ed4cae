package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trickle/internal/models"
)

// Session returns one session by id.
func (p *Pipeline) Session(ctx context.Context, id string) (models.Session, error) {
	s, err := p.store.GetSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: get session %s: %v", ErrStore, id, err)
	}
	return s, nil
}

// Close completes an active session on request. A non-empty name replaces
// the session name.
func (p *Pipeline) Close(ctx context.Context, id, name string) (models.Session, error) {
	s, err := p.Session(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if s.Status != models.SessionActive {
		return s, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, s.Status)
	}
	release, err := p.lock(ctx, s.SourceID)
	if err != nil {
		return s, err
	}
	defer release()

	ok, err := p.store.CompleteSession(ctx, id, name, p.opts.Now())
	if err != nil {
		return s, fmt.Errorf("%w: complete %s: %v", ErrStore, id, err)
	}
	if !ok {
		return s, fmt.Errorf("%w: %s is no longer active", ErrInvalidTransition, id)
	}
	p.metrics.Transition(string(models.SessionCompleted), "close")
	p.logger.Info("session closed", "source", s.SourceID, "session", id, "samples", s.SampleCount)
	return p.Session(ctx, id)
}

// Sweep completes active sessions with no data for longer than the
// inactivity timeout. Sources busy ingesting are left for the next sweep.
func (p *Pipeline) Sweep(ctx context.Context) ([]models.Session, error) {
	cutoff := p.opts.Now().Add(-p.opts.InactivityTimeout)
	stale, err := p.store.StaleActiveSessions(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: list stale sessions: %v", ErrStore, err)
	}
	var done []models.Session
	for _, s := range stale {
		sem := p.sem(s.SourceID)
		if !sem.TryAcquire(1) {
			p.logger.Debug("sweep skipped busy source", "source", s.SourceID, "session", s.ID)
			continue
		}
		completed, err := p.completeIfStale(ctx, s.ID)
		sem.Release(1)
		if err != nil {
			return done, err
		}
		if completed != nil {
			done = append(done, *completed)
		}
	}
	return done, nil
}

// completeIfStale re-reads the session under the source lock so a batch that
// landed after the listing keeps it open.
func (p *Pipeline) completeIfStale(ctx context.Context, id string) (*models.Session, error) {
	s, err := p.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	cutoff := p.opts.Now().Add(-p.opts.InactivityTimeout)
	if s.Status != models.SessionActive || !s.LastDataAt.Before(cutoff) {
		return nil, nil
	}
	ok, err := p.store.CompleteSession(ctx, id, "", s.LastDataAt)
	if err != nil {
		return nil, fmt.Errorf("%w: complete %s: %v", ErrStore, id, err)
	}
	if !ok {
		return nil, nil
	}
	ended := s.LastDataAt
	s.Status = models.SessionCompleted
	s.EndedAt = &ended
	p.metrics.Transition(string(models.SessionCompleted), "sweep")
	p.logger.Info("session completed by inactivity", "source", s.SourceID, "session", id, "last_data_at", s.LastDataAt)
	return &s, nil
}

// MarkSaved records a successful export of a completed session.
func (p *Pipeline) MarkSaved(ctx context.Context, id, path string) error {
	s, err := p.Session(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != models.SessionCompleted {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, s.Status)
	}
	ok, err := p.store.MarkSaved(ctx, id, path)
	if err != nil {
		return fmt.Errorf("%w: mark saved %s: %v", ErrStore, id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is no longer completed", ErrInvalidTransition, id)
	}
	p.metrics.Transition(string(models.SessionSaved), "export")
	p.logger.Info("session saved", "source", s.SourceID, "session", id, "path", path)
	return nil
}

// ReadSessionMetrics returns a session's metrics in timestamp order.
func (p *Pipeline) ReadSessionMetrics(ctx context.Context, id string) ([]models.NormalizedMetric, error) {
	if _, err := p.Session(ctx, id); err != nil {
		return nil, err
	}
	out, err := p.store.SessionMetrics(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: read metrics of %s: %v", ErrStore, id, err)
	}
	return out, nil
}
