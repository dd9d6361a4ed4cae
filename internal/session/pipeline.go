// Package session owns per-source ingestion state. It groups a batch by
// timestamp, differences each fragment against the session baseline and
// commits metrics together with the new baseline.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/semaphore"

	"trickle/internal/instrument"
	"trickle/internal/models"
	"trickle/internal/parser"
)

type Store interface {
	ActiveSession(ctx context.Context, sourceID string) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	ForeignTimestamps(ctx context.Context, sourceID, sessionID string, ts []int64) (map[int64]bool, error)
	CommitIngest(ctx context.Context, s models.Session, metrics []models.NormalizedMetric) error
	StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error)
	CompleteSession(ctx context.Context, id, name string, endedAt time.Time) (bool, error)
	MarkSaved(ctx context.Context, id, path string) (bool, error)
	SessionMetrics(ctx context.Context, sessionID string) ([]models.NormalizedMetric, error)
}

type Options struct {
	InactivityTimeout time.Duration
	LockTimeout       time.Duration
	Now               func() time.Time
	NewID             func() string
}

type Pipeline struct {
	store   Store
	logger  *slog.Logger
	metrics *instrument.Metrics
	opts    Options
	locks   cmap.ConcurrentMap[string, *semaphore.Weighted]
}

func New(store Store, logger *slog.Logger, metrics *instrument.Metrics, opts Options) *Pipeline {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 2 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Pipeline{
		store:   store,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
		locks:   cmap.New[*semaphore.Weighted](),
	}
}

func (p *Pipeline) sem(sourceID string) *semaphore.Weighted {
	return p.locks.Upsert(sourceID, nil, func(exist bool, cur, _ *semaphore.Weighted) *semaphore.Weighted {
		if exist {
			return cur
		}
		return semaphore.NewWeighted(1)
	})
}

// lock serializes work on one source. It gives up with ErrSourceBusy once
// the lock timeout passes.
func (p *Pipeline) lock(ctx context.Context, sourceID string) (func(), error) {
	sem := p.sem(sourceID)
	lctx, cancel := context.WithTimeout(ctx, p.opts.LockTimeout)
	defer cancel()
	if err := sem.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.metrics.SourceBusy()
		return nil, fmt.Errorf("%w: %s", ErrSourceBusy, sourceID)
	}
	return func() { sem.Release(1) }, nil
}

type group struct {
	ts        int64
	fragments map[models.Subsystem]models.Fragment
}

// Ingest processes one batch for one source and reports what was written.
// On error no session state has changed.
func (p *Pipeline) Ingest(ctx context.Context, batch models.Batch) (models.IngestResult, error) {
	start := time.Now()
	var res models.IngestResult
	batch.Normalize()
	if err := batch.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	groups, failures := p.group(batch)
	res.ParseFailures = failures
	if len(groups) == 0 {
		p.metrics.Ingested(0, 0, failures, time.Since(start))
		return res, nil
	}

	release, err := p.lock(ctx, batch.SourceID)
	if err != nil {
		return res, err
	}
	defer release()

	now := p.opts.Now()
	current, err := p.store.ActiveSession(ctx, batch.SourceID)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = models.Session{
			ID:        p.opts.NewID(),
			SourceID:  batch.SourceID,
			Status:    models.SessionActive,
			StartedAt: now,
		}
		created = true
	case err != nil:
		return res, fmt.Errorf("%w: load session for %s: %v", ErrStore, batch.SourceID, err)
	}

	// A timestamp already stored under an earlier session stays with it.
	tss := make([]int64, len(groups))
	for i, g := range groups {
		tss[i] = g.ts
	}
	foreign, err := p.store.ForeignTimestamps(ctx, batch.SourceID, current.ID, tss)
	if err != nil {
		return res, fmt.Errorf("%w: check timestamps for %s: %v", ErrStore, batch.SourceID, err)
	}

	next := clone(current)
	next.LastDataAt = now
	var out []models.NormalizedMetric
	for _, g := range groups {
		if foreign[g.ts] {
			res.SkippedCount++
			p.logger.Debug("timestamp owned by another session skipped", "source", batch.SourceID, "ts", g.ts, "session", current.ID)
			continue
		}
		m, ok := advance(&next, g)
		if !ok {
			res.SkippedCount++
			p.logger.Debug("stale timestamp group skipped", "source", batch.SourceID, "ts", g.ts, "baseline_ts", next.LastSampleTS)
			continue
		}
		out = append(out, m)
	}
	if created && len(out) == 0 {
		p.metrics.Ingested(0, res.SkippedCount, res.ParseFailures, time.Since(start))
		return res, nil
	}

	if err := p.store.CommitIngest(ctx, next, out); err != nil {
		return res, fmt.Errorf("%w: commit %s: %v", ErrStore, batch.SourceID, err)
	}
	if created {
		p.metrics.Transition(string(models.SessionActive), "ingest")
		p.logger.Info("session started", "source", batch.SourceID, "session", next.ID)
	}
	res.MetricsCount = len(out)
	res.SessionID = next.ID
	p.metrics.Ingested(res.MetricsCount, res.SkippedCount, res.ParseFailures, time.Since(start))
	return res, nil
}

// group parses every measurement and buckets fragments by timestamp, oldest
// first. A later fragment for the same timestamp and subsystem replaces an
// earlier one.
func (p *Pipeline) group(batch models.Batch) ([]group, int) {
	byTS := map[int64]map[models.Subsystem]models.Fragment{}
	failures := 0
	for _, raw := range batch.Measurements {
		sub, ok := models.ParseSubsystem(raw.Subsystem)
		if !ok {
			p.logger.Debug("unknown subsystem ignored", "source", batch.SourceID, "subsystem", raw.Subsystem)
			continue
		}
		frag, ok := parser.Parse(sub, raw.Timestamp, raw.Measurement)
		if !ok {
			failures++
			p.logger.Debug("measurement not parsed", "source", batch.SourceID, "subsystem", sub, "ts", raw.Timestamp)
			continue
		}
		frags := byTS[raw.Timestamp]
		if frags == nil {
			frags = map[models.Subsystem]models.Fragment{}
			byTS[raw.Timestamp] = frags
		}
		if _, dup := frags[sub]; dup {
			p.logger.Debug("duplicate fragment in batch, keeping last", "source", batch.SourceID, "subsystem", sub, "ts", raw.Timestamp)
		}
		frags[sub] = frag
	}
	out := make([]group, 0, len(byTS))
	for ts, frags := range byTS {
		out = append(out, group{ts: ts, fragments: frags})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts < out[j].ts })
	return out, failures
}

// advance differences g against the session baseline and moves the
// baseline forward. It reports false, leaving s untouched, when any
// fragment is older than the baseline for its subsystem.
func advance(s *models.Session, g group) (models.NormalizedMetric, bool) {
	for sub := range g.fragments {
		if prev, ok := s.Previous[sub]; ok && g.ts < prev.Timestamp {
			return models.NormalizedMetric{}, false
		}
	}

	m := models.NormalizedMetric{SourceID: s.SourceID, SessionID: s.ID, Timestamp: g.ts}
	for sub, curr := range g.fragments {
		base, hasBase := baseline(s, sub, g.ts)
		apply(&m, sub, curr, base, hasBase)

		if prev, ok := s.Previous[sub]; ok && prev.Timestamp < g.ts {
			s.Prior[sub] = prev
		}
		s.Previous[sub] = curr
	}

	if g.ts > s.LastSampleTS {
		if s.LastSampleTS > 0 {
			s.FrequencySeconds = int(g.ts - s.LastSampleTS)
		}
		s.LastSampleTS = g.ts
		s.SampleCount++
	}
	return m, true
}

// baseline picks the fragment to difference against: the previous one for
// a new timestamp, or the one before it when ts is being delivered again.
func baseline(s *models.Session, sub models.Subsystem, ts int64) (models.Fragment, bool) {
	prev, ok := s.Previous[sub]
	if !ok {
		return models.Fragment{}, false
	}
	if prev.Timestamp < ts {
		return prev, true
	}
	prior, ok := s.Prior[sub]
	if !ok || prior.Timestamp >= ts {
		return models.Fragment{}, false
	}
	return prior, true
}

func clone(s models.Session) models.Session {
	out := s
	out.Previous = make(map[models.Subsystem]models.Fragment, len(s.Previous))
	for k, v := range s.Previous {
		out.Previous[k] = v
	}
	out.Prior = make(map[models.Subsystem]models.Fragment, len(s.Prior))
	for k, v := range s.Prior {
		out.Prior[k] = v
	}
	return out
}
