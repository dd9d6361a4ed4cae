// Package compare summarises several sources over the same window and keeps
// the result for a short time under a generated id.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"trickle/internal/models"
)

var ErrInvalidRequest = errors.New("invalid comparison request")

type MetricReader interface {
	QueryMetrics(ctx context.Context, sourceID string, from, to time.Time) ([]models.NormalizedMetric, error)
}

type Request struct {
	SourceIDs []string      `json:"source_ids" validate:"min=2,max=10,unique,dive,required"`
	Window    time.Duration `json:"-" validate:"gt=0"`
}

// Summary aggregates one source's metrics. Averages are nil when no sample
// in the window carried the field.
type Summary struct {
	SourceID         string   `json:"source_id"`
	Samples          int      `json:"samples"`
	AvgCPUBusy       *float64 `json:"avg_cpu_busy"`
	PeakCPUBusy      *float64 `json:"peak_cpu_busy"`
	AvgMemUsed       *float64 `json:"avg_mem_used"`
	AvgNetRxMbps     *float64 `json:"avg_net_rx_mbps"`
	AvgNetTxMbps     *float64 `json:"avg_net_tx_mbps"`
	AvgDiskReadIOPS  *float64 `json:"avg_disk_read_iops"`
	AvgDiskWriteIOPS *float64 `json:"avg_disk_write_iops"`
}

// Job is immutable once stored.
type Job struct {
	ID        string    `json:"comparison_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Results   []Summary `json:"results"`
}

type Store struct {
	reader   MetricReader
	logger   *slog.Logger
	ttl      time.Duration
	validate *validator.Validate
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewStore(reader MetricReader, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{
		reader:   reader,
		logger:   logger,
		ttl:      ttl,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     map[string]*Job{},
	}
}

// Submit computes the comparison and stores it.
func (s *Store) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		From:      now.Add(-req.Window),
		To:        now,
	}
	for _, id := range req.SourceIDs {
		metrics, err := s.reader.QueryMetrics(ctx, id, job.From, job.To)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", id, err)
		}
		job.Results = append(job.Results, Summarize(id, metrics))
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.logger.Debug("comparison stored", "id", job.ID, "sources", len(req.SourceIDs))
	return job, nil
}

// Get returns a stored comparison unless it has expired.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(job.ExpiresAt) {
		delete(s.jobs, id)
		return nil, false
	}
	return job, true
}

// Prune drops expired comparisons and reports how many were removed.
func (s *Store) Prune() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if !now.Before(job.ExpiresAt) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

func Summarize(sourceID string, metrics []models.NormalizedMetric) Summary {
	var cpu, mem, rx, tx, rd, wr mean
	var peak *float64
	for _, m := range metrics {
		busy := m.CPUBusy()
		cpu.add(busy)
		if busy != nil && (peak == nil || *busy > *peak) {
			peak = busy
		}
		mem.add(m.MemUsed)
		rx.add(m.NetRxMbps)
		tx.add(m.NetTxMbps)
		rd.add(m.DiskReadIOPS)
		wr.add(m.DiskWriteIOPS)
	}
	return Summary{
		SourceID:         sourceID,
		Samples:          len(metrics),
		AvgCPUBusy:       cpu.value(),
		PeakCPUBusy:      peak,
		AvgMemUsed:       mem.value(),
		AvgNetRxMbps:     rx.value(),
		AvgNetTxMbps:     tx.value(),
		AvgDiskReadIOPS:  rd.value(),
		AvgDiskWriteIOPS: wr.value(),
	}
}
