package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trickle/internal/models"
)

type Repository struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

const metricColumns = `source_id,ts,session_id,
	cpu_user,cpu_system,cpu_iowait,cpu_idle,cpu_steal,
	mem_total,mem_used,mem_available,mem_buffers,mem_cached,
	disk_read_iops,disk_write_iops,disk_read_mbps,disk_write_mbps,
	net_rx_mbps,net_tx_mbps,net_rx_pps,net_tx_pps,
	disk_read_ops,disk_write_ops,disk_read_bytes,disk_write_bytes,
	net_rx_bytes,net_tx_bytes,net_rx_packets,net_tx_packets`

var upsertMetricSQL = func() string {
	cols := strings.Split(strings.Join(strings.Fields(metricColumns), ""), ",")
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "source_id" || c == "ts" || c == "session_id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s=COALESCE(excluded.%s, metrics.%s)", c, c, c))
	}
	return fmt.Sprintf(`INSERT INTO metrics (%s) VALUES (%s)
		ON CONFLICT(source_id, ts) DO UPDATE SET %s
		WHERE metrics.session_id = excluded.session_id`,
		metricColumns, strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","), strings.Join(sets, ","))
}()

func metricArgs(m models.NormalizedMetric) []any {
	return []any{
		m.SourceID, m.Timestamp, m.SessionID,
		m.CPUUser, m.CPUSystem, m.CPUIOWait, m.CPUIdle, m.CPUSteal,
		m.MemTotal, m.MemUsed, m.MemAvailable, m.MemBuffers, m.MemCached,
		m.DiskReadIOPS, m.DiskWriteIOPS, m.DiskReadMBps, m.DiskWriteMBps,
		m.NetRxMbps, m.NetTxMbps, m.NetRxPPS, m.NetTxPPS,
		m.DiskReadOps, m.DiskWriteOps, m.DiskReadBytes, m.DiskWriteBytes,
		m.NetRxBytes, m.NetTxBytes, m.NetRxPackets, m.NetTxPackets,
	}
}

func scanMetric(rows *sql.Rows) (models.NormalizedMetric, error) {
	var m models.NormalizedMetric
	err := rows.Scan(
		&m.SourceID, &m.Timestamp, &m.SessionID,
		&m.CPUUser, &m.CPUSystem, &m.CPUIOWait, &m.CPUIdle, &m.CPUSteal,
		&m.MemTotal, &m.MemUsed, &m.MemAvailable, &m.MemBuffers, &m.MemCached,
		&m.DiskReadIOPS, &m.DiskWriteIOPS, &m.DiskReadMBps, &m.DiskWriteMBps,
		&m.NetRxMbps, &m.NetTxMbps, &m.NetRxPPS, &m.NetTxPPS,
		&m.DiskReadOps, &m.DiskWriteOps, &m.DiskReadBytes, &m.DiskWriteBytes,
		&m.NetRxBytes, &m.NetTxBytes, &m.NetRxPackets, &m.NetTxPackets,
	)
	return m, err
}

// UpsertMetric writes m keyed by (source_id, ts). A second write for the
// same key replaces the fields it carries and keeps the stored value of
// every nil field. A row owned by another session is left untouched.
func (r *Repository) UpsertMetric(ctx context.Context, m models.NormalizedMetric) error {
	return upsertMetric(ctx, r.db, m)
}

func upsertMetric(ctx context.Context, ex execer, m models.NormalizedMetric) error {
	_, err := ex.ExecContext(ctx, upsertMetricSQL, metricArgs(m)...)
	return err
}

// CommitIngest persists the session row and its metrics in one transaction.
// Nothing is written when any statement fails.
func (r *Repository) CommitIngest(ctx context.Context, s models.Session, metrics []models.NormalizedMetric) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertSession(ctx, tx, s); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	for _, m := range metrics {
		if err := upsertMetric(ctx, tx, m); err != nil {
			return fmt.Errorf("upsert metric %s@%d: %w", m.SourceID, m.Timestamp, err)
		}
	}
	return tx.Commit()
}

// ForeignTimestamps reports which of ts already hold a metric row for
// sourceID that belongs to a session other than sessionID.
func (r *Repository) ForeignTimestamps(ctx context.Context, sourceID, sessionID string, ts []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if len(ts) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ts)+2)
	args = append(args, sourceID, sessionID)
	for _, t := range ts {
		args = append(args, t)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT ts FROM metrics WHERE source_id = ? AND session_id <> ? AND ts IN (`+
		strings.TrimSuffix(strings.Repeat("?,", len(ts)), ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t] = true
	}
	return out, rows.Err()
}

func (r *Repository) QueryMetrics(ctx context.Context, sourceID string, from, to time.Time) ([]models.NormalizedMetric, error) {
	return r.queryMetrics(ctx, `SELECT `+metricColumns+` FROM metrics WHERE source_id = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`,
		sourceID, from.Unix(), to.Unix())
}

func (r *Repository) SessionMetrics(ctx context.Context, sessionID string) ([]models.NormalizedMetric, error) {
	return r.queryMetrics(ctx, `SELECT `+metricColumns+` FROM metrics WHERE session_id = ? ORDER BY ts ASC`, sessionID)
}

func (r *Repository) queryMetrics(ctx context.Context, query string, args ...any) ([]models.NormalizedMetric, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.NormalizedMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const sessionColumns = `id,source_id,name,status,started_at,ended_at,last_data_at,last_sample_ts,sample_count,frequency_seconds,saved_path,previous_json,prior_json`

func upsertSession(ctx context.Context, ex execer, s models.Session) error {
	prev, err := json.Marshal(orEmpty(s.Previous))
	if err != nil {
		return err
	}
	prior, err := json.Marshal(orEmpty(s.Prior))
	if err != nil {
		return err
	}
	var ended any
	if s.EndedAt != nil {
		ended = s.EndedAt.UTC()
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name,status=excluded.status,ended_at=excluded.ended_at,
			last_data_at=excluded.last_data_at,last_sample_ts=excluded.last_sample_ts,sample_count=excluded.sample_count,
			frequency_seconds=excluded.frequency_seconds,saved_path=excluded.saved_path,
			previous_json=excluded.previous_json,prior_json=excluded.prior_json`,
		s.ID, s.SourceID, s.Name, string(s.Status), s.StartedAt.UTC(), ended, s.LastDataAt.UTC(),
		s.LastSampleTS, s.SampleCount, s.FrequencySeconds, s.SavedPath, string(prev), string(prior))
	return err
}

func orEmpty(m map[models.Subsystem]models.Fragment) map[models.Subsystem]models.Fragment {
	if m == nil {
		return map[models.Subsystem]models.Fragment{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var status, prev, prior string
	var ended sql.NullTime
	if err := row.Scan(&s.ID, &s.SourceID, &s.Name, &status, &s.StartedAt, &ended, &s.LastDataAt,
		&s.LastSampleTS, &s.SampleCount, &s.FrequencySeconds, &s.SavedPath, &prev, &prior); err != nil {
		return models.Session{}, err
	}
	s.Status = models.SessionStatus(status)
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(prev), &s.Previous); err != nil {
		return models.Session{}, fmt.Errorf("decode previous snapshot of %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(prior), &s.Prior); err != nil {
		return models.Session{}, fmt.Errorf("decode prior snapshot of %s: %w", s.ID, err)
	}
	return s, nil
}

// ActiveSession returns sql.ErrNoRows when the source has no active session.
func (r *Repository) ActiveSession(ctx context.Context, sourceID string) (models.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE source_id = ? AND status = 'active'`, sourceID))
}

func (r *Repository) GetSession(ctx context.Context, id string) (models.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// ListSessions returns a source's sessions newest first. An empty status
// matches every status.
func (r *Repository) ListSessions(ctx context.Context, sourceID string, status models.SessionStatus, limit int) ([]models.Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	clauses := []string{"source_id = ?"}
	args := []any{sourceID}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(status))
	}
	args = append(args, limit)
	return r.querySessions(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE %s ORDER BY started_at DESC LIMIT ?`,
		sessionColumns, strings.Join(clauses, " AND ")), args...)
}

// StaleActiveSessions lists active sessions whose last data arrived before cutoff.
func (r *Repository) StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND last_data_at < ? ORDER BY last_data_at ASC`, cutoff.UTC())
}

// CompletedSessions lists sessions waiting for export, oldest first.
func (r *Repository) CompletedSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'completed' ORDER BY ended_at ASC LIMIT ?`, limit)
}

func (r *Repository) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CompleteSession moves an active session to completed. It reports false when
// the session was not active.
func (r *Repository) CompleteSession(ctx context.Context, id, name string, endedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET status='completed', ended_at=?, name=CASE WHEN ? = '' THEN name ELSE ? END
		WHERE id=? AND status='active'`, endedAt.UTC(), name, name, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSaved moves a completed session to saved. It reports false when the
// session was not completed.
func (r *Repository) MarkSaved(ctx context.Context, id, path string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET status='saved', saved_path=? WHERE id=? AND status='completed'`, path, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
