// Package export archives completed sessions to object storage.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trickle/internal/models"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// ObjectPath lays exports out as prefix/source/YYYY/MM/DD/session.ext,
// dated by session start.
func ObjectPath(prefix string, s models.Session, f Format) string {
	parts := make([]string, 0, 6)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	started := s.StartedAt.UTC()
	parts = append(parts,
		s.SourceID,
		started.Format("2006"),
		started.Format("01"),
		started.Format("02"),
		s.ID+"."+string(f),
	)
	return strings.Join(parts, "/")
}

var csvHeader = []string{
	"timestamp", "source_id",
	"cpu_user", "cpu_system", "cpu_iowait", "cpu_idle", "cpu_steal",
	"mem_total", "mem_used", "mem_available", "mem_buffers", "mem_cached",
	"disk_read_iops", "disk_write_iops", "disk_read_mbps", "disk_write_mbps",
	"net_rx_mbps", "net_tx_mbps", "net_rx_pps", "net_tx_pps",
	"disk_read_bytes", "disk_write_bytes", "disk_read_ops", "disk_write_ops",
	"net_rx_bytes", "net_tx_bytes", "net_rx_packets", "net_tx_packets",
}

// Render encodes a session's metrics. Null fields are empty CSV cells or
// JSON nulls.
func Render(f Format, s models.Session, metrics []models.NormalizedMetric, exportedAt time.Time) ([]byte, error) {
	if f == FormatJSON {
		return renderJSON(s, metrics, exportedAt)
	}
	return renderCSV(s, metrics)
}

func renderCSV(s models.Session, metrics []models.NormalizedMetric) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, m := range metrics {
		row := []string{m.Time().Format(time.RFC3339), s.SourceID}
		for _, v := range []*float64{
			m.CPUUser, m.CPUSystem, m.CPUIOWait, m.CPUIdle, m.CPUSteal,
			m.MemTotal, m.MemUsed, m.MemAvailable, m.MemBuffers, m.MemCached,
			m.DiskReadIOPS, m.DiskWriteIOPS, m.DiskReadMBps, m.DiskWriteMBps,
			m.NetRxMbps, m.NetTxMbps, m.NetRxPPS, m.NetTxPPS,
		} {
			row = append(row, floatCell(v))
		}
		for _, v := range []*int64{
			m.DiskReadBytes, m.DiskWriteBytes, m.DiskReadOps, m.DiskWriteOps,
			m.NetRxBytes, m.NetTxBytes, m.NetRxPackets, m.NetTxPackets,
		} {
			row = append(row, intCell(v))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func intCell(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

type sessionDocument struct {
	SessionID   string                    `json:"session_id"`
	SourceID    string                    `json:"source_id"`
	Name        string                    `json:"name,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	EndedAt     *time.Time                `json:"ended_at"`
	SampleCount int                       `json:"sample_count"`
	ExportedAt  time.Time                 `json:"exported_at"`
	Metrics     []models.NormalizedMetric `json:"metrics"`
}

func renderJSON(s models.Session, metrics []models.NormalizedMetric, exportedAt time.Time) ([]byte, error) {
	if metrics == nil {
		metrics = []models.NormalizedMetric{}
	}
	return json.MarshalIndent(sessionDocument{
		SessionID:   s.ID,
		SourceID:    s.SourceID,
		Name:        s.Name,
		StartedAt:   s.StartedAt.UTC(),
		EndedAt:     s.EndedAt,
		SampleCount: len(metrics),
		ExportedAt:  exportedAt.UTC(),
		Metrics:     metrics,
	}, "", "  ")
}
