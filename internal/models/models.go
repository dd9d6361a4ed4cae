package models

import (
	"strings"
	"time"
)

// Subsystem identifies which kernel counter file a raw measurement came from.
type Subsystem string

const (
	SubsystemCPU     Subsystem = "cpu"
	SubsystemMemory  Subsystem = "memory"
	SubsystemDisk    Subsystem = "disk"
	SubsystemNetwork Subsystem = "network"
)

var subsystemKeys = map[string]Subsystem{
	"/proc/stat":      SubsystemCPU,
	"/proc/meminfo":   SubsystemMemory,
	"/proc/diskstats": SubsystemDisk,
	"/proc/net/dev":   SubsystemNetwork,
	"cpu":             SubsystemCPU,
	"memory":          SubsystemMemory,
	"disk":            SubsystemDisk,
	"network":         SubsystemNetwork,
}

// ParseSubsystem maps a wire subsystem key to a Subsystem. Unknown keys report false.
func ParseSubsystem(key string) (Subsystem, bool) {
	s, ok := subsystemKeys[strings.TrimSpace(key)]
	return s, ok
}

// SectorSize is the fixed /proc/diskstats sector size in bytes.
const SectorSize = 512

type RawMeasurement struct {
	Timestamp   int64  `json:"timestamp" validate:"gt=0"`
	Subsystem   string `json:"subsystem"`
	Measurement string `json:"measurement"`
}

// Batch is one push from a remote agent.
type Batch struct {
	SourceID         string           `json:"source_identifier" validate:"required,max=255"`
	LegacyIdentifier string           `json:"identifier,omitempty" validate:"-"`
	Measurements     []RawMeasurement `json:"measurements" validate:"max=10000,dive"`
}

// CPU jiffy vector positions.
const (
	JiffyUser = iota
	JiffyNice
	JiffySystem
	JiffyIdle
	JiffyIOWait
	JiffyIRQ
	JiffySoftIRQ
	JiffySteal
	JiffyCount
)

// CPUJiffies is [user, nice, system, idle, iowait, irq, softirq, steal] in kernel ticks.
type CPUJiffies []uint64

type MemoryReading struct {
	TotalKB     uint64 `json:"total"`
	FreeKB      uint64 `json:"free"`
	BuffersKB   uint64 `json:"buffers"`
	CachedKB    uint64 `json:"cached"`
	SlabKB      uint64 `json:"slab"`
	AvailableKB uint64 `json:"available"`
}

type DiskCounters struct {
	ReadOps      uint64 `json:"read_ops"`
	WriteOps     uint64 `json:"write_ops"`
	ReadSectors  uint64 `json:"read_sectors"`
	WriteSectors uint64 `json:"write_sectors"`
}

func (d DiskCounters) ReadBytes() uint64  { return d.ReadSectors * SectorSize }
func (d DiskCounters) WriteBytes() uint64 { return d.WriteSectors * SectorSize }

type NetworkCounters struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

// Fragment is one parsed subsystem reading at one timestamp. Exactly one of
// the subsystem fields is set.
type Fragment struct {
	Timestamp int64            `json:"ts"`
	CPU       CPUJiffies       `json:"cpu,omitempty"`
	Memory    *MemoryReading   `json:"memory,omitempty"`
	Disk      *DiskCounters    `json:"disk,omitempty"`
	Network   *NetworkCounters `json:"network,omitempty"`
}

func (f Fragment) Subsystem() Subsystem {
	switch {
	case f.CPU != nil:
		return SubsystemCPU
	case f.Memory != nil:
		return SubsystemMemory
	case f.Disk != nil:
		return SubsystemDisk
	case f.Network != nil:
		return SubsystemNetwork
	}
	return ""
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionSaved     SessionStatus = "saved"
)

// Session is a bounded window of continuous ingestion from one source.
// Previous holds the differencing baseline per subsystem; Prior holds the
// fragment Previous replaced, used when a timestamp is delivered again.
type Session struct {
	ID               string                  `json:"session_id"`
	SourceID         string                  `json:"source_id"`
	Name             string                  `json:"name"`
	Status           SessionStatus           `json:"status"`
	StartedAt        time.Time               `json:"started_at"`
	EndedAt          *time.Time              `json:"ended_at"`
	LastDataAt       time.Time               `json:"last_data_at"`
	LastSampleTS     int64                   `json:"last_sample_ts"`
	SampleCount      int                     `json:"sample_count"`
	FrequencySeconds int                     `json:"frequency_seconds"`
	SavedPath        string                  `json:"saved_path,omitempty"`
	Previous         map[Subsystem]Fragment  `json:"-"`
	Prior            map[Subsystem]Fragment  `json:"-"`
}

func (s Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return s.LastDataAt.Sub(s.StartedAt)
}

// NormalizedMetric is one cubed sample per (source, timestamp). Nil fields
// are nulls: delta fields are nil on first contact, absolute fields are nil
// when the subsystem was not reported.
type NormalizedMetric struct {
	SourceID  string `json:"source_id"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`

	CPUUser   *float64 `json:"cpu_user"`
	CPUSystem *float64 `json:"cpu_system"`
	CPUIOWait *float64 `json:"cpu_iowait"`
	CPUIdle   *float64 `json:"cpu_idle"`
	CPUSteal  *float64 `json:"cpu_steal"`

	MemTotal     *float64 `json:"mem_total"`
	MemUsed      *float64 `json:"mem_used"`
	MemAvailable *float64 `json:"mem_available"`
	MemBuffers   *float64 `json:"mem_buffers"`
	MemCached    *float64 `json:"mem_cached"`

	DiskReadIOPS  *float64 `json:"disk_read_iops"`
	DiskWriteIOPS *float64 `json:"disk_write_iops"`
	DiskReadMBps  *float64 `json:"disk_read_mbps"`
	DiskWriteMBps *float64 `json:"disk_write_mbps"`

	NetRxMbps *float64 `json:"net_rx_mbps"`
	NetTxMbps *float64 `json:"net_tx_mbps"`
	NetRxPPS  *float64 `json:"net_rx_pps"`
	NetTxPPS  *float64 `json:"net_tx_pps"`

	DiskReadOps    *int64 `json:"disk_read_ops"`
	DiskWriteOps   *int64 `json:"disk_write_ops"`
	DiskReadBytes  *int64 `json:"disk_read_bytes"`
	DiskWriteBytes *int64 `json:"disk_write_bytes"`
	NetRxBytes     *int64 `json:"net_rx_bytes"`
	NetTxBytes     *int64 `json:"net_tx_bytes"`
	NetRxPackets   *int64 `json:"net_rx_packets"`
	NetTxPackets   *int64 `json:"net_tx_packets"`
}

func (m NormalizedMetric) Time() time.Time { return time.Unix(m.Timestamp, 0).UTC() }

// CPUBusy is 100 - idle, or nil without a CPU delta.
func (m NormalizedMetric) CPUBusy() *float64 {
	if m.CPUIdle == nil {
		return nil
	}
	v := 100 - *m.CPUIdle
	return &v
}

type IngestResult struct {
	MetricsCount  int    `json:"metrics_count"`
	SkippedCount  int    `json:"skipped_count"`
	ParseFailures int    `json:"parse_failures"`
	SessionID     string `json:"session_id,omitempty"`
}
