package session

import (
	"trickle/internal/cube"
	"trickle/internal/models"
)

// apply fills the fields of m derived from one subsystem fragment. Delta
// fields stay nil without a baseline; absolute fields are always set.
func apply(m *models.NormalizedMetric, sub models.Subsystem, curr, base models.Fragment, hasBase bool) {
	elapsed := float64(curr.Timestamp - base.Timestamp)
	switch sub {
	case models.SubsystemCPU:
		if !hasBase {
			return
		}
		if c := cube.CPU(base.CPU, curr.CPU); c != nil {
			m.CPUUser, m.CPUSystem, m.CPUIOWait, m.CPUSteal, m.CPUIdle = &c.User, &c.System, &c.IOWait, &c.Steal, &c.Idle
		}
	case models.SubsystemMemory:
		if mem := cube.Memory(curr.Memory); mem != nil {
			m.MemTotal, m.MemUsed, m.MemAvailable, m.MemBuffers, m.MemCached = &mem.Total, &mem.Used, &mem.Available, &mem.Buffers, &mem.Cached
		}
	case models.SubsystemDisk:
		d := curr.Disk
		m.DiskReadOps, m.DiskWriteOps = counter(d.ReadOps), counter(d.WriteOps)
		m.DiskReadBytes, m.DiskWriteBytes = counter(d.ReadBytes()), counter(d.WriteBytes())
		if !hasBase {
			return
		}
		if r := cube.Disk(base.Disk, d, elapsed); r != nil {
			m.DiskReadIOPS, m.DiskWriteIOPS, m.DiskReadMBps, m.DiskWriteMBps = &r.ReadIOPS, &r.WriteIOPS, &r.ReadMBps, &r.WriteMBps
		}
	case models.SubsystemNetwork:
		n := curr.Network
		m.NetRxBytes, m.NetTxBytes = counter(n.RxBytes), counter(n.TxBytes)
		m.NetRxPackets, m.NetTxPackets = counter(n.RxPackets), counter(n.TxPackets)
		if !hasBase {
			return
		}
		if r := cube.Network(base.Network, n, elapsed); r != nil {
			m.NetRxMbps, m.NetTxMbps, m.NetRxPPS, m.NetTxPPS = &r.RxMbps, &r.TxMbps, &r.RxPPS, &r.TxPPS
		}
	}
}

func counter(v uint64) *int64 {
	n := int64(v)
	return &n
}
