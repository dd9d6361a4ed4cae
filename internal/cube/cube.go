// Package cube converts cumulative /proc counters into rates and percentages.
// Functions are pure; a nil result means the value cannot be derived.
package cube

import (
	"math"

	"trickle/internal/models"
)

const (
	bytesPerMB     = 1024.0 * 1024.0
	bitsPerMegabit = 1000.0 * 1000.0
	kbPerMB        = 1024.0
)

type CPUPercent struct {
	User   float64
	System float64
	IOWait float64
	Steal  float64
	Idle   float64
}

// Busy is the share of the interval not spent idle.
func (c CPUPercent) Busy() float64 { return 100 - c.Idle }

type DiskRates struct {
	ReadIOPS  float64
	WriteIOPS float64
	ReadMBps  float64
	WriteMBps float64
}

type NetworkRates struct {
	RxMbps float64
	TxMbps float64
	RxPPS  float64
	TxPPS  float64
}

type MemoryMB struct {
	Total     float64
	Used      float64
	Available float64
	Buffers   float64
	Cached    float64
}

// CPU derives utilisation from two jiffy vectors. Both must carry at least
// eight counters; a missing previous vector yields nil.
func CPU(prev, curr models.CPUJiffies) *CPUPercent {
	if len(prev) < models.JiffyCount || len(curr) < models.JiffyCount {
		return nil
	}
	prevTotal, prevBusy := totals(prev)
	currTotal, currBusy := totals(curr)

	share := func(delta float64) float64 {
		switch {
		case currBusy <= prevBusy:
			return 0
		case currTotal <= prevTotal:
			// total went backwards while busy advanced: counter wrap
			return 100
		}
		return clampPercent(delta / (currTotal - prevTotal) * 100)
	}
	component := func(i int) float64 {
		return share(float64(curr[i]) - float64(prev[i]))
	}

	busy := share(currBusy - prevBusy)
	return &CPUPercent{
		User:   round(component(models.JiffyUser)+component(models.JiffyNice), 2),
		System: round(component(models.JiffySystem), 2),
		IOWait: round(component(models.JiffyIOWait), 2),
		Steal:  round(component(models.JiffySteal), 2),
		Idle:   round(100-busy, 2),
	}
}

func totals(j models.CPUJiffies) (total, busy float64) {
	for i := 0; i < models.JiffyCount; i++ {
		if i == models.JiffyIdle {
			continue
		}
		busy += float64(j[i])
	}
	return busy + float64(j[models.JiffyIdle]), busy
}

// Disk derives IOPS and MB/s. Each rate is clamped at zero on its own when
// its counter went backwards.
func Disk(prev, curr *models.DiskCounters, elapsed float64) *DiskRates {
	if prev == nil || curr == nil || elapsed <= 0 {
		return nil
	}
	return &DiskRates{
		ReadIOPS:  round(rate(prev.ReadOps, curr.ReadOps, elapsed), 2),
		WriteIOPS: round(rate(prev.WriteOps, curr.WriteOps, elapsed), 2),
		ReadMBps:  round(rate(prev.ReadBytes(), curr.ReadBytes(), elapsed)/bytesPerMB, 4),
		WriteMBps: round(rate(prev.WriteBytes(), curr.WriteBytes(), elapsed)/bytesPerMB, 4),
	}
}

// Network derives Mbit/s (decimal) and packets per second.
func Network(prev, curr *models.NetworkCounters, elapsed float64) *NetworkRates {
	if prev == nil || curr == nil || elapsed <= 0 {
		return nil
	}
	return &NetworkRates{
		RxMbps: round(rate(prev.RxBytes, curr.RxBytes, elapsed)*8/bitsPerMegabit, 4),
		TxMbps: round(rate(prev.TxBytes, curr.TxBytes, elapsed)*8/bitsPerMegabit, 4),
		RxPPS:  round(rate(prev.RxPackets, curr.RxPackets, elapsed), 2),
		TxPPS:  round(rate(prev.TxPackets, curr.TxPackets, elapsed), 2),
	}
}

// Memory converts a kB reading into MB. Used excludes free, buffers, cached
// and slab, never going below zero.
func Memory(curr *models.MemoryReading) *MemoryMB {
	if curr == nil || curr.TotalKB == 0 {
		return nil
	}
	unused := curr.FreeKB + curr.BuffersKB + curr.CachedKB + curr.SlabKB
	if unused > curr.TotalKB {
		unused = curr.TotalKB
	}
	return &MemoryMB{
		Total:     round(float64(curr.TotalKB)/kbPerMB, 2),
		Used:      round(float64(curr.TotalKB-unused)/kbPerMB, 2),
		Available: round(float64(curr.AvailableKB)/kbPerMB, 2),
		Buffers:   round(float64(curr.BuffersKB)/kbPerMB, 2),
		Cached:    round(float64(curr.CachedKB)/kbPerMB, 2),
	}
}

func rate(prev, curr uint64, elapsed float64) float64 {
	if curr < prev {
		return 0
	}
	return float64(curr-prev) / elapsed
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
