// Package parser turns raw /proc text blobs into typed counter snapshots.
// Every parser returns nil for empty or malformed input and skips lines it
// cannot read.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"trickle/internal/models"
)

var wholeDisk = regexp.MustCompile(`^(sd[a-z]+|nvme\d+n\d+|vd[a-z]+|xvd[a-z]+)$`)

// Parse dispatches raw to the parser for subsystem and wraps the result in
// a fragment stamped with ts.
func Parse(subsystem models.Subsystem, ts int64, raw string) (models.Fragment, bool) {
	frag := models.Fragment{Timestamp: ts}
	switch subsystem {
	case models.SubsystemCPU:
		frag.CPU = ParseCPU(raw)
	case models.SubsystemMemory:
		frag.Memory = ParseMemory(raw)
	case models.SubsystemDisk:
		frag.Disk = ParseDisk(raw)
	case models.SubsystemNetwork:
		frag.Network = ParseNetwork(raw)
	}
	return frag, frag.Subsystem() != ""
}

// ParseCPU reads the aggregate "cpu " line of /proc/stat. Per-core lines are
// ignored, as are fields past steal.
func ParseCPU(raw string) models.CPUJiffies {
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		if len(fields)-1 < models.JiffyCount {
			return nil
		}
		out := make(models.CPUJiffies, models.JiffyCount)
		for i := range out {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return nil
			}
			out[i] = v
		}
		return out
	}
	return nil
}

// ParseMemory reads "Key: value kB" lines. Values stay in kB.
func ParseMemory(raw string) *models.MemoryReading {
	var m models.MemoryReading
	var haveTotal bool
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "MemTotal":
			m.TotalKB = v
			haveTotal = true
		case "MemFree":
			m.FreeKB = v
		case "Buffers":
			m.BuffersKB = v
		case "Cached":
			m.CachedKB = v
		case "Slab":
			m.SlabKB = v
		case "MemAvailable":
			m.AvailableKB = v
		}
	}
	if !haveTotal || m.TotalKB == 0 {
		return nil
	}
	return &m
}

// ParseDisk sums /proc/diskstats counters over whole-disk devices.
// Partitions, loop and ram devices do not match the device pattern.
func ParseDisk(raw string) *models.DiskCounters {
	var d models.DiskCounters
	var devices int
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 14 || !wholeDisk.MatchString(fields[2]) {
			continue
		}
		vals, ok := parseUints(fields[3], fields[5], fields[7], fields[9])
		if !ok {
			continue
		}
		d.ReadOps += vals[0]
		d.ReadSectors += vals[1]
		d.WriteOps += vals[2]
		d.WriteSectors += vals[3]
		devices++
	}
	if devices == 0 {
		return nil
	}
	return &d
}

// ParseNetwork sums /proc/net/dev counters over every interface except lo.
func ParseNetwork(raw string) *models.NetworkCounters {
	var n models.NetworkCounters
	var ifaces int
	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, "|") {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || name == "lo" {
			continue
		}
		stats := strings.Fields(rest)
		if len(stats) < 16 {
			continue
		}
		vals, ok := parseUints(stats[0], stats[1], stats[8], stats[9])
		if !ok {
			continue
		}
		n.RxBytes += vals[0]
		n.RxPackets += vals[1]
		n.TxBytes += vals[2]
		n.TxPackets += vals[3]
		ifaces++
	}
	if ifaces == 0 {
		return nil
	}
	return &n
}

func parseUints(fields ...string) ([]uint64, bool) {
	out := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
