package cube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trickle/internal/models"
)

func TestCPUKnownInterval(t *testing.T) {
	prev := models.CPUJiffies{100000, 0, 50000, 800000, 5000, 1000, 2000, 0}
	curr := models.CPUJiffies{100080, 0, 50020, 800890, 5005, 1000, 2005, 0}

	got := CPU(prev, curr)
	require.NotNil(t, got)
	assert.InDelta(t, 8.0, got.User, 0.01)
	assert.InDelta(t, 2.0, got.System, 0.01)
	assert.InDelta(t, 0.5, got.IOWait, 0.01)
	assert.InDelta(t, 0.0, got.Steal, 0.01)
	assert.InDelta(t, 89.0, got.Idle, 0.01)
	assert.InDelta(t, 11.0, got.Busy(), 0.01)
}

func TestCPUClosureWithoutInterruptTime(t *testing.T) {
	prev := models.CPUJiffies{100, 10, 50, 800, 5, 0, 0, 2}
	curr := models.CPUJiffies{180, 20, 90, 1500, 15, 0, 0, 12}

	got := CPU(prev, curr)
	require.NotNil(t, got)
	sum := got.User + got.System + got.IOWait + got.Steal + got.Idle
	assert.InDelta(t, 100.0, sum, 0.05)
}

func TestCPUIdleInterval(t *testing.T) {
	prev := models.CPUJiffies{10, 0, 10, 100, 0, 0, 0, 0}
	curr := models.CPUJiffies{10, 0, 10, 200, 0, 0, 0, 0}

	got := CPU(prev, curr)
	require.NotNil(t, got)
	assert.Equal(t, CPUPercent{Idle: 100}, *got)
}

func TestCPUCounterWrap(t *testing.T) {
	prev := models.CPUJiffies{10, 0, 10, 1000, 0, 0, 0, 0}
	curr := models.CPUJiffies{20, 0, 10, 5, 0, 0, 0, 0}

	got := CPU(prev, curr)
	require.NotNil(t, got)
	assert.Equal(t, 0.0, got.Idle)
	for _, v := range []float64{got.User, got.System, got.IOWait, got.Steal, got.Idle} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 200.0)
	}
}

func TestCPUNeedsBothVectors(t *testing.T) {
	curr := models.CPUJiffies{1, 2, 3, 4, 5, 6, 7, 8}
	assert.Nil(t, CPU(nil, curr))
	assert.Nil(t, CPU(curr, nil))
	assert.Nil(t, CPU(models.CPUJiffies{1, 2, 3}, curr))
}

func TestDiskKnownInterval(t *testing.T) {
	prev := &models.DiskCounters{ReadOps: 10000, WriteOps: 5000}
	curr := &models.DiskCounters{
		ReadOps:      10200,
		WriteOps:     5100,
		ReadSectors:  1048576 / models.SectorSize,
		WriteSectors: 524288 / models.SectorSize,
	}

	got := Disk(prev, curr, 1)
	require.NotNil(t, got)
	assert.Equal(t, DiskRates{ReadIOPS: 200, WriteIOPS: 100, ReadMBps: 1.0, WriteMBps: 0.5}, *got)
}

func TestDiskRolloverClampsOnlyAffectedRate(t *testing.T) {
	prev := &models.DiskCounters{ReadOps: 500, WriteOps: 100, ReadSectors: 10, WriteSectors: 10}
	curr := &models.DiskCounters{ReadOps: 20, WriteOps: 300, ReadSectors: 5, WriteSectors: 2058}

	got := Disk(prev, curr, 2)
	require.NotNil(t, got)
	assert.Equal(t, 0.0, got.ReadIOPS)
	assert.Equal(t, 100.0, got.WriteIOPS)
	assert.Equal(t, 0.0, got.ReadMBps)
	assert.Equal(t, 0.5, got.WriteMBps)
}

func TestNetworkKnownInterval(t *testing.T) {
	prev := &models.NetworkCounters{}
	curr := &models.NetworkCounters{RxBytes: 125000, TxBytes: 62500, RxPackets: 1000, TxPackets: 500}

	got := Network(prev, curr, 1)
	require.NotNil(t, got)
	assert.Equal(t, NetworkRates{RxMbps: 1.0, TxMbps: 0.5, RxPPS: 1000, TxPPS: 500}, *got)
}

func TestNetworkRolloverNonNegative(t *testing.T) {
	prev := &models.NetworkCounters{RxBytes: 1 << 40, TxBytes: 10, RxPackets: 1 << 30, TxPackets: 10}
	curr := &models.NetworkCounters{RxBytes: 100, TxBytes: 1250010, RxPackets: 3, TxPackets: 20}

	got := Network(prev, curr, 10)
	require.NotNil(t, got)
	assert.Equal(t, 0.0, got.RxMbps)
	assert.Equal(t, 0.0, got.RxPPS)
	assert.Equal(t, 1.0, got.TxMbps)
	assert.Equal(t, 1.0, got.TxPPS)
}

func TestRatesZeroInterval(t *testing.T) {
	d := &models.DiskCounters{ReadOps: 1}
	n := &models.NetworkCounters{RxBytes: 1}
	assert.Nil(t, Disk(d, d, 0))
	assert.Nil(t, Disk(d, d, -1))
	assert.Nil(t, Network(n, n, 0))
}

func TestFirstSampleOnlyMemory(t *testing.T) {
	mem := &models.MemoryReading{TotalKB: 2048, FreeKB: 1024}
	assert.Nil(t, CPU(nil, models.CPUJiffies{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Nil(t, Disk(nil, &models.DiskCounters{}, 5))
	assert.Nil(t, Network(nil, &models.NetworkCounters{}, 5))
	assert.NotNil(t, Memory(mem))
}

func TestMemoryKnownReading(t *testing.T) {
	got := Memory(&models.MemoryReading{
		TotalKB:     16384 * 1024,
		FreeKB:      4096 * 1024,
		BuffersKB:   512 * 1024,
		CachedKB:    4096 * 1024,
		SlabKB:      256 * 1024,
		AvailableKB: 8192 * 1024,
	})
	require.NotNil(t, got)
	assert.Equal(t, MemoryMB{Total: 16384, Used: 7424, Available: 8192, Buffers: 512, Cached: 4096}, *got)
}

func TestMemoryUnusedCappedAtTotal(t *testing.T) {
	got := Memory(&models.MemoryReading{TotalKB: 1024, FreeKB: 900, CachedKB: 900})
	require.NotNil(t, got)
	assert.Equal(t, 0.0, got.Used)
	assert.Nil(t, Memory(&models.MemoryReading{}))
	assert.Nil(t, Memory(nil))
}
