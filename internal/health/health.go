// Package health samples system load and derives the health score that
// drives the overload controller's adaptive threshold.
package health

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ali-master/shield/internal/logging"
)

const defaultSampleInterval = 5 * time.Second

// Sampler reads CPU and memory utilization in the background. Readings
// are kept as fixed-point atomics; errors keep the last good reading.
type Sampler struct {
	interval time.Duration

	cpuPercent atomic.Int64 // percent * 100
	memPercent atomic.Int64 // percent * 100
	goroutines atomic.Int64
	score      atomic.Uint64 // Float64bits

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSampler starts the sampling loop. The first real CPU reading needs
// one interval to accumulate; until then the score is optimistic.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	s := &Sampler{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	s.score.Store(math.Float64bits(1))
	// Prime the CPU counter so the next read diffs against it.
	cpu.Percent(0, false)

	go s.loop()
	return s
}

func (s *Sampler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	cpuPct := float64(s.cpuPercent.Load()) / 100
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
		s.cpuPercent.Store(int64(cpuPct * 100))
	} else if err != nil {
		logging.Debug("cpu sample failed", zap.Error(err))
	}

	memPct := float64(s.memPercent.Load()) / 100
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
		s.memPercent.Store(int64(memPct * 100))
	} else {
		logging.Debug("memory sample failed", zap.Error(err))
	}

	s.goroutines.Store(int64(runtime.NumGoroutine()))
	s.score.Store(math.Float64bits(scoreFrom(cpuPct, memPct)))
}

// scoreFrom maps utilization to a health score in [0,1]. The most
// pressured resource dominates.
func scoreFrom(cpuPct, memPct float64) float64 {
	util := math.Max(cpuPct, memPct) / 100
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}
	return 1 - util
}

// Score returns the current health score; wire it as the overload
// controller's health hook.
func (s *Sampler) Score() float64 {
	return math.Float64frombits(s.score.Load())
}

// Snapshot is a point-in-time view of the readings.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int64   `json:"goroutines"`
	Score         float64 `json:"score"`
}

// Stats reports the current readings.
func (s *Sampler) Stats() Snapshot {
	return Snapshot{
		CPUPercent:    float64(s.cpuPercent.Load()) / 100,
		MemoryPercent: float64(s.memPercent.Load()) / 100,
		Goroutines:    s.goroutines.Load(),
		Score:         s.Score(),
	}
}

// Close stops the sampling loop.
func (s *Sampler) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
