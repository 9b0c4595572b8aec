package monitoring

import (
	"context"
	"math"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically samples process CPU and memory via gopsutil
// and exposes the latest reading to /health and the stats log line.
type SystemSampler struct {
	logger zerolog.Logger
	proc   *process.Process

	mu         sync.RWMutex
	cpuPercent float64
	memoryMB   float64
}

// SystemSample is one reading.
type SystemSample struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
	Goroutines int     `json:"goroutines"`
}

func NewSystemSampler(logger zerolog.Logger) *SystemSampler {
	s := &SystemSampler{
		logger: logger.With().Str("component", "system_sampler").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sampler degrades to zero readings; the proxy keeps serving.
		s.logger.Warn().Err(err).Msg("Process handle unavailable, system metrics disabled")
		return s
	}
	s.proc = proc
	return s
}

// Run samples until the context is cancelled.
func (s *SystemSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	if s.proc == nil {
		return
	}

	cpu, err := s.proc.CPUPercent()
	if err != nil {
		s.logger.Debug().Err(err).Msg("CPU sample failed")
		cpu = math.NaN()
	}
	var memMB float64
	if mem, err := s.proc.MemoryInfo(); err == nil {
		memMB = float64(mem.RSS) / (1024 * 1024)
	} else {
		s.logger.Debug().Err(err).Msg("Memory sample failed")
	}

	s.mu.Lock()
	if !math.IsNaN(cpu) {
		s.cpuPercent = cpu
		processCPUPercent.Set(cpu)
	}
	if memMB > 0 {
		s.memoryMB = memMB
		processMemoryMB.Set(memMB)
	}
	s.mu.Unlock()
}

// Latest returns the most recent reading.
func (s *SystemSampler) Latest() SystemSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SystemSample{
		CPUPercent: s.cpuPercent,
		MemoryMB:   s.memoryMB,
		Goroutines: runtime.NumGoroutine(),
	}
}
