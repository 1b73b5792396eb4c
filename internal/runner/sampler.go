package runner

import (
	"runtime"
	"sync"

	"github.com/prometheus/procfs"
)

// MemorySampler reports the process memory in bytes: the current resident
// size and the highest size seen so far.
type MemorySampler interface {
	Usage() (current, peak uint64)
}

// ProcSampler reads resident memory from /proc and falls back to the Go
// runtime's view where procfs is unavailable.
type ProcSampler struct {
	mu   sync.Mutex
	peak uint64
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{}
}

func (s *ProcSampler) Usage() (uint64, uint64) {
	current, peak, ok := procUsage()
	if !ok {
		current = runtimeUsage()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.peak = max(s.peak, current, peak)
	return current, s.peak
}

func procUsage() (current, peak uint64, ok bool) {
	p, err := procfs.Self()
	if err != nil {
		return 0, 0, false
	}

	status, err := p.NewStatus()
	if err != nil {
		return 0, 0, false
	}

	return status.VmRSS, status.VmHWM, true
}

func runtimeUsage() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return ms.Sys - ms.HeapReleased
}
