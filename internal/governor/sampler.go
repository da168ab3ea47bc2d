package governor

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSampler samples the RSS and CPU share of the running process.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler binds a sampler to the current pid.
func NewProcessSampler(ctx context.Context) (*ProcessSampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("governor: open process %d: %w", os.Getpid(), err)
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample returns the resident set size and the CPU percentage consumed since
// the previous call.
func (s *ProcessSampler) Sample(ctx context.Context) (Usage, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, fmt.Errorf("cpu percent: %w", err)
	}
	return Usage{RSSBytes: mem.RSS, CPUPercent: cpu}, nil
}

// StaticSampler returns a fixed reading. Useful when the platform offers no
// process statistics and in tests.
type StaticSampler struct {
	Usage Usage
	Err   error
}

// Sample returns the configured reading.
func (s *StaticSampler) Sample(context.Context) (Usage, error) {
	return s.Usage, s.Err
}
