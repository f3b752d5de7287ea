package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Reading is one raw utilisation sample in percent.
type Reading struct {
	CPUPct float64
	MemPct float64
	GPUPct float64
	HasGPU bool
}

// Probe reads current utilisation.
type Probe interface {
	Read(ctx context.Context) (Reading, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (Reading, error)

func (f ProbeFunc) Read(ctx context.Context) (Reading, error) { return f(ctx) }

// GPUProbe reports GPU utilisation. Hosts without one simply omit it.
type GPUProbe interface {
	GPUPercent(ctx context.Context) (float64, error)
}

// HostProbe reads CPU and memory utilisation from the operating system.
type HostProbe struct {
	GPU GPUProbe
}

// NewHostProbe creates a HostProbe, optionally with a GPU source.
func NewHostProbe(gpu GPUProbe) *HostProbe {
	return &HostProbe{GPU: gpu}
}

// Read samples utilisation without blocking: CPU percent is measured
// against the previous call.
func (p *HostProbe) Read(ctx context.Context) (Reading, error) {
	var r Reading

	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return r, fmt.Errorf("read cpu: %w", err)
	}
	if len(pcts) > 0 {
		r.CPUPct = pcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("read memory: %w", err)
	}
	r.MemPct = vm.UsedPercent

	if p.GPU != nil {
		gpu, err := p.GPU.GPUPercent(ctx)
		if err != nil {
			return r, fmt.Errorf("read gpu: %w", err)
		}
		r.GPUPct = gpu
		r.HasGPU = true
	}
	return r, nil
}

// Check verifies the host can be probed at all. Used as a startup probe.
func (p *HostProbe) Check(ctx context.Context) error {
	if _, err := p.Read(ctx); err != nil {
		return err
	}
	return nil
}

// WorkerBound caps a requested worker count at four workers per logical CPU.
func WorkerBound(ctx context.Context, requested int) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		return requested
	}
	if limit := n * 4; requested > limit {
		return limit
	}
	return requested
}
