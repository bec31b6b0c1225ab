package infra

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// DefaultDataPath is where waydroid keeps container images and userdata.
const DefaultDataPath = "/var/lib/waydroid"

// processMatch selects the container's process group by name/cmdline.
const processMatch = "waydroid"

// ProcessSampler implements domain.Sampler using gopsutil. CPU is the
// summed per-process percentage normalized over logical cores, RAM is the
// summed RSS, storage is the recursive size of the data path.
type ProcessSampler struct {
	dataPath string
}

// NewProcessSampler creates a sampler over the default waydroid data path.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{dataPath: DefaultDataPath}
}

// NewProcessSamplerWithPath creates a sampler with a custom data path
// (for testing).
func NewProcessSamplerWithPath(dataPath string) *ProcessSampler {
	return &ProcessSampler{dataPath: dataPath}
}

// Sample collects one resource snapshot for the container's processes.
func (s *ProcessSampler) Sample(ctx context.Context) (domain.ResourceSample, error) {
	sample := domain.ResourceSample{Timestamp: time.Now()}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return sample, err
	}

	var totalCPU float64
	var totalRSS uint64

	for _, p := range procs {
		if !s.matches(p) {
			continue
		}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			totalCPU += pct
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			totalRSS += mem.RSS
		}
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores == 0 {
		cores = 1
	}
	sample.CPUUsage = totalCPU / float64(cores)
	if sample.CPUUsage > 100 {
		sample.CPUUsage = 100
	}
	sample.RAMUsage = float64(totalRSS)

	if size, err := dirSize(s.dataPath); err == nil {
		sample.StorageUsage = float64(size)
	}

	return sample, nil
}

// matches reports whether p belongs to the container's process group.
func (s *ProcessSampler) matches(p *process.Process) bool {
	if name, err := p.Name(); err == nil &&
		strings.Contains(strings.ToLower(name), processMatch) {
		return true
	}
	if cmdline, err := p.Cmdline(); err == nil &&
		strings.Contains(strings.ToLower(cmdline), processMatch) {
		return true
	}
	return false
}

// dirSize walks path and sums regular file sizes. Files vanishing during
// the walk are skipped rather than failing the sample.
func dirSize(path string) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}

	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}

// Ensure ProcessSampler implements domain.Sampler.
var _ domain.Sampler = (*ProcessSampler)(nil)
