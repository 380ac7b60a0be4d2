package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ResidentMemory is the resident set size of the process after a stage.
	// A transfer holds the whole result in memory, so the extract sample is
	// its high-water mark.
	ResidentMemory = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tdbridge_process_resident_memory_bytes",
			Help: "Resident memory of the process sampled after a stage",
		},
		[]string{"stage"},
	)

	// CPUSeconds is the user plus system CPU time consumed after a stage.
	CPUSeconds = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tdbridge_process_cpu_seconds",
			Help: "CPU time consumed by the process sampled after a stage",
		},
		[]string{"stage"},
	)
)

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// ResourceUsage is one sample of the process.
type ResourceUsage struct {
	RSS        uint64
	CPUSeconds float64
}

// SampleResources records the memory and CPU use of the process under
// stage and returns the sample.
func SampleResources(stage string) (ResourceUsage, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: pids fit in int32
	})
	if selfErr != nil {
		return ResourceUsage{}, selfErr
	}

	var usage ResourceUsage
	mem, err := self.MemoryInfo()
	if err != nil {
		return usage, err
	}
	usage.RSS = mem.RSS
	ResidentMemory.WithLabelValues(stage).Set(float64(mem.RSS))

	times, err := self.Times()
	if err != nil {
		return usage, err
	}
	usage.CPUSeconds = times.User + times.System
	CPUSeconds.WithLabelValues(stage).Set(usage.CPUSeconds)
	return usage, nil
}
