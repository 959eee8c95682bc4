package dispatcher

import (
	"time"

	"github.com/shirou/gopsutil/cpu"
)

// sampleCPULoad grounds the cpu_load term of the health score in a real
// process/host metric rather than a synthetic counter, the same role
// gopsutil/process plays for the teacher's node health checks.
func sampleCPULoad() float64 {
	percents, err := cpu.Percent(50*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	v := percents[0] / 100.0
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
