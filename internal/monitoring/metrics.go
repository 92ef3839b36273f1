package monitoring

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Collector reports host resource usage and process uptime for the
// dashboard and the metrics endpoint.
type Collector struct {
	start time.Time
}

func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

type Metrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	Uptime        string
}

func (c *Collector) Collect() (Metrics, error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return Metrics{}, fmt.Errorf("error reading cpu usage: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Metrics{}, fmt.Errorf("error reading memory usage: %w", err)
	}

	du, err := disk.Usage("/")
	if err != nil {
		return Metrics{}, fmt.Errorf("error reading disk usage: %w", err)
	}

	return Metrics{
		CPUPercent:    cpuPercent,
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   du.UsedPercent,
		Uptime:        c.Uptime(),
	}, nil
}

// Uptime formats time since process start as "1d 2h 3m 4s", dropping
// leading zero components.
func (c *Collector) Uptime() string {
	return FormatUptime(time.Since(c.start))
}

func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
