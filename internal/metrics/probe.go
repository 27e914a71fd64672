// Package metrics implements the point-in-time system metrics probe (spec
// component A): CPU%, RAM, disk, uptime, IP, and OS string, each falling
// back to a documented sentinel rather than propagating an error.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// SampleWindow is the default window over which CPU usage is measured.
const SampleWindow = 500 * time.Millisecond

// Snapshot is a point-in-time reading of host metrics.
type Snapshot struct {
	CPUUsagePercent float64
	RAMUsageMB      float64
	RAMTotalMB      float64
	DiskTotalGB     float64
	DiskFreeGB      float64
	AgentUptime     string
	IPAddress       string
	OS              string
}

// Probe reads system metrics. start is the process start time, used to
// compute AgentUptime.
type Probe struct {
	start time.Time
}

// New creates a Probe that measures uptime from the given process start
// time.
func New(start time.Time) *Probe {
	return &Probe{start: start}
}

// Sample takes one reading. Every field falls back to its documented
// sentinel (0 numeric, "Unknown" string) on failure rather than erroring.
func (p *Probe) Sample() Snapshot {
	return Snapshot{
		CPUUsagePercent: cpuUsagePercent(SampleWindow),
		RAMUsageMB:      ramUsageMB(),
		RAMTotalMB:      ramTotalMB(),
		DiskTotalGB:     diskTotalGB(),
		DiskFreeGB:      diskFreeGB(),
		AgentUptime:     formatUptime(time.Since(p.start)),
		IPAddress:       firstNonLoopbackIPv4(),
		OS:              runtime.GOOS,
	}
}

// cpuUsagePercent samples process CPU-time deltas over window, divided by
// (cores * wall-elapsed), rounded to 0.1%.
func cpuUsagePercent(window time.Duration) float64 {
	before, ok := processCPUTime()
	if !ok {
		return 0
	}
	start := time.Now()
	time.Sleep(window)
	after, ok := processCPUTime()
	if !ok {
		return 0
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	cores := float64(runtime.NumCPU())
	if cores <= 0 {
		cores = 1
	}
	pct := (after - before) / (cores * elapsed) * 100
	if pct < 0 {
		pct = 0
	}
	return roundTo(pct, 1)
}

// ramTotalMB parses /proc/meminfo MemTotal on Linux; 0 elsewhere or on
// failure.
func ramTotalMB() float64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// ramUsageMB reports the memory the Go runtime has obtained from the OS
// (runtime.MemStats.Sys), used as a cross-platform proxy for this process's
// memory footprint without shelling out.
func ramUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Sys) / (1024 * 1024)
}

// diskTotalGB and diskFreeGB report the drive hosting the current working
// directory, in decimal GB (divide by 1e9).
func diskTotalGB() float64 {
	total, _, ok := diskStat()
	if !ok {
		return 0
	}
	return float64(total) / 1e9
}

func diskFreeGB() float64 {
	_, free, ok := diskStat()
	if !ok {
		return 0
	}
	return float64(free) / 1e9
}

// formatUptime renders a duration as dd:hh:mm:ss.
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", days, hours, minutes, seconds)
}

// firstNonLoopbackIPv4 returns the first non-loopback IPv4 address of the
// host, or "Unknown" if none is found.
func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "Unknown"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		return ip4.String()
	}
	return "Unknown"
}

func roundTo(v float64, decimals int) float64 {
	mult := 1.0
	for i := 0; i < decimals; i++ {
		mult *= 10
	}
	return float64(int64(v*mult+0.5)) / mult
}
