// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourceMetrics is one sample of a transcoder process's resource usage,
// read from /proc.
type ResourceMetrics struct {
	PID             int
	FileDescriptors int
	CPUPercent      float64
	MemoryBytes     int64
	ThreadCount     int
	Timestamp       time.Time
}

// ResourceThresholds holds the warning and critical levels a sample is
// checked against. A long-lived ffmpeg doing a lossless copy should sit
// near zero CPU; sustained high CPU usually means the input went bad and
// ffmpeg is resynchronizing in a loop, and FD growth means the origin
// connection is flapping faster than sockets are released.
type ResourceThresholds struct {
	FDWarning      int
	FDCritical     int
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  int64
	MemoryCritical int64
}

// DefaultThresholds returns thresholds sized for a copy-mode transcoder.
func DefaultThresholds() ResourceThresholds {
	return ResourceThresholds{
		FDWarning:      256,
		FDCritical:     512,
		CPUWarning:     50.0,
		CPUCritical:    90.0,
		MemoryWarning:  256 * 1024 * 1024,
		MemoryCritical: 768 * 1024 * 1024,
	}
}

// AlertLevel is the severity of a resource alert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (a AlertLevel) String() string {
	switch a {
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "OK"
	}
}

// ResourceAlert is one threshold violation found in a sample.
type ResourceAlert struct {
	Level    AlertLevel
	Resource string // "fd", "cpu", "memory"
	Message  string
}

// ResourceMonitor samples /proc for the transcoder processes this daemon
// owns and raises alerts when a sample crosses a threshold. CPU percentage
// is computed from the utime+stime delta between consecutive samples of
// the same PID, so the first sample of a process never raises a CPU alert.
type ResourceMonitor struct {
	thresholds ResourceThresholds
	logger     io.Writer
	procRoot   string

	mu   sync.Mutex
	prev map[int]cpuSample
}

type cpuSample struct {
	ticks int64
	at    time.Time
}

// MonitorOption configures a ResourceMonitor.
type MonitorOption func(*ResourceMonitor)

// WithThresholds overrides the default thresholds.
func WithThresholds(t ResourceThresholds) MonitorOption {
	return func(m *ResourceMonitor) { m.thresholds = t }
}

// WithLogger directs alert lines to w.
func WithLogger(w io.Writer) MonitorOption {
	return func(m *ResourceMonitor) { m.logger = w }
}

// WithProcRoot points the monitor at an alternate /proc, for tests.
func WithProcRoot(path string) MonitorOption {
	return func(m *ResourceMonitor) { m.procRoot = path }
}

// NewResourceMonitor creates a monitor with default thresholds.
func NewResourceMonitor(opts ...MonitorOption) *ResourceMonitor {
	m := &ResourceMonitor{
		thresholds: DefaultThresholds(),
		procRoot:   "/proc",
		prev:       make(map[int]cpuSample),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample reads one ResourceMetrics for pid. It fails only when the process
// directory itself is gone; individual unreadable files leave their fields
// zero, since a transcoder mid-exit can drop /proc entries one by one.
func (m *ResourceMonitor) Sample(pid int) (*ResourceMetrics, error) {
	procDir := filepath.Join(m.procRoot, strconv.Itoa(pid))
	if _, err := os.Stat(procDir); err != nil {
		return nil, fmt.Errorf("process %d not found", pid)
	}

	metrics := &ResourceMetrics{
		PID:       pid,
		Timestamp: time.Now(),
	}

	if entries, err := os.ReadDir(filepath.Join(procDir, "fd")); err == nil {
		metrics.FileDescriptors = len(entries)
	}

	// #nosec G304 -- path is under our own procRoot
	if data, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		threads, cpuTicks, ok := parseStat(string(data))
		if ok {
			metrics.ThreadCount = threads
			metrics.CPUPercent = m.cpuPercent(pid, cpuTicks, metrics.Timestamp)
		}
	}

	// #nosec G304 -- path is under our own procRoot
	if data, err := os.ReadFile(filepath.Join(procDir, "statm")); err == nil {
		metrics.MemoryBytes = parseResidentBytes(string(data))
	}

	return metrics, nil
}

// cpuPercent converts a cumulative utime+stime tick count into a usage
// percentage over the window since the previous sample of the same pid.
func (m *ResourceMonitor) cpuPercent(pid int, ticks int64, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.prev[pid]
	m.prev[pid] = cpuSample{ticks: ticks, at: now}
	if !ok || !now.After(last.at) || ticks < last.ticks {
		return 0
	}

	window := now.Sub(last.at).Seconds()
	burned := float64(ticks-last.ticks) / clockTicksPerSecond
	return burned / window * 100
}

// Forget drops cached CPU state for pid; call it once the process is gone
// so a recycled pid does not inherit a stale tick baseline.
func (m *ResourceMonitor) Forget(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prev, pid)
}

// CheckThresholds returns one alert per threshold a sample crosses.
func (m *ResourceMonitor) CheckThresholds(metrics *ResourceMetrics) []ResourceAlert {
	var alerts []ResourceAlert

	if a, ok := levelFor(float64(metrics.FileDescriptors), float64(m.thresholds.FDWarning), float64(m.thresholds.FDCritical)); ok {
		alerts = append(alerts, ResourceAlert{
			Level:    a,
			Resource: "fd",
			Message:  fmt.Sprintf("%d open file descriptors", metrics.FileDescriptors),
		})
	}
	if a, ok := levelFor(metrics.CPUPercent, m.thresholds.CPUWarning, m.thresholds.CPUCritical); ok {
		alerts = append(alerts, ResourceAlert{
			Level:    a,
			Resource: "cpu",
			Message:  fmt.Sprintf("%.1f%% CPU", metrics.CPUPercent),
		})
	}
	if a, ok := levelFor(float64(metrics.MemoryBytes), float64(m.thresholds.MemoryWarning), float64(m.thresholds.MemoryCritical)); ok {
		alerts = append(alerts, ResourceAlert{
			Level:    a,
			Resource: "memory",
			Message:  fmt.Sprintf("%d bytes resident", metrics.MemoryBytes),
		})
	}

	return alerts
}

func levelFor(value, warning, critical float64) (AlertLevel, bool) {
	switch {
	case critical > 0 && value >= critical:
		return AlertCritical, true
	case warning > 0 && value >= warning:
		return AlertWarning, true
	default:
		return AlertNone, false
	}
}

// MonitorProcess samples pid every interval until ctx is cancelled or the
// process disappears, logging alerts and passing them to alertCallback
// when set.
func (m *ResourceMonitor) MonitorProcess(ctx context.Context, pid int, interval time.Duration, alertCallback func([]ResourceAlert)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer m.Forget(pid)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := m.Sample(pid)
			if err != nil {
				// Process exited between ticks.
				return
			}

			alerts := m.CheckThresholds(metrics)
			if len(alerts) == 0 {
				continue
			}
			if m.logger != nil {
				for _, alert := range alerts {
					fmt.Fprintf(m.logger, "[%s] pid %d %s: %s\n", alert.Level, pid, alert.Resource, alert.Message)
				}
			}
			if alertCallback != nil {
				alertCallback(alerts)
			}
		}
	}
}

// clockTicksPerSecond is the kernel's USER_HZ. Fixed at 100 on every
// platform this daemon targets; sysconf(_SC_CLK_TCK) has no portable Go
// equivalent without cgo.
const clockTicksPerSecond = 100.0

// parseStat extracts num_threads and cumulative utime+stime from a
// /proc/<pid>/stat line. The comm field may contain spaces and parens, so
// fields are counted from the last ")".
func parseStat(stat string) (threads int, cpuTicks int64, ok bool) {
	idx := strings.LastIndex(stat, ")")
	if idx < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(stat[idx+1:])
	// After comm: field 11 is utime, 12 is stime, 17 is num_threads
	// (0-indexed; see proc(5), offset by the two fields before comm).
	if len(fields) < 18 {
		return 0, 0, false
	}

	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	threads, err3 := strconv.Atoi(fields[17])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, false
	}
	return threads, utime + stime, true
}

// parseResidentBytes extracts the resident set size from /proc/<pid>/statm.
func parseResidentBytes(statm string) int64 {
	fields := strings.Fields(statm)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}
