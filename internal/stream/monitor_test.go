// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeFakeProc lays out a minimal /proc/<pid> tree the monitor can sample:
// a stat line, a statm line, and nFDs entries under fd/.
func writeFakeProc(t *testing.T, root string, pid int, utime, stime int64, threads, nFDs int, residentPages int64) {
	t.Helper()

	procDir := filepath.Join(root, fmt.Sprintf("%d", pid))
	fdDir := filepath.Join(procDir, "fd")
	if err := os.MkdirAll(fdDir, 0o755); err != nil {
		t.Fatalf("mkdir fake proc: %v", err)
	}

	// Layout per proc(5); comm deliberately contains a space and parens to
	// exercise the last-")" scan.
	stat := fmt.Sprintf("%d (ffmpeg (copy)) S 1 %d %d 0 -1 4194304 100 0 0 0 %d %d 0 0 20 0 %d 0 12345 0 0",
		pid, pid, pid, utime, stime, threads)
	if err := os.WriteFile(filepath.Join(procDir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}

	statm := fmt.Sprintf("%d %d 100 10 0 500 0", residentPages*2, residentPages)
	if err := os.WriteFile(filepath.Join(procDir, "statm"), []byte(statm), 0o644); err != nil {
		t.Fatalf("write statm: %v", err)
	}

	for i := 0; i < nFDs; i++ {
		if err := os.WriteFile(filepath.Join(fdDir, fmt.Sprintf("%d", i)), nil, 0o644); err != nil {
			t.Fatalf("write fd entry: %v", err)
		}
	}
}

func TestSampleReadsFakeProc(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 4242, 50, 25, 3, 7, 1024)

	m := NewResourceMonitor(WithProcRoot(root))
	metrics, err := m.Sample(4242)
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}

	if metrics.PID != 4242 {
		t.Errorf("PID = %d, want 4242", metrics.PID)
	}
	if metrics.FileDescriptors != 7 {
		t.Errorf("FileDescriptors = %d, want 7", metrics.FileDescriptors)
	}
	if metrics.ThreadCount != 3 {
		t.Errorf("ThreadCount = %d, want 3", metrics.ThreadCount)
	}
	want := 1024 * int64(os.Getpagesize())
	if metrics.MemoryBytes != want {
		t.Errorf("MemoryBytes = %d, want %d", metrics.MemoryBytes, want)
	}
	// First sample of a pid has no CPU baseline.
	if metrics.CPUPercent != 0 {
		t.Errorf("first-sample CPUPercent = %f, want 0", metrics.CPUPercent)
	}
}

func TestSampleMissingProcess(t *testing.T) {
	m := NewResourceMonitor(WithProcRoot(t.TempDir()))
	if _, err := m.Sample(99999); err == nil {
		t.Error("Sample() of a missing pid should fail")
	}
}

func TestSampleToleratesPartialProcEntries(t *testing.T) {
	// A process mid-exit can have its stat/statm gone while the directory
	// still exists; the sample should succeed with zero fields.
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "31"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewResourceMonitor(WithProcRoot(root))
	metrics, err := m.Sample(31)
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if metrics.FileDescriptors != 0 || metrics.ThreadCount != 0 || metrics.MemoryBytes != 0 {
		t.Errorf("partial proc entry should sample as zeros, got %+v", metrics)
	}
}

func TestCPUPercentFromTickDelta(t *testing.T) {
	m := NewResourceMonitor()

	t0 := time.Now()
	if got := m.cpuPercent(7, 1000, t0); got != 0 {
		t.Errorf("first sample CPU = %f, want 0", got)
	}

	// 200 ticks over 2 seconds at 100 ticks/s is a full core.
	if got := m.cpuPercent(7, 1200, t0.Add(2*time.Second)); got != 100 {
		t.Errorf("CPU over 2s window = %f, want 100", got)
	}

	// Ticks going backwards (pid recycled) resets rather than reporting
	// a negative or absurd value.
	if got := m.cpuPercent(7, 50, t0.Add(3*time.Second)); got != 0 {
		t.Errorf("CPU after tick regression = %f, want 0", got)
	}
}

func TestForgetDropsBaseline(t *testing.T) {
	m := NewResourceMonitor()
	t0 := time.Now()
	m.cpuPercent(9, 1000, t0)
	m.Forget(9)

	// With the baseline gone this counts as a first sample again.
	if got := m.cpuPercent(9, 2000, t0.Add(time.Second)); got != 0 {
		t.Errorf("CPU after Forget = %f, want 0", got)
	}
}

func TestCheckThresholds(t *testing.T) {
	thresholds := ResourceThresholds{
		FDWarning:      10,
		FDCritical:     20,
		CPUWarning:     50,
		CPUCritical:    90,
		MemoryWarning:  1 << 20,
		MemoryCritical: 4 << 20,
	}
	m := NewResourceMonitor(WithThresholds(thresholds))

	tests := []struct {
		name    string
		metrics ResourceMetrics
		want    map[string]AlertLevel
	}{
		{
			name:    "all clear",
			metrics: ResourceMetrics{FileDescriptors: 5, CPUPercent: 1, MemoryBytes: 1000},
			want:    map[string]AlertLevel{},
		},
		{
			name:    "fd warning",
			metrics: ResourceMetrics{FileDescriptors: 15},
			want:    map[string]AlertLevel{"fd": AlertWarning},
		},
		{
			name:    "fd critical",
			metrics: ResourceMetrics{FileDescriptors: 20},
			want:    map[string]AlertLevel{"fd": AlertCritical},
		},
		{
			name:    "cpu warning",
			metrics: ResourceMetrics{CPUPercent: 60},
			want:    map[string]AlertLevel{"cpu": AlertWarning},
		},
		{
			name:    "memory critical",
			metrics: ResourceMetrics{MemoryBytes: 8 << 20},
			want:    map[string]AlertLevel{"memory": AlertCritical},
		},
		{
			name:    "everything on fire",
			metrics: ResourceMetrics{FileDescriptors: 50, CPUPercent: 95, MemoryBytes: 8 << 20},
			want: map[string]AlertLevel{
				"fd":     AlertCritical,
				"cpu":    AlertCritical,
				"memory": AlertCritical,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := m.CheckThresholds(&tt.metrics)
			if len(alerts) != len(tt.want) {
				t.Fatalf("got %d alerts, want %d: %+v", len(alerts), len(tt.want), alerts)
			}
			for _, a := range alerts {
				want, ok := tt.want[a.Resource]
				if !ok {
					t.Errorf("unexpected alert for %q", a.Resource)
					continue
				}
				if a.Level != want {
					t.Errorf("%s level = %v, want %v", a.Resource, a.Level, want)
				}
				if a.Message == "" {
					t.Errorf("%s alert has empty message", a.Resource)
				}
			}
		})
	}
}

func TestCheckThresholdsZeroThresholdDisables(t *testing.T) {
	m := NewResourceMonitor(WithThresholds(ResourceThresholds{}))
	alerts := m.CheckThresholds(&ResourceMetrics{FileDescriptors: 100000, CPUPercent: 100, MemoryBytes: 1 << 40})
	if len(alerts) != 0 {
		t.Errorf("zeroed thresholds should never alert, got %+v", alerts)
	}
}

func TestAlertLevelString(t *testing.T) {
	if got := AlertWarning.String(); got != "WARNING" {
		t.Errorf("AlertWarning = %q", got)
	}
	if got := AlertCritical.String(); got != "CRITICAL" {
		t.Errorf("AlertCritical = %q", got)
	}
	if got := AlertNone.String(); got != "OK" {
		t.Errorf("AlertNone = %q", got)
	}
}

func TestMonitorProcessStopsWhenProcessGone(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 55, 0, 0, 1, 1, 1)

	m := NewResourceMonitor(WithProcRoot(root))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.MonitorProcess(context.Background(), 55, 5*time.Millisecond, nil)
	}()

	// Let at least one sample land, then take the process away.
	time.Sleep(20 * time.Millisecond)
	if err := os.RemoveAll(filepath.Join(root, "55")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MonitorProcess did not return after the process disappeared")
	}
}

func TestMonitorProcessStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 56, 0, 0, 1, 1, 1)

	m := NewResourceMonitor(WithProcRoot(root))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.MonitorProcess(ctx, 56, 5*time.Millisecond, nil)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MonitorProcess did not return after cancellation")
	}
}

func TestMonitorProcessReportsAlerts(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 57, 0, 0, 1, 30, 1)

	var sb strings.Builder
	m := NewResourceMonitor(
		WithProcRoot(root),
		WithLogger(&sb),
		WithThresholds(ResourceThresholds{FDWarning: 10, FDCritical: 20}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerted := make(chan []ResourceAlert, 1)
	go m.MonitorProcess(ctx, 57, 5*time.Millisecond, func(alerts []ResourceAlert) {
		select {
		case alerted <- alerts:
		default:
		}
	})

	select {
	case alerts := <-alerted:
		if len(alerts) != 1 || alerts[0].Resource != "fd" || alerts[0].Level != AlertCritical {
			t.Errorf("unexpected alerts: %+v", alerts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert callback within 2s")
	}

	cancel()
	if !strings.Contains(sb.String(), "CRITICAL") {
		t.Errorf("alert log missing CRITICAL line: %q", sb.String())
	}
}

func TestParseStat(t *testing.T) {
	tests := []struct {
		name        string
		stat        string
		wantThreads int
		wantTicks   int64
		wantOK      bool
	}{
		{
			name:        "plain comm",
			stat:        "10 (ffmpeg) S 1 10 10 0 -1 4194304 100 0 0 0 40 10 0 0 20 0 5 0 12345 0 0",
			wantThreads: 5,
			wantTicks:   50,
			wantOK:      true,
		},
		{
			name:        "comm with spaces and parens",
			stat:        "10 (tee (fd)) S 1 10 10 0 -1 4194304 100 0 0 0 7 3 0 0 20 0 2 0 12345 0 0",
			wantThreads: 2,
			wantTicks:   10,
			wantOK:      true,
		},
		{
			name:   "no comm terminator",
			stat:   "garbage",
			wantOK: false,
		},
		{
			name:   "truncated",
			stat:   "10 (x) S 1 2 3",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threads, ticks, ok := parseStat(tt.stat)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if threads != tt.wantThreads {
				t.Errorf("threads = %d, want %d", threads, tt.wantThreads)
			}
			if ticks != tt.wantTicks {
				t.Errorf("ticks = %d, want %d", ticks, tt.wantTicks)
			}
		})
	}
}

func TestParseResidentBytes(t *testing.T) {
	page := int64(os.Getpagesize())
	if got := parseResidentBytes("2048 512 100 10 0 500 0"); got != 512*page {
		t.Errorf("resident = %d, want %d", got, 512*page)
	}
	if got := parseResidentBytes("nonsense"); got != 0 {
		t.Errorf("malformed statm = %d, want 0", got)
	}
	if got := parseResidentBytes(""); got != 0 {
		t.Errorf("empty statm = %d, want 0", got)
	}
}
