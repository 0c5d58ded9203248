// SPDX-License-Identifier: MIT

// Package stream implements the per-stream supervisor: a viewer counter, an
// owned transcoder process, a restart loop that survives unexpected deaths,
// and a delayed-shutdown loop that tolerates a late-arriving viewer
// cancelling an in-flight drain.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ondemandstream/streamd/internal/procrunner"
	"github.com/ondemandstream/streamd/internal/viewer"
)

// ArgvFunc builds the transcoder invocation for a Stream's long-lived fetch
// process. It is a pure function of the stream's identity and is called
// once per spawn (including every restart), so it may reference live
// configuration without staleness.
type ArgvFunc func() []string

// Config configures a single Stream.
type Config struct {
	ID     string
	Argv   ArgvFunc
	LogDir string

	// RunTimeout is the grace period after clients reach zero before the
	// process is killed.
	RunTimeout time.Duration
	// ReloadTimeout is the delay before restarting after an unexpected death.
	ReloadTimeout time.Duration

	Logger *slog.Logger

	// MonitorInterval, when positive, enables periodic resource sampling
	// of the live transcoder process.
	MonitorInterval time.Duration
	AlertCallback   func([]ResourceAlert)
}

// Stream is the per-stream supervisor described by the package doc.
type Stream struct {
	cfg        Config
	httpViewer *viewer.HTTPViewer
	monitor    *ResourceMonitor

	mu        sync.Mutex
	rtmpCount int
	procRun   bool
	proc      *procrunner.Handle
	stopGen   uint64

	wg sync.WaitGroup
}

// New creates a Stream in the Idle state. The supervised loop is not
// started until the first Inc call admits a viewer.
func New(cfg Config) *Stream {
	s := &Stream{cfg: cfg}
	s.httpViewer = viewer.New(s)
	if cfg.MonitorInterval > 0 {
		s.monitor = NewResourceMonitor()
	}
	return s
}

func (s *Stream) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// ID returns the stream's identity.
func (s *Stream) ID() string { return s.cfg.ID }

// Inc admits k RTMP viewers, or — when httpWait is positive — arms the
// HTTPViewer for that duration instead (rtmp_count is left unchanged in
// that case). Either way it is idempotent with respect to the running
// process: it never double-starts.
func (s *Stream) Inc(k int, httpWait time.Duration) {
	if httpWait > 0 {
		s.httpViewer.Arm(httpWait)
	} else {
		s.mu.Lock()
		s.rtmpCount += k
		s.mu.Unlock()
	}
	s.maybeStart()
}

// Dec implements viewer.Parent (invoked by the HTTPViewer on expiry with
// http=true) and is also the public "remove one viewer" entry point
// (called with http=false). A decrement at zero rtmp_count is a no-op,
// tolerating spurious disconnect events.
func (s *Stream) Dec(http bool) {
	s.mu.Lock()
	if !http && s.rtmpCount > 0 {
		s.rtmpCount--
	}
	rtmp := s.rtmpCount
	s.mu.Unlock()

	clients := rtmp
	if s.httpViewer.Present() {
		clients++
	}

	if clients == 0 {
		s.SoftStop()
	}
}

// Clients returns rtmp_count + (1 if the HTTPViewer is present). It is an
// advisory read: callers tolerate it racing with concurrent Inc/Dec.
func (s *Stream) Clients() int {
	s.mu.Lock()
	rtmp := s.rtmpCount
	s.mu.Unlock()
	if s.httpViewer.Present() {
		return rtmp + 1
	}
	return rtmp
}

// Alive reports whether a transcoder process is currently running.
func (s *Stream) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// ProcRun reports the standing "should be running" intent flag.
func (s *Stream) ProcRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procRun
}

// State classifies the Stream into one of the four observable states keyed
// by (procRun, proc != nil): Idle, Running, Reloading, or Draining.
func (s *Stream) State() string {
	s.mu.Lock()
	procRun, alive := s.procRun, s.proc != nil
	s.mu.Unlock()

	switch {
	case procRun && alive:
		return "running"
	case procRun && !alive:
		return "reloading"
	case !procRun && alive:
		return "draining"
	default:
		return "idle"
	}
}

// maybeStart starts the supervised loop iff there is no live process and no
// standing intent to run one.
func (s *Stream) maybeStart() {
	s.mu.Lock()
	if s.proc != nil || s.procRun {
		s.mu.Unlock()
		return
	}
	s.procRun = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSupervised()
}

// runSupervised is the dedicated worker a Stream owns for its entire
// lifetime from first start to terminal stop: spawn, wait, and on
// unexpected death, restart after ReloadTimeout.
func (s *Stream) runSupervised() {
	defer s.wg.Done()

	restarted := false
	for {
		handle, err := procrunner.Run(s.cfg.LogDir, s.cfg.ID, "fetch", s.cfg.Argv())
		if err != nil {
			s.logger().Error("fetch spawn failed", "id", s.cfg.ID, "err", err)
			if !s.waitReload() {
				return
			}
			restarted = true
			continue
		}

		s.mu.Lock()
		s.proc = handle
		s.mu.Unlock()

		if restarted {
			s.logger().Info("restarted", "id", s.cfg.ID, "pid", handle.PID())
		} else {
			s.logger().Info("started", "id", s.cfg.ID, "pid", handle.PID())
		}

		s.runMonitor(handle)

		handle.Wait()

		s.mu.Lock()
		s.proc = nil
		stillRunning := s.procRun
		s.mu.Unlock()

		if !stillRunning {
			s.logger().Info("stopped", "id", s.cfg.ID)
			return
		}

		s.logger().Info("died", "id", s.cfg.ID)
		if !s.waitReload() {
			return
		}
		restarted = true
	}
}

// waitReload sleeps ReloadTimeout then reports whether procRun is still
// true. A false result means the caller should stop the supervised loop.
func (s *Stream) waitReload() bool {
	time.Sleep(s.cfg.ReloadTimeout)

	s.mu.Lock()
	running := s.procRun
	s.mu.Unlock()

	if !running {
		s.logger().Info("stopped", "id", s.cfg.ID)
	}
	return running
}

// runMonitor starts optional resource sampling for the life of handle.
func (s *Stream) runMonitor(handle *procrunner.Handle) {
	if s.monitor == nil || s.cfg.MonitorInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-handle.Done()
		cancel()
	}()
	go s.monitor.MonitorProcess(ctx, handle.PID(), s.cfg.MonitorInterval, s.cfg.AlertCallback)
}

// SoftStop clears the standing intent and, unless a late viewer cancels it,
// kills the process after RunTimeout. Calling it while already stopping
// (procRun already false) is a no-op: no second kill, no second deferrer.
func (s *Stream) SoftStop() {
	s.mu.Lock()
	if !s.procRun {
		s.mu.Unlock()
		return
	}
	s.procRun = false
	s.stopGen++
	gen := s.stopGen
	s.mu.Unlock()

	s.wg.Add(1)
	go s.deferredShutdown(gen)
}

func (s *Stream) deferredShutdown(gen uint64) {
	defer s.wg.Done()

	time.Sleep(s.cfg.RunTimeout)

	s.mu.Lock()
	if gen != s.stopGen {
		// A newer stop cycle has superseded this deferrer.
		s.mu.Unlock()
		return
	}

	rtmp := s.rtmpCount
	httpPresent := s.httpViewer.Present()
	clients := rtmp
	if httpPresent {
		clients++
	}

	if clients > 0 {
		// A late-arriving viewer cancels the shutdown; the process is
		// never killed and its pid is unchanged.
		s.procRun = true
		s.mu.Unlock()
		return
	}

	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

// HardStop immediately clears the standing intent and kills any live
// process synchronously. After it returns, no further restart can occur
// for this Stream until a new Inc arrives.
func (s *Stream) HardStop() {
	s.mu.Lock()
	s.procRun = false
	s.stopGen++
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

// Wait blocks until every worker this Stream has spawned (supervised loop,
// deferred shutdowns) has returned. Intended for tests and graceful
// daemon shutdown.
func (s *Stream) Wait() {
	s.wg.Wait()
}
