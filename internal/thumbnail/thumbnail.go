// SPDX-License-Identifier: MIT

// Package thumbnail runs the periodic, bounded-parallel thumbnail sweep:
// once per interval it walks the full stream catalog, drawing a frame from
// each stream's local republisher when it is live or from its origin
// otherwise, with a per-job timeout and cooperative cancellation shared
// between the round driver and every in-flight job.
package thumbnail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ondemandstream/streamd/internal/procrunner"
	"github.com/ondemandstream/streamd/internal/provider"
	"github.com/ondemandstream/streamd/internal/transcoder"
)

// localSeek is how far into a locally-republished stream a thumbnail job
// seeks, skipping the blank keyframe the republisher often starts with.
const localSeek = 1 * time.Second

// AliveChecker reports whether a stream currently has a live transcoder, so
// the sweeper can prefer the cheaper local republisher over the origin.
type AliveChecker interface {
	Alive(id string) bool
}

// Config configures a Sweeper.
type Config struct {
	FFmpegPath string
	LogDir     string
	Catalog    *provider.Registry
	Alive      AliveChecker

	Interval   time.Duration
	Workers    int
	Timeout    time.Duration
	StartAfter time.Duration

	Options transcoder.ThumbnailOptions

	Logger *slog.Logger
}

// Sweeper is the periodic thumbnail job runner.
type Sweeper struct {
	cfg     Config
	catalog []string

	mu      sync.Mutex
	running bool
	clean   bool
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Sweeper. The stream catalog is flattened from cfg.Catalog
// once, at construction time.
func New(cfg Config) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		catalog: cfg.Catalog.Streams(),
		clean:   true,
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// Start begins the sweep driver. Calling Start while already running is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.clean = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drive(runCtx)
}

// Stop signals shutdown and blocks until the driver and every in-flight job
// have returned.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunOnce drives exactly one sweep round synchronously and returns each
// catalog entry's exit code, without starting the periodic driver. It is
// used by operator tooling ("run the sweep once") and refuses to overlap
// with an already-running periodic sweeper.
func (s *Sweeper) RunOnce(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("thumbnail sweeper already running")
	}
	s.running = true
	s.clean = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.clean = true
		s.mu.Unlock()
	}()

	return s.runRound(ctx), nil
}

// Clean reports whether no sweep round is currently in progress.
func (s *Sweeper) Clean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

func (s *Sweeper) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) drive(ctx context.Context) {
	defer s.wg.Done()

	if s.cfg.StartAfter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.StartAfter):
		}
	}

	for {
		if !s.isRunning() {
			return
		}

		s.mu.Lock()
		s.clean = false
		s.mu.Unlock()

		t0 := time.Now()
		results := s.runRound(ctx)

		failed := 0
		var failedIDs []string
		for id, code := range results {
			if code != 0 {
				failed++
				failedIDs = append(failedIDs, id)
			}
		}

		if s.isRunning() {
			s.logger().Info("thumbnail sweep round complete", "ok", len(results)-failed, "total", len(results))
			if failed > 0 {
				s.logger().Warn("thumbnail sweep round failures", "ids", failedIDs)
			}
		}

		elapsed := time.Since(t0)
		remaining := s.cfg.Interval - elapsed

		s.mu.Lock()
		s.clean = true
		s.mu.Unlock()

		if remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		} else if s.isRunning() {
			s.logger().Warn("thumbnail sweep round overran its interval", "by", -remaining)
		}
	}
}

// runRound submits one ThumbnailJob per catalog entry to a pool bounded at
// cfg.Workers concurrent jobs, and collects each job's exit code.
func (s *Sweeper) runRound(ctx context.Context) map[string]int {
	results := make(map[string]int, len(s.catalog))
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	for _, id := range s.catalog {
		id := id
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			code := s.runJob(ctx, id, s.cfg.Timeout)

			mu.Lock()
			results[id] = code
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// runJob is a single ThumbnailJob: pick the source, spawn the transcoder,
// and wait for the first of shutdown, timeout, or process exit, killing the
// child if it is still alive on wake.
func (s *Sweeper) runJob(ctx context.Context, id string, timeout time.Duration) int {
	select {
	case <-ctx.Done():
		return -1
	default:
	}

	if !s.isRunning() {
		return -1
	}

	p, ok := s.cfg.Catalog.Lookup(id)
	if !ok {
		s.logger().Error("thumbnail job has no provider", "id", id)
		return -1
	}

	local := s.cfg.Alive != nil && s.cfg.Alive.Alive(id)

	var sourceURL, outID string
	if local {
		sourceURL = p.OutputURL(id)
		outID = id
	} else {
		// The origin knows this stream by its own id, so both the fetch
		// URL and the output filename use the translated id.
		outID = p.OriginID(id)
		sourceURL = p.InputURL(outID)
	}

	argv := transcoder.ThumbnailArgv(s.cfg.FFmpegPath, sourceURL, outID, local, localSeek, s.cfg.Options)

	return s.runJobWithArgv(ctx, argv, id, timeout)
}

// runJobWithArgv spawns argv under id and waits for the first of shutdown,
// timeout, or process exit, killing the child if it is still alive on wake.
func (s *Sweeper) runJobWithArgv(ctx context.Context, argv []string, id string, timeout time.Duration) int {
	handle, err := procrunner.Run(s.cfg.LogDir, id, "thumb", argv)
	if err != nil {
		s.logger().Error("thumbnail spawn failed", "id", id, "err", err)
		return -1
	}

	select {
	case <-ctx.Done():
		_ = handle.Kill()
	case <-time.After(timeout):
		_ = handle.Kill()
	case <-handle.Done():
	}

	code, _ := handle.Wait()
	return code
}
