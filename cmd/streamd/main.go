// SPDX-License-Identifier: MIT

// Package main implements the streamd daemon. It loads the configured
// stream catalog, serves an HTTP API for viewer presence notifications and
// operational health, reconciles already-live streams against the
// upstream media server at boot, and runs the periodic thumbnail sweep.
//
// Usage:
//
//	streamd [options]
//
// Options:
//
//	--config=PATH    Path to config file (default: /etc/streamd/config.yaml)
//	--lock-dir=PATH  Directory for the instance lock file (default: /var/run/streamd)
//	--listen=ADDR    Address for the viewer/health HTTP API (default: :8090)
//	--log-format=F   Log encoding: text or json (default: text)
//	--help           Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ondemandstream/streamd/internal/config"
	"github.com/ondemandstream/streamd/internal/health"
	"github.com/ondemandstream/streamd/internal/lock"
	"github.com/ondemandstream/streamd/internal/provider"
	"github.com/ondemandstream/streamd/internal/stats"
	"github.com/ondemandstream/streamd/internal/stream"
	"github.com/ondemandstream/streamd/internal/streamid"
	"github.com/ondemandstream/streamd/internal/supervisor"
	"github.com/ondemandstream/streamd/internal/thumbnail"
	"github.com/ondemandstream/streamd/internal/transcoder"
	"github.com/ondemandstream/streamd/internal/util"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir    = flag.String("lock-dir", "/var/run/streamd", "Directory for the instance lock file")
	listenAddr = flag.String("listen", ":8090", "Address for the viewer/health HTTP API")
	logFormat  = flag.String("log-format", "text", "Log encoding: text or json")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger(*logFormat)
	slog.SetDefault(logger)
	logger.Info("streamd starting", "version", Version, "commit", Commit, "built", BuildTime)

	if err := os.MkdirAll(*lockDir, 0o750); err != nil { //nolint:gosec // group-readable for service monitoring
		logger.Error("failed to create lock directory", "err", err)
		os.Exit(1)
	}

	instanceLock, err := lock.NewFileLock(filepath.Join(*lockDir, "streamd.lock"))
	if err != nil {
		logger.Error("failed to create instance lock", "err", err)
		os.Exit(1)
	}
	if err := instanceLock.Acquire(5 * time.Second); err != nil {
		logger.Error("another streamd instance is already running", "err", err)
		os.Exit(1)
	}
	defer instanceLock.Release()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger.Info("loaded configuration", "path", *configPath, "streams", len(cfg.Streams))

	catalog, err := buildCatalog(cfg)
	if err != nil {
		logger.Error("invalid stream catalog", "err", err)
		os.Exit(1)
	}

	d := newDaemon(cfg, catalog, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.run(ctx, *listenAddr); err != nil && err != context.Canceled {
		logger.Error("daemon exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("streamd shut down cleanly")
}

// loadConfiguration loads the config file, overlaid with any STREAMD_*
// environment variable overrides (container deployments commonly need to
// tweak a single value without templating the whole YAML file), falling
// back to built-in defaults if the file doesn't exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(path), config.WithEnvPrefix("STREAMD"))
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

// buildCatalog turns the configured stream providers into a provider
// Registry the daemon's factory and the thumbnail sweeper both consult.
func buildCatalog(cfg *config.Config) (*provider.Registry, error) {
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("no stream providers configured")
	}

	providers := make([]provider.Provider, 0, len(cfg.Streams))
	for _, sp := range cfg.Streams {
		tp := provider.NewTemplateProvider(sp.Name, sp.IDs, sp.InputTemplate, sp.OutputTemplate)
		for localID, originID := range sp.OriginIDs {
			tp.WithOriginID(localID, originID)
		}
		providers = append(providers, tp)
	}
	return provider.NewRegistry(providers...), nil
}

// daemon wires the stream registry, thumbnail sweeper, and stats
// reconciler into a single process and exposes the HTTP API describing
// viewer presence and health.
type daemon struct {
	cfg     *config.Config
	catalog *provider.Registry
	logger  *slog.Logger

	registry *stream.Registry
	sweeper  *thumbnail.Sweeper
}

func newDaemon(cfg *config.Config, catalog *provider.Registry, logger *slog.Logger) *daemon {
	d := &daemon{cfg: cfg, catalog: catalog, logger: logger}

	d.registry = stream.NewRegistry(func(id string) *stream.Stream {
		streamLogger := logger.With("stream", id)
		return stream.New(stream.Config{
			ID:              id,
			Argv:            d.fetchArgv(id),
			LogDir:          cfg.Log.Dir,
			RunTimeout:      cfg.FFmpeg.Timeout,
			ReloadTimeout:   cfg.FFmpeg.Reload,
			Logger:          streamLogger,
			MonitorInterval: cfg.FFmpeg.MonitorInterval,
			AlertCallback: func(alerts []stream.ResourceAlert) {
				for _, a := range alerts {
					streamLogger.Warn("transcoder resource alert", "level", a.Level.String(), "resource", a.Resource, "detail", a.Message)
				}
			},
		})
	})

	sizes, err := transcoder.ParseSizes(cfg.Thumbnail.Sizes)
	if err != nil {
		logger.Warn("ignoring malformed thumbnail sizes", "err", err)
		sizes = nil
	}

	d.sweeper = thumbnail.New(thumbnail.Config{
		FFmpegPath: cfg.FFmpeg.Path,
		LogDir:     cfg.Log.Dir,
		Catalog:    catalog,
		Alive:      d.registry,
		Interval:   cfg.Thumbnail.Interval,
		Workers:    cfg.Thumbnail.Workers,
		Timeout:    cfg.Thumbnail.Timeout,
		StartAfter: cfg.Thumbnail.StartAfter,
		Options: transcoder.ThumbnailOptions{
			InputOpt:  cfg.Thumbnail.InputOpt,
			OutputOpt: cfg.Thumbnail.OutputOpt,
			ResizeOpt: cfg.Thumbnail.ResizeOpt,
			Sizes:     sizes,
			Dir:       cfg.Thumbnail.Dir,
			Format:    cfg.Thumbnail.Format,
		},
		Logger: logger.With("component", "thumbnail"),
	})

	return d
}

// fetchArgv builds the ArgvFunc a Stream calls on every spawn, resolving
// id against the catalog fresh each time so a reload of the catalog would
// be picked up without restarting the Stream's supervised loop.
func (d *daemon) fetchArgv(id string) stream.ArgvFunc {
	return func() []string {
		p, ok := d.catalog.Lookup(id)
		if !ok {
			d.logger.Error("fetch argv requested for unknown stream", "id", id)
			return nil
		}
		return transcoder.FetchArgv(d.cfg.FFmpeg.Path, p.InputURL(id), p.OutputURL(id))
	}
}

// run starts every supervised component and blocks until ctx is cancelled,
// then drains them in order: HTTP API and thumbnail sweeper first, then
// every running stream.
func (d *daemon) run(ctx context.Context, listenAddr string) error {
	sup := supervisor.New(supervisor.Config{ShutdownTimeout: 30 * time.Second})

	if err := sup.Add(&httpService{addr: listenAddr, handler: d.mux()}); err != nil {
		return fmt.Errorf("registering http service: %w", err)
	}
	if err := sup.Add(&sweeperService{sweeper: d.sweeper}); err != nil {
		return fmt.Errorf("registering thumbnail sweeper: %w", err)
	}

	util.SafeGo("stats-reconcile", os.Stderr, func() {
		d.reconcile(ctx)
	}, nil)

	err := sup.Run(ctx)

	d.logger.Info("terminating all streams")
	d.registry.TerminateAll()

	return err
}

// reconcile runs the one-shot startup adoption of already-live streams. A
// transient I/O failure is swallowed by the reconciler itself; only a
// misconfigured RTMP application name is logged here, since that means the
// daemon is pointed at the wrong upstream application.
func (d *daemon) reconcile(ctx context.Context) {
	r := stats.New(d.cfg.HTTPServer.Addr, d.cfg.HTTPServer.StatURL, d.cfg.RTMPServer.App, d.registry)
	if err := r.Reconcile(ctx); err != nil {
		d.logger.Error("stats reconciliation failed", "err", err)
	}
}

func (d *daemon) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/viewer/start", d.handleViewerStart)
	mux.HandleFunc("/viewer/stop", d.handleViewerStop)

	h := health.NewHandler(d).WithSystemInfo(d)
	mux.Handle("/healthz", h)
	mux.Handle("/metrics", h)
	return mux
}

func (d *daemon) handleViewerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("id")
	if raw == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	id := streamid.Sanitize(raw)

	k := 1
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid k", http.StatusBadRequest)
			return
		}
		k = n
	}

	var httpWait time.Duration
	if v := r.URL.Query().Get("http_wait"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid http_wait", http.StatusBadRequest)
			return
		}
		httpWait = dur
	}

	d.registry.Start(id, k, httpWait)
	w.WriteHeader(http.StatusAccepted)
}

func (d *daemon) handleViewerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("id")
	if raw == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	d.registry.Stop(streamid.Sanitize(raw))
	w.WriteHeader(http.StatusAccepted)
}

// Services implements health.StatusProvider.
func (d *daemon) Services() []health.ServiceInfo {
	snapshot := d.registry.Snapshot()
	out := make([]health.ServiceInfo, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, health.ServiceInfo{
			Name:    st.ID,
			State:   st.State,
			Healthy: st.State == "running" || st.State == "idle",
		})
	}
	return out
}

// SystemInfo implements health.SystemInfoProvider, reporting free space on
// the thumbnail output filesystem and whether the system clock is
// synchronized (log timestamps across streams are only comparable when it
// is).
func (d *daemon) SystemInfo() health.SystemInfo {
	info := health.SystemInfo{}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.cfg.Thumbnail.Dir, &stat); err == nil {
		info.DiskTotalBytes = uint64(stat.Blocks) * uint64(stat.Bsize) //nolint:unconvert
		info.DiskFreeBytes = uint64(stat.Bavail) * uint64(stat.Bsize)  //nolint:unconvert
		if info.DiskTotalBytes > 0 {
			info.DiskLowWarning = info.DiskFreeBytes*20 < info.DiskTotalBytes // < 5% free
		}
	}

	synced, msg := checkClockSync()
	info.NTPSynced = synced
	info.NTPMessage = msg

	return info
}

// httpService adapts the viewer/health mux into a supervisor.Service.
type httpService struct {
	addr    string
	handler http.Handler
}

func (s *httpService) Name() string { return "http-api" }

func (s *httpService) Run(ctx context.Context) error {
	return health.ListenAndServe(ctx, s.addr, s.handler)
}

// sweeperService adapts the thumbnail Sweeper's Start/Stop lifecycle into
// a supervisor.Service, which expects Run to block until ctx is cancelled.
type sweeperService struct {
	sweeper *thumbnail.Sweeper
}

func (s *sweeperService) Name() string { return "thumbnail-sweep" }

func (s *sweeperService) Run(ctx context.Context) error {
	s.sweeper.Start(ctx)
	<-ctx.Done()
	s.sweeper.Stop()
	return ctx.Err()
}

// checkClockSync reports whether systemd-timesyncd (or equivalent) believes
// the system clock is synchronized. Absence of timedatectl is treated as
// "can't tell", not as a sync failure.
func checkClockSync() (synced bool, message string) {
	out, err := exec.Command("timedatectl", "status").Output()
	if err != nil {
		return true, "timedatectl not available"
	}
	if strings.Contains(string(out), "synchronized: yes") {
		return true, ""
	}
	return false, "system clock may not be synchronized"
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printUsage() {
	fmt.Println("streamd - dynamic video streaming supervisor")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: streamd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon starts a stream's transcoder on the first viewer and tears it")
	fmt.Println("down after the last one leaves, reconciling already-live streams against")
	fmt.Println("the upstream media server at boot and sweeping thumbnails on an interval.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
