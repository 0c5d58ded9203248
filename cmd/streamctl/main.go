// SPDX-License-Identifier: MIT

// Package main implements streamctl, the operator-facing control and
// diagnostics CLI for the streamd daemon.
//
// Usage:
//
//	streamctl [COMMAND] [OPTIONS]
//
// Unlike streamd, streamctl does not supervise any stream itself: every
// subcommand either talks to the daemon over its HTTP API, inspects its
// configuration and logs, or runs a one-shot version of daemon work
// (reconciliation, a thumbnail sweep) standalone for testing and recovery.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ondemandstream/streamd/internal/config"
	"github.com/ondemandstream/streamd/internal/diagnostics"
	"github.com/ondemandstream/streamd/internal/mediamtx"
	"github.com/ondemandstream/streamd/internal/menu"
	"github.com/ondemandstream/streamd/internal/provider"
	"github.com/ondemandstream/streamd/internal/stats"
	"github.com/ondemandstream/streamd/internal/thumbnail"
	"github.com/ondemandstream/streamd/internal/transcoder"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "status":
		return runStatus(commandArgs)
	case "reconcile":
		return runReconcile(commandArgs)
	case "thumbnails":
		return runThumbnails(commandArgs)
	case "diagnose":
		return runDiagnose(commandArgs)
	case "config":
		return runConfig(commandArgs)
	case "install-mediamtx":
		return runInstallMediaMTX(commandArgs)
	case "mediamtx-status":
		return runMediaMTXStatus(commandArgs)
	case "menu":
		return runMenu(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'streamctl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`streamctl v%s

USAGE:
    streamctl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    status            Show stream status from the running daemon
    reconcile         Run one-shot stats reconciliation against a stream registry
    thumbnails        Run the thumbnail sweep once against the configured catalog
    diagnose          Run system diagnostics
    config            Validate, edit, or restore the configuration file
    install-mediamtx  Download and install the MediaMTX RTSP/RTMP server
    mediamtx-status   Query a running MediaMTX server's health and paths
    menu              Launch the interactive management menu

OPTIONS:
    --config PATH     Path to configuration file (default: %s)
    --help, -h        Show help for specific command

EXAMPLES:
    # Show current stream status (requires --listen to match the daemon)
    streamctl status --listen=http://127.0.0.1:8090

    # Validate configuration
    streamctl config validate

    # List retained configuration backups
    streamctl config backups

    # Restore a configuration from a backup
    streamctl config restore --backup=/etc/streamd/backups/config.yaml.2025-12-14T10-30-00.bak

    # Run a thumbnail sweep once, without starting the daemon
    streamctl thumbnails --once

    # Run full diagnostics
    streamctl diagnose

    # Quick diagnostics only
    streamctl diagnose --mode=quick

For more information, visit: https://github.com/ondemandstream/streamd
`, Version, config.ConfigFilePath)
	return nil
}

func runVersion() error {
	fmt.Printf("streamd / streamctl\n")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildDate)
	return nil
}

// flagValue extracts the value of a "--name=value" argument, or "" if absent.
func flagValue(args []string, name string) string {
	prefix := "--" + name + "="
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == "--"+name {
			return true
		}
	}
	return false
}

// runStatus fetches /healthz from a running daemon's HTTP API and prints it.
// The daemon exposes Stream state via health.Handler, which streamctl has no
// direct access to in-process — so it queries over the wire, the same way an
// operator's monitoring would.
func runStatus(args []string) error {
	addr := flagValue(args, "listen")
	if addr == "" {
		addr = "http://127.0.0.1:8090"
	}

	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid --listen URL: %w", err)
	}
	u.Path = "/healthz"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting streamd at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	fmt.Printf("streamd at %s: HTTP %s\n", addr, resp.Status)
	return nil
}

// recordingRegistry satisfies stats.Registry without spawning any
// transcoder; streamctl reconcile is for verifying the upstream stats URL
// and RTMP app name, not for actually bringing streams up.
type recordingRegistry struct {
	counts map[string]int
}

func (r *recordingRegistry) Start(id string, k int, _ time.Duration) {
	r.counts[id] += k
}

// runReconcile loads the configured providers and runs one-shot
// reconciliation into a recording registry, printing the resulting viewer
// counts. It does not affect a separately running daemon process.
func runReconcile(args []string) error {
	cfg, err := loadConfig(flagValue(args, "config"))
	if err != nil {
		return err
	}

	reg := &recordingRegistry{counts: make(map[string]int)}
	r := stats.New(cfg.HTTPServer.Addr, cfg.HTTPServer.StatURL, cfg.RTMPServer.App, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	if len(reg.counts) == 0 {
		fmt.Println("No viewers reported by upstream stats.")
		return nil
	}
	for id, clients := range reg.counts {
		fmt.Printf("%-20s clients=%d\n", id, clients)
	}
	return nil
}

// runThumbnails runs a single thumbnail sweep round against the configured
// catalog and prints a summary.
func runThumbnails(args []string) error {
	if !hasFlag(args, "once") {
		return fmt.Errorf("streamctl thumbnails only supports --once; the daemon runs the periodic sweep")
	}

	cfg, err := loadConfig(flagValue(args, "config"))
	if err != nil {
		return err
	}

	providers := make([]provider.Provider, 0, len(cfg.Streams))
	for _, sp := range cfg.Streams {
		tp := provider.NewTemplateProvider(sp.Name, sp.IDs, sp.InputTemplate, sp.OutputTemplate)
		for localID, originID := range sp.OriginIDs {
			tp.WithOriginID(localID, originID)
		}
		providers = append(providers, tp)
	}
	catalog := provider.NewRegistry(providers...)

	sizes, err := transcoder.ParseSizes(cfg.Thumbnail.Sizes)
	if err != nil {
		return fmt.Errorf("invalid thumbnail sizes: %w", err)
	}

	sweeper := thumbnail.New(thumbnail.Config{
		FFmpegPath: cfg.FFmpeg.Path,
		LogDir:     cfg.Log.Dir,
		Catalog:    catalog,
		Alive:      alwaysDead{},
		Workers:    cfg.Thumbnail.Workers,
		Timeout:    cfg.Thumbnail.Timeout,
		Options: transcoder.ThumbnailOptions{
			InputOpt:  cfg.Thumbnail.InputOpt,
			OutputOpt: cfg.Thumbnail.OutputOpt,
			ResizeOpt: cfg.Thumbnail.ResizeOpt,
			Sizes:     sizes,
			Dir:       cfg.Thumbnail.Dir,
			Format:    cfg.Thumbnail.Format,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Thumbnail.Timeout*time.Duration(len(catalog.Streams())+1))
	defer cancel()

	results, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}

	ok, failed := 0, 0
	for id, code := range results {
		if code == 0 {
			ok++
		} else {
			failed++
			fmt.Printf("FAILED %-20s exit=%d\n", id, code)
		}
	}
	fmt.Printf("\n%d/%d streams thumbnailed successfully\n", ok, ok+failed)
	return nil
}

// alwaysDead reports every stream as not currently live, so a standalone
// "run once" sweep always falls back to the origin URL instead of assuming
// the daemon's transcoders are running.
type alwaysDead struct{}

func (alwaysDead) Alive(string) bool { return false }

func runDiagnose(args []string) error {
	mode := diagnostics.ModeFull
	if v := flagValue(args, "mode"); v != "" {
		mode = diagnostics.CheckMode(v)
	}
	asJSON := hasFlag(args, "json")

	opts := diagnostics.DefaultOptions()
	opts.Mode = mode
	if v := flagValue(args, "config"); v != "" {
		opts.ConfigPath = v
	}

	runner := diagnostics.NewRunner(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report, err := runner.Run(ctx)
	if err != nil && report == nil {
		return fmt.Errorf("diagnostics failed: %w", err)
	}

	if asJSON {
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		diagnostics.PrintReport(os.Stdout, report)
	}

	if !report.Healthy {
		return fmt.Errorf("diagnostics reported unhealthy state")
	}
	return nil
}

func runConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: streamctl config <validate|add-stream|backups|restore>")
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:])
	case "add-stream":
		return runConfigAddStream(args[1:])
	case "backups":
		return runConfigBackups(args[1:])
	case "restore":
		return runConfigRestore(args[1:])
	default:
		return fmt.Errorf("unknown config subcommand: %s", args[0])
	}
}

func runConfigValidate(args []string) error {
	path := flagValue(args, "config")
	if path == "" {
		path = config.ConfigFilePath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("Configuration at %s is valid (%d stream providers).\n", path, len(cfg.Streams))
	return nil
}

// runConfigAddStream appends a new single-id stream provider to the
// configuration, reusing the existing provider's templates as a starting
// point when one is configured. The prior file is snapshotted with
// BackupBeforeSave first, since this command is the one place an operator
// edits a live daemon's stream catalog by hand and a bad edit (typo'd URL
// template, duplicate id) should be one "config restore" away from undone.
func runConfigAddStream(args []string) error {
	id := flagValue(args, "id")
	if id == "" {
		return fmt.Errorf("usage: streamctl config add-stream --id=<stream-id> [--config=PATH]")
	}

	path := flagValue(args, "config")
	if path == "" {
		path = config.ConfigFilePath
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	inputTemplate := "rtsp://127.0.0.1:8554/origin/%s"
	outputTemplate := "rtmp://127.0.0.1:1935/live/%s"
	if len(cfg.Streams) > 0 {
		inputTemplate = cfg.Streams[0].InputTemplate
		outputTemplate = cfg.Streams[0].OutputTemplate
	}

	cfg.Streams = append(cfg.Streams, config.StreamProvider{
		Name:           id,
		IDs:            []string{id},
		InputTemplate:  inputTemplate,
		OutputTemplate: outputTemplate,
	})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resulting configuration is invalid: %w", err)
	}

	backupDir := config.GetBackupDir(path)
	backupPath, err := config.BackupBeforeSave(cfg, path, backupDir)
	if err != nil {
		return fmt.Errorf("saving configuration: %w", err)
	}
	if backupPath != "" {
		if _, err := config.CleanOldBackups(backupDir, filepath.Base(path), config.DefaultKeepBackups); err != nil {
			fmt.Fprintf(os.Stderr, "warning: pruning old config backups: %v\n", err)
		}
	}

	fmt.Printf("Added stream %q to %s.\n", id, path)
	if backupPath != "" {
		fmt.Printf("Previous configuration backed up to %s.\n", backupPath)
	}
	return nil
}

// runConfigBackups lists the backups retained for a configuration file,
// newest first.
func runConfigBackups(args []string) error {
	path := flagValue(args, "config")
	if path == "" {
		path = config.ConfigFilePath
	}

	backups, err := config.ListBackups(config.GetBackupDir(path), filepath.Base(path))
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}
	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return nil
	}

	for _, b := range backups {
		fmt.Printf("%s  %8d bytes  %s\n", b.Timestamp.Format("2006-01-02 15:04:05"), b.Size, b.Path)
	}
	return nil
}

// runConfigRestore restores a configuration file from a named backup,
// itself backing up whatever configuration is about to be overwritten.
func runConfigRestore(args []string) error {
	backupPath := flagValue(args, "backup")
	if backupPath == "" {
		return fmt.Errorf("usage: streamctl config restore --backup=<path> [--config=PATH]")
	}

	path := flagValue(args, "config")
	if path == "" {
		path = config.ConfigFilePath
	}

	previous, err := config.RestoreBackup(backupPath, path, config.GetBackupDir(path))
	if err != nil {
		return fmt.Errorf("restoring configuration: %w", err)
	}

	fmt.Printf("Restored %s from %s.\n", path, backupPath)
	if previous != "" {
		fmt.Printf("Configuration prior to restore was backed up to %s.\n", previous)
	}
	return nil
}

// loadConfig loads path, falling back to built-in defaults if the file
// doesn't exist yet (mirrors streamd's own bootstrap behavior).
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.ConfigFilePath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func runMediaMTXStatus(args []string) error {
	apiURL := flagValue(args, "api-url")
	if apiURL == "" {
		apiURL = mediamtx.DefaultAPIURL
	}

	client := mediamtx.NewClient(apiURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("contacting MediaMTX at %s: %w", apiURL, err)
	}
	fmt.Printf("MediaMTX at %s: healthy=%v\n", apiURL, health.Healthy)

	paths, err := client.ListPaths(ctx)
	if err != nil {
		return fmt.Errorf("listing paths: %w", err)
	}
	if len(paths) == 0 {
		fmt.Println("No active paths.")
		return nil
	}
	for _, p := range paths {
		fmt.Printf("  %-20s ready=%-5v tracks=%d\n", p.Name, p.Ready, len(p.Tracks))
	}
	return nil
}

const defaultMediaMTXVersion = "v1.9.3"

// runInstallMediaMTX downloads and installs the MediaMTX RTSP/RTMP server
// this daemon republishes into. Installation is delegated to curl/tar on
// PATH rather than reimplementing an HTTP downloader, matching how the
// rest of this command deliberately favors small shelled-out steps for
// one-shot operator actions.
func runInstallMediaMTX(args []string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("install-mediamtx only supports linux, running on %s", runtime.GOOS)
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("install-mediamtx requires root privileges (run with sudo)")
	}

	version := defaultMediaMTXVersion
	if v := flagValue(args, "version"); v != "" {
		version = v
	}

	arch := detectArch()
	if arch == "" {
		return fmt.Errorf("unsupported architecture")
	}
	fmt.Printf("Detected architecture: %s\n", arch)

	if existing, err := exec.LookPath("mediamtx"); err == nil && !hasFlag(args, "force") {
		fmt.Printf("MediaMTX already installed at %s (use --force to reinstall)\n", existing)
		return nil
	}

	downloadURL := fmt.Sprintf(
		"https://github.com/bluenviron/mediamtx/releases/download/%s/mediamtx_%s_linux_%s.tar.gz",
		version, version, arch,
	)
	fmt.Printf("Version: %s\nDownload URL: %s\n", version, downloadURL)

	tmpDir, err := os.MkdirTemp("", "mediamtx-install-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tarPath := filepath.Join(tmpDir, "mediamtx.tar.gz")
	// #nosec G204 - downloadURL is built from a pinned GitHub release path, not user input passed through to a shell
	if out, err := exec.Command("curl", "-fsSL", "-o", tarPath, downloadURL).CombinedOutput(); err != nil {
		return fmt.Errorf("downloading MediaMTX: %w\n%s", err, out)
	}
	if out, err := exec.Command("tar", "-xzf", tarPath, "-C", tmpDir).CombinedOutput(); err != nil {
		return fmt.Errorf("extracting MediaMTX: %w\n%s", err, out)
	}

	const installPath = "/usr/local/bin/mediamtx"
	// #nosec G204 - source and destination are fixed, trusted paths
	if out, err := exec.Command("install", "-m", "0755", filepath.Join(tmpDir, "mediamtx"), installPath).CombinedOutput(); err != nil {
		return fmt.Errorf("installing MediaMTX binary: %w\n%s", err, out)
	}

	fmt.Printf("Installed MediaMTX %s to %s\n", version, installPath)
	return nil
}

func detectArch() string {
	out, err := exec.Command("uname", "-m").Output()
	if err != nil {
		return ""
	}
	switch strings.TrimSpace(string(out)) {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l", "armhf":
		return "armv7"
	case "armv6l":
		return "armv6"
	default:
		return ""
	}
}

func runMenu(_ []string) error {
	m := menu.CreateMainMenu()
	return m.Display()
}
