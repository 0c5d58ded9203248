package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const koanfTestYAML = `
ffmpeg:
  timeout: 10s
  reload: 5s
  path: ffmpeg
http-server:
  addr: http://127.0.0.1:8080
  stat_url: /stat
rtmp-server:
  app: live
thumbnail:
  interval: 5m
  workers: 4
  timeout: 15s
  start_after: 30s
  dir: /var/lib/streamd/thumbnails
  format: jpg
log:
  dir: /var/log/streamd
streams:
  - name: default
    ids: [cam1]
    input_template: rtsp://127.0.0.1:8554/origin/%s
    output_template: rtmp://127.0.0.1:1935/live/%s
`

// TestKoanfConfig_LoadYAML tests loading configuration from a YAML file.
func TestKoanfConfig_LoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(koanfTestYAML), 0o640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.FFmpeg.Path != "ffmpeg" {
		t.Errorf("FFmpeg.Path = %q, want \"ffmpeg\"", cfg.FFmpeg.Path)
	}
	if cfg.FFmpeg.Timeout != 10*time.Second {
		t.Errorf("FFmpeg.Timeout = %v, want 10s", cfg.FFmpeg.Timeout)
	}
	if cfg.HTTPServer.Addr != "http://127.0.0.1:8080" {
		t.Errorf("HTTPServer.Addr = %q, want \"http://127.0.0.1:8080\"", cfg.HTTPServer.Addr)
	}
	if cfg.RTMPServer.App != "live" {
		t.Errorf("RTMPServer.App = %q, want \"live\"", cfg.RTMPServer.App)
	}
	if cfg.Thumbnail.Workers != 4 {
		t.Errorf("Thumbnail.Workers = %d, want 4", cfg.Thumbnail.Workers)
	}
	if len(cfg.Streams) != 1 || cfg.Streams[0].Name != "default" {
		t.Errorf("Streams = %+v, want one provider named \"default\"", cfg.Streams)
	}
}

func TestKoanfConfig_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(koanfTestYAML), 0o640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("STREAMD_FFMPEG_PATH", "/usr/local/bin/ffmpeg")
	t.Setenv("STREAMD_HTTP_SERVER_ADDR", "http://10.0.0.5:9000")
	t.Setenv("STREAMD_THUMBNAIL_WORKERS", "8")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath), WithEnvPrefix("STREAMD"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.FFmpeg.Path != "/usr/local/bin/ffmpeg" {
		t.Errorf("FFmpeg.Path = %q, want env override", cfg.FFmpeg.Path)
	}
	if cfg.HTTPServer.Addr != "http://10.0.0.5:9000" {
		t.Errorf("HTTPServer.Addr = %q, want env override", cfg.HTTPServer.Addr)
	}
	if cfg.Thumbnail.Workers != 8 {
		t.Errorf("Thumbnail.Workers = %d, want env override 8", cfg.Thumbnail.Workers)
	}
	// Fields with no env var set should keep the values loaded from YAML.
	if cfg.RTMPServer.App != "live" {
		t.Errorf("RTMPServer.App = %q, want \"live\" unaffected by env", cfg.RTMPServer.App)
	}
}

func TestKoanfConfig_EnvOnlyNoFile(t *testing.T) {
	t.Setenv("STREAMD_FFMPEG_PATH", "ffmpeg")
	t.Setenv("STREAMD_FFMPEG_TIMEOUT", "10s")
	t.Setenv("STREAMD_FFMPEG_RELOAD", "5s")
	t.Setenv("STREAMD_HTTP_SERVER_ADDR", "http://127.0.0.1:8080")
	t.Setenv("STREAMD_HTTP_SERVER_STAT_URL", "/stat")
	t.Setenv("STREAMD_RTMP_SERVER_APP", "live")
	t.Setenv("STREAMD_THUMBNAIL_INTERVAL", "5m")
	t.Setenv("STREAMD_THUMBNAIL_WORKERS", "4")
	t.Setenv("STREAMD_THUMBNAIL_TIMEOUT", "15s")
	t.Setenv("STREAMD_THUMBNAIL_DIR", "/var/lib/streamd/thumbnails")
	t.Setenv("STREAMD_THUMBNAIL_FORMAT", "jpg")
	t.Setenv("STREAMD_LOG_DIR", "/var/log/streamd")

	kc, err := NewKoanfConfig(WithEnvPrefix("STREAMD"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FFmpeg.Path != "ffmpeg" {
		t.Errorf("FFmpeg.Path = %q, want \"ffmpeg\"", cfg.FFmpeg.Path)
	}
	if cfg.Log.Dir != "/var/log/streamd" {
		t.Errorf("Log.Dir = %q, want \"/var/log/streamd\"", cfg.Log.Dir)
	}
}

func TestKoanfConfig_InvalidConfigFailsLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("ffmpeg:\n  timeout: 0s\n"), 0o640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if _, err := kc.Load(); err == nil {
		t.Fatal("Load() error = nil, want validation error for zero timeout")
	}
}

func TestKoanfConfig_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(koanfTestYAML), 0o640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Thumbnail.Workers != 4 {
		t.Fatalf("Thumbnail.Workers = %d, want 4 before edit", cfg.Thumbnail.Workers)
	}

	if err := os.WriteFile(configPath, []byte(
		`ffmpeg:
  timeout: 10s
  reload: 5s
  path: ffmpeg
http-server:
  addr: http://127.0.0.1:8080
  stat_url: /stat
rtmp-server:
  app: live
thumbnail:
  interval: 5m
  workers: 16
  timeout: 15s
  dir: /var/lib/streamd/thumbnails
  format: jpg
log:
  dir: /var/log/streamd
`), 0o640); err != nil {
		t.Fatalf("failed to rewrite test config: %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	cfg, err = kc.Load()
	if err != nil {
		t.Fatalf("Load() after Reload() error = %v", err)
	}
	if cfg.Thumbnail.Workers != 16 {
		t.Errorf("Thumbnail.Workers = %d, want 16 after reload", cfg.Thumbnail.Workers)
	}
}

func TestKoanfConfig_WatchRespectsContextCancel(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(koanfTestYAML), 0o640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- kc.Watch(ctx, func(event string, err error) {})
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v, want nil on context cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() did not return after context cancellation")
	}
}

func TestKoanfConfig_WatchNoFileConfigured(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if err := kc.Watch(context.Background(), func(string, error) {}); err == nil {
		t.Fatal("Watch() error = nil, want error when no file path is configured")
	}
}

func TestKoanfConfig_Accessors(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(koanfTestYAML), 0o640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if got := kc.GetString("ffmpeg.path"); got != "ffmpeg" {
		t.Errorf("GetString(ffmpeg.path) = %q, want \"ffmpeg\"", got)
	}
	if got := kc.GetInt("thumbnail.workers"); got != 4 {
		t.Errorf("GetInt(thumbnail.workers) = %d, want 4", got)
	}
	if got := kc.GetDuration("ffmpeg.timeout"); got != 10*time.Second {
		t.Errorf("GetDuration(ffmpeg.timeout) = %v, want 10s", got)
	}
	if !kc.Exists("rtmp-server.app") {
		t.Error("Exists(rtmp-server.app) = false, want true")
	}
	if kc.Exists("nonexistent.key") {
		t.Error("Exists(nonexistent.key) = true, want false")
	}
	if all := kc.All(); all["ffmpeg"] == nil {
		t.Error("All() missing \"ffmpeg\" top-level key")
	}
}

func TestKoanfConfig_DefaultEnvPrefix(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}
	if kc.envPrefix != "STREAMD" {
		t.Errorf("default envPrefix = %q, want \"STREAMD\"", kc.envPrefix)
	}
}
