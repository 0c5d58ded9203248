// SPDX-License-Identifier: MIT

// Package config loads the daemon's configuration: transcoder timeouts,
// the upstream statistics endpoint, the RTMP application to reconcile
// against, and the thumbnail sweep schedule.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/streamd/config.yaml"

// Config is the complete daemon configuration.
type Config struct {
	FFmpeg     FFmpegConfig     `yaml:"ffmpeg" koanf:"ffmpeg"`
	HTTPServer HTTPServerConfig `yaml:"http-server" koanf:"http-server"`
	RTMPServer RTMPServerConfig `yaml:"rtmp-server" koanf:"rtmp-server"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail" koanf:"thumbnail"`
	Log        LogConfig        `yaml:"log" koanf:"log"`
	Streams    []StreamProvider `yaml:"streams" koanf:"streams"`
}

// StreamProvider declares one named group of streams, the URL templates a
// transcoder uses to pull from the origin and republish locally, and any
// stream ids whose local name differs from the name the origin reports.
//
// InputTemplate and OutputTemplate are printf-style strings containing
// exactly one "%s" for the stream id, matching provider.NewTemplateProvider.
type StreamProvider struct {
	Name           string            `yaml:"name" koanf:"name"`
	IDs            []string          `yaml:"ids" koanf:"ids"`
	InputTemplate  string            `yaml:"input_template" koanf:"input_template"`
	OutputTemplate string            `yaml:"output_template" koanf:"output_template"`
	OriginIDs      map[string]string `yaml:"origin_ids,omitempty" koanf:"origin_ids"`
}

// FFmpegConfig controls the transcoder subprocess lifecycle.
type FFmpegConfig struct {
	// Timeout is the grace period a stream waits with zero viewers before
	// its transcoder is killed.
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`
	// Reload is the delay between an unexpected transcoder death and the
	// next restart attempt.
	Reload time.Duration `yaml:"reload" koanf:"reload"`
	// Path is the transcoder binary, resolved via PATH if not absolute.
	Path string `yaml:"path" koanf:"path"`
	// MonitorInterval is how often a live transcoder's resource usage is
	// sampled from /proc. Zero disables monitoring.
	MonitorInterval time.Duration `yaml:"monitor_interval,omitempty" koanf:"monitor_interval"`
}

// HTTPServerConfig locates the upstream statistics document.
type HTTPServerConfig struct {
	Addr    string `yaml:"addr" koanf:"addr"`
	StatURL string `yaml:"stat_url" koanf:"stat_url"`
}

// RTMPServerConfig names the application reconciliation adopts.
type RTMPServerConfig struct {
	App string `yaml:"app" koanf:"app"`
}

// ThumbnailConfig controls the periodic thumbnail sweep.
type ThumbnailConfig struct {
	Interval   time.Duration `yaml:"interval" koanf:"interval"`
	Workers    int           `yaml:"workers" koanf:"workers"`
	Timeout    time.Duration `yaml:"timeout" koanf:"timeout"`
	StartAfter time.Duration `yaml:"start_after" koanf:"start_after"`
	InputOpt   string        `yaml:"input_opt" koanf:"input_opt"`
	OutputOpt  string        `yaml:"output_opt" koanf:"output_opt"`
	ResizeOpt  string        `yaml:"resize_opt" koanf:"resize_opt"`
	Sizes      string        `yaml:"sizes" koanf:"sizes"`
	Dir        string        `yaml:"dir" koanf:"dir"`
	Format     string        `yaml:"format" koanf:"format"`
}

// LogConfig locates the transcoder log directory.
type LogConfig struct {
	Dir string `yaml:"dir" koanf:"dir"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.FFmpeg.Timeout <= 0 {
		return fmt.Errorf("ffmpeg.timeout must be positive")
	}
	if c.FFmpeg.Reload <= 0 {
		return fmt.Errorf("ffmpeg.reload must be positive")
	}
	if c.FFmpeg.Path == "" {
		return fmt.Errorf("ffmpeg.path cannot be empty")
	}
	if c.HTTPServer.Addr == "" {
		return fmt.Errorf("http-server.addr cannot be empty")
	}
	if c.HTTPServer.StatURL == "" {
		return fmt.Errorf("http-server.stat_url cannot be empty")
	}
	if c.RTMPServer.App == "" {
		return fmt.Errorf("rtmp-server.app cannot be empty")
	}
	if err := c.Thumbnail.Validate(); err != nil {
		return fmt.Errorf("thumbnail config: %w", err)
	}
	if c.Log.Dir == "" {
		return fmt.Errorf("log.dir cannot be empty")
	}
	for i, sp := range c.Streams {
		if err := sp.Validate(); err != nil {
			return fmt.Errorf("streams[%d] (%s): %w", i, sp.Name, err)
		}
	}
	return nil
}

// Validate checks a StreamProvider for invalid values.
func (sp *StreamProvider) Validate() error {
	if sp.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(sp.IDs) == 0 {
		return fmt.Errorf("ids cannot be empty")
	}
	if sp.InputTemplate == "" {
		return fmt.Errorf("input_template cannot be empty")
	}
	if sp.OutputTemplate == "" {
		return fmt.Errorf("output_template cannot be empty")
	}
	return nil
}

// Validate checks thumbnail configuration for invalid values.
func (t *ThumbnailConfig) Validate() error {
	if t.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if t.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if t.StartAfter < 0 {
		return fmt.Errorf("start_after must not be negative")
	}
	if t.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}
	if t.Format == "" {
		return fmt.Errorf("format cannot be empty")
	}
	return nil
}

// DefaultConfig returns a Config with conservative built-in defaults.
//
// Example:
//
//	cfg := DefaultConfig()
//	cfg.Save("/etc/streamd/config.yaml")
func DefaultConfig() *Config {
	return &Config{
		FFmpeg: FFmpegConfig{
			Timeout:         10 * time.Second,
			Reload:          5 * time.Second,
			Path:            "ffmpeg",
			MonitorInterval: time.Minute,
		},
		HTTPServer: HTTPServerConfig{
			Addr:    "http://127.0.0.1:8080",
			StatURL: "/stat",
		},
		RTMPServer: RTMPServerConfig{
			App: "live",
		},
		Thumbnail: ThumbnailConfig{
			Interval:  5 * time.Minute,
			Workers:   4,
			Timeout:   15 * time.Second,
			InputOpt:  "-y",
			OutputOpt: "-frames:v 1",
			ResizeOpt: "scale={0}:-1",
			Sizes:     "small:320,medium:640",
			Dir:       "/var/lib/streamd/thumbnails",
			Format:    "jpg",
		},
		Log: LogConfig{
			Dir: "/var/log/streamd",
		},
		Streams: []StreamProvider{
			{
				Name:           "default",
				IDs:            []string{"cam1"},
				InputTemplate:  "rtsp://127.0.0.1:8554/origin/%s",
				OutputTemplate: "rtmp://127.0.0.1:1935/live/%s",
			},
		},
	}
}
