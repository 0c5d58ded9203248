// SPDX-License-Identifier: MIT

// Package transcoder builds the argv passed to the transcoder binary: one
// shape for the long-lived fetch-and-republish process a Stream owns, and
// another for the short-lived thumbnail-extraction jobs the sweeper runs.
package transcoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FetchArgv builds the argv for a Stream's long-lived transcoder process:
// pull inputURL, republish losslessly to outputURL.
func FetchArgv(ffmpegPath, inputURL, outputURL string) []string {
	return []string{
		ffmpegPath,
		"-loglevel", "warning",
		"-i", inputURL,
		"-c", "copy",
		"-f", "flv",
		outputURL,
	}
}

// Size is one named thumbnail output dimension, e.g. "small" at 320px wide.
type Size struct {
	Name  string
	Width int
}

// ParseSizes parses the "thumbnail.sizes" config value, a comma-separated
// list of "name:width" pairs such as "small:320,medium:640".
func ParseSizes(spec string) ([]Size, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var sizes []Size
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameWidth := strings.SplitN(part, ":", 2)
		if len(nameWidth) != 2 {
			return nil, fmt.Errorf("transcoder: invalid size spec %q, want name:width", part)
		}
		width, err := strconv.Atoi(strings.TrimSpace(nameWidth[1]))
		if err != nil {
			return nil, fmt.Errorf("transcoder: invalid width in size spec %q: %w", part, err)
		}
		sizes = append(sizes, Size{Name: strings.TrimSpace(nameWidth[0]), Width: width})
	}
	return sizes, nil
}

// ThumbnailOptions carries the configuration-driven pieces of a thumbnail
// command: option strings, resize template, output directory and format.
type ThumbnailOptions struct {
	InputOpt  string
	OutputOpt string
	ResizeOpt string
	Sizes     []Size
	Dir       string
	Format    string
}

// ThumbnailArgv builds a single transcoder invocation producing one
// unscaled output plus one scaled output per configured size, each written
// to <Dir>/<id>[-<size-name>].<Format>.
//
// When local is true, the fetch is against the stream's own local
// republisher instead of the origin, and seek is appended to the
// output-side options to skip the republisher's leading blank keyframe.
// Each call gets its own copy of OutputOpt so repeated invocations never
// observe a previous call's appended -ss.
func ThumbnailArgv(ffmpegPath, sourceURL, id string, local bool, seek time.Duration, opts ThumbnailOptions) []string {
	argv := []string{ffmpegPath}
	argv = append(argv, splitOpt(opts.InputOpt)...)
	argv = append(argv, "-i", sourceURL)

	outOpt := opts.OutputOpt
	if local && seek > 0 {
		outOpt = outOpt + fmt.Sprintf(" -ss %s", formatSeek(seek))
	}

	argv = append(argv, splitOpt(outOpt)...)
	argv = append(argv, filepath.Join(opts.Dir, fmt.Sprintf("%s.%s", id, opts.Format)))

	for _, sz := range opts.Sizes {
		resize := strings.ReplaceAll(opts.ResizeOpt, "{0}", strconv.Itoa(sz.Width))
		sizedOpt := outOpt + " -vf " + resize
		argv = append(argv, splitOpt(sizedOpt)...)
		argv = append(argv, filepath.Join(opts.Dir, fmt.Sprintf("%s-%s.%s", id, sz.Name, opts.Format)))
	}

	return argv
}

func splitOpt(opt string) []string {
	return strings.Fields(opt)
}

func formatSeek(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
