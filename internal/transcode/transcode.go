// Package transcode manages ffmpeg relay processes. A process reads the
// contributed media stream on stdin and remuxes it to one or more RTMP
// endpoints, using the tee muxer when a broadcast fans out to multiple
// destinations.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	ErrNoEndpoints       = errors.New("transcode: at least one endpoint is required")
	ErrProcessTerminated = errors.New("transcode: process terminated")
)

// Process is a running relay process fed over stdin.
type Process interface {
	// Write forwards one chunk of contributed media to the process.
	Write(p []byte) (int, error)
	// Terminate stops the process and blocks until it has exited. It is
	// safe to call multiple times and from concurrent goroutines.
	Terminate() error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err reports the process exit error once Done is closed.
	Err() error
}

// Runner spawns relay processes for broadcasts.
type Runner interface {
	Spawn(ctx context.Context, broadcastID string, endpoints []string) (Process, error)
}

// Observer receives process lifecycle notifications. The metrics recorder
// satisfies it.
type Observer interface {
	TranscoderStarted()
	TranscoderStopped(failed bool)
}

type nopObserver struct{}

func (nopObserver) TranscoderStarted() {}

func (nopObserver) TranscoderStopped(bool) {}

// FFmpegRunner spawns ffmpeg processes.
type FFmpegRunner struct {
	command  string
	logger   *slog.Logger
	observer Observer
}

// Option configures an FFmpegRunner.
type Option func(*FFmpegRunner)

// WithCommand overrides the executable name, mainly for tests.
func WithCommand(command string) Option {
	return func(r *FFmpegRunner) {
		if strings.TrimSpace(command) != "" {
			r.command = command
		}
	}
}

// WithObserver installs a lifecycle observer.
func WithObserver(observer Observer) Option {
	return func(r *FFmpegRunner) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// NewFFmpegRunner constructs a runner that shells out to ffmpeg.
func NewFFmpegRunner(logger *slog.Logger, opts ...Option) *FFmpegRunner {
	r := &FFmpegRunner{
		command:  "ffmpeg",
		logger:   logger,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// buildRelayArgs assembles the ffmpeg invocation for the given endpoints.
// Input always arrives on stdin. Contributed media comes in whatever codec
// the browser recorded, so both streams are re-encoded to H.264/AAC at a
// constant frame rate for RTMP ingest. A single endpoint muxes straight to
// flv; multiple endpoints share one process through the tee muxer so the
// source is encoded once.
func buildRelayArgs(endpoints []string) ([]string, error) {
	cleaned := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed == "" {
			continue
		}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil, ErrNoEndpoints
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-r", "30",
		"-g", "60",
		"-b:v", "4500k",
		"-maxrate", "4500k",
		"-bufsize", "9000k",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "160k",
		"-ar", "44100",
	}

	if len(cleaned) == 1 {
		return append(args, "-f", "flv", cleaned[0]), nil
	}

	outputs := make([]string, 0, len(cleaned))
	for _, endpoint := range cleaned {
		outputs = append(outputs, fmt.Sprintf("[f=flv:onfail=ignore]%s", endpoint))
	}
	return append(args,
		"-map", "0",
		"-f", "tee",
		strings.Join(outputs, "|"),
	), nil
}
