package transcode

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// terminateGrace bounds how long Terminate waits for a SIGTERM'd process
// before escalating to SIGKILL.
const terminateGrace = 5 * time.Second

type ffmpegProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	done     chan struct{}
	observer Observer
	logger   *slog.Logger

	terminateOnce sync.Once

	mu      sync.Mutex
	exited  bool
	exitErr error
}

// Spawn starts an ffmpeg process relaying stdin to the given endpoints.
func (r *FFmpegRunner) Spawn(ctx context.Context, broadcastID string, endpoints []string) (Process, error) {
	args, err := buildRelayArgs(endpoints)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, r.command, args...)
	logger := r.logger.With("broadcast_id", broadcastID)
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	proc := &ffmpegProcess{
		cmd:      cmd,
		stdin:    stdin,
		cancel:   cancel,
		done:     make(chan struct{}),
		observer: r.observer,
		logger:   logger,
	}
	r.observer.TranscoderStarted()
	logger.Info("relay process started", "pid", cmd.Process.Pid, "endpoints", len(endpoints))

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exited = true
		proc.exitErr = err
		proc.mu.Unlock()
		if err != nil {
			logger.Warn("relay process exited with error", "error", err)
		} else {
			logger.Info("relay process completed")
		}
		r.observer.TranscoderStopped(err != nil)
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

func (p *ffmpegProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return 0, ErrProcessTerminated
	}
	return p.stdin.Write(b)
}

// Terminate closes stdin so ffmpeg can flush, then sends SIGTERM and
// escalates to SIGKILL when the process does not exit within the grace
// period.
func (p *ffmpegProcess) Terminate() error {
	p.terminateOnce.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.done:
			return
		case <-time.After(terminateGrace):
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.cancel()
			<-p.done
			return
		}

		select {
		case <-p.done:
		case <-time.After(terminateGrace):
			p.logger.Warn("relay process ignored SIGTERM, killing")
			p.cancel()
			<-p.done
		}
	})
	return nil
}

func (p *ffmpegProcess) Done() <-chan struct{} {
	return p.done
}

func (p *ffmpegProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return nil
	}
	return p.exitErr
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("relay process output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
