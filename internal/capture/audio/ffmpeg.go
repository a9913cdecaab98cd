// Package audio acquires the microphone through an ffmpeg subprocess that
// writes raw s16le PCM to stdout.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"shelfnotes.io/reading-companion/internal/capture"
)

type Config struct {
	Command     string
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
	// StartupGrace is how long ffmpeg must stay alive before the device
	// counts as acquired.
	StartupGrace time.Duration
}

const (
	stopGrace = 1200 * time.Millisecond
	// waitDelay bounds how long Wait keeps copying stderr once ffmpeg has
	// exited.
	waitDelay = 500 * time.Millisecond
)

type FFmpegInput struct {
	cfg Config
}

func NewFFmpegInput(cfg Config) *FFmpegInput {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 250 * time.Millisecond
	}
	return &FFmpegInput{cfg: cfg}
}

// Acquire holds the device until the returned stream is closed. The process
// is not bound to ctx; closing the stream stops it.
func (in *FFmpegInput) Acquire(ctx context.Context) (capture.AudioStream, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", in.cfg.InputFormat,
		"-i", in.cfg.InputDevice,
		"-ac", strconv.Itoa(in.cfg.Channels),
		"-ar", strconv.Itoa(in.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(in.cfg.Command, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	timer := time.NewTimer(in.cfg.StartupGrace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stderr.Trimmed())
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = killProcess(cmd.Process)
		<-waitErr
		return nil, ctx.Err()
	case <-timer.C:
	}

	return &ffmpegStream{stdout: stdout, stderr: stderr, process: cmd.Process, waitErr: waitErr}, nil
}

type ffmpegStream struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close interrupts ffmpeg's process group and kills the group if it does
// not exit promptly.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		_ = interruptProcess(s.process)

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.closeErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			_ = killProcess(s.process)
			if err, ok := <-s.waitErr; ok {
				s.closeErr = normalizeStopErr(err)
			}
		}

		// Anything left in the group dies with the stream.
		_ = killProcess(s.process)

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.closeErr == nil {
			s.closeErr = err
		}
		if s.closeErr != nil {
			if detail := s.stderr.Trimmed(); detail != "" {
				s.closeErr = fmt.Errorf("%w: %s", s.closeErr, detail)
			}
		}
	})
	return s.closeErr
}

// An exit status after an interrupt is the normal way for ffmpeg to stop.
// ErrWaitDelay means a leftover child kept stderr open after ffmpeg exited.
func normalizeStopErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// syncBuffer collects stderr while the process runs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Trimmed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
