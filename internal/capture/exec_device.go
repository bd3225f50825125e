package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	execStartTimeout   = 2 * time.Second
	execReleaseTimeout = 3 * time.Second
)

// ExecDevice records by running an external capture command (arecord,
// ffmpeg, sox) that writes encoded audio to stdout.
type ExecDevice struct {
	cmd        []string
	chunkBytes int
}

func NewExecDevice(command string, chunkBytes int) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &ExecDevice{cmd: args, chunkBytes: chunkBytes}, nil
}

// Acquire starts the command and waits until it produces audio, exits, or
// execStartTimeout passes. A command that dies before producing anything is
// reported as an unavailable device together with its stderr.
func (d *ExecDevice) Acquire(ctx context.Context) (Stream, error) {
	cmd := exec.Command(d.cmd[0], d.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s := &execStream{
		cmd:    cmd,
		frags:  make(chan []byte, 16),
		first:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	go s.pump(stdout, d.chunkBytes)

	select {
	case <-s.first:
		return s, nil
	case <-s.exited:
		select {
		case <-s.first:
			// Short clip that finished before we looked.
			return s, nil
		default:
		}
		msg := strings.TrimSpace(s.stderrString())
		if msg == "" && s.waitErr != nil {
			msg = s.waitErr.Error()
		}
		if msg == "" {
			msg = "capture command exited without audio"
		}
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
	case <-ctx.Done():
		_ = s.Release()
		go func() {
			for range s.frags {
			}
		}()
		return nil, ctx.Err()
	case <-time.After(execStartTimeout):
		// Slow to open but alive; treat as acquired.
		return s, nil
	}
}

type execStream struct {
	cmd    *exec.Cmd
	frags  chan []byte
	first  chan struct{}
	exited chan struct{}

	stderr  lockedBuffer
	waitErr error
	once    sync.Once
}

func (s *execStream) Fragments() <-chan []byte { return s.frags }

func (s *execStream) pump(r io.Reader, chunkBytes int) {
	var firstOnce sync.Once
	buf := make([]byte, chunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.frags <- append([]byte(nil), buf[:n]...)
			firstOnce.Do(func() { close(s.first) })
		}
		if err != nil {
			break
		}
	}
	s.waitErr = s.cmd.Wait()
	close(s.exited)
	close(s.frags)
}

// Release interrupts the command so it can finalize its output, and kills it
// if it does not exit in time. The fragment channel closes once stdout is
// fully drained.
func (s *execStream) Release() error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.exited:
			return
		default:
		}
		if sigErr := s.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = sigErr
			_ = s.cmd.Process.Kill()
			return
		}
		go func() {
			select {
			case <-s.exited:
			case <-time.After(execReleaseTimeout):
				_ = s.cmd.Process.Kill()
			}
		}()
	})
	return err
}

func (s *execStream) stderrString() string {
	return s.stderr.String()
}

// lockedBuffer guards stderr, which exec writes from its own goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
