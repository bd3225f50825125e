package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-audio/wav"
)

// FileDevice replays a WAV file as if it were being captured live. The
// stream ends on its own when the file is exhausted.
type FileDevice struct {
	path       string
	chunkBytes int
}

func NewFileDevice(path string, chunkBytes int) *FileDevice {
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &FileDevice{path: path, chunkBytes: chunkBytes}
}

func (d *FileDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if !wav.NewDecoder(f).IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, d.path, ErrNotWAV)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: rewind %s: %w", ErrDeviceUnavailable, d.path, err)
	}

	s := &fileStream{
		frags: make(chan []byte),
		stop:  make(chan struct{}),
	}
	go s.pump(f, d.chunkBytes)
	return s, nil
}

type fileStream struct {
	frags chan []byte
	stop  chan struct{}
	once  sync.Once
}

func (s *fileStream) Fragments() <-chan []byte { return s.frags }

func (s *fileStream) pump(f *os.File, chunkBytes int) {
	defer close(s.frags)
	defer f.Close()
	buf := make([]byte, chunkBytes)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			select {
			case s.frags <- append([]byte(nil), buf[:n]...):
			case <-s.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *fileStream) Release() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
