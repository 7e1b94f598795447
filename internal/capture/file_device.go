package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileDevice replays prerecorded audio as if it came from a microphone. It
// serves the CLI and tests. Once the data is exhausted the stream stays open,
// silent, until closed.
type FileDevice struct {
	Path      string        // read on every Open when Data is empty
	Data      []byte        // in-memory audio, takes precedence over Path
	ChunkSize int           // bytes per chunk, default 4096
	Interval  time.Duration // delay between chunks, default 100ms
}

// NewFileDevice creates a device that replays the file at path.
func NewFileDevice(path string, chunkSize int, interval time.Duration) *FileDevice {
	return &FileDevice{Path: path, ChunkSize: chunkSize, Interval: interval}
}

// Open implements Device.
func (d *FileDevice) Open(ctx context.Context) (Stream, error) {
	data := d.Data
	if len(data) == 0 {
		if d.Path == "" {
			return nil, fmt.Errorf("%w: no audio source configured", ErrDeviceUnavailable)
		}
		b, err := os.ReadFile(d.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		data = b
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	s := &fileStream{
		chunks: make(chan []byte),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run(data, chunkSize, interval)
	return s, nil
}

type fileStream struct {
	chunks chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *fileStream) run(data []byte, chunkSize int, interval time.Duration) {
	defer close(s.done)
	defer close(s.chunks)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for len(data) > 0 {
		n := min(chunkSize, len(data))
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		data = data[n:]

		select {
		case s.chunks <- chunk:
		case <-s.stop:
			return
		}

		if len(data) == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-s.stop:
			return
		}
	}
	<-s.stop
}

func (s *fileStream) Chunks() <-chan []byte { return s.chunks }

func (s *fileStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
