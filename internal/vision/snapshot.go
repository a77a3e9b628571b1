package vision

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// SnapshotPipeline reads the latest frame from a file the camera service
// keeps overwriting. With no path it emits empty frames carrying only a
// sequence number, for detectors that own their own sensor.
type SnapshotPipeline struct {
	path   string
	width  int
	height int

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewSnapshotPipeline creates a pipeline over path
func NewSnapshotPipeline(path string, width, height int) (*SnapshotPipeline, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: frame source %s: %v", ErrUnavailable, path, err)
		}
	}
	return &SnapshotPipeline{path: path, width: width, height: height}, nil
}

// Frame returns the next frame
func (p *SnapshotPipeline) Frame(ctx context.Context) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: pipeline closed", ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.seq++
	frame := &Frame{Seq: p.seq, Width: p.width, Height: p.height}
	if p.path == "" {
		return frame, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame file", ErrNoFrame)
	}
	frame.Data = data
	return frame, nil
}

// Close releases the pipeline
func (p *SnapshotPipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
