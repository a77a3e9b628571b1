package vision

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the pipeline or detector cannot be used at all.
	// The detection cycle treats it as fatal.
	ErrUnavailable = errors.New("vision backend unavailable")
	// ErrNoFrame means a single frame could not be captured
	ErrNoFrame = errors.New("no frame")
	// ErrInvocation means a single detector call failed
	ErrInvocation = errors.New("detector invocation failed")
)

// Frame is one captured image handed from the pipeline to the detector
type Frame struct {
	Seq    uint64
	Data   []byte
	Width  int
	Height int
}

// RawDetection is one object as reported by the detector
type RawDetection struct {
	LabelID    int        `json:"label_id"`
	Label      string     `json:"label,omitempty"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// Pipeline produces frames
type Pipeline interface {
	Frame(ctx context.Context) (*Frame, error)
	Close() error
}

// Detector runs inference on one frame
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]RawDetection, error)
	Close() error
}
