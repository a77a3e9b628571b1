package vision

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// WorkerConfig describes the detector subprocess
type WorkerConfig struct {
	Command        string
	Args           []string
	Params         models.DetectorParams
	RequestTimeout time.Duration
	StopTimeout    time.Duration
}

type workerRequest struct {
	Type      string                `json:"type"`
	Params    models.DetectorParams `json:"params,omitempty"`
	Seq       uint64                `json:"seq,omitempty"`
	FrameData string                `json:"frame_data,omitempty"`
	Width     int                   `json:"width,omitempty"`
	Height    int                   `json:"height,omitempty"`
}

type workerResponse struct {
	Seq        uint64         `json:"seq"`
	Detections []RawDetection `json:"detections"`
	Error      string         `json:"error,omitempty"`
}

// Worker is a Detector backed by a long-running subprocess speaking
// JSON lines on stdin/stdout.
type Worker struct {
	config WorkerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	responses chan workerResponse
	exited    chan struct{}
	exitErr   error

	mu        sync.Mutex
	closeOnce sync.Once
}

// StartWorker launches the detector process and sends it the parameter block
func StartWorker(config WorkerConfig) (*Worker, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("%w: no detector command configured", ErrUnavailable)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 2 * time.Second
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrUnavailable, config.Command, err)
	}

	w := &Worker{
		config:    config,
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan workerResponse, 1),
		exited:    make(chan struct{}),
	}
	go w.readLoop(stdout)

	if err := w.send(workerRequest{Type: "configure", Params: config.Params}); err != nil {
		_ = w.Close()
		return nil, err
	}

	klog.Infof("Detector Worker: started %s (pid %d)", config.Command, cmd.Process.Pid)
	return w, nil
}

func (w *Worker) readLoop(stdout io.Reader) {
	defer close(w.exited)

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp workerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			klog.Warningf("Detector Worker: dropping malformed line: %v", err)
			continue
		}
		select {
		case w.responses <- resp:
		default:
			klog.V(2).Infof("Detector Worker: dropping unclaimed response seq %d", resp.Seq)
		}
	}
	w.exitErr = sc.Err()
	if w.exitErr == nil {
		w.exitErr = io.EOF
	}
}

func (w *Worker) send(req workerRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request: %v", ErrInvocation, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: detector input closed: %v", ErrUnavailable, err)
	}
	return nil
}

// Detect sends frame to the worker and waits for the matching reply
func (w *Worker) Detect(ctx context.Context, frame *Frame) ([]RawDetection, error) {
	req := workerRequest{
		Type:   "frame",
		Seq:    frame.Seq,
		Width:  frame.Width,
		Height: frame.Height,
	}
	if len(frame.Data) > 0 {
		req.FrameData = base64.StdEncoding.EncodeToString(frame.Data)
	}
	if err := w.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(w.config.RequestTimeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-w.responses:
			if resp.Seq != frame.Seq {
				klog.V(2).Infof("Detector Worker: skipping stale response seq %d (want %d)", resp.Seq, frame.Seq)
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrInvocation, resp.Error)
			}
			return resp.Detections, nil
		case <-w.exited:
			return nil, fmt.Errorf("%w: detector process exited: %v", ErrUnavailable, w.exitErr)
		case <-timer.C:
			return nil, fmt.Errorf("%w: no reply within %v", ErrInvocation, w.config.RequestTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the worker, killing it if it does not exit in time
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		_ = w.stdin.Close()
		w.mu.Unlock()

		done := make(chan error, 1)
		go func() { done <- w.cmd.Wait() }()

		select {
		case err = <-done:
		case <-time.After(w.config.StopTimeout):
			klog.Warningf("Detector Worker: %s did not exit, killing", w.config.Command)
			_ = w.cmd.Process.Kill()
			err = <-done
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// non-zero exit on shutdown is expected for killed workers
			klog.V(2).Infof("Detector Worker: exited: %v", err)
			err = nil
		}
		klog.Info("Detector Worker: stopped")
	})
	return err
}
