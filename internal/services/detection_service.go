package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/bubao/CanMV-K230-Demo/internal/aggregator"
	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/vision"
)

// Publisher is the telemetry sink the cycle hands each tick to
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Archiver optionally stores each tick's records
type Archiver interface {
	SaveDetections(ctx context.Context, tick uint64, at time.Time, records []models.DetectionRecord) error
}

// DetectionServiceConfig holds configuration for the detection cycle
type DetectionServiceConfig struct {
	Period             time.Duration // minimum time between detector invocations
	WakeInterval       time.Duration // scheduler granularity
	Topic              string        // fully resolved detection topic
	ClientID           string
	Labels             []string // label table for detectors that only report ids
	FailureReportEvery int      // log every N consecutive failed ticks
	SummaryEvery       int      // log a window summary every N ticks, 0 disables
}

// DefaultDetectionServiceConfig returns default configuration
func DefaultDetectionServiceConfig() DetectionServiceConfig {
	return DetectionServiceConfig{
		Period:             time.Second,
		WakeInterval:       100 * time.Millisecond,
		ClientID:           models.DefaultClientID,
		FailureReportEvery: 10,
		SummaryEvery:       60,
	}
}

// DetectionService runs the fixed-cadence detect and publish cycle.
// It borrows the pipeline, detector and sink; releasing them is the caller's job.
type DetectionService struct {
	pipeline vision.Pipeline
	detector vision.Detector
	sink     Publisher
	archive  Archiver
	clock    clock.WithTicker
	config   DetectionServiceConfig
	window   *aggregator.CountWindow

	mu       sync.Mutex
	lastTick time.Time
	tick     uint64
	failures int
}

// NewDetectionService creates a new detection cycle
func NewDetectionService(
	pipeline vision.Pipeline,
	detector vision.Detector,
	sink Publisher,
	config DetectionServiceConfig,
	clk clock.WithTicker,
) *DetectionService {
	def := DefaultDetectionServiceConfig()
	if config.Period <= 0 {
		config.Period = def.Period
	}
	if config.WakeInterval <= 0 {
		config.WakeInterval = def.WakeInterval
	}
	if config.FailureReportEvery <= 0 {
		config.FailureReportEvery = def.FailureReportEvery
	}
	if config.ClientID == "" {
		config.ClientID = def.ClientID
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &DetectionService{
		pipeline: pipeline,
		detector: detector,
		sink:     sink,
		clock:    clk,
		config:   config,
		window:   aggregator.NewCountWindow(),
	}
}

// SetArchiver attaches an optional archive for detection records
func (ds *DetectionService) SetArchiver(a Archiver) {
	ds.archive = a
}

// Ticks returns how many ticks have fired
func (ds *DetectionService) Ticks() uint64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.tick
}

// Run drives the cycle until ctx is cancelled (nil) or the vision
// backend becomes unusable (error wrapping vision.ErrUnavailable).
func (ds *DetectionService) Run(ctx context.Context) error {
	klog.Infof("DetectionService: starting, period=%v wake=%v topic=%s",
		ds.config.Period, ds.config.WakeInterval, ds.config.Topic)

	ds.mu.Lock()
	ds.lastTick = ds.clock.Now()
	ds.mu.Unlock()

	ticker := ds.clock.NewTicker(ds.config.WakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Infof("DetectionService: shutting down after %d ticks", ds.Ticks())
			return nil
		case now := <-ticker.C():
			if err := ds.wake(ctx, now); err != nil {
				klog.Errorf("DetectionService: stopping: %v", err)
				return err
			}
		}
	}
}

// wake fires a tick only when a full period has elapsed since the last one
func (ds *DetectionService) wake(ctx context.Context, now time.Time) error {
	ds.mu.Lock()
	if now.Sub(ds.lastTick) < ds.config.Period {
		ds.mu.Unlock()
		return nil
	}
	ds.lastTick = now
	ds.tick++
	tick := ds.tick
	ds.mu.Unlock()

	return ds.runTick(ctx, tick, now)
}

func (ds *DetectionService) runTick(ctx context.Context, tick uint64, now time.Time) error {
	raw, fps, err := ds.detect(ctx)
	if err != nil {
		if errors.Is(err, vision.ErrUnavailable) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		ds.recordFailure(tick, err)
	} else {
		ds.recordSuccess()
	}

	records := MapDetections(raw, ds.config.Labels, fps)
	ds.publish(tick, records)

	if ds.archive != nil && len(records) > 0 {
		if err := ds.archive.SaveDetections(ctx, tick, now, records); err != nil {
			klog.Warningf("DetectionService: failed to archive tick %d: %v", tick, err)
		}
	}

	ds.window.Add(records)
	if ds.config.SummaryEvery > 0 && ds.window.Len() >= ds.config.SummaryEvery {
		s := ds.window.Flush()
		klog.Infof("DetectionService: last %d ticks: typical count=%d, mean confidence=%.2f, mean fps=%.1f, empty=%d, labels=%v",
			s.Ticks, s.ModeCount, s.MeanConfidence, s.MeanFPS, s.EmptyTicks, s.LabelCounts)
	}
	return nil
}

func (ds *DetectionService) detect(ctx context.Context) ([]vision.RawDetection, float64, error) {
	frame, err := ds.pipeline.Frame(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to capture frame: %w", err)
	}

	start := ds.clock.Now()
	raw, err := ds.detector.Detect(ctx, frame)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to run detector: %w", err)
	}

	var fps float64
	if elapsed := ds.clock.Since(start); elapsed > 0 {
		fps = 1 / elapsed.Seconds()
	}
	return raw, fps, nil
}

func (ds *DetectionService) publish(tick uint64, records []models.DetectionRecord) {
	payload, err := json.Marshal(models.DetectionMessage{Data: records, ClientID: ds.config.ClientID})
	if err != nil {
		klog.Errorf("DetectionService: failed to marshal tick %d: %v", tick, err)
		return
	}

	if err := ds.sink.Publish(ds.config.Topic, payload); err != nil {
		klog.Warningf("DetectionService: %v", err)
		return
	}
	klog.V(3).Infof("DetectionService: tick %d published %d records", tick, len(records))
}

func (ds *DetectionService) recordFailure(tick uint64, err error) {
	ds.mu.Lock()
	ds.failures++
	n := ds.failures
	ds.mu.Unlock()

	if n == 1 || n%ds.config.FailureReportEvery == 0 {
		klog.Warningf("DetectionService: tick %d empty, %d consecutive failures: %v", tick, n, err)
	}
}

func (ds *DetectionService) recordSuccess() {
	ds.mu.Lock()
	n := ds.failures
	ds.failures = 0
	ds.mu.Unlock()

	if n > 0 {
		klog.Infof("DetectionService: detector recovered after %d failed ticks", n)
	}
}

// MapDetections converts detector output into wire records.
// Label falls back to labels[label_id], then to the numeric id.
func MapDetections(raw []vision.RawDetection, labels []string, fps float64) []models.DetectionRecord {
	records := make([]models.DetectionRecord, 0, len(raw))
	for _, d := range raw {
		label := d.Label
		if label == "" {
			if d.LabelID >= 0 && d.LabelID < len(labels) && labels[d.LabelID] != "" {
				label = labels[d.LabelID]
			} else {
				label = strconv.Itoa(d.LabelID)
			}
		}
		records = append(records, models.DetectionRecord{
			Label:      label,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			FPS:        fps,
		})
	}
	return records
}
