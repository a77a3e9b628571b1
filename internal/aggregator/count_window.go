package aggregator

import (
	"sort"
	"sync"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// WindowSummary describes the detection ticks observed in one window
type WindowSummary struct {
	Ticks          int            // ticks observed
	EmptyTicks     int            // ticks with no detections
	ModeCount      int            // most frequent object count per tick
	MeanConfidence float64        // over every detection in the window
	MeanFPS        float64        // over ticks that reported fps
	LabelCounts    map[string]int // detections per label
}

// CountWindow accumulates per-tick detection statistics.
// The most frequent per-tick object count smooths single-frame flicker.
type CountWindow struct {
	mu sync.Mutex

	ticks       int
	emptyTicks  int
	countFreq   map[int]int
	confSum     float64
	confN       int
	fpsSum      float64
	fpsN        int
	labelCounts map[string]int
}

// NewCountWindow creates an empty window
func NewCountWindow() *CountWindow {
	w := &CountWindow{}
	w.reset()
	return w
}

func (w *CountWindow) reset() {
	w.ticks = 0
	w.emptyTicks = 0
	w.countFreq = make(map[int]int)
	w.confSum, w.confN = 0, 0
	w.fpsSum, w.fpsN = 0, 0
	w.labelCounts = make(map[string]int)
}

// Add records one tick's detections
func (w *CountWindow) Add(records []models.DetectionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ticks++
	w.countFreq[len(records)]++
	if len(records) == 0 {
		w.emptyTicks++
		return
	}

	for _, r := range records {
		w.confSum += r.Confidence
		w.confN++
		w.labelCounts[r.Label]++
	}
	// every record in a tick carries the same fps
	if fps := records[0].FPS; fps > 0 {
		w.fpsSum += fps
		w.fpsN++
	}
}

// Len returns the number of ticks recorded since the last Flush
func (w *CountWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticks
}

// Flush returns the summary of the current window and starts a new one
func (w *CountWindow) Flush() WindowSummary {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := WindowSummary{
		Ticks:       w.ticks,
		EmptyTicks:  w.emptyTicks,
		ModeCount:   mode(w.countFreq),
		LabelCounts: w.labelCounts,
	}
	if w.confN > 0 {
		s.MeanConfidence = w.confSum / float64(w.confN)
	}
	if w.fpsN > 0 {
		s.MeanFPS = w.fpsSum / float64(w.fpsN)
	}

	w.reset()
	return s
}

// mode returns the most frequent key, preferring the smaller key on ties
func mode(freq map[int]int) int {
	keys := make([]int, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	best, bestN := 0, 0
	for _, k := range keys {
		if freq[k] > bestN {
			best, bestN = k, freq[k]
		}
	}
	return best
}
