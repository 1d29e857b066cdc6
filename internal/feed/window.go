package feed

import (
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"
)

// Window is a thread-safe, time-ordered buffer of recent prices.
// Points older than maxAge (relative to the newest point) are dropped on Add.
type Window struct {
	mu     sync.RWMutex
	points []models.PricePoint
	maxAge time.Duration
}

func NewWindow(maxAge time.Duration) *Window {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Window{maxAge: maxAge}
}

// Add appends a sample. Out-of-order samples are ignored.
func (w *Window) Add(p models.PricePoint) {
	if p.Price <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.points); n > 0 && p.Time.Before(w.points[n-1].Time) {
		return
	}
	w.points = append(w.points, p)

	cutoff := p.Time.Add(-w.maxAge)
	drop := 0
	for drop < len(w.points) && w.points[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.points = append(w.points[:0], w.points[drop:]...)
	}
}

// Latest returns the newest sample.
func (w *Window) Latest() (models.PricePoint, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.points) == 0 {
		return models.PricePoint{}, false
	}
	return w.points[len(w.points)-1], true
}

// Since returns a copy of all samples at or after t.
func (w *Window) Since(t time.Time) []models.PricePoint {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]models.PricePoint, 0, len(w.points))
	for _, p := range w.points {
		if !p.Time.Before(t) {
			out = append(out, p)
		}
	}
	return out
}

// Low returns the lowest sample at or after since.
func (w *Window) Low(since time.Time) (models.PricePoint, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var low models.PricePoint
	found := false
	for _, p := range w.points {
		if p.Time.Before(since) {
			continue
		}
		if !found || p.Price < low.Price {
			low = p
			found = true
		}
	}
	return low, found
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.points)
}
