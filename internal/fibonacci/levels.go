// Package fibonacci turns structural swing points into fixed retracement levels.
//
// Levels are computed once per swing and only recomputed when a swing is
// explicitly replaced through Tracker.Update. Nothing here derives swings from
// a trailing price window.
package fibonacci

import (
	"fib-pocket-bot-go/internal/models"
	"fmt"
	"sort"
	"sync"
)

// Golden pocket bounds.
const (
	RatioGoldenUpper = 0.618
	RatioGoldenLower = 0.65
)

// DefaultRatios are the tracked retracement ratios.
var DefaultRatios = []float64{0.236, 0.382, 0.5, 0.618, 0.65, 0.786, 1.0}

// Direction of the read.
type Direction string

const (
	// Down measures a retracement from the swing high toward the swing low.
	Down Direction = "down"
	// Up measures an extension from the swing low toward the swing high.
	Up Direction = "up"
)

// InvalidSwingError is returned when swing_high <= swing_low.
type InvalidSwingError struct {
	Timeframe string
	High      float64
	Low       float64
}

func (e *InvalidSwingError) Error() string {
	return fmt.Sprintf("invalid swing for %s: high %.2f must be above low %.2f", e.Timeframe, e.High, e.Low)
}

// Level is one ratio mapped to an absolute price.
type Level struct {
	Ratio float64 `json:"ratio"`
	Price float64 `json:"price"`
}

// Zone is a closed price interval, Lower <= Upper.
type Zone struct {
	Timeframe string  `json:"timeframe"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
}

// Contains reports whether price lies inside the zone widened by buffer (fraction of price).
func (z Zone) Contains(price, buffer float64) bool {
	return price >= z.Lower*(1-buffer) && price <= z.Upper*(1+buffer)
}

// Mid returns the center of the zone.
func (z Zone) Mid() float64 { return (z.Lower + z.Upper) / 2 }

// Width returns Upper-Lower.
func (z Zone) Width() float64 { return z.Upper - z.Lower }

// LevelSet is immutable once computed.
type LevelSet struct {
	Timeframe    string       `json:"timeframe"`
	Swing        models.Swing `json:"swing"`
	Direction    Direction    `json:"direction"`
	Levels       []Level      `json:"levels"`
	GoldenPocket Zone         `json:"golden_pocket"`
}

// Calculate maps ratios onto the swing. For a Down read
// level(r) = high - (high-low)*r; for an Up read level(r) = low + (high-low)*r.
func Calculate(swing models.Swing, ratios []float64) (*LevelSet, error) {
	if swing.High <= swing.Low {
		return nil, &InvalidSwingError{Timeframe: swing.Timeframe, High: swing.High, Low: swing.Low}
	}
	if len(ratios) == 0 {
		ratios = DefaultRatios
	}
	dir := Direction(swing.Direction)
	if dir != Up {
		dir = Down
	}

	set := &LevelSet{
		Timeframe: swing.Timeframe,
		Swing:     swing,
		Direction: dir,
		Levels:    make([]Level, 0, len(ratios)),
	}
	seen := make(map[float64]bool, len(ratios)+2)
	for _, r := range append(append([]float64{}, ratios...), RatioGoldenUpper, RatioGoldenLower) {
		if seen[r] {
			continue
		}
		seen[r] = true
		set.Levels = append(set.Levels, Level{Ratio: r, Price: price(swing, dir, r)})
	}
	sort.Slice(set.Levels, func(i, j int) bool { return set.Levels[i].Ratio < set.Levels[j].Ratio })

	a := price(swing, dir, RatioGoldenLower)
	b := price(swing, dir, RatioGoldenUpper)
	if a > b {
		a, b = b, a
	}
	set.GoldenPocket = Zone{Timeframe: swing.Timeframe, Lower: a, Upper: b}
	return set, nil
}

func price(swing models.Swing, dir Direction, r float64) float64 {
	span := swing.High - swing.Low
	if dir == Up {
		return swing.Low + span*r
	}
	return swing.High - span*r
}

// Level returns the price for ratio r.
func (s *LevelSet) Level(r float64) (float64, bool) {
	for _, l := range s.Levels {
		if l.Ratio == r {
			return l.Price, true
		}
	}
	return 0, false
}

// Above returns the levels strictly above price, nearest first.
func (s *LevelSet) Above(price float64) []Level {
	var out []Level
	for _, l := range s.Levels {
		if l.Price > price {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// Tracker holds the active level sets keyed by timeframe.
type Tracker struct {
	mu     sync.RWMutex
	ratios []float64
	sets   map[string]*LevelSet
	order  []string
}

// NewTracker builds level sets for every swing.
func NewTracker(swings []models.Swing, ratios []float64) (*Tracker, error) {
	t := &Tracker{ratios: ratios, sets: make(map[string]*LevelSet)}
	for _, sw := range swings {
		if _, err := t.Update(sw); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Update replaces the swing for one timeframe and recomputes its levels.
// It returns the previous level set, nil if the timeframe is new.
func (t *Tracker) Update(swing models.Swing) (*LevelSet, error) {
	set, err := Calculate(swing, t.ratios)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.sets[swing.Timeframe]
	if prev == nil {
		t.order = append(t.order, swing.Timeframe)
	}
	t.sets[swing.Timeframe] = set
	return prev, nil
}

// Sets returns the level sets in insertion order.
func (t *Tracker) Sets() []*LevelSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*LevelSet, 0, len(t.order))
	for _, tf := range t.order {
		out = append(out, t.sets[tf])
	}
	return out
}

// Get returns the level set for a timeframe.
func (t *Tracker) Get(timeframe string) (*LevelSet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sets[timeframe]
	return s, ok
}

// Swings returns the swing points currently in effect.
func (t *Tracker) Swings() []models.Swing {
	sets := t.Sets()
	out := make([]models.Swing, 0, len(sets))
	for _, s := range sets {
		out = append(out, s.Swing)
	}
	return out
}
