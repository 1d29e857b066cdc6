// Package confluence decides whether price sitting in a golden pocket deserves an entry.
package confluence

import (
	"fmt"
	"math"
	"time"

	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"
)

// Signal names recorded in Result.Signals.
const (
	SignalZone      = "zone"
	SignalFear      = "fear"
	SignalFunding   = "negative_funding"
	SignalLongShort = "long_short"
	SignalBounce    = "bounce"
)

// StaleDataError is returned when the latest price is older than the staleness threshold.
type StaleDataError struct {
	Age       time.Duration
	Threshold time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("price data is stale: age %s exceeds %s", e.Age.Round(time.Second), e.Threshold)
}

// Input is everything one scoring pass looks at.
type Input struct {
	Price       float64
	PriceAt     time.Time
	Now         time.Time
	LevelSets   []*fibonacci.LevelSet
	Sentiment   models.Sentiment
	Window      []models.PricePoint
	HasPosition bool
}

// Result explains the proposed action.
type Result struct {
	Action     models.ProposedAction `json:"action"`
	Zone       *fibonacci.Zone       `json:"zone,omitempty"`
	Confluence int                   `json:"confluence"`
	Signals    []string              `json:"signals"`
	Bounce     bool                  `json:"bounce"`
	RecentLow  float64               `json:"recent_low,omitempty"`
}

// Scorer is stateless; all thresholds come from the strategy config.
type Scorer struct {
	cfg   models.Strategy
	stale time.Duration
}

// NewScorer creates a scorer. stale <= 0 disables the staleness check.
func NewScorer(cfg models.Strategy, stale time.Duration) *Scorer {
	return &Scorer{cfg: cfg, stale: stale}
}

// Score runs zone test, confluence count and bounce confirmation in that order.
// Every abstention is a HOLD with the reason in Rationale.
func (s *Scorer) Score(in Input) (Result, error) {
	hold := func(r Result, format string, args ...interface{}) Result {
		r.Action = models.Hold(models.SourceAlgorithm, models.TriggerEntrySignal, fmt.Sprintf(format, args...))
		return r
	}

	if s.stale > 0 && !in.PriceAt.IsZero() {
		if age := in.Now.Sub(in.PriceAt); age > s.stale {
			err := &StaleDataError{Age: age, Threshold: s.stale}
			return hold(Result{}, "abstain: %v", err), err
		}
	}
	if in.HasPosition {
		return hold(Result{}, "position already open"), nil
	}
	if in.Price <= 0 {
		return hold(Result{}, "no price"), nil
	}

	zone, ok := s.pickZone(in.Price, in.LevelSets)
	if !ok {
		return hold(Result{}, "price %.2f outside every golden pocket", in.Price), nil
	}
	res := Result{Zone: &zone, Confluence: 1, Signals: []string{SignalZone}}

	sent := in.Sentiment
	if sent.FearGreed != nil && *sent.FearGreed < s.cfg.FearThreshold {
		res.Confluence++
		res.Signals = append(res.Signals, SignalFear)
	}
	if sent.FundingRate != nil && *sent.FundingRate < 0 {
		res.Confluence++
		res.Signals = append(res.Signals, SignalFunding)
	}
	if sent.LongShortRatio != nil && s.longShortFavorable(*sent.LongShortRatio) {
		res.Confluence++
		res.Signals = append(res.Signals, SignalLongShort)
	}
	if res.Confluence < s.cfg.MinConfluence {
		return hold(res, "confluence %d below required %d", res.Confluence, s.cfg.MinConfluence), nil
	}

	low, bounced := s.bounce(in, zone)
	res.RecentLow = low
	if !bounced {
		return hold(res, "in zone with confluence %d but no bounce off %.2f", res.Confluence, low), nil
	}
	res.Bounce = true
	res.Signals = append(res.Signals, SignalBounce)

	conviction := s.conviction(res.Confluence, in.Price, zone)
	rationale := fmt.Sprintf("%s golden pocket [%.2f, %.2f], confluence %d %v, bounce %.2f -> %.2f",
		zone.Timeframe, zone.Lower, zone.Upper, res.Confluence, res.Signals, low, in.Price)
	res.Action = models.ProposedAction{
		Kind:       models.ActionEnter,
		Amount:     s.cfg.BaseEntrySize * (0.8 + 0.4*conviction),
		Leverage:   s.cfg.InitialLeverage,
		Source:     models.SourceAlgorithm,
		Trigger:    models.TriggerEntrySignal,
		Rationale:  rationale,
		Conviction: conviction,
	}
	return res, nil
}

// pickZone returns the pocket containing price whose center is closest to it.
func (s *Scorer) pickZone(price float64, sets []*fibonacci.LevelSet) (fibonacci.Zone, bool) {
	var best fibonacci.Zone
	found := false
	bestDist := math.Inf(1)
	for _, set := range sets {
		if set == nil {
			continue
		}
		z := set.GoldenPocket
		if !z.Contains(price, s.cfg.ZoneBufferPct) {
			continue
		}
		d := math.Abs(price - z.Mid())
		if d < bestDist || (d == bestDist && z.Width() < best.Width()) {
			best, bestDist, found = z, d, true
		}
	}
	return best, found
}

func (s *Scorer) longShortFavorable(ratio float64) bool {
	if s.cfg.LSFavorable == "below" {
		return ratio < s.cfg.LSNeutralLow
	}
	return ratio > s.cfg.LSNeutralHigh
}

// bounce finds the lowest price inside the lookback and checks price has lifted off it.
func (s *Scorer) bounce(in Input, zone fibonacci.Zone) (float64, bool) {
	since := in.Now.Add(-time.Duration(s.cfg.BounceLookbackMin) * time.Minute)
	low := math.Inf(1)
	for _, p := range in.Window {
		if p.Time.Before(since) || p.Price <= 0 {
			continue
		}
		low = math.Min(low, p.Price)
	}
	if math.IsInf(low, 1) {
		return 0, false
	}
	if low > zone.Upper*(1+s.cfg.BounceZoneProximityPct) {
		return low, false
	}
	return low, in.Price >= low*(1+s.cfg.BounceMinPct)
}

// conviction mixes how many optional signals agree with how close price is to the pocket center.
func (s *Scorer) conviction(count int, price float64, zone fibonacci.Zone) float64 {
	const optionalSignals = 3
	countPart := float64(count-1) / optionalSignals

	reach := zone.Width()/2 + price*s.cfg.ZoneBufferPct
	proximity := 1.0
	if reach > 0 {
		proximity = 1 - math.Abs(price-zone.Mid())/reach
	}
	c := 0.5*countPart + 0.5*clamp01(proximity)
	return clamp01(c)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
