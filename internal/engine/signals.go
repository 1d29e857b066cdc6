package engine

import (
	"fmt"
	"math"
	"time"

	"fib-pocket-bot-go/internal/models"
)

// 情绪对止盈目标的缩放
const (
	extremeGreed     = 75.0
	greed            = 60.0
	extremeFear      = 25.0
	fear             = 40.0
	highFundingRate  = 0.0005
	greedyMultiplier = 0.6
	greedMultiplier  = 0.8
	panicMultiplier  = 1.5
	fearMultiplier   = 1.2
)

// candidate 是信号评估的结果。consult 为 true 时需要咨询顾问，fallback 为顾问失败时的确定性默认动作
type candidate struct {
	action     models.ProposedAction
	trigger    models.Trigger
	consult    bool
	fallback   models.ProposedAction
	resistance float64
}

// resistanceFor 只有阻力位减仓才记录阻力位
func (c candidate) resistanceFor(act models.ProposedAction) float64 {
	if c.trigger == models.TriggerFibResistance && act.Kind == models.ActionReduce {
		return c.resistance
	}
	return 0
}

func algo(kind models.ActionKind, trigger models.Trigger, amount float64, rationale string) models.ProposedAction {
	return models.ProposedAction{Kind: kind, Amount: amount, Source: models.SourceAlgorithm, Trigger: trigger, Rationale: rationale}
}

func exit(kind models.ActionKind, trigger models.Trigger, reason models.ExitReason, rationale string) candidate {
	act := algo(kind, trigger, 1, rationale)
	act.ExitReason = reason
	return candidate{action: act, trigger: trigger}
}

// evaluatePosition 按固定顺序评估持仓信号，第一个命中的信号生效
func (e *Engine) evaluatePosition(pos models.Position, state *models.EngineState, price float64, sent models.Sentiment, now time.Time, trigger models.Trigger) candidate {
	s := e.cfg.Strategy
	roi := pos.ROI(price)

	// 1. 紧急平仓
	if roi <= s.EmergencyROI {
		return exit(models.ActionEmergencyExit, models.TriggerEmergency, models.ExitEmergency,
			fmt.Sprintf("leveraged ROI %.2f%% at or below emergency %.2f%%", roi*100, s.EmergencyROI*100))
	}

	// 2. 结构失效: 所有周期都跌破黄金口袋下沿的失效线
	if sets := e.tracker.Sets(); len(sets) > 0 {
		broken := 0
		worst := 0.0
		for _, set := range sets {
			line := set.GoldenPocket.Lower * (1 - set.Swing.InvalidationPct)
			if price < line {
				broken++
				worst = math.Max(worst, line)
			}
		}
		if broken == len(sets) {
			return exit(models.ActionFullExit, models.TriggerInvalidation, models.ExitStructuralInvalidation,
				fmt.Sprintf("price %.2f below invalidation %.2f on every timeframe", price, worst))
		}
	}

	// 3. 阻力位减仓后回落
	if n := len(pos.Resistance); n > 0 && s.ResistanceRejectionPct > 0 {
		last := pos.Resistance[n-1]
		if price <= last.ExitPrice*(1-s.ResistanceRejectionPct) {
			return exit(models.ActionFullExit, models.TriggerResistanceRejection, models.ExitResistanceRejection,
				fmt.Sprintf("price %.2f fell %.1f%% below resistance exit %.2f", price, s.ResistanceRejectionPct*100, last.ExitPrice))
		}
	}

	// 4. 移动止损
	high := math.Max(pos.HighWater, price)
	if s.TrailingStopPct > 0 && pos.ROI(high) >= s.TrailingActivateROI && price <= high*(1-s.TrailingStopPct) {
		return exit(models.ActionFullExit, models.TriggerTrailingStop, models.ExitProfitTarget,
			fmt.Sprintf("trailing stop: price %.2f is %.1f%% under high %.2f", price, (1-price/high)*100, high))
	}

	// 5. 斐波那契阻力位
	if level, ok := e.nextResistance(pos); ok && price >= level && !e.wasAsked(level, pos.ID) {
		fallback := algo(models.ActionReduce, models.TriggerFibResistance, s.ResistanceExitDefault,
			fmt.Sprintf("default %.0f%% exit at resistance %.2f", s.ResistanceExitDefault*100, level))
		fallback.ExitReason = models.ExitProfitTarget
		return candidate{
			action:     fallback,
			trigger:    models.TriggerFibResistance,
			consult:    e.arbiter.Enabled(),
			fallback:   fallback,
			resistance: level,
		}
	}

	// 6. 分批止盈
	if idx := pos.TargetsHit; idx < len(s.ProfitTargets) && pos.AveragePrice > 0 {
		target := s.ProfitTargets[idx]
		mult := profitMultiplier(sent)
		gain := (price - pos.AveragePrice) / pos.AveragePrice
		if gain >= target.Gain*mult {
			act := algo(models.ActionReduce, models.TriggerProfitTarget, target.Reduce,
				fmt.Sprintf("profit target %d: gain %.2f%% >= %.2f%% (x%.1f sentiment)", idx+1, gain*100, target.Gain*mult*100, mult))
			act.ExitReason = models.ExitProfitTarget
			return candidate{action: act, trigger: models.TriggerProfitTarget, consult: e.arbiter.Enabled(), fallback: act}
		}
	}

	// 7. 按计划加仓
	if next := pos.ScaleInCount; next < len(s.ScaleLevels) && next < e.cfg.Risk.MaxScaleIns {
		lvl := s.ScaleLevels[next]
		at := pos.EntryPrice * (1 + lvl.Deviation)
		if price <= at {
			act := algo(models.ActionScaleIn, models.TriggerScaleSignal, lvl.Size,
				fmt.Sprintf("scale-in %d at %.2f (%.2f%% from entry %.2f), %dx", next+1, price, lvl.Deviation*100, pos.EntryPrice, lvl.Leverage))
			act.Leverage = lvl.Leverage
			return candidate{action: act, trigger: models.TriggerScaleSignal}
		}
	}

	// 8. 定期复核
	interval := time.Duration(e.cfg.ReviewIntervalMin) * time.Minute
	due := trigger == models.TriggerScheduledReview ||
		(interval > 0 && now.Sub(state.LastReviewAt) >= interval)
	if due && e.arbiter.Enabled() {
		hold := models.Hold(models.SourceAlgorithm, models.TriggerScheduledReview, "scheduled review fallback")
		return candidate{action: hold, trigger: models.TriggerScheduledReview, consult: true, fallback: hold}
	}

	return candidate{
		action:  models.Hold(models.SourceAlgorithm, trigger, fmt.Sprintf("no signal at %.2f, ROI %.2f%%", price, roi*100)),
		trigger: trigger,
	}
}

// entryCandidate 空仓时把评分结果交给顾问，失败时按配置决定是否沿用算法入场
func (e *Engine) entryCandidate(act models.ProposedAction) candidate {
	c := candidate{action: act, trigger: models.TriggerEntrySignal}
	if act.Kind != models.ActionEnter || !e.arbiter.Enabled() {
		return c
	}
	c.consult = true
	if e.cfg.Advisor.EntryFallback == "algorithm" {
		c.fallback = act
	} else {
		c.fallback = models.Hold(models.SourceAlgorithm, models.TriggerEntrySignal, "entry not confirmed by advisor")
	}
	return c
}

// nextResistance 返回高于持仓均价的最近一个尚未触达的阻力位
func (e *Engine) nextResistance(pos models.Position) (float64, bool) {
	best := math.Inf(1)
	for _, set := range e.tracker.Sets() {
		for _, r := range e.cfg.Strategy.ResistanceRatios {
			level, ok := set.Level(r)
			if !ok || level <= pos.AveragePrice || touched(pos, level) {
				continue
			}
			best = math.Min(best, level)
		}
	}
	return best, !math.IsInf(best, 1)
}

func touched(pos models.Position, level float64) bool {
	for _, h := range pos.Resistance {
		if math.Abs(h.Level-level) < 1e-6 {
			return true
		}
	}
	return false
}

// profitMultiplier 贪婪时提前止盈，恐慌时放宽目标
func profitMultiplier(s models.Sentiment) float64 {
	if s.FearGreed == nil {
		return 1
	}
	fg := *s.FearGreed
	funding := 0.0
	if s.FundingRate != nil {
		funding = *s.FundingRate
	}
	switch {
	case fg >= extremeGreed && funding >= highFundingRate:
		return greedyMultiplier
	case fg >= greed:
		return greedMultiplier
	case fg <= extremeFear && funding < 0:
		return panicMultiplier
	case fg <= fear:
		return fearMultiplier
	}
	return 1
}
