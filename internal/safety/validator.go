// Package safety is the last gate between any proposed action and the exchange.
//
// Validate is a pure function of its Input: it keeps no memory between calls,
// so callers pass the adjustment count, last adjustment time, peak equity and
// pause flag taken from the engine checkpoint.
package safety

import (
	"fmt"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Input for one validation.
type Input struct {
	Action           models.ProposedAction
	Position         models.Position
	Account          models.AccountSnapshot
	Price            float64 // 当前价格，为 0 时使用 Account.MarkPrice
	AdjustmentsToday int
	LastAdjustmentAt time.Time
	PeakEquity       float64
	Paused           bool
	Now              time.Time
}

// Validator applies the risk limits in a fixed order.
type Validator struct {
	risk models.Risk
}

// NewValidator creates a validator over the given limits.
func NewValidator(risk models.Risk) *Validator {
	return &Validator{risk: risk}
}

// run carries the working copy of the action through the rules.
type run struct {
	in          Input
	price       float64
	act         models.ProposedAction
	adjustments []models.ReasonCode
	notes       []string
	pause       bool
}

func (r *run) adjust(code models.ReasonCode, amount float64, format string, args ...interface{}) {
	r.act.Amount = amount
	r.adjustments = append(r.adjustments, code)
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

func (r *run) reject(code models.ReasonCode, format string, args ...interface{}) models.SafetyDecision {
	d := models.SafetyDecision{
		Approved:    false,
		ReasonCode:  code,
		Reason:      fmt.Sprintf(format, args...),
		Original:    r.in.Action,
		Adjustments: r.adjustments,
		PauseEngine: r.pause,
	}
	return d
}

func (r *run) approve() models.SafetyDecision {
	d := models.SafetyDecision{
		Approved:    true,
		ReasonCode:  models.ReasonApproved,
		Reason:      "approved",
		Original:    r.in.Action,
		Adjustments: r.adjustments,
		PauseEngine: r.pause,
	}
	if len(r.adjustments) > 0 {
		adjusted := r.act
		d.Adjusted = &adjusted
		d.Reason = fmt.Sprintf("approved with adjustments: %v", r.notes)
	}
	return d
}

// Validate runs the preliminary checks and then the ordered rules. The first
// rejection ends the pipeline; amount adjustments compose and only ever shrink.
func (v *Validator) Validate(in Input) models.SafetyDecision {
	r := &run{in: in, act: in.Action, price: in.Price}
	if r.price <= 0 {
		r.price = in.Account.MarkPrice
	}
	if in.Now.IsZero() {
		r.in.Now = time.Now()
	}
	kind := in.Action.Kind
	pos := in.Position
	r.pause = v.drawdownBreached(in.Account.TotalCapital, in.PeakEquity)

	// 预检查
	switch kind {
	case models.ActionHold:
		d := r.approve()
		d.ReasonCode = models.ReasonHold
		d.Reason = "hold: " + in.Action.Rationale
		return d
	case models.ActionEnter, models.ActionScaleIn, models.ActionAdd:
		if in.Action.Amount <= 0 || in.Action.Amount > 1 {
			return r.reject(models.ReasonInvalidAction, "%s amount %.4f outside (0,1]", kind, in.Action.Amount)
		}
		if in.Action.Leverage < 1 {
			return r.reject(models.ReasonInvalidAction, "%s leverage %d must be >= 1", kind, in.Action.Leverage)
		}
	case models.ActionReduce:
		if in.Action.Amount <= 0 || in.Action.Amount > 1 {
			return r.reject(models.ReasonInvalidAction, "REDUCE fraction %.4f outside (0,1]", in.Action.Amount)
		}
	case models.ActionFullExit, models.ActionEmergencyExit:
	default:
		return r.reject(models.ReasonInvalidAction, "unknown action kind %q", kind)
	}
	if kind == models.ActionEnter && pos.IsOpen() {
		return r.reject(models.ReasonPositionExists, "ENTER while a position is open")
	}
	if kind != models.ActionEnter && !pos.IsOpen() {
		return r.reject(models.ReasonNoPosition, "%s without an open position", kind)
	}
	if r.price <= 0 {
		return r.reject(models.ReasonInvalidAction, "no current price")
	}
	if in.Paused && !kind.IsExit() {
		r.pause = true
		return r.reject(models.ReasonEnginePaused, "engine paused, only full exits allowed")
	}

	if kind.IncreasesExposure() {
		if d, rejected := v.exposureRules(r); rejected {
			return d
		}
	}

	// 6. 回撤熔断
	if r.pause && !kind.IsExit() {
		dd := (in.Account.TotalCapital - in.PeakEquity) / in.PeakEquity
		return r.reject(models.ReasonDrawdownKillSwitch, "drawdown %.2f%% at or beyond limit %.2f%%, engine paused", dd*100, v.risk.MaxDrawdown*100)
	}

	// 7. 亏损时不减仓
	if kind == models.ActionReduce {
		if roi := pos.ROI(r.price); roi < 0 {
			return r.reject(models.ReasonReduceInLoss, "REDUCE rejected at ROI %.2f%%", roi*100)
		}
	}

	// 8. 调整频率与幅度
	if kind == models.ActionAdd || (kind == models.ActionReduce && in.Action.Trigger == models.TriggerScheduledReview) {
		if in.AdjustmentsToday >= v.risk.MaxAdjustmentsPerDay {
			return r.reject(models.ReasonAdjustmentLimit, "%d adjustments in the last 24h, limit %d", in.AdjustmentsToday, v.risk.MaxAdjustmentsPerDay)
		}
		cooldown := time.Duration(v.risk.AdjustmentCooldownMin) * time.Minute
		if !in.LastAdjustmentAt.IsZero() {
			if since := r.in.Now.Sub(in.LastAdjustmentAt); since < cooldown {
				return r.reject(models.ReasonAdjustmentCooldown, "last adjustment %s ago, cooldown %s", since.Round(time.Second), cooldown)
			}
		}
		if kind == models.ActionAdd && r.act.Amount > v.risk.MaxAddPerReview {
			r.adjust(models.ReasonAddCap, v.risk.MaxAddPerReview, "ADD %.4f capped to %.4f", r.act.Amount, v.risk.MaxAddPerReview)
		}
		if kind == models.ActionReduce && r.act.Amount > v.risk.MaxReducePerReview {
			r.adjust(models.ReasonReduceCap, v.risk.MaxReducePerReview, "review REDUCE %.4f capped to %.4f", r.act.Amount, v.risk.MaxReducePerReview)
		}
	}

	return r.approve()
}

// exposureRules covers rules 1 through 5.
func (v *Validator) exposureRules(r *run) (models.SafetyDecision, bool) {
	acct := r.in.Account
	pos := r.in.Position
	kind := r.act.Kind

	if acct.TotalCapital <= 0 {
		return r.reject(models.ReasonMarginUnavailable, "account has no capital"), true
	}

	// 1. 流动性储备
	deployed := acct.DeployedFraction()
	if deployed+r.act.Amount > v.risk.MaxCapitalUsage {
		return r.reject(models.ReasonLiquidReserve, "deployed %.2f%% + %.2f%% exceeds max usage %.2f%%",
			deployed*100, r.act.Amount*100, v.risk.MaxCapitalUsage*100), true
	}
	if r.act.Amount*acct.TotalCapital > acct.AvailableToTrade {
		return r.reject(models.ReasonMarginUnavailable, "margin %.2f needed, %.2f available",
			r.act.Amount*acct.TotalCapital, acct.AvailableToTrade), true
	}

	// 2. 杠杆上限
	if r.act.Leverage > v.risk.MaxLeverage {
		return r.reject(models.ReasonLeverageCap, "leverage %dx exceeds max %dx", r.act.Leverage, v.risk.MaxLeverage), true
	}

	// 3. 名义敞口上限
	total := decimal.NewFromFloat(acct.TotalCapital)
	price := decimal.NewFromFloat(r.price)
	lev := decimal.NewFromInt(int64(r.act.Leverage))
	capNotional := total.Mul(decimal.NewFromFloat(v.risk.MaxNotionalMultiple))
	current := decimal.NewFromFloat(pos.Size).Mul(price)
	proposed := decimal.NewFromFloat(r.act.Amount).Mul(total).Mul(lev)
	if current.Add(proposed).GreaterThan(capNotional) {
		room := capNotional.Sub(current)
		if !room.IsPositive() {
			return r.reject(models.ReasonNotionalCap, "notional %s already at cap %s", current.StringFixed(2), capNotional.StringFixed(2)), true
		}
		fit, _ := room.Div(total.Mul(lev)).Float64()
		r.adjust(models.ReasonNotionalCap, fit, "amount shrunk to %.4f to fit notional cap %s", fit, capNotional.StringFixed(2))
	}

	// 4. 强平距离
	buffer := v.liquidationBuffer(r)
	if buffer < v.risk.MinLiquidationBuffer {
		return r.reject(models.ReasonLiquidationBuffer, "liquidation buffer %.2f%% below minimum %.2f%%",
			buffer*100, v.risk.MinLiquidationBuffer*100), true
	}

	// 5. 仓位大小
	switch kind {
	case models.ActionEnter:
		if r.act.Amount > v.risk.MaxPositionSize {
			r.adjust(models.ReasonAboveMaxSize, v.risk.MaxPositionSize, "ENTER %.4f clamped to max %.4f", r.act.Amount, v.risk.MaxPositionSize)
		}
		if r.act.Amount < v.risk.MinPositionSize {
			return r.reject(models.ReasonBelowMinSize, "ENTER %.4f below minimum %.4f", r.act.Amount, v.risk.MinPositionSize), true
		}
	case models.ActionAdd:
		after := pos.CapitalFraction + r.act.Amount
		if after > v.risk.MaxPositionSize {
			room := v.risk.MaxPositionSize - pos.CapitalFraction
			if room <= 0 {
				return r.reject(models.ReasonAboveMaxSize, "position already at %.4f of capital, max %.4f", pos.CapitalFraction, v.risk.MaxPositionSize), true
			}
			r.adjust(models.ReasonAboveMaxSize, room, "ADD %.4f clamped to %.4f by max position size", r.act.Amount, room)
		}
		if pos.CapitalFraction+r.act.Amount < v.risk.MinPositionSize {
			return r.reject(models.ReasonBelowMinSize, "position after ADD %.4f below minimum %.4f", pos.CapitalFraction+r.act.Amount, v.risk.MinPositionSize), true
		}
	}
	return models.SafetyDecision{}, false
}

// liquidationBuffer estimates the cross-margin liquidation price after the
// action and returns its distance from the current price as a fraction.
func (v *Validator) liquidationBuffer(r *run) float64 {
	pos := r.in.Position
	price := decimal.NewFromFloat(r.price)
	total := decimal.NewFromFloat(r.in.Account.TotalCapital)

	size := decimal.NewFromFloat(pos.Size)
	avg := decimal.NewFromFloat(pos.AveragePrice)
	// 钱包余额 = 权益 - 未实现盈亏
	wallet := total.Sub(size.Mul(price.Sub(avg)))

	addQty := decimal.NewFromFloat(r.act.Amount).Mul(total).Mul(decimal.NewFromInt(int64(r.act.Leverage))).Div(price)
	newSize := size.Add(addQty)
	if !newSize.IsPositive() {
		return 1
	}
	cost := size.Mul(avg).Add(addQty.Mul(price))
	mmr := decimal.NewFromFloat(v.risk.MaintenanceMarginRate)
	liq := cost.Sub(wallet).Div(newSize.Mul(decimal.NewFromInt(1).Sub(mmr)))
	if !liq.IsPositive() {
		return 1
	}
	buf, _ := price.Sub(liq).Div(price).Float64()
	return buf
}

func (v *Validator) drawdownBreached(equity, peak float64) bool {
	if peak <= 0 {
		return false
	}
	return (equity-peak)/peak <= v.risk.MaxDrawdown
}

// LiquidationPrice is exported for reporting: the cross-margin liquidation
// estimate for an open position given the account equity.
func LiquidationPrice(pos models.Position, equity, price, mmr float64) float64 {
	if !pos.IsOpen() || pos.Size <= 0 {
		return 0
	}
	size := decimal.NewFromFloat(pos.Size)
	avg := decimal.NewFromFloat(pos.AveragePrice)
	wallet := decimal.NewFromFloat(equity).Sub(size.Mul(decimal.NewFromFloat(price).Sub(avg)))
	liq := size.Mul(avg).Sub(wallet).Div(size.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(mmr))))
	if !liq.IsPositive() {
		return 0
	}
	f, _ := liq.Float64()
	return f
}
