package statemanager

import (
	"errors"
	"fmt"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransition is returned for a transition the current status does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPositionClosed is returned for any non-ENTER transition on a closed position.
	ErrPositionClosed = errors.New("position is closed")
	// ErrMissingFillID is returned when a fill carries no exchange order id.
	ErrMissingFillID = errors.New("fill has no exchange order id")
	// ErrStopped is returned once the state manager has been stopped.
	ErrStopped = errors.New("state manager stopped")
)

// MaxScalesExceededError is returned when a SCALE_IN arrives at the configured maximum.
type MaxScalesExceededError struct {
	Count int
	Max   int
}

func (e *MaxScalesExceededError) Error() string {
	return fmt.Sprintf("scale-in count %d already at maximum %d", e.Count, e.Max)
}

// FillEvent is a confirmed exchange fill together with the approved action it executed.
type FillEvent struct {
	Action          models.ProposedAction
	Fill            models.FillResult
	ExitReason      models.ExitReason
	ResistanceLevel float64 // 阻力位减仓时的阻力位价格
}

// Config holds the limits the state machine enforces on its own.
type Config struct {
	MaxScaleIns       int
	DustSize          float64
	AdjustmentWindow  time.Duration
	ProcessedFillsTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.AdjustmentWindow <= 0 {
		c.AdjustmentWindow = 24 * time.Hour
	}
	if c.ProcessedFillsTTL <= 0 {
		c.ProcessedFillsTTL = 7 * 24 * time.Hour
	}
	return c
}

// applyFill mutates state in place. Callers pass a copy and only publish it on success.
// The returned position is set when the fill closed it.
func applyFill(state *models.EngineState, ev FillEvent, cfg Config) (*models.Position, error) {
	f := ev.Fill
	if f.OrderID == "" {
		return nil, ErrMissingFillID
	}
	if f.Quantity <= 0 || f.Price <= 0 {
		return nil, fmt.Errorf("%w: fill %s has quantity %v price %v", ErrInvalidTransition, f.OrderID, f.Quantity, f.Price)
	}
	pos := &state.Position
	kind := ev.Action.Kind
	at := f.Time
	if at.IsZero() {
		at = time.Now()
	}

	if kind != models.ActionEnter {
		switch pos.Status {
		case models.StatusClosed:
			return nil, fmt.Errorf("%w: %s after close", ErrPositionClosed, kind)
		case models.StatusEntered:
		default:
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, kind, pos.Status)
		}
	}

	var closed *models.Position
	switch kind {
	case models.ActionEnter:
		if pos.IsOpen() {
			return nil, fmt.Errorf("%w: ENTER while position %s is open", ErrInvalidTransition, pos.ID)
		}
		lev := f.Leverage
		if lev < 1 {
			lev = ev.Action.Leverage
		}
		*pos = models.Position{
			ID:              uuid.NewString(),
			Status:          models.StatusEntered,
			EntryPrice:      f.Price,
			AveragePrice:    f.Price,
			Size:            f.Quantity,
			Leverage:        lev,
			CapitalFraction: ev.Action.Amount,
			OpenedAt:        at,
			TotalEntered:    f.Quantity,
			HighWater:       f.Price,
		}
		// 调整记录只属于当前仓位
		state.AdjustmentLog = nil

	case models.ActionScaleIn, models.ActionAdd:
		if kind == models.ActionScaleIn && pos.ScaleInCount >= cfg.MaxScaleIns {
			return nil, &MaxScalesExceededError{Count: pos.ScaleInCount, Max: cfg.MaxScaleIns}
		}
		pos.AveragePrice = weightedAverage(pos.Size, pos.AveragePrice, f.Quantity, f.Price)
		pos.Size = decimal.NewFromFloat(pos.Size).Add(decimal.NewFromFloat(f.Quantity)).InexactFloat64()
		pos.TotalEntered += f.Quantity
		pos.CapitalFraction += ev.Action.Amount
		// 杠杆只升不降
		lev := f.Leverage
		if lev < 1 {
			lev = ev.Action.Leverage
		}
		if lev > pos.Leverage {
			pos.Leverage = lev
		}
		if kind == models.ActionScaleIn {
			pos.ScaleInCount++
		} else {
			state.AdjustmentLog = append(state.AdjustmentLog, models.Adjustment{Timestamp: at, Kind: kind, Amount: ev.Action.Amount})
		}

	case models.ActionReduce:
		qty := f.Quantity
		if qty > pos.Size {
			qty = pos.Size
		}
		prevSize := pos.Size
		pos.RealizedPnL += pnl(qty, f.Price, pos.AveragePrice)
		pos.Size = decimal.NewFromFloat(pos.Size).Sub(decimal.NewFromFloat(qty)).InexactFloat64()
		if prevSize > 0 {
			pos.CapitalFraction *= pos.Size / prevSize
		}
		if ev.Action.Trigger == models.TriggerScheduledReview {
			state.AdjustmentLog = append(state.AdjustmentLog, models.Adjustment{Timestamp: at, Kind: kind, Amount: ev.Action.Amount})
		}
		if ev.Action.Trigger == models.TriggerProfitTarget {
			pos.TargetsHit++
		}
		if ev.ResistanceLevel > 0 {
			pos.Resistance = append(pos.Resistance, models.ResistanceHit{Level: ev.ResistanceLevel, ExitPrice: f.Price, Time: at})
		}
		if pos.Size <= cfg.DustSize {
			reason := ev.ExitReason
			if reason == "" {
				reason = models.ExitProfitTarget
			}
			closePosition(pos, reason, at)
		}

	case models.ActionFullExit, models.ActionEmergencyExit:
		pos.RealizedPnL += pnl(pos.Size, f.Price, pos.AveragePrice)
		reason := ev.ExitReason
		if reason == "" {
			if kind == models.ActionEmergencyExit {
				reason = models.ExitEmergency
			} else {
				reason = models.ExitStructuralInvalidation
			}
		}
		closePosition(pos, reason, at)
		// 完成的全部平仓解除回撤熔断暂停
		state.Paused = false
		state.PauseReason = ""

	default:
		return nil, fmt.Errorf("%w: unsupported action %q", ErrInvalidTransition, kind)
	}

	pos.Fills = append(pos.Fills, models.Fill{
		OrderID:  f.OrderID,
		Kind:     kind,
		Side:     f.Side,
		Price:    f.Price,
		Quantity: f.Quantity,
		Leverage: f.Leverage,
		Time:     at,
	})
	if pos.TotalEntered > 0 {
		pos.ExitProgress = (pos.TotalEntered - pos.Size) / pos.TotalEntered
	}
	pos.LastActionAt = at
	if pos.Status == models.StatusEntered && f.Price > pos.HighWater {
		pos.HighWater = f.Price
	}
	if pos.Status == models.StatusClosed {
		c := *pos
		closed = &c
	}
	state.ProcessedFills[f.OrderID] = at
	return closed, nil
}

func closePosition(pos *models.Position, reason models.ExitReason, at time.Time) {
	pos.Size = 0
	pos.CapitalFraction = 0
	pos.Status = models.StatusClosed
	pos.ClosedAt = at
	pos.ExitReason = reason
}

// weightedAverage returns (s1*p1 + s2*p2) / (s1+s2).
func weightedAverage(s1, p1, s2, p2 float64) float64 {
	a := decimal.NewFromFloat(s1)
	b := decimal.NewFromFloat(s2)
	total := a.Add(b)
	if total.IsZero() {
		return p2
	}
	return a.Mul(decimal.NewFromFloat(p1)).Add(b.Mul(decimal.NewFromFloat(p2))).Div(total).InexactFloat64()
}

func pnl(qty, price, avg float64) float64 {
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(avg))).InexactFloat64()
}

// prune drops adjustment entries and processed fill ids that fell out of their windows.
func prune(state *models.EngineState, now time.Time, cfg Config) {
	cutoff := now.Add(-cfg.AdjustmentWindow)
	kept := state.AdjustmentLog[:0]
	for _, a := range state.AdjustmentLog {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	state.AdjustmentLog = kept

	fillCutoff := now.Add(-cfg.ProcessedFillsTTL)
	for id, at := range state.ProcessedFills {
		if at.Before(fillCutoff) {
			delete(state.ProcessedFills, id)
		}
	}
}
