// Package recovery rebuilds the engine state on startup from the exchange
// position, which is ground truth, and the last local checkpoint, which only
// contributes metadata the exchange does not know about.
package recovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"fib-pocket-bot-go/internal/exchange"
	"fib-pocket-bot-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconciliationMismatchError describes a checkpoint that disagrees with the exchange.
// It is informational: the exchange values win and processing continues.
type ReconciliationMismatchError struct {
	CheckpointSize    float64
	CheckpointAverage float64
	ExchangeSize      float64
	ExchangeAverage   float64
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("checkpoint position %.6f @ %.2f does not match exchange %.6f @ %.2f",
		e.CheckpointSize, e.CheckpointAverage, e.ExchangeSize, e.ExchangeAverage)
}

// Outcome names what reconciliation did.
type Outcome string

const (
	OutcomeFlat             Outcome = "FLAT"              // 交易所无持仓，检查点也无持仓
	OutcomeClosedExternally Outcome = "CLOSED_EXTERNALLY" // 检查点有持仓但交易所已无持仓
	OutcomeRestored         Outcome = "RESTORED"          // 检查点与交易所一致，沿用元数据
	OutcomeRebuilt          Outcome = "REBUILT"           // 不一致或无检查点，按交易所重建
)

// Result is the reconciled state plus what happened to the checkpoint.
type Result struct {
	State    *models.EngineState
	Outcome  Outcome
	Closed   *models.Position // 被外部平掉的旧仓位，供归档
	Mismatch *ReconciliationMismatchError
}

// Reconciler merges exchange truth with a checkpoint.
type Reconciler struct {
	ex       exchange.Exchange
	symbol   string
	risk     models.Risk
	strategy models.Strategy
	logger   *zap.Logger
}

// NewReconciler creates a reconciler for cfg.Symbol using the configured risk and strategy limits.
func NewReconciler(ex exchange.Exchange, cfg *models.Config, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ex:       ex,
		symbol:   cfg.Symbol,
		risk:     cfg.Risk,
		strategy: cfg.Strategy,
		logger:   logger,
	}
}

// Reconcile queries the exchange and returns the state the engine should start from.
// checkpoint may be nil. The checkpoint itself is never modified.
func (r *Reconciler) Reconcile(ctx context.Context, checkpoint *models.EngineState, now time.Time) (*Result, error) {
	exPos, err := r.ex.GetCurrentPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("query exchange position: %w", err)
	}

	state := models.NewEngineState(r.symbol)
	if checkpoint != nil {
		copied := *checkpoint
		copied.AdjustmentLog = append([]models.Adjustment(nil), checkpoint.AdjustmentLog...)
		copied.Swings = append([]models.Swing(nil), checkpoint.Swings...)
		copied.ProcessedFills = make(map[string]time.Time, len(checkpoint.ProcessedFills))
		for k, v := range checkpoint.ProcessedFills {
			copied.ProcessedFills[k] = v
		}
		state = &copied
		if state.Symbol == "" {
			state.Symbol = r.symbol
		}
	}
	local := state.Position
	hasExchange := exPos != nil && exPos.Size > r.risk.DustSize

	if !hasExchange {
		res := &Result{State: state, Outcome: OutcomeFlat}
		if local.IsOpen() {
			closed := local
			closed.Size = 0
			closed.CapitalFraction = 0
			closed.Status = models.StatusClosed
			closed.ClosedAt = now
			closed.ExitReason = models.ExitExternal
			res.Closed = &closed
			res.Outcome = OutcomeClosedExternally
			r.logger.Warn("检查点中的仓位已在交易所平仓", zap.String("position", local.ID), zap.Float64("size", local.Size))
		}
		state.Position = models.Position{Status: models.StatusIdle}
		state.AdjustmentLog = nil
		return res, nil
	}

	if local.IsOpen() && r.consistent(local, exPos) {
		pos := local
		pos.Size = exPos.Size
		pos.AveragePrice = exPos.AveragePrice
		if exPos.Leverage > 0 {
			pos.Leverage = exPos.Leverage
		}
		if exPos.MarkPrice > pos.HighWater {
			pos.HighWater = exPos.MarkPrice
		}
		state.Position = pos
		r.logger.Info("检查点与交易所持仓一致，恢复仓位元数据",
			zap.String("position", pos.ID),
			zap.Int("scale_ins", pos.ScaleInCount),
			zap.Int("adjustments", len(state.AdjustmentLog)))
		return &Result{State: state, Outcome: OutcomeRestored}, nil
	}

	mismatch := &ReconciliationMismatchError{
		ExchangeSize:    exPos.Size,
		ExchangeAverage: exPos.AveragePrice,
	}
	if local.IsOpen() {
		mismatch.CheckpointSize = local.Size
		mismatch.CheckpointAverage = local.AveragePrice
	}

	account, err := r.ex.GetAccountSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("query account for reconciliation: %w", err)
	}
	lev := exPos.Leverage
	if lev < 1 {
		lev = r.strategy.InitialLeverage
	}
	if lev < 1 {
		lev = 1
	}
	fraction := 0.0
	if account.TotalCapital > 0 {
		fraction = exPos.Size * exPos.AveragePrice / float64(lev) / account.TotalCapital
	}

	opened := now
	if local.IsOpen() && !local.OpenedAt.IsZero() {
		opened = local.OpenedAt
	}
	high := exPos.AveragePrice
	if exPos.MarkPrice > high {
		high = exPos.MarkPrice
	}
	state.Position = models.Position{
		ID:              uuid.NewString(),
		Status:          models.StatusEntered,
		EntryPrice:      exPos.AveragePrice,
		AveragePrice:    exPos.AveragePrice,
		Size:            exPos.Size,
		Leverage:        lev,
		CapitalFraction: fraction,
		OpenedAt:        opened,
		ScaleInCount:    r.inferScaleIns(fraction),
		TotalEntered:    exPos.Size,
		LastActionAt:    now,
		HighWater:       high,
	}
	// 计数器重置为保守值: 记一条合成调整，使频率限制立即生效
	state.AdjustmentLog = []models.Adjustment{{Timestamp: now, Kind: models.AdjustmentReconcile, Amount: fraction}}

	r.logger.Warn("检查点与交易所持仓不一致，按交易所数据重建",
		zap.Error(mismatch),
		zap.Float64("capital_fraction", fraction),
		zap.Int("inferred_scale_ins", state.Position.ScaleInCount))
	return &Result{State: state, Outcome: OutcomeRebuilt, Mismatch: mismatch}, nil
}

func (r *Reconciler) consistent(local models.Position, ex *models.ExchangePosition) bool {
	tol := r.risk.ReconcileTolerance
	if tol <= 0 {
		tol = 0.01
	}
	return relDiff(local.Size, ex.Size) <= tol && relDiff(local.AveragePrice, ex.AveragePrice) <= tol
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return math.Abs(a)
	}
	return math.Abs(a-b) / math.Abs(b)
}

// inferScaleIns walks the scale plan and counts the levels whose cumulative
// capital the deployed fraction covers, clipped to the configured maximum.
func (r *Reconciler) inferScaleIns(fraction float64) int {
	tol := r.risk.ReconcileTolerance
	if tol <= 0 {
		tol = 0.01
	}
	cum := r.strategy.BaseEntrySize
	n := 0
	for _, lvl := range r.strategy.ScaleLevels {
		cum += lvl.Size
		if fraction+tol < cum {
			break
		}
		n++
	}
	if limit := r.risk.MaxScaleIns; limit > 0 && n > limit {
		n = limit
	}
	return n
}
