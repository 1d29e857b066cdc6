package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"fib-pocket-bot-go/internal/advisor"
	"fib-pocket-bot-go/internal/confluence"
	"fib-pocket-bot-go/internal/exchange"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/safety"
	"fib-pocket-bot-go/internal/statemanager"
	"fib-pocket-bot-go/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CycleResult 描述一次决策周期的结果
type CycleResult struct {
	Trigger  models.Trigger        `json:"trigger"`
	Time     time.Time             `json:"time"`
	Price    float64               `json:"price"`
	Proposed models.ProposedAction `json:"proposed"`
	Advisor  *advisor.Outcome      `json:"advisor,omitempty"`
	Decision models.SafetyDecision `json:"decision"`
	Fill     *models.FillResult    `json:"fill,omitempty"`
	Applied  bool                  `json:"applied"`
	Position models.Position       `json:"position"`
	Error    string                `json:"error,omitempty"`
}

// cycleInputs 是写入审计记录的输入快照
type cycleInputs struct {
	Price     float64                `json:"price"`
	PriceAt   time.Time              `json:"price_at"`
	Account   models.AccountSnapshot `json:"account"`
	Sentiment models.Sentiment       `json:"sentiment"`
	Position  models.Position        `json:"position"`
	Signals   []string               `json:"signals,omitempty"`
}

// RunCycle 执行一次完整的决策周期: 获取数据 -> 生成提议 -> 顾问仲裁 -> 安全校验 -> 下单 -> 状态变更。
// 周期之间互斥；被拒绝的动作不会重试。
func (e *Engine) RunCycle(ctx context.Context, trigger models.Trigger) (*CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	now := e.now()
	res := &CycleResult{Trigger: trigger, Time: now}
	defer e.remember(res)

	// 并发获取账户、情绪与价格，它们都没有副作用
	var (
		account models.AccountSnapshot
		sent    models.Sentiment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = e.ex.GetAccountSnapshot(gctx)
		return err
	})
	g.Go(func() error {
		if e.sent != nil {
			sent = e.sent.GetSentiment(gctx)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, e.abort(ctx, res, fmt.Errorf("account snapshot: %w", err))
	}

	price, priceAt := e.currentPrice(account, now)
	res.Price = price
	if price <= 0 {
		return res, e.abort(ctx, res, exchange.ErrNoPrice)
	}

	state := e.sm.GetStateSnapshot()
	pos := state.Position
	e.sm.ObserveEquity(account.TotalCapital)
	peak := math.Max(state.PeakEquity, account.TotalCapital)

	// 持仓时价格过期: 不评估任何信号，也不推高最高价
	if pos.IsOpen() {
		if staleErr := e.staleness(priceAt, now); staleErr != nil {
			return e.abstain(ctx, res, cycleInputs{Price: price, PriceAt: priceAt, Account: account, Sentiment: sent, Position: pos}, staleErr)
		}
		e.sm.UpdateHighWater(price)
	}

	e.mu.Lock()
	e.lastAccount = account
	e.lastSentiment = sent
	e.mu.Unlock()

	inputs := cycleInputs{Price: price, PriceAt: priceAt, Account: account, Sentiment: sent, Position: pos}

	// 生成候选动作
	var cand candidate
	if pos.IsOpen() {
		cand = e.evaluatePosition(pos, state, price, sent, now, trigger)
	} else {
		score, err := e.scorer.Score(confluence.Input{
			Price:     price,
			PriceAt:   priceAt,
			Now:       now,
			LevelSets: e.tracker.Sets(),
			Sentiment: sent,
			Window:    e.window.Since(now.Add(-time.Duration(e.cfg.Strategy.BounceLookbackMin) * time.Minute)),
		})
		var stale *confluence.StaleDataError
		if errors.As(err, &stale) {
			e.logger.Warn("价格数据过期，本周期放弃", zap.Error(err))
		}
		inputs.Signals = score.Signals
		cand = e.entryCandidate(score.Action)
	}
	res.Proposed = cand.action

	// 顾问仲裁，顾问的结论同样要经过安全校验
	action := cand.action
	if cand.consult {
		proposal := cand.action
		var proposalPtr *models.ProposedAction
		if proposal.Kind != models.ActionHold {
			proposalPtr = &proposal
		}
		actx := advisor.BuildContext(advisor.ContextInput{
			Trigger:          cand.trigger,
			Now:              now,
			Price:            price,
			Position:         pos,
			Sentiment:        sent,
			Account:          account,
			AdjustmentsToday: state.AdjustmentsSince(now.Add(-24 * time.Hour)),
			LevelSets:        e.tracker.Sets(),
			ZoneBuffer:       e.cfg.Strategy.ZoneBufferPct,
			Proposal:         proposalPtr,
		})
		out, err := e.arbiter.Arbitrate(ctx, advisor.Request{Context: actx, Proposal: proposalPtr, Fallback: cand.fallback})
		if err != nil {
			// 关闭时取消: 上下文直接丢弃，不做任何变更
			return res, err
		}
		res.Advisor = &out
		action = out.Action
		if out.FellBack {
			e.record(ctx, storage.AuditRecord{
				Event:    storage.EventFallback,
				Trigger:  cand.trigger,
				Kind:     action.Kind,
				Source:   action.Source,
				Reason:   fmt.Sprintf("advisor unavailable on %s: %v; deterministic %s used", cand.trigger, out.Err, action.Kind),
				Inputs:   storage.JSON(actx),
				Decision: storage.JSON(action),
			})
		}
		if cand.trigger == models.TriggerScheduledReview {
			e.sm.MarkReview(now)
		}
		if cand.trigger == models.TriggerFibResistance {
			e.markAsked(cand.resistance, pos.ID)
		}
	}

	decision := e.validator.Validate(safety.Input{
		Action:           action,
		Position:         pos,
		Account:          account,
		Price:            price,
		AdjustmentsToday: state.AdjustmentsSince(now.Add(-24 * time.Hour)),
		LastAdjustmentAt: state.LastAdjustmentAt(),
		PeakEquity:       peak,
		Paused:           state.Paused,
		Now:              now,
	})
	res.Decision = decision
	res.Position = pos

	if decision.PauseEngine && !state.Paused {
		reason := fmt.Sprintf("drawdown kill switch: equity %.2f vs peak %.2f", account.TotalCapital, peak)
		if err := e.sm.Pause(ctx, reason); err != nil {
			e.logger.Error("无法进入暂停状态", zap.Error(err))
		} else {
			e.logger.Error("回撤熔断触发，引擎暂停，仅允许全部平仓", zap.String("reason", reason))
			e.record(ctx, storage.AuditRecord{Event: storage.EventPause, Trigger: trigger, Reason: reason, Inputs: storage.JSON(account)})
		}
	}

	final := decision.Final()
	if !decision.Approved || final.Kind == models.ActionHold {
		e.recordAction(ctx, inputs, final, decision, pos)
		return res, nil
	}

	req, skip := e.orderFor(final, pos, account, price)
	if skip != "" {
		decision.Approved = false
		decision.ReasonCode = models.ReasonBelowMinSize
		decision.Reason = skip
		res.Decision = decision
		e.recordAction(ctx, inputs, final, decision, pos)
		return res, nil
	}

	// 先落一条 SUBMITTED 记录，进程在下单途中退出时恢复流程可按 ClientOrderID 查单
	submitted := storage.OrderRecord{
		ClientOrderID: req.ClientOrderID, Symbol: e.cfg.Symbol, Kind: final.Kind, Side: req.Side,
		Quantity: req.Quantity, Leverage: req.Leverage, ReduceOnly: req.ReduceOnly,
		Status: storage.OrderStatusSubmitted, CreatedAt: now,
	}
	e.journalOrder(ctx, submitted)

	fill, err := e.ex.PlaceOrder(ctx, req)
	if err != nil {
		failed := submitted
		failed.Error = err.Error()
		// 明确被拒才算失败；网络类错误结果未知，保留 SUBMITTED 交给恢复流程
		if exchange.IsRejection(err) {
			failed.Status = storage.OrderStatusFailed
		}
		e.journalOrder(ctx, failed)
		return res, e.abort(ctx, res, fmt.Errorf("place %s order: %w", final.Kind, err))
	}
	res.Fill = fill
	e.journalOrder(ctx, storage.OrderRecord{
		ClientOrderID: req.ClientOrderID, ExchangeOrderID: fill.OrderID, Symbol: e.cfg.Symbol, Kind: final.Kind,
		Side: req.Side, Quantity: fill.Quantity, Price: fill.Price, Leverage: fill.Leverage, ReduceOnly: req.ReduceOnly,
		Status: storage.OrderStatusFilled, CreatedAt: now,
	})

	if e.sm.IsFillProcessed(fill.OrderID) {
		e.logger.Warn("成交已处理过，跳过状态变更", zap.String("orderId", fill.OrderID))
		res.Position = e.sm.GetStateSnapshot().Position
		e.recordAction(ctx, inputs, final, decision, res.Position)
		return res, nil
	}

	position, applied, err := e.sm.ApplyFill(ctx, statemanager.FillEvent{
		Action:          final,
		Fill:            *fill,
		ExitReason:      final.ExitReason,
		ResistanceLevel: cand.resistanceFor(final),
	})
	res.Applied = applied
	if applied {
		res.Position = position
	}
	if err != nil {
		res.Error = err.Error()
		e.logger.Error("成交已发生但状态处理失败，需要对账", zap.String("orderId", fill.OrderID), zap.Error(err))
		e.recordAction(ctx, inputs, final, decision, res.Position)
		return res, err
	}

	e.logger.Info("动作已执行",
		zap.String("kind", string(final.Kind)),
		zap.String("source", string(final.Source)),
		zap.String("trigger", string(final.Trigger)),
		zap.Float64("price", fill.Price),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("size", position.Size),
		zap.Float64("avg", position.AveragePrice),
		zap.Int("leverage", position.Leverage))
	e.recordAction(ctx, inputs, final, decision, res.Position)
	return res, nil
}

// currentPrice 优先使用行情窗口中的最新价格；窗口为空或窗口价格比账户快照的标记价格更旧时，
// 改用标记价格并补入窗口
func (e *Engine) currentPrice(account models.AccountSnapshot, now time.Time) (float64, time.Time) {
	at := account.FetchedAt
	if at.IsZero() {
		at = now
	}
	mark := models.PricePoint{Price: account.MarkPrice, Time: at}

	if p, ok := e.window.Latest(); ok && (mark.Price <= 0 || !mark.Time.After(p.Time) || e.staleness(p.Time, now) == nil) {
		e.mu.Lock()
		e.lastPrice = p
		e.mu.Unlock()
		return p.Price, p.Time
	}
	p := mark
	if p.Price > 0 {
		e.window.Add(p)
	}
	e.mu.Lock()
	e.lastPrice = p
	e.mu.Unlock()
	return p.Price, p.Time
}

// orderFor 把已批准的动作换算成下单请求。返回非空字符串表示数量不足一个步长。
func (e *Engine) orderFor(act models.ProposedAction, pos models.Position, account models.AccountSnapshot, price float64) (models.OrderRequest, string) {
	req := models.OrderRequest{ClientOrderID: exchange.NewClientOrderID("fp")}
	switch act.Kind {
	case models.ActionEnter, models.ActionScaleIn, models.ActionAdd:
		req.Side = models.Buy
		req.Leverage = act.Leverage
		raw := decimal.NewFromFloat(act.Amount).
			Mul(decimal.NewFromFloat(account.TotalCapital)).
			Mul(decimal.NewFromInt(int64(act.Leverage))).
			Div(decimal.NewFromFloat(price))
		req.Quantity = e.truncate(raw)
	case models.ActionReduce:
		req.Side = models.Sell
		req.ReduceOnly = true
		req.Leverage = pos.Leverage
		req.Quantity = e.truncate(decimal.NewFromFloat(act.Amount).Mul(decimal.NewFromFloat(pos.Size)))
		// 剩余不足粉尘阈值时整仓卖出
		if pos.Size-req.Quantity <= e.cfg.Risk.DustSize {
			req.Quantity = pos.Size
		}
	case models.ActionFullExit, models.ActionEmergencyExit:
		req.Side = models.Sell
		req.ReduceOnly = true
		req.Leverage = pos.Leverage
		req.Quantity = pos.Size
	}
	if req.Quantity <= 0 {
		return req, fmt.Sprintf("%s amount %.4f rounds to zero at step %s", act.Kind, act.Amount, e.step.String())
	}
	return req, ""
}

// truncate 按数量步长向下取整
func (e *Engine) truncate(v decimal.Decimal) float64 {
	return v.Div(e.step).Floor().Mul(e.step).InexactFloat64()
}

// staleness 返回价格时间超过阈值时的错误，阈值未配置时不检查
func (e *Engine) staleness(at, now time.Time) error {
	limit := time.Duration(e.cfg.PriceStaleSec) * time.Second
	if limit <= 0 || at.IsZero() {
		return nil
	}
	if age := now.Sub(at); age > limit {
		return &confluence.StaleDataError{Age: age, Threshold: limit}
	}
	return nil
}

// abstain 以 HOLD 结束本周期并写入审计，仓位保持不变
func (e *Engine) abstain(ctx context.Context, res *CycleResult, in cycleInputs, cause error) (*CycleResult, error) {
	hold := models.Hold(models.SourceAlgorithm, res.Trigger, fmt.Sprintf("abstain: %v", cause))
	decision := e.validator.Validate(safety.Input{Action: hold, Position: in.Position, Account: in.Account, Price: in.Price, Now: res.Time})
	res.Proposed = hold
	res.Decision = decision
	res.Position = in.Position
	res.Error = cause.Error()
	e.logger.Warn("价格数据过期，本周期放弃", zap.Error(cause))
	e.recordAction(ctx, in, hold, decision, in.Position)
	return res, nil
}

func (e *Engine) abort(ctx context.Context, res *CycleResult, err error) error {
	res.Error = err.Error()
	e.record(ctx, storage.AuditRecord{
		Event:   storage.EventCycleAborted,
		Trigger: res.Trigger,
		Kind:    res.Proposed.Kind,
		Source:  res.Proposed.Source,
		Reason:  err.Error(),
		Inputs:  storage.JSON(map[string]any{"price": res.Price, "position": res.Position}),
	})
	var callErr *exchange.CallError
	if errors.As(err, &callErr) {
		e.logger.Error("交易所调用重试耗尽，周期中止且不变更仓位", zap.String("op", callErr.Op), zap.Int("attempts", callErr.Attempts), zap.Error(callErr.Err))
	}
	return err
}

func (e *Engine) recordAction(ctx context.Context, in cycleInputs, act models.ProposedAction, d models.SafetyDecision, after models.Position) {
	reason := d.Reason
	if act.Rationale != "" {
		reason = fmt.Sprintf("%s | %s", d.Reason, act.Rationale)
	}
	e.record(ctx, storage.AuditRecord{
		Event:      storage.EventAction,
		Trigger:    act.Trigger,
		Kind:       act.Kind,
		Source:     act.Source,
		Approved:   d.Approved,
		ReasonCode: d.ReasonCode,
		Reason:     reason,
		Inputs:     storage.JSON(in),
		Decision:   storage.JSON(d),
		State:      storage.JSON(after),
	})
}

func (e *Engine) remember(res *CycleResult) {
	e.mu.Lock()
	e.lastCycle = res
	e.mu.Unlock()
}

func (e *Engine) markAsked(level float64, positionID string) {
	if level <= 0 {
		return
	}
	e.mu.Lock()
	e.askedLevels[level] = positionID
	e.mu.Unlock()
}

func (e *Engine) wasAsked(level float64, positionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.askedLevels[level]
	return ok && id == positionID
}
