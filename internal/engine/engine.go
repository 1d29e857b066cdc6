package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/advisor"
	"fib-pocket-bot-go/internal/confluence"
	"fib-pocket-bot-go/internal/exchange"
	"fib-pocket-bot-go/internal/feed"
	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/safety"
	"fib-pocket-bot-go/internal/sentiment"
	"fib-pocket-bot-go/internal/statemanager"
	"fib-pocket-bot-go/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrEnginePaused is returned by operations that need a running, unpaused engine.
var ErrEnginePaused = errors.New("engine paused by drawdown kill switch")

// Deps 汇总引擎依赖的外部协作者
type Deps struct {
	Config    *models.Config
	Exchange  exchange.Exchange
	State     *statemanager.StateManager
	Sentiment sentiment.Provider
	Arbiter   *advisor.Arbiter
	Audit     storage.AuditLog
	Journal   storage.OrderJournal // 可为 nil
	Window    *feed.Window
	Logger    *zap.Logger
}

// Engine 是单一决策循环: 每个周期最多执行一次仓位变更
type Engine struct {
	cfg       *models.Config
	ex        exchange.Exchange
	sm        *statemanager.StateManager
	sent      sentiment.Provider
	arbiter   *advisor.Arbiter
	audit     storage.AuditLog
	journal   storage.OrderJournal
	window    *feed.Window
	tracker   *fibonacci.Tracker
	scorer    *confluence.Scorer
	validator *safety.Validator
	step      decimal.Decimal
	logger    *zap.Logger
	now       func() time.Time

	cycleMu sync.Mutex // 串行化决策周期

	mu            sync.RWMutex
	isRunning     bool
	stopChannel   chan struct{}
	wg            sync.WaitGroup
	lastPrice     models.PricePoint
	lastAccount   models.AccountSnapshot
	lastSentiment models.Sentiment
	lastCycle     *CycleResult
	askedLevels   map[float64]string // 已咨询过的阻力位 -> 仓位ID
}

// New 创建引擎。波段点优先取检查点中的值，其次取配置
func New(d Deps) (*Engine, error) {
	if d.Config == nil || d.Exchange == nil || d.State == nil || d.Audit == nil {
		return nil, errors.New("engine requires config, exchange, state manager and audit log")
	}
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	swings := d.State.GetStateSnapshot().Swings
	if len(swings) == 0 {
		swings = cfg.Swings
	}
	tracker, err := fibonacci.NewTracker(swings, fibonacci.DefaultRatios)
	if err != nil {
		return nil, err
	}
	step, err := decimal.NewFromString(cfg.QuantityStep)
	if err != nil || !step.IsPositive() {
		step = decimal.RequireFromString("0.001")
	}
	window := d.Window
	if window == nil {
		window = feed.NewWindow(time.Duration(cfg.Strategy.BounceLookbackMin) * time.Minute)
	}
	arbiter := d.Arbiter
	if arbiter == nil {
		arbiter = advisor.NewArbiter(models.Advisor{}, nil, logger)
	}
	return &Engine{
		cfg:         cfg,
		ex:          d.Exchange,
		sm:          d.State,
		sent:        d.Sentiment,
		arbiter:     arbiter,
		audit:       d.Audit,
		journal:     d.Journal,
		window:      window,
		tracker:     tracker,
		scorer:      confluence.NewScorer(cfg.Strategy, time.Duration(cfg.PriceStaleSec)*time.Second),
		validator:   safety.NewValidator(cfg.Risk),
		step:        step,
		logger:      logger,
		now:         time.Now,
		askedLevels: make(map[float64]string),
	}, nil
}

// Window 返回引擎使用的价格窗口，供行情源写入
func (e *Engine) Window() *feed.Window { return e.window }

// LevelSets 返回当前生效的斐波那契水平
func (e *Engine) LevelSets() []*fibonacci.LevelSet { return e.tracker.Sets() }

// Start 启动策略循环与状态监控
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.isRunning = true
	e.stopChannel = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(2)
	go e.strategyLoop(ctx)
	go e.monitorStatus(ctx)
	e.logger.Info("决策引擎已启动",
		zap.String("symbol", e.cfg.Symbol),
		zap.Int("check_interval_sec", e.cfg.CheckIntervalSec),
		zap.Bool("advisor", e.arbiter.Enabled()))
	return nil
}

// Stop 停止循环并等待进行中的周期结束
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	close(e.stopChannel)
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("决策引擎已停止")
}

// strategyLoop 是引擎的主循环，定期执行一次决策周期
func (e *Engine) strategyLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChannel:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunCycle(ctx, models.TriggerTick); err != nil && ctx.Err() == nil {
				e.logger.Warn("决策周期中止", zap.Error(err))
			}
		}
	}
}

// monitorStatus 定期打印状态
func (e *Engine) monitorStatus(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChannel:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.printStatus()
		}
	}
}

// Resume 清除回撤熔断，峰值权益重置为当前权益
func (e *Engine) Resume(ctx context.Context, operator string) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	state := e.sm.GetStateSnapshot()
	if !state.Paused {
		return nil
	}
	account, err := e.ex.GetAccountSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := e.sm.Resume(ctx, statemanager.ResumeEventData{Operator: operator, Equity: account.TotalCapital}); err != nil {
		return err
	}
	e.record(ctx, storage.AuditRecord{
		Event:    storage.EventResume,
		Trigger:  models.TriggerManual,
		Approved: true,
		Reason:   fmt.Sprintf("resumed by %s, peak equity reset to %.2f (was paused: %s)", operator, account.TotalCapital, state.PauseReason),
		Inputs:   storage.JSON(account),
	})
	e.logger.Warn("回撤熔断已解除", zap.String("operator", operator), zap.Float64("equity", account.TotalCapital))
	return nil
}

// UpdateSwing 显式替换某一周期的波段点，重新计算该周期的水平并写入检查点
func (e *Engine) UpdateSwing(ctx context.Context, swing models.Swing) (*fibonacci.LevelSet, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	set, err := fibonacci.Calculate(swing, fibonacci.DefaultRatios)
	if err != nil {
		return nil, err
	}
	if err := e.sm.UpdateSwing(ctx, swing); err != nil {
		return nil, err
	}
	prev, err := e.tracker.Update(swing)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		e.logger.Info("波段点已更新",
			zap.String("timeframe", swing.Timeframe),
			zap.Float64("old_pocket_upper", prev.GoldenPocket.Upper),
			zap.Float64("new_pocket_upper", set.GoldenPocket.Upper))
	}
	e.record(ctx, storage.AuditRecord{
		Event:    storage.EventSwingUpdate,
		Trigger:  models.TriggerManual,
		Approved: true,
		Reason: fmt.Sprintf("%s swing set to high %.2f low %.2f, golden pocket [%.2f, %.2f]",
			swing.Timeframe, swing.High, swing.Low, set.GoldenPocket.Lower, set.GoldenPocket.Upper),
		Inputs:   storage.JSON(swing),
		Decision: storage.JSON(set),
	})
	return set, nil
}

// Status 是供管理接口与报表使用的只读快照
type Status struct {
	Time             time.Time              `json:"time"`
	Running          bool                   `json:"running"`
	Symbol           string                 `json:"symbol"`
	Price            models.PricePoint      `json:"price"`
	Position         models.Position        `json:"position"`
	ROI              float64                `json:"roi"`
	LiquidationPrice float64                `json:"liquidation_price"`
	Account          models.AccountSnapshot `json:"account"`
	Sentiment        models.Sentiment       `json:"sentiment"`
	Paused           bool                   `json:"paused"`
	PauseReason      string                 `json:"pause_reason,omitempty"`
	PeakEquity       float64                `json:"peak_equity"`
	AdjustmentsToday int                    `json:"adjustments_today"`
	LastReviewAt     time.Time              `json:"last_review_at"`
	LevelSets        []*fibonacci.LevelSet  `json:"level_sets"`
	LastCycle        *CycleResult           `json:"last_cycle,omitempty"`
}

// Status 汇总当前仓位、账户、情绪与最近一次周期，供管理接口与报告使用
func (e *Engine) Status() Status {
	state := e.sm.GetStateSnapshot()
	now := e.now()
	e.mu.RLock()
	st := Status{
		Time:             now,
		Running:          e.isRunning,
		Symbol:           e.cfg.Symbol,
		Price:            e.lastPrice,
		Position:         state.Position,
		Account:          e.lastAccount,
		Sentiment:        e.lastSentiment,
		Paused:           state.Paused,
		PauseReason:      state.PauseReason,
		PeakEquity:       state.PeakEquity,
		AdjustmentsToday: state.AdjustmentsSince(now.Add(-24 * time.Hour)),
		LastReviewAt:     state.LastReviewAt,
		LevelSets:        e.tracker.Sets(),
		LastCycle:        e.lastCycle,
	}
	e.mu.RUnlock()
	if st.Position.IsOpen() && st.Price.Price > 0 {
		st.ROI = st.Position.ROI(st.Price.Price)
		st.LiquidationPrice = safety.LiquidationPrice(st.Position, st.Account.TotalCapital, st.Price.Price, e.cfg.Risk.MaintenanceMarginRate)
	}
	return st
}

func (e *Engine) record(ctx context.Context, rec storage.AuditRecord) {
	if rec.Time.IsZero() {
		rec.Time = e.now()
	}
	// 审计写入不受周期 ctx 取消影响
	if err := e.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("写入审计日志失败", zap.String("event", string(rec.Event)), zap.Error(err))
	}
}

func (e *Engine) journalOrder(ctx context.Context, rec storage.OrderRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrder(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("写入订单日志失败", zap.String("clientOrderId", rec.ClientOrderID), zap.Error(err))
	}
}
