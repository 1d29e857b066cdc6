package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"

	"go.uber.org/zap"
)

// PaperExchange 在进程内模拟一个全仓 U 本位合约账户，用于模拟盘和测试。
// 只支持单一交易对的多头仓位。
type PaperExchange struct {
	Symbol string

	mu            sync.Mutex
	wallet        float64 // 钱包余额 = 初始资金 + 已实现盈亏 - 手续费
	size          float64
	avgEntry      float64
	leverage      int
	markPrice     float64
	priceTime     time.Time
	totalFees     float64
	liquidated    bool
	nextOrderID   int64
	fillsByClient map[string]models.FillResult

	TakerFeeRate          float64 // 吃单手续费率
	SlippageRate          float64 // 滑点率
	MaintenanceMarginRate float64 // 维持保证金率

	logger *zap.Logger
}

// NewPaperExchange 创建模拟交易所
func NewPaperExchange(cfg *models.Config, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		Symbol:                cfg.Symbol,
		wallet:                cfg.Paper.InitialBalance,
		leverage:              1,
		nextOrderID:           1,
		fillsByClient:         make(map[string]models.FillResult),
		TakerFeeRate:          cfg.Paper.TakerFeeRate,
		SlippageRate:          cfg.Paper.SlippageRate,
		MaintenanceMarginRate: cfg.Risk.MaintenanceMarginRate,
		logger:                logger,
	}
}

// SetPrice 推进模拟行情。价格跌破预估爆仓价时强制平仓。
func (e *PaperExchange) SetPrice(price float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.markPrice = price
	e.priceTime = at
	if e.liquidated || e.size <= 0 {
		return
	}
	liq := e.liquidationPriceLocked()
	if liq > 0 && price <= liq {
		e.handleLiquidation(liq)
	}
}

// IsLiquidated 返回账户是否已爆仓
func (e *PaperExchange) IsLiquidated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidated
}

// TotalFees 返回累计手续费
func (e *PaperExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// LiquidationPrice 返回当前预估爆仓价，空仓时为 0
func (e *PaperExchange) LiquidationPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidationPriceLocked()
}

func (e *PaperExchange) GetMarkPrice(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.markPrice <= 0 {
		return 0, ErrNoPrice
	}
	return e.markPrice, nil
}

func (e *PaperExchange) GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.markPrice <= 0 {
		return models.AccountSnapshot{}, ErrNoPrice
	}
	equity := e.equityLocked()
	margin := e.marginLocked()
	available := equity - margin
	if available < 0 {
		available = 0
	}
	return models.AccountSnapshot{
		TotalCapital:     equity,
		DeployedCapital:  margin,
		AvailableToTrade: available,
		MarkPrice:        e.markPrice,
		FetchedAt:        e.fillTime(),
	}, nil
}

func (e *PaperExchange) GetCurrentPosition(ctx context.Context) (*models.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.size <= 0 {
		return nil, nil
	}
	return &models.ExchangePosition{
		Symbol:       e.Symbol,
		Size:         e.size,
		AveragePrice: e.avgEntry,
		Leverage:     e.leverage,
		MarkPrice:    e.markPrice,
		UpdatedAt:    e.priceTime,
	}, nil
}

// PlaceOrder 以当前标记价格加滑点立即成交。同一 ClientOrderID 只成交一次。
func (e *PaperExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if prev, ok := e.fillsByClient[req.ClientOrderID]; ok {
			return &prev, nil
		}
	}
	if e.liquidated {
		return nil, fmt.Errorf("%w: account liquidated", ErrOrderRejected)
	}
	if e.markPrice <= 0 {
		return nil, ErrNoPrice
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %v", ErrOrderRejected, req.Quantity)
	}

	qty := req.Quantity
	var execPrice float64
	if req.Side == models.Buy {
		if req.ReduceOnly {
			return nil, fmt.Errorf("%w: reduce-only buy on a long-only account", ErrOrderRejected)
		}
		execPrice = e.markPrice * (1 + e.SlippageRate)
		lev := e.leverage
		if req.Leverage >= 1 {
			lev = req.Leverage
		}
		// 全仓: 新杠杆作用于整个仓位
		newSize := e.size + qty
		newAvg := (e.avgEntry*e.size + execPrice*qty) / newSize
		fee := execPrice * qty * e.TakerFeeRate
		requiredMargin := newAvg * newSize / float64(lev)
		equityAfter := e.wallet - fee + (e.markPrice-newAvg)*newSize
		if requiredMargin > equityAfter {
			return nil, fmt.Errorf("%w: need %.4f, equity %.4f", ErrInsufficientMargin, requiredMargin, equityAfter)
		}
		e.wallet -= fee
		e.totalFees += fee
		e.size = newSize
		e.avgEntry = newAvg
		e.leverage = lev
	} else {
		if e.size <= 0 {
			return nil, fmt.Errorf("%w: no position to sell", ErrOrderRejected)
		}
		// 平仓数量不能超过持仓
		if qty > e.size {
			qty = e.size
		}
		execPrice = e.markPrice * (1 - e.SlippageRate)
		fee := execPrice * qty * e.TakerFeeRate
		e.wallet += (execPrice-e.avgEntry)*qty - fee
		e.totalFees += fee
		e.size -= qty
		if e.size <= 1e-12 {
			e.size = 0
			e.avgEntry = 0
		}
	}

	fill := models.FillResult{
		OrderID:       "paper-" + strconv.FormatInt(e.nextOrderID, 10),
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Price:         execPrice,
		Quantity:      qty,
		Leverage:      e.leverage,
		Time:          e.fillTime(),
	}
	e.nextOrderID++
	if req.ClientOrderID != "" {
		e.fillsByClient[req.ClientOrderID] = fill
	}

	e.logger.Info("[模拟盘] 订单成交",
		zap.String("orderId", fill.OrderID),
		zap.String("side", string(fill.Side)),
		zap.Float64("price", fill.Price),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("size", e.size),
		zap.Float64("avgEntry", e.avgEntry),
		zap.Float64("equity", e.equityLocked()))
	return &fill, nil
}

// LookupOrder 返回某个 ClientOrderID 的成交记录
func (e *PaperExchange) LookupOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fill, ok := e.fillsByClient[req.ClientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderUnknown, req.ClientOrderID)
	}
	return &fill, nil
}

func (e *PaperExchange) fillTime() time.Time {
	if !e.priceTime.IsZero() {
		return e.priceTime
	}
	return time.Now()
}

// --- 合约核心计算，调用方必须持有锁 ---

func (e *PaperExchange) marginLocked() float64 {
	if e.size <= 0 || e.leverage < 1 {
		return 0
	}
	return e.avgEntry * e.size / float64(e.leverage)
}

// equityLocked 账户权益 = 钱包余额 + 未实现盈亏
func (e *PaperExchange) equityLocked() float64 {
	return e.wallet + (e.markPrice-e.avgEntry)*e.size
}

// liquidationPriceLocked 多头全仓爆仓价:
// LiqPrice = (EntryPrice * PositionSize - WalletBalance) / (PositionSize * (1 - MaintenanceMarginRate))
func (e *PaperExchange) liquidationPriceLocked() float64 {
	if e.size <= 0 {
		return 0
	}
	denominator := e.size * (1 - e.MaintenanceMarginRate)
	if denominator == 0 {
		return 0
	}
	liq := (e.avgEntry*e.size - e.wallet) / denominator
	if liq < 0 {
		return 0
	}
	return liq
}

func (e *PaperExchange) handleLiquidation(liq float64) {
	e.liquidated = true
	e.logger.Error("[模拟盘] 爆仓",
		zap.Float64("liquidationPrice", liq),
		zap.Float64("markPrice", e.markPrice),
		zap.Float64("size", e.size),
		zap.Float64("avgEntry", e.avgEntry),
		zap.Float64("wallet", e.wallet))
	e.wallet = 0
	e.size = 0
	e.avgEntry = 0
}
