package models

import "time"

// CheckpointVersion 状态模型的版本号，用于未来迁移
const CheckpointVersion = 1

// PositionStatus 仓位生命周期状态
type PositionStatus string

const (
	StatusIdle    PositionStatus = "IDLE"
	StatusEntered PositionStatus = "ENTERED"
	StatusClosed  PositionStatus = "CLOSED"
)

// Position 是引擎唯一权威的仓位视图，只由 StateManager 修改
type Position struct {
	ID              string          `json:"id"`                    // 仓位唯一ID
	Status          PositionStatus  `json:"status"`                // IDLE / ENTERED / CLOSED
	EntryPrice      float64         `json:"entry_price"`           // 首次成交价，设置后不变
	AveragePrice    float64         `json:"average_price"`         // 按数量加权的持仓均价
	Size            float64         `json:"size"`                  // 基础资产数量
	Leverage        int             `json:"leverage"`              // 当前杠杆，同一仓位内只升不降
	CapitalFraction float64         `json:"capital_fraction"`      // 已投入保证金占总资金比例
	OpenedAt        time.Time       `json:"opened_at"`             // 开仓时间
	ScaleInCount    int             `json:"scale_in_count"`        // 已加仓次数
	TotalEntered    float64         `json:"total_entered"`         // 累计买入数量
	ExitProgress    float64         `json:"exit_progress"`         // 已卖出数量占累计买入的比例
	RealizedPnL     float64         `json:"realized_pnl"`          // 累计已实现盈亏
	LastActionAt    time.Time       `json:"last_action_at"`        // 最近一次状态变更时间
	HighWater       float64         `json:"high_water"`            // 持仓期间最高价 (移动止损)
	TargetsHit      int             `json:"targets_hit"`           // 已触发的止盈档位数
	Resistance      []ResistanceHit `json:"resistance,omitempty"`  // 已触达的阻力位
	Fills           []Fill          `json:"fills,omitempty"`       // 本仓位的全部成交
	ClosedAt        time.Time       `json:"closed_at"`             // 平仓时间
	ExitReason      ExitReason      `json:"exit_reason,omitempty"` // 平仓原因
}

// IsOpen 判断仓位是否持有中
func (p *Position) IsOpen() bool {
	return p != nil && p.Status == StatusEntered
}

// ROI 返回杠杆收益率 (price-avg)/avg*leverage
func (p *Position) ROI(price float64) float64 {
	if !p.IsOpen() || p.AveragePrice <= 0 {
		return 0
	}
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return (price - p.AveragePrice) / p.AveragePrice * float64(lev)
}

// Notional 返回按价格计算的名义价值
func (p *Position) Notional(price float64) float64 {
	if !p.IsOpen() {
		return 0
	}
	return p.Size * price
}

// Fill 一笔已确认的成交
type Fill struct {
	OrderID  string     `json:"order_id"`
	Kind     ActionKind `json:"kind"`
	Side     Side       `json:"side"`
	Price    float64    `json:"price"`
	Quantity float64    `json:"quantity"`
	Leverage int        `json:"leverage"`
	Time     time.Time  `json:"time"`
}

// ResistanceHit 记录一次阻力位减仓
type ResistanceHit struct {
	Level     float64   `json:"level"`      // 阻力位价格
	ExitPrice float64   `json:"exit_price"` // 减仓成交价
	Time      time.Time `json:"time"`
}

// AdjustmentReconcile 恢复时对账不一致所记录的合成调整
const AdjustmentReconcile ActionKind = "RECONCILE"

// Adjustment 是滚动24小时调整记录中的一条
type Adjustment struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      ActionKind `json:"kind"`
	Amount    float64    `json:"amount"`
}

// EngineState 定义了需要持久化的所有关键数据 (检查点)
type EngineState struct {
	Version        int                  `json:"version"`          // 状态模型的版本号
	Symbol         string               `json:"symbol"`           // 交易对
	Revision       int64                `json:"revision"`         // 每次变更递增
	Position       Position             `json:"position"`         // 当前仓位
	AdjustmentLog  []Adjustment         `json:"adjustment_log"`   // 24小时调整记录
	ProcessedFills map[string]time.Time `json:"processed_fills"`  // 已处理的交易所订单ID (幂等)
	Swings         []Swing              `json:"swings"`           // 当前生效的波段点
	PeakEquity     float64              `json:"peak_equity"`      // 历史最高权益
	Paused         bool                 `json:"paused"`           // 回撤熔断后暂停
	PauseReason    string               `json:"pause_reason"`     // 暂停原因
	LastReviewAt   time.Time            `json:"last_review_at"`   // 最近一次定期复核
	LastUpdateTime time.Time            `json:"last_update_time"` // 状态最后更新的时间戳
}

// NewEngineState 创建空状态
func NewEngineState(symbol string) *EngineState {
	return &EngineState{
		Version:        CheckpointVersion,
		Symbol:         symbol,
		Position:       Position{Status: StatusIdle},
		ProcessedFills: make(map[string]time.Time),
	}
}

// AdjustmentsSince 统计某时间之后的调整次数
func (s *EngineState) AdjustmentsSince(t time.Time) int {
	n := 0
	for _, a := range s.AdjustmentLog {
		if a.Timestamp.After(t) {
			n++
		}
	}
	return n
}

// LastAdjustmentAt 返回最近一次调整时间
func (s *EngineState) LastAdjustmentAt() time.Time {
	var last time.Time
	for _, a := range s.AdjustmentLog {
		if a.Timestamp.After(last) {
			last = a.Timestamp
		}
	}
	return last
}
