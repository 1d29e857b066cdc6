package models

import "time"

// ActionKind 是提议动作的种类
type ActionKind string

const (
	ActionEnter         ActionKind = "ENTER"
	ActionScaleIn       ActionKind = "SCALE_IN"
	ActionReduce        ActionKind = "REDUCE"
	ActionFullExit      ActionKind = "FULL_EXIT"
	ActionAdd           ActionKind = "ADD"
	ActionHold          ActionKind = "HOLD"
	ActionEmergencyExit ActionKind = "EMERGENCY_EXIT"
)

// IncreasesExposure 判断该动作是否会增加仓位
func (k ActionKind) IncreasesExposure() bool {
	return k == ActionEnter || k == ActionScaleIn || k == ActionAdd
}

// IsExit 判断该动作是否为全部平仓
func (k ActionKind) IsExit() bool {
	return k == ActionFullExit || k == ActionEmergencyExit
}

// ActionSource 标识动作的来源
type ActionSource string

const (
	SourceAlgorithm ActionSource = "ALGORITHM"
	SourceAdvisor   ActionSource = "ADVISOR"
)

// Trigger 标识一次决策周期的起因
type Trigger string

const (
	TriggerTick                Trigger = "TICK"
	TriggerEntrySignal         Trigger = "ENTRY_SIGNAL"
	TriggerScaleSignal         Trigger = "SCALE_SIGNAL"
	TriggerProfitTarget        Trigger = "PROFIT_TARGET"
	TriggerFibResistance       Trigger = "FIBONACCI_RESISTANCE"
	TriggerResistanceRejection Trigger = "RESISTANCE_REJECTION"
	TriggerTrailingStop        Trigger = "TRAILING_STOP"
	TriggerInvalidation        Trigger = "INVALIDATION"
	TriggerEmergency           Trigger = "EMERGENCY"
	TriggerScheduledReview     Trigger = "SCHEDULED_REVIEW"
	TriggerManual              Trigger = "MANUAL"
)

// ExitReason 记录平仓原因
type ExitReason string

const (
	ExitProfitTarget           ExitReason = "profit_target"
	ExitResistanceRejection    ExitReason = "resistance_rejection"
	ExitStructuralInvalidation ExitReason = "structural_invalidation"
	ExitEmergency              ExitReason = "emergency"
	ExitExternal               ExitReason = "closed_externally"
)

// ProposedAction 是一次提议的交易动作。
// Amount 对 ENTER/SCALE_IN/ADD 表示占总资金的比例(保证金)，对 REDUCE 表示占当前持仓的比例。
type ProposedAction struct {
	Kind       ActionKind   `json:"kind"`
	Amount     float64      `json:"amount"`
	Leverage   int          `json:"leverage,omitempty"`
	Source     ActionSource `json:"source"`
	Trigger    Trigger      `json:"trigger"`
	Rationale  string       `json:"rationale"`
	ExitReason ExitReason   `json:"exit_reason,omitempty"`
	Conviction float64      `json:"conviction,omitempty"`
}

// Hold 构造一个带说明的 HOLD 动作
func Hold(source ActionSource, trigger Trigger, rationale string) ProposedAction {
	return ProposedAction{Kind: ActionHold, Source: source, Trigger: trigger, Rationale: rationale}
}

// ReasonCode 是安全校验结果的机器可读原因
type ReasonCode string

const (
	ReasonApproved           ReasonCode = "APPROVED"
	ReasonHold               ReasonCode = "HOLD"
	ReasonInvalidAction      ReasonCode = "INVALID_ACTION"
	ReasonNoPosition         ReasonCode = "NO_POSITION"
	ReasonPositionExists     ReasonCode = "POSITION_EXISTS"
	ReasonLiquidReserve      ReasonCode = "LIQUID_RESERVE"
	ReasonMarginUnavailable  ReasonCode = "MARGIN_UNAVAILABLE"
	ReasonLeverageCap        ReasonCode = "LEVERAGE_CAP"
	ReasonNotionalCap        ReasonCode = "NOTIONAL_CAP"
	ReasonLiquidationBuffer  ReasonCode = "LIQUIDATION_BUFFER"
	ReasonBelowMinSize       ReasonCode = "BELOW_MIN_SIZE"
	ReasonAboveMaxSize       ReasonCode = "ABOVE_MAX_SIZE"
	ReasonDrawdownKillSwitch ReasonCode = "DRAWDOWN_KILL_SWITCH"
	ReasonEnginePaused       ReasonCode = "ENGINE_PAUSED"
	ReasonReduceInLoss       ReasonCode = "REDUCE_IN_LOSS"
	ReasonReduceCap          ReasonCode = "REDUCE_CAP"
	ReasonAdjustmentLimit    ReasonCode = "ADJUSTMENT_LIMIT"
	ReasonAdjustmentCooldown ReasonCode = "ADJUSTMENT_COOLDOWN"
	ReasonAddCap             ReasonCode = "ADD_CAP"
)

// SafetyDecision 是安全校验层的返回值，不做持久化
type SafetyDecision struct {
	Approved    bool            `json:"approved"`
	ReasonCode  ReasonCode      `json:"reason_code"`
	Reason      string          `json:"reason"`
	Original    ProposedAction  `json:"original"`
	Adjusted    *ProposedAction `json:"adjusted,omitempty"`
	Adjustments []ReasonCode    `json:"adjustments,omitempty"`
	PauseEngine bool            `json:"pause_engine,omitempty"`
}

// Final 返回最终应执行的动作 (调整后优先)
func (d SafetyDecision) Final() ProposedAction {
	if d.Adjusted != nil {
		return *d.Adjusted
	}
	return d.Original
}

// AccountSnapshot 每个决策周期从交易所获取，不缓存
type AccountSnapshot struct {
	TotalCapital     float64   `json:"total_capital"`      // 账户权益
	DeployedCapital  float64   `json:"deployed_capital"`   // 已占用保证金
	AvailableToTrade float64   `json:"available_to_trade"` // 可用保证金
	MarkPrice        float64   `json:"mark_price"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// DeployedFraction 返回已占用资金比例
func (a AccountSnapshot) DeployedFraction() float64 {
	if a.TotalCapital <= 0 {
		return 0
	}
	return a.DeployedCapital / a.TotalCapital
}

// Sentiment 是情绪快照，缺失字段为 nil
type Sentiment struct {
	FearGreed      *float64  `json:"fear_greed,omitempty"`
	FundingRate    *float64  `json:"funding_rate,omitempty"`
	LongShortRatio *float64  `json:"long_short_ratio,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// Float 返回指向 v 的指针，便于构造 Sentiment
func Float(v float64) *float64 { return &v }

// PricePoint 一个价格采样点
type PricePoint struct {
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ExchangePosition 是交易所返回的权威持仓
type ExchangePosition struct {
	Symbol       string    `json:"symbol"`
	Size         float64   `json:"size"`
	AveragePrice float64   `json:"average_price"`
	Leverage     int       `json:"leverage"`
	MarkPrice    float64   `json:"mark_price"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OrderRequest 是发往交易所的下单请求
type OrderRequest struct {
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	Leverage      int     `json:"leverage"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"client_order_id"`
}

// FillResult 是交易所确认的成交
type FillResult struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Leverage      int       `json:"leverage"`
	Time          time.Time `json:"time"`
}
