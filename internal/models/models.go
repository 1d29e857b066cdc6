package models

import "time"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet                bool            `json:"is_testnet"`    // 是否使用测试网
	DBPath                   string          `json:"db_path"`       // 检查点数据库目录 (BadgerDB)
	AuditDBPath              string          `json:"audit_db_path"` // 审计日志数据库文件 (SQLite)
	LiveWSURL                string          `json:"live_ws_url"`
	TestnetWSURL             string          `json:"testnet_ws_url"`
	Symbol                   string          `json:"symbol"`                      // 交易对，如 "BTCUSDT"
	QuantityStep             string          `json:"quantity_step"`               // 下单数量步长, e.g., "0.001"
	CheckIntervalSec         int             `json:"check_interval_sec"`          // 策略循环间隔(秒)
	ReviewIntervalMin        int             `json:"review_interval_min"`         // 持仓定期复核间隔(分钟)
	PriceStaleSec            int             `json:"price_stale_sec"`             // 价格数据过期阈值(秒)
	RetryAttempts            int             `json:"retry_attempts"`              // 下单失败时的重试次数
	RetryInitialDelayMs      int             `json:"retry_initial_delay_ms"`      // 重试前的初始延迟毫秒数
	WebSocketPingIntervalSec int             `json:"websocket_ping_interval_sec"` // WebSocket Ping消息发送间隔(秒)
	WebSocketPongTimeoutSec  int             `json:"websocket_pong_timeout_sec"`  // WebSocket Pong消息超时时间(秒)
	Swings                   []Swing         `json:"swings"`                      // 各周期的结构性高低点
	Strategy                 Strategy        `json:"strategy"`                    // 入场/加仓/止盈参数
	Risk                     Risk            `json:"risk"`                        // 风控硬限制
	Advisor                  Advisor         `json:"advisor"`                     // 外部策略顾问
	Sentiment                SentimentConfig `json:"sentiment"`                   // 情绪数据源
	Redis                    RedisConfig     `json:"redis"`                       // Redis (单实例锁与缓存)
	Admin                    AdminConfig     `json:"admin"`                       // 管理接口
	Paper                    PaperConfig     `json:"paper"`                       // 模拟盘参数
	LogConfig                LogConfig       `json:"log"`                         // 日志配置

	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// Swing 是一个周期上的结构性波段高低点，只有在显式更新时才会变化
type Swing struct {
	Timeframe       string    `json:"timeframe"`        // 周期, e.g., "1d", "4h"
	High            float64   `json:"high"`             // 波段高点
	Low             float64   `json:"low"`              // 波段低点
	HighAt          time.Time `json:"high_at"`          // 高点时间
	LowAt           time.Time `json:"low_at"`           // 低点时间
	Direction       string    `json:"direction"`        // "down": 自高点回撤; "up": 自低点反弹
	InvalidationPct float64   `json:"invalidation_pct"` // 跌破黄金口袋下沿该比例即视为结构失效
}

// Strategy 定义了信号与仓位计划
type Strategy struct {
	ZoneBufferPct          float64        `json:"zone_buffer_pct"`           // 黄金口袋上下缓冲
	FearThreshold          float64        `json:"fear_threshold"`            // 恐慌贪婪指数低于该值计为一个共振信号
	LSNeutralLow           float64        `json:"ls_neutral_low"`            // 多空比中性区间下沿
	LSNeutralHigh          float64        `json:"ls_neutral_high"`           // 多空比中性区间上沿
	LSFavorable            string         `json:"ls_favorable"`              // 有利方向: "above" 或 "below"
	MinConfluence          int            `json:"min_confluence"`            // 最少共振数 (含价格区间)
	BounceMinPct           float64        `json:"bounce_min_pct"`            // 反弹确认的最小幅度
	BounceLookbackMin      int            `json:"bounce_lookback_min"`       // 反弹确认回看窗口(分钟)
	BounceZoneProximityPct float64        `json:"bounce_zone_proximity_pct"` // 近期低点距口袋上沿的最大距离
	BaseEntrySize          float64        `json:"base_entry_size"`           // 基础入场资金比例
	InitialLeverage        int            `json:"initial_leverage"`          // 入场杠杆
	ScaleLevels            []ScaleLevel   `json:"scale_levels"`              // 加仓计划
	ProfitTargets          []ProfitTarget `json:"profit_targets"`            // 分批止盈计划
	ResistanceRatios       []float64      `json:"resistance_ratios"`         // 作为阻力位的斐波那契比例
	ResistanceExitDefault  float64        `json:"resistance_exit_default"`   // 顾问不可用时阻力位默认减仓比例
	ResistanceRejectionPct float64        `json:"resistance_rejection_pct"`  // 阻力位回落该比例则全部平仓
	TrailingActivateROI    float64        `json:"trailing_activate_roi"`     // 移动止损激活的杠杆收益率
	TrailingStopPct        float64        `json:"trailing_stop_pct"`         // 移动止损回撤比例
	EmergencyROI           float64        `json:"emergency_roi"`             // 紧急平仓的杠杆收益率
}

// ScaleLevel 定义一次加仓: 相对首次入场价的偏离、资金比例、杠杆档位
type ScaleLevel struct {
	Deviation float64 `json:"deviation"` // e.g., -0.01
	Size      float64 `json:"size"`      // 占总资金比例
	Leverage  int     `json:"leverage"`  // 该档位杠杆
}

// ProfitTarget 定义一档止盈
type ProfitTarget struct {
	Gain   float64 `json:"gain"`   // 相对均价的涨幅
	Reduce float64 `json:"reduce"` // 减仓比例 (占当前持仓)
}

// Risk 定义了安全校验层的硬限制
type Risk struct {
	MaxCapitalUsage       float64 `json:"max_capital_usage"`       // 最大资金使用率
	MaxLeverage           int     `json:"max_leverage"`            // 最大杠杆
	MaxNotionalMultiple   float64 `json:"max_notional_multiple"`   // 最大名义敞口(资金倍数)
	MinLiquidationBuffer  float64 `json:"min_liquidation_buffer"`  // 距强平价的最小距离
	MinPositionSize       float64 `json:"min_position_size"`       // 单次入场最小资金比例
	MaxPositionSize       float64 `json:"max_position_size"`       // 单次入场最大资金比例
	MaxDrawdown           float64 `json:"max_drawdown"`            // 账户回撤熔断, e.g., -0.50
	MaxAdjustmentsPerDay  int     `json:"max_adjustments_per_day"` // 24小时内最多调整次数
	AdjustmentCooldownMin int     `json:"adjustment_cooldown_min"` // 两次调整的最小间隔(分钟)
	MaxAddPerReview       float64 `json:"max_add_per_review"`      // 单次复核最大加仓比例
	MaxReducePerReview    float64 `json:"max_reduce_per_review"`   // 单次复核最大减仓比例
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"` // 维持保证金率
	DustSize              float64 `json:"dust_size"`               // 视为零仓位的数量
	MaxScaleIns           int     `json:"max_scale_ins"`           // 最大加仓次数
	ReconcileTolerance    float64 `json:"reconcile_tolerance"`     // 恢复时检查点与交易所数据的容差
}

// Advisor 定义了外部策略顾问的连接参数
type Advisor struct {
	Enabled       bool   `json:"enabled"`
	BaseURL       string `json:"base_url"`       // OpenAI 兼容接口地址
	Model         string `json:"model"`          // 模型名
	TimeoutSec    int    `json:"timeout_sec"`    // 单次咨询超时(秒)
	EntryFallback string `json:"entry_fallback"` // 入场咨询失败时: "hold" 或 "algorithm"
	APIKey        string `json:"-"`              // 仅从环境变量读取
}

// SentimentConfig 定义了情绪数据源
type SentimentConfig struct {
	FearGreedURL string `json:"fear_greed_url"`
	LSPeriod     string `json:"ls_period"`     // 多空比周期, e.g., "5m"
	CacheTTLSec  int    `json:"cache_ttl_sec"` // 缓存时间(秒)
}

// RedisConfig 为空地址时禁用 Redis
type RedisConfig struct {
	Addr       string `json:"addr"`
	DB         int    `json:"db"`
	LockTTLSec int    `json:"lock_ttl_sec"`
	Password   string `json:"-"`
}

// AdminConfig 为空监听地址时不启动管理接口
type AdminConfig struct {
	Listen string `json:"listen"`
}

// PaperConfig 模拟盘参数
type PaperConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	TakerFeeRate   float64 `json:"taker_fee_rate"`
	SlippageRate   float64 `json:"slippage_rate"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
