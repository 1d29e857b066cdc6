package config

import (
	"fib-pocket-bot-go/internal/models"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀, e.g., GPB_RISK_MAX_LEVERAGE 覆盖 risk.max_leverage
const EnvPrefix = "GPB"

// LoadConfig 从指定路径加载JSON配置文件，叠加默认值与环境变量后解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败 (%s): %w", path, err)
		}
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00"),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 密钥只从环境变量读取
	cfg.Advisor.APIKey = os.Getenv("ADVISOR_API_KEY")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbol", "BTCUSDT")
	v.SetDefault("is_testnet", false)
	v.SetDefault("db_path", "data/checkpoint")
	v.SetDefault("audit_db_path", "data/audit.db")
	v.SetDefault("live_ws_url", "wss://fstream.binance.com")
	v.SetDefault("testnet_ws_url", "wss://stream.binancefuture.com")
	v.SetDefault("quantity_step", "0.001")
	v.SetDefault("check_interval_sec", 60)
	v.SetDefault("review_interval_min", 20)
	v.SetDefault("price_stale_sec", 120)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_initial_delay_ms", 500)
	v.SetDefault("websocket_ping_interval_sec", 54)
	v.SetDefault("websocket_pong_timeout_sec", 60)

	v.SetDefault("strategy.zone_buffer_pct", 0.005)
	v.SetDefault("strategy.fear_threshold", 40)
	v.SetDefault("strategy.ls_neutral_low", 0.8)
	v.SetDefault("strategy.ls_neutral_high", 1.2)
	v.SetDefault("strategy.ls_favorable", "above")
	v.SetDefault("strategy.min_confluence", 2)
	v.SetDefault("strategy.bounce_min_pct", 0.001)
	v.SetDefault("strategy.bounce_lookback_min", 30)
	v.SetDefault("strategy.bounce_zone_proximity_pct", 0.02)
	v.SetDefault("strategy.base_entry_size", 0.25)
	v.SetDefault("strategy.initial_leverage", 3)
	v.SetDefault("strategy.scale_levels", []map[string]interface{}{
		{"deviation": -0.01, "size": 0.20, "leverage": 3},
		{"deviation": -0.02, "size": 0.25, "leverage": 4},
		{"deviation": -0.04, "size": 0.25, "leverage": 5},
		{"deviation": -0.06, "size": 0.30, "leverage": 5},
	})
	v.SetDefault("strategy.profit_targets", []map[string]interface{}{
		{"gain": 0.05, "reduce": 0.25},
		{"gain": 0.10, "reduce": 0.25},
		{"gain": 0.15, "reduce": 0.25},
	})
	v.SetDefault("strategy.resistance_ratios", []float64{0.382, 0.236})
	v.SetDefault("strategy.resistance_exit_default", 0.50)
	v.SetDefault("strategy.resistance_rejection_pct", 0.02)
	v.SetDefault("strategy.trailing_activate_roi", 0.10)
	v.SetDefault("strategy.trailing_stop_pct", 0.05)
	v.SetDefault("strategy.emergency_roi", -0.40)

	v.SetDefault("risk.max_capital_usage", 0.94)
	v.SetDefault("risk.max_leverage", 5)
	v.SetDefault("risk.max_notional_multiple", 5.0)
	v.SetDefault("risk.min_liquidation_buffer", 0.30)
	v.SetDefault("risk.min_position_size", 0.20)
	v.SetDefault("risk.max_position_size", 0.50)
	v.SetDefault("risk.max_drawdown", -0.50)
	v.SetDefault("risk.max_adjustments_per_day", 3)
	v.SetDefault("risk.adjustment_cooldown_min", 30)
	v.SetDefault("risk.max_add_per_review", 0.05)
	v.SetDefault("risk.max_reduce_per_review", 0.20)
	v.SetDefault("risk.maintenance_margin_rate", 0.004)
	v.SetDefault("risk.dust_size", 0.0001)
	v.SetDefault("risk.max_scale_ins", 4)
	v.SetDefault("risk.reconcile_tolerance", 0.01)

	v.SetDefault("advisor.enabled", false)
	v.SetDefault("advisor.base_url", "https://api.openai.com/v1")
	v.SetDefault("advisor.model", "gpt-4o-mini")
	v.SetDefault("advisor.timeout_sec", 30)
	v.SetDefault("advisor.entry_fallback", "hold")

	v.SetDefault("sentiment.fear_greed_url", "https://api.alternative.me/fng/?limit=1")
	v.SetDefault("sentiment.ls_period", "5m")
	v.SetDefault("sentiment.cache_ttl_sec", 300)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_sec", 30)

	v.SetDefault("admin.listen", "")

	v.SetDefault("paper.initial_balance", 10000.0)
	v.SetDefault("paper.taker_fee_rate", 0.0004)
	v.SetDefault("paper.slippage_rate", 0.0002)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file", "logs/bot.log")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
}

// Validate 检查配置取值范围
func Validate(cfg *models.Config) error {
	if strings.TrimSpace(cfg.Symbol) == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	r := cfg.Risk
	if !inUnit(r.MaxCapitalUsage) {
		return fmt.Errorf("risk.max_capital_usage 必须在 (0,1] 区间: %v", r.MaxCapitalUsage)
	}
	if r.MaxLeverage < 1 || r.MaxLeverage > 125 {
		return fmt.Errorf("risk.max_leverage 必须在 1..125 之间: %d", r.MaxLeverage)
	}
	if r.MaxNotionalMultiple <= 0 {
		return fmt.Errorf("risk.max_notional_multiple 必须为正: %v", r.MaxNotionalMultiple)
	}
	if !inUnit(r.MinPositionSize) || !inUnit(r.MaxPositionSize) || r.MinPositionSize > r.MaxPositionSize {
		return fmt.Errorf("risk.min_position_size/max_position_size 无效: %v/%v", r.MinPositionSize, r.MaxPositionSize)
	}
	if r.MaxDrawdown >= 0 || r.MaxDrawdown < -1 {
		return fmt.Errorf("risk.max_drawdown 必须在 [-1,0) 区间: %v", r.MaxDrawdown)
	}
	if r.MinLiquidationBuffer < 0 || r.MinLiquidationBuffer >= 1 {
		return fmt.Errorf("risk.min_liquidation_buffer 必须在 [0,1) 区间: %v", r.MinLiquidationBuffer)
	}
	if r.MaxScaleIns < 0 {
		return fmt.Errorf("risk.max_scale_ins 不能为负: %d", r.MaxScaleIns)
	}
	if r.DustSize < 0 {
		return fmt.Errorf("risk.dust_size 不能为负: %v", r.DustSize)
	}

	s := cfg.Strategy
	if len(s.ScaleLevels) < r.MaxScaleIns {
		return fmt.Errorf("strategy.scale_levels 数量 (%d) 少于 risk.max_scale_ins (%d)", len(s.ScaleLevels), r.MaxScaleIns)
	}
	prevLev := s.InitialLeverage
	for i, lvl := range s.ScaleLevels {
		if lvl.Deviation >= 0 {
			return fmt.Errorf("strategy.scale_levels[%d].deviation 必须为负: %v", i, lvl.Deviation)
		}
		if !inUnit(lvl.Size) {
			return fmt.Errorf("strategy.scale_levels[%d].size 必须在 (0,1] 区间: %v", i, lvl.Size)
		}
		// 杠杆档位只升不降
		if lvl.Leverage < prevLev {
			return fmt.Errorf("strategy.scale_levels[%d].leverage (%d) 低于上一档 (%d)", i, lvl.Leverage, prevLev)
		}
		prevLev = lvl.Leverage
	}
	if s.InitialLeverage < 1 {
		return fmt.Errorf("strategy.initial_leverage 必须 >= 1: %d", s.InitialLeverage)
	}
	for i, t := range s.ProfitTargets {
		if t.Gain <= 0 || !inUnit(t.Reduce) {
			return fmt.Errorf("strategy.profit_targets[%d] 无效: %+v", i, t)
		}
	}
	if s.MinConfluence < 1 {
		return fmt.Errorf("strategy.min_confluence 必须 >= 1: %d", s.MinConfluence)
	}
	if s.LSFavorable != "above" && s.LSFavorable != "below" {
		return fmt.Errorf("strategy.ls_favorable 只能是 above 或 below: %q", s.LSFavorable)
	}

	for i, sw := range cfg.Swings {
		if sw.High <= sw.Low {
			return fmt.Errorf("swings[%d] (%s) 高点必须大于低点: %v <= %v", i, sw.Timeframe, sw.High, sw.Low)
		}
	}

	if cfg.Advisor.EntryFallback != "hold" && cfg.Advisor.EntryFallback != "algorithm" {
		return fmt.Errorf("advisor.entry_fallback 只能是 hold 或 algorithm: %q", cfg.Advisor.EntryFallback)
	}
	if cfg.Advisor.Enabled && cfg.Advisor.TimeoutSec <= 0 {
		return fmt.Errorf("advisor.timeout_sec 必须为正")
	}
	return nil
}

func inUnit(x float64) bool {
	return x > 0 && x <= 1
}
