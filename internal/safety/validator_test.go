package safety

import (
	"math/rand"
	"testing"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRisk() models.Risk {
	return models.Risk{
		MaxCapitalUsage:       0.94,
		MaxLeverage:           5,
		MaxNotionalMultiple:   5,
		MinLiquidationBuffer:  0.30,
		MinPositionSize:       0.20,
		MaxPositionSize:       0.50,
		MaxDrawdown:           -0.50,
		MaxAdjustmentsPerDay:  3,
		AdjustmentCooldownMin: 30,
		MaxAddPerReview:       0.05,
		MaxReducePerReview:    0.20,
		MaintenanceMarginRate: 0.004,
		DustSize:              0.0001,
		MaxScaleIns:           4,
	}
}

func flatAccount(total float64) models.AccountSnapshot {
	return models.AccountSnapshot{TotalCapital: total, AvailableToTrade: total}
}

// openPosition builds a position whose margin is fraction*total at the given leverage.
func openPosition(total, fraction float64, lev int, avg float64) models.Position {
	size := fraction * total * float64(lev) / avg
	return models.Position{
		ID:              "p1",
		Status:          models.StatusEntered,
		EntryPrice:      avg,
		AveragePrice:    avg,
		Size:            size,
		Leverage:        lev,
		CapitalFraction: fraction,
	}
}

func action(kind models.ActionKind, amount float64, lev int) models.ProposedAction {
	return models.ProposedAction{Kind: kind, Amount: amount, Leverage: lev, Source: models.SourceAlgorithm, Trigger: models.TriggerTick}
}

func TestValidate_HoldIsNoOp(t *testing.T) {
	v := NewValidator(testRisk())
	d := v.Validate(Input{Action: models.Hold(models.SourceAlgorithm, models.TriggerTick, "nothing to do")})
	assert.True(t, d.Approved)
	assert.Equal(t, models.ReasonHold, d.ReasonCode)
	assert.Contains(t, d.Reason, "nothing to do")
}

func TestValidate_Preliminary(t *testing.T) {
	v := NewValidator(testRisk())
	price := 100000.0
	open := openPosition(10000, 0.25, 3, price)

	d := v.Validate(Input{Action: action(models.ActionEnter, 0.25, 3), Position: open, Account: flatAccount(10000), Price: price})
	assert.Equal(t, models.ReasonPositionExists, d.ReasonCode)

	d = v.Validate(Input{Action: action(models.ActionScaleIn, 0.2, 3), Account: flatAccount(10000), Price: price})
	assert.Equal(t, models.ReasonNoPosition, d.ReasonCode)

	d = v.Validate(Input{Action: action("BUY_THE_DIP", 0.2, 3), Account: flatAccount(10000), Price: price})
	assert.Equal(t, models.ReasonInvalidAction, d.ReasonCode)

	d = v.Validate(Input{Action: action(models.ActionEnter, 0, 3), Account: flatAccount(10000), Price: price})
	assert.Equal(t, models.ReasonInvalidAction, d.ReasonCode)
}

func TestValidate_EnterScenario(t *testing.T) {
	v := NewValidator(testRisk())
	d := v.Validate(Input{
		Action:  action(models.ActionEnter, 0.25, 3),
		Account: flatAccount(10000),
		Price:   112245.5,
	})
	require.True(t, d.Approved, d.Reason)
	assert.Nil(t, d.Adjusted)
	assert.Equal(t, 0.25, d.Final().Amount)
}

func TestValidate_SizeBounds(t *testing.T) {
	v := NewValidator(testRisk())

	// --- 超过上限时向下截断，保留原始动作 ---
	d := v.Validate(Input{Action: action(models.ActionEnter, 0.6, 3), Account: flatAccount(10000), Price: 100000})
	require.True(t, d.Approved, d.Reason)
	require.NotNil(t, d.Adjusted)
	assert.Equal(t, 0.6, d.Original.Amount)
	assert.Equal(t, 0.5, d.Adjusted.Amount)
	assert.Contains(t, d.Adjustments, models.ReasonAboveMaxSize)

	// --- 低于下限时拒绝，不向上取整 ---
	d = v.Validate(Input{Action: action(models.ActionEnter, 0.1, 3), Account: flatAccount(10000), Price: 100000})
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonBelowMinSize, d.ReasonCode)
}

func TestValidate_LeverageCap(t *testing.T) {
	v := NewValidator(testRisk())
	d := v.Validate(Input{Action: action(models.ActionEnter, 0.25, 6), Account: flatAccount(10000), Price: 100000})
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonLeverageCap, d.ReasonCode)
}

func TestValidate_LiquidReserve(t *testing.T) {
	v := NewValidator(testRisk())
	price := 100000.0
	pos := openPosition(10000, 0.8, 1, price)
	acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 8000, AvailableToTrade: 2000}

	d := v.Validate(Input{Action: action(models.ActionScaleIn, 0.2, 3), Position: pos, Account: acct, Price: price})
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonLiquidReserve, d.ReasonCode)
}

func TestValidate_NotionalCapShrinks(t *testing.T) {
	risk := testRisk()
	risk.MinLiquidationBuffer = 0.05
	v := NewValidator(risk)
	price := 100000.0
	pos := models.Position{Status: models.StatusEntered, AveragePrice: price, EntryPrice: price, Size: 0.45, Leverage: 5, CapitalFraction: 0.3}
	acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 3000, AvailableToTrade: 7000}

	d := v.Validate(Input{Action: action(models.ActionScaleIn, 0.25, 5), Position: pos, Account: acct, Price: price})
	require.True(t, d.Approved, d.Reason)
	require.NotNil(t, d.Adjusted)
	assert.InDelta(t, 0.1, d.Adjusted.Amount, 1e-9)
	assert.Equal(t, []models.ReasonCode{models.ReasonNotionalCap}, d.Adjustments)
}

func TestValidate_LiquidationBuffer(t *testing.T) {
	v := NewValidator(testRisk())
	price := 100000.0
	pos := models.Position{Status: models.StatusEntered, AveragePrice: price, EntryPrice: price, Size: 0.2, Leverage: 5, CapitalFraction: 0.2}
	acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 2000, AvailableToTrade: 8000}

	d := v.Validate(Input{Action: action(models.ActionScaleIn, 0.4, 5), Position: pos, Account: acct, Price: price})
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonLiquidationBuffer, d.ReasonCode)
}

func TestValidate_DrawdownKillSwitchScenario(t *testing.T) {
	v := NewValidator(testRisk())
	price := 100000.0
	pos := models.Position{Status: models.StatusEntered, AveragePrice: price, EntryPrice: price, Size: 0.001, Leverage: 3, CapitalFraction: 0.2}
	acct := models.AccountSnapshot{TotalCapital: 500, DeployedCapital: 33, AvailableToTrade: 467}

	// --- Verification Point 1: 回撤正好 -50% 时拒绝加仓并要求暂停 ---
	d := v.Validate(Input{Action: action(models.ActionScaleIn, 0.2, 3), Position: pos, Account: acct, Price: price, PeakEquity: 1000})
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonDrawdownKillSwitch, d.ReasonCode)
	assert.True(t, d.PauseEngine)

	// --- Verification Point 2: 全部平仓仍然放行 ---
	exit := models.ProposedAction{Kind: models.ActionFullExit, Source: models.SourceAlgorithm, Trigger: models.TriggerInvalidation}
	d = v.Validate(Input{Action: exit, Position: pos, Account: acct, Price: price, PeakEquity: 1000})
	assert.True(t, d.Approved, d.Reason)

	// --- Verification Point 3: 部分减仓同样被拒绝 ---
	reduce := action(models.ActionReduce, 0.25, 0)
	d = v.Validate(Input{Action: reduce, Position: pos, Account: acct, Price: price * 1.01, PeakEquity: 1000})
	assert.Equal(t, models.ReasonDrawdownKillSwitch, d.ReasonCode)

	// 回撤 -49% 不触发
	acct.TotalCapital = 510
	d = v.Validate(Input{Action: action(models.ActionScaleIn, 0.2, 3), Position: pos, Account: acct, Price: price, PeakEquity: 1000})
	assert.True(t, d.Approved, d.Reason)
	assert.False(t, d.PauseEngine)
}

func TestValidate_PausedAllowsOnlyExits(t *testing.T) {
	v := NewValidator(testRisk())
	price := 100000.0
	pos := openPosition(10000, 0.25, 3, price)
	acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 2500, AvailableToTrade: 7500}

	d := v.Validate(Input{Action: action(models.ActionScaleIn, 0.2, 3), Position: pos, Account: acct, Price: price, Paused: true})
	assert.Equal(t, models.ReasonEnginePaused, d.ReasonCode)

	d = v.Validate(Input{Action: models.ProposedAction{Kind: models.ActionEmergencyExit}, Position: pos, Account: acct, Price: price, Paused: true})
	assert.True(t, d.Approved)
}

func TestValidate_ZeroMarginRejectsAdd(t *testing.T) {
	v := NewValidator(testRisk())
	price := 100000.0
	pos := openPosition(10000, 0.25, 3, price)
	acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 5000, AvailableToTrade: 0}

	d := v.Validate(Input{Action: action(models.ActionAdd, 0.05, 3), Position: pos, Account: acct, Price: price})
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonMarginUnavailable, d.ReasonCode)
}

func TestValidate_AdjustmentLimits(t *testing.T) {
	v := NewValidator(testRisk())
	now := time.Now()
	price := 100000.0
	pos := openPosition(10000, 0.25, 3, price)
	acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 2500, AvailableToTrade: 7500}
	add := action(models.ActionAdd, 0.1, 3)

	d := v.Validate(Input{Action: add, Position: pos, Account: acct, Price: price, Now: now})
	require.True(t, d.Approved, d.Reason)
	require.NotNil(t, d.Adjusted)
	assert.Equal(t, 0.05, d.Adjusted.Amount)
	assert.Contains(t, d.Adjustments, models.ReasonAddCap)

	d = v.Validate(Input{Action: add, Position: pos, Account: acct, Price: price, Now: now, AdjustmentsToday: 3})
	assert.Equal(t, models.ReasonAdjustmentLimit, d.ReasonCode)

	d = v.Validate(Input{Action: add, Position: pos, Account: acct, Price: price, Now: now, AdjustmentsToday: 1, LastAdjustmentAt: now.Add(-10 * time.Minute)})
	assert.Equal(t, models.ReasonAdjustmentCooldown, d.ReasonCode)

	d = v.Validate(Input{Action: add, Position: pos, Account: acct, Price: price, Now: now, AdjustmentsToday: 1, LastAdjustmentAt: now.Add(-31 * time.Minute)})
	assert.True(t, d.Approved, d.Reason)

	// --- 复核触发的减仓被限制在 20% ---
	review := action(models.ActionReduce, 0.5, 0)
	review.Trigger = models.TriggerScheduledReview
	d = v.Validate(Input{Action: review, Position: pos, Account: acct, Price: price * 1.02, Now: now})
	require.True(t, d.Approved, d.Reason)
	assert.Equal(t, 0.2, d.Final().Amount)
	assert.Contains(t, d.Adjustments, models.ReasonReduceCap)

	// 止盈减仓不受复核限制
	target := action(models.ActionReduce, 0.5, 0)
	target.Trigger = models.TriggerProfitTarget
	d = v.Validate(Input{Action: target, Position: pos, Account: acct, Price: price * 1.02, Now: now, AdjustmentsToday: 5})
	require.True(t, d.Approved, d.Reason)
	assert.Equal(t, 0.5, d.Final().Amount)
}

func TestValidate_ReduceFollowsROISign(t *testing.T) {
	v := NewValidator(testRisk())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		avg := 50000 + rng.Float64()*100000
		lev := 1 + rng.Intn(5)
		pos := openPosition(10000, 0.25, lev, avg)
		price := avg * (1 + (rng.Float64()*0.4 - 0.2))
		if i%50 == 0 {
			price = avg
		}
		acct := models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 2500, AvailableToTrade: 7500}
		reduce := action(models.ActionReduce, 0.25, 0)
		reduce.Trigger = models.TriggerProfitTarget

		d := v.Validate(Input{Action: reduce, Position: pos, Account: acct, Price: price})
		if pos.ROI(price) < 0 {
			assert.False(t, d.Approved, "roi %.4f", pos.ROI(price))
			assert.Equal(t, models.ReasonReduceInLoss, d.ReasonCode)
		} else {
			assert.True(t, d.Approved, "roi %.4f: %s", pos.ROI(price), d.Reason)
		}
	}
}

func TestValidate_NeverExceedsCapitalUsage(t *testing.T) {
	risk := testRisk()
	v := NewValidator(risk)
	rng := rand.New(rand.NewSource(42))
	kinds := []models.ActionKind{models.ActionEnter, models.ActionScaleIn, models.ActionAdd}

	for i := 0; i < 2000; i++ {
		total := 1000 + rng.Float64()*99000
		deployedFrac := rng.Float64()
		acct := models.AccountSnapshot{
			TotalCapital:     total,
			DeployedCapital:  deployedFrac * total,
			AvailableToTrade: total * (1 - deployedFrac) * rng.Float64(),
		}
		price := 20000 + rng.Float64()*100000
		kind := kinds[rng.Intn(len(kinds))]
		var pos models.Position
		if kind != models.ActionEnter {
			pos = openPosition(total, deployedFrac, 1+rng.Intn(5), price*(0.9+rng.Float64()*0.2))
		}
		act := action(kind, 0.01+rng.Float64()*0.99, 1+rng.Intn(6))

		d := v.Validate(Input{Action: act, Position: pos, Account: acct, Price: price})
		if d.Approved {
			final := d.Final()
			assert.LessOrEqual(t, acct.DeployedFraction()+final.Amount, risk.MaxCapitalUsage+1e-12)
			assert.LessOrEqual(t, final.Amount, act.Amount)
			assert.LessOrEqual(t, final.Amount*total, acct.AvailableToTrade+1e-6)
		}
	}
}

func TestLiquidationPrice(t *testing.T) {
	pos := openPosition(10000, 0.5, 5, 100000)
	liq := LiquidationPrice(pos, 10000, 100000, 0.004)
	// (25000-10000)/(0.25*0.996)
	assert.InDelta(t, 60240.96, liq, 0.01)

	small := openPosition(10000, 0.2, 3, 100000)
	assert.Equal(t, 0.0, LiquidationPrice(small, 10000, 100000, 0.004))
}
