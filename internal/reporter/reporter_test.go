package reporter

import (
	"testing"
	"time"

	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedPosition(day int, pnl float64, scales int) models.Position {
	opened := time.Date(2025, 1, day, 8, 0, 0, 0, time.UTC)
	return models.Position{
		ID:           "p",
		Status:       models.StatusClosed,
		EntryPrice:   108500,
		AveragePrice: 108000,
		Leverage:     3,
		ScaleInCount: scales,
		RealizedPnL:  pnl,
		OpenedAt:     opened,
		ClosedAt:     opened.Add(6 * time.Hour),
		ExitReason:   models.ExitProfitTarget,
	}
}

func TestCalculateMetrics(t *testing.T) {
	closed := []models.Position{
		closedPosition(3, -500, 2),
		closedPosition(1, 1000, 0),
		closedPosition(2, 500, 1),
		closedPosition(4, 250, 1),
	}
	m := CalculateMetrics(closed, 10000)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 3, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 75.0, m.WinRate, 1e-9)
	assert.InDelta(t, 1250.0, m.TotalRealized, 1e-9)
	assert.InDelta(t, 11250.0, m.FinalBalance, 1e-9)
	assert.InDelta(t, 12.5, m.ProfitPercentage, 1e-9)
	// 曲线 10000 -> 11000 -> 11500 -> 11000 -> 11250，回撤 500/11500
	assert.InDelta(t, 500.0/11500.0*100, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, (1750.0/3)/500.0, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 1.0, m.AvgScaleIns, 1e-9)
	assert.Equal(t, closed[1].OpenedAt, m.StartTime)
	assert.Equal(t, closed[3].ClosedAt, m.EndTime)
}

func TestCalculateMetrics_Empty(t *testing.T) {
	m := CalculateMetrics(nil, 10000)
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.MaxDrawdown)
	assert.Equal(t, 10000.0, m.FinalBalance)
}

func TestRenderStatus(t *testing.T) {
	set, err := fibonacci.Calculate(models.Swing{Timeframe: "1d", High: 126104, Low: 98387, Direction: "down"}, fibonacci.DefaultRatios)
	require.NoError(t, err)

	out := RenderStatus(StatusView{
		Time:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbol: "BTCUSDT",
		Price:  108500,
		Position: models.Position{
			Status:       models.StatusEntered,
			EntryPrice:   108500,
			AveragePrice: 108500,
			Size:         0.0069,
			Leverage:     3,
		},
		Account:   models.AccountSnapshot{TotalCapital: 10000, DeployedCapital: 2500, AvailableToTrade: 7500},
		Sentiment: models.Sentiment{FearGreed: models.Float(22)},
		LevelSets: []*fibonacci.LevelSet{set},
	})
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "108500.00")
	assert.Contains(t, out, "3x")
	assert.Contains(t, out, "108087.95")
	assert.Contains(t, out, "n/a")
}

func TestRenderHistory(t *testing.T) {
	closed := []models.Position{closedPosition(1, 1000, 0)}
	out := RenderHistory(closed, CalculateMetrics(closed, 10000))
	assert.Contains(t, out, "profit_target")
	assert.Contains(t, out, "1000.00")
	assert.Contains(t, out, "100.00%")
}
