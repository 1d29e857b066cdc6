package fibonacci

import (
	"errors"
	"testing"

	"fib-pocket-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailySwing() models.Swing {
	return models.Swing{Timeframe: "1d", High: 126104, Low: 98387, Direction: "down", InvalidationPct: 0.10}
}

func TestCalculate_GoldenPocketDown(t *testing.T) {
	set, err := Calculate(dailySwing(), nil)
	require.NoError(t, err)

	assert.Equal(t, Down, set.Direction)
	assert.InDelta(t, 108087.95, set.GoldenPocket.Lower, 1e-6)
	assert.InDelta(t, 108974.894, set.GoldenPocket.Upper, 1e-6)
	assert.Less(t, set.GoldenPocket.Lower, set.GoldenPocket.Upper)

	mid, ok := set.Level(0.5)
	require.True(t, ok)
	assert.InDelta(t, 112245.5, mid, 1e-6)

	full, ok := set.Level(1.0)
	require.True(t, ok)
	assert.InDelta(t, 98387, full, 1e-6)
}

func TestCalculate_UpRead(t *testing.T) {
	sw := dailySwing()
	sw.Direction = "up"
	set, err := Calculate(sw, []float64{0.5})
	require.NoError(t, err)

	assert.Equal(t, Up, set.Direction)
	// 黄金口袋比例总会被补上
	_, ok := set.Level(RatioGoldenLower)
	assert.True(t, ok)
	assert.InDelta(t, 98387+27717*0.618, set.GoldenPocket.Lower, 1e-6)
	assert.InDelta(t, 98387+27717*0.65, set.GoldenPocket.Upper, 1e-6)
}

func TestCalculate_InvalidSwing(t *testing.T) {
	for _, sw := range []models.Swing{
		{Timeframe: "4h", High: 100, Low: 100},
		{Timeframe: "4h", High: 90, Low: 100},
	} {
		_, err := Calculate(sw, nil)
		var target *InvalidSwingError
		require.True(t, errors.As(err, &target), "swing %+v", sw)
		assert.Equal(t, "4h", target.Timeframe)
	}
}

func TestZoneContainsWithBuffer(t *testing.T) {
	z := Zone{Lower: 100, Upper: 110}
	assert.True(t, z.Contains(105, 0))
	assert.True(t, z.Contains(110.5, 0.005))
	assert.False(t, z.Contains(111, 0.005))
	assert.True(t, z.Contains(99.6, 0.005))
	assert.False(t, z.Contains(99, 0.005))
}

func TestLevelSet_Above(t *testing.T) {
	set, err := Calculate(dailySwing(), nil)
	require.NoError(t, err)

	above := set.Above(112000)
	require.NotEmpty(t, above)
	assert.Equal(t, 0.5, above[0].Ratio)
	for i := 1; i < len(above); i++ {
		assert.Greater(t, above[i].Price, above[i-1].Price)
	}
}

func TestTracker_ExplicitUpdateOnly(t *testing.T) {
	tr, err := NewTracker([]models.Swing{dailySwing(), {Timeframe: "4h", High: 115000, Low: 108000}}, nil)
	require.NoError(t, err)
	require.Len(t, tr.Sets(), 2)

	before, _ := tr.Get("1d")

	// --- 非法更新不改变现有水平 ---
	_, err = tr.Update(models.Swing{Timeframe: "1d", High: 1, Low: 2})
	require.Error(t, err)
	after, _ := tr.Get("1d")
	assert.Same(t, before, after)

	// --- 显式更新替换水平并返回旧值 ---
	prev, err := tr.Update(models.Swing{Timeframe: "1d", High: 130000, Low: 100000})
	require.NoError(t, err)
	assert.Same(t, before, prev)
	cur, _ := tr.Get("1d")
	assert.InDelta(t, 130000-30000*0.65, cur.GoldenPocket.Lower, 1e-6)

	// 顺序保持插入顺序
	swings := tr.Swings()
	assert.Equal(t, "1d", swings[0].Timeframe)
	assert.Equal(t, "4h", swings[1].Timeframe)
}
