package feed

import (
	"testing"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_PrunesByAge(t *testing.T) {
	w := NewWindow(10 * time.Minute)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		w.Add(models.PricePoint{Price: 100 + float64(i), Time: base.Add(time.Duration(i) * time.Minute)})
	}
	// 最新点 12:19，保留 12:09 之后
	assert.Equal(t, 11, w.Len())
	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 119.0, latest.Price)
}

func TestWindow_IgnoresOutOfOrderAndInvalid(t *testing.T) {
	w := NewWindow(time.Hour)
	now := time.Now()
	w.Add(models.PricePoint{Price: 100, Time: now})
	w.Add(models.PricePoint{Price: 90, Time: now.Add(-time.Second)})
	w.Add(models.PricePoint{Price: 0, Time: now.Add(time.Second)})
	assert.Equal(t, 1, w.Len())
}

func TestWindow_LowAndSince(t *testing.T) {
	w := NewWindow(time.Hour)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	prices := []float64{108900, 108300, 108150, 108600, 109200}
	for i, p := range prices {
		w.Add(models.PricePoint{Price: p, Time: base.Add(time.Duration(i) * time.Minute)})
	}

	low, ok := w.Low(base)
	require.True(t, ok)
	assert.Equal(t, 108150.0, low.Price)
	assert.Equal(t, base.Add(2*time.Minute), low.Time)

	low, ok = w.Low(base.Add(3 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, 108600.0, low.Price)

	_, ok = w.Low(base.Add(time.Hour))
	assert.False(t, ok)

	since := w.Since(base.Add(3 * time.Minute))
	require.Len(t, since, 2)
	assert.Equal(t, 109200.0, since[1].Price)
}

func TestWindow_Empty(t *testing.T) {
	w := NewWindow(0)
	_, ok := w.Latest()
	assert.False(t, ok)
	assert.Empty(t, w.Since(time.Time{}))
}
