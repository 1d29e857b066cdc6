package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fib-pocket-bot-go/internal/exchange"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unreachableLookup 对指定订单的查询返回网络错误
type unreachableLookup struct {
	*exchange.PaperExchange
	id string
}

func (u unreachableLookup) LookupOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	if req.ClientOrderID == u.id {
		return nil, errors.New("i/o timeout")
	}
	return u.PaperExchange.LookupOrder(ctx, req)
}

func TestResolvePending(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	paper := paperWithPosition(t, cfg, 0.075, 3)
	r := NewReconciler(unreachableLookup{PaperExchange: paper, id: "fp-timeout"}, cfg, zap.NewNop())

	store, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for i, id := range []string{"seed", "fp-lost", "fp-timeout"} {
		require.NoError(t, store.RecordOrder(ctx, storage.OrderRecord{
			ClientOrderID: id,
			Symbol:        "BTCUSDT",
			Kind:          models.ActionEnter,
			Side:          models.Buy,
			Quantity:      0.075,
			Leverage:      3,
			Status:        storage.OrderStatusSubmitted,
			CreatedAt:     t0.Add(-time.Duration(3-i) * time.Minute),
		}))
	}

	state := models.NewEngineState("BTCUSDT")
	res, err := r.ResolvePending(ctx, store, state, t0)
	require.NoError(t, err)
	require.Len(t, res.Filled, 1)
	require.Len(t, res.Failed, 1)
	require.Len(t, res.Unresolved, 1)

	filled := res.Filled[0]
	assert.Equal(t, "seed", filled.ClientOrderID)
	assert.NotEmpty(t, filled.ExchangeOrderID)
	assert.Equal(t, 100000.0, filled.Price)
	assert.Contains(t, state.ProcessedFills, filled.ExchangeOrderID)

	rec, err := store.OrderByClientID(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, storage.OrderStatusFilled, rec.Status)
	assert.Equal(t, filled.ExchangeOrderID, rec.ExchangeOrderID)

	rec, err = store.OrderByClientID(ctx, "fp-lost")
	require.NoError(t, err)
	assert.Equal(t, storage.OrderStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "unknown")

	// 查询失败的订单留到下次启动
	pending, err := store.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fp-timeout", pending[0].ClientOrderID)

	// 再次处理不会重复登记成交
	again, err := r.ResolvePending(ctx, store, state, t0)
	require.NoError(t, err)
	assert.Empty(t, again.Filled)
	assert.Len(t, again.Unresolved, 1)
	assert.Len(t, state.ProcessedFills, 1)
}
