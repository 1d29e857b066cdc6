package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyExchange 前 failures 次调用返回 err
type flakyExchange struct {
	mu        sync.Mutex
	failures  int
	err       error
	calls     int
	clientIDs []string
}

func (f *flakyExchange) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyExchange) GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	if err := f.next(); err != nil {
		return models.AccountSnapshot{}, err
	}
	return models.AccountSnapshot{TotalCapital: 1000}, nil
}

func (f *flakyExchange) GetCurrentPosition(ctx context.Context) (*models.ExchangePosition, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *flakyExchange) GetMarkPrice(ctx context.Context) (float64, error) {
	if err := f.next(); err != nil {
		return 0, err
	}
	return 100, nil
}

func (f *flakyExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	f.mu.Lock()
	f.clientIDs = append(f.clientIDs, req.ClientOrderID)
	f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	return &models.FillResult{OrderID: "1", ClientOrderID: req.ClientOrderID, Price: 100, Quantity: req.Quantity}, nil
}

func (f *flakyExchange) LookupOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &models.FillResult{OrderID: "1", ClientOrderID: req.ClientOrderID, Price: 100, Quantity: req.Quantity}, nil
}

func TestWithRetry_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyExchange{failures: 2, err: errors.New("connection reset")}
	ex := WithRetry(inner, 3, time.Millisecond, zap.NewNop())

	price, err := ex.GetMarkPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_ExhaustedReturnsCallError(t *testing.T) {
	transient := errors.New("timeout")
	inner := &flakyExchange{failures: 10, err: transient}
	ex := WithRetry(inner, 3, time.Millisecond, zap.NewNop())

	_, err := ex.GetAccountSnapshot(context.Background())
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "GetAccountSnapshot", callErr.Op)
	assert.Equal(t, 3, callErr.Attempts)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	cases := map[string]error{
		"api error":           &common.APIError{Code: -2019, Message: "Margin is insufficient."},
		"insufficient margin": ErrInsufficientMargin,
		"rejected":            ErrOrderRejected,
	}
	for name, permanent := range cases {
		t.Run(name, func(t *testing.T) {
			inner := &flakyExchange{failures: 10, err: permanent}
			ex := WithRetry(inner, 5, time.Millisecond, zap.NewNop())
			_, err := ex.GetCurrentPosition(context.Background())
			require.Error(t, err)
			assert.Equal(t, 1, inner.calls)
			var callErr *CallError
			require.ErrorAs(t, err, &callErr)
			assert.Equal(t, 1, callErr.Attempts)
		})
	}
}

func TestWithRetry_PlaceOrderReusesClientOrderID(t *testing.T) {
	inner := &flakyExchange{failures: 2, err: errors.New("EOF")}
	ex := WithRetry(inner, 4, time.Millisecond, zap.NewNop())

	fill, err := ex.PlaceOrder(context.Background(), models.OrderRequest{Side: models.Buy, Quantity: 1})
	require.NoError(t, err)
	require.Len(t, inner.clientIDs, 3)
	assert.NotEmpty(t, inner.clientIDs[0])
	assert.Equal(t, inner.clientIDs[0], inner.clientIDs[1])
	assert.Equal(t, inner.clientIDs[0], inner.clientIDs[2])
	assert.Equal(t, inner.clientIDs[0], fill.ClientOrderID)
}

func TestWithRetry_StopsOnCancelledContext(t *testing.T) {
	inner := &flakyExchange{failures: 100, err: errors.New("unreachable")}
	ex := WithRetry(inner, 100, 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ex.GetMarkPrice(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Less(t, inner.calls, 100)
}

func TestWithRetry_LookupOrderAnswersAreNotRetried(t *testing.T) {
	for name, answer := range map[string]error{
		"not filled": ErrOrderNotFilled,
		"unknown":    ErrOrderUnknown,
	} {
		t.Run(name, func(t *testing.T) {
			inner := &flakyExchange{failures: 10, err: answer}
			ex := WithRetry(inner, 5, time.Millisecond, zap.NewNop())
			_, err := ex.LookupOrder(context.Background(), models.OrderRequest{ClientOrderID: "cid"})
			assert.ErrorIs(t, err, answer)
			assert.Equal(t, 1, inner.calls)
		})
	}
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(&CallError{Op: "PlaceOrder", Attempts: 1, Err: ErrInsufficientMargin}))
	assert.True(t, IsRejection(&common.APIError{Code: -2019}))
	assert.False(t, IsRejection(&CallError{Op: "PlaceOrder", Attempts: 3, Err: errors.New("connection reset")}))
	assert.False(t, IsRejection(context.DeadlineExceeded))
}
