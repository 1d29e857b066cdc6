package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// CallError 在重试次数耗尽或遇到不可重试错误时返回
type CallError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("exchange %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// retryingExchange 在交易所边界做指数退避重试。
type retryingExchange struct {
	inner        Exchange
	attempts     int
	initialDelay time.Duration
	logger       *zap.Logger
}

// WithRetry 包装 ex，对临时性错误做指数退避重试。
// API 业务错误、保证金不足和上下文取消不重试。
func WithRetry(ex Exchange, attempts int, initialDelay time.Duration, logger *zap.Logger) Exchange {
	if attempts < 1 {
		attempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = 500 * time.Millisecond
	}
	return &retryingExchange{inner: ex, attempts: attempts, initialDelay: initialDelay, logger: logger}
}

func (r *retryingExchange) GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	return retryCall(ctx, r, "GetAccountSnapshot", func() (models.AccountSnapshot, error) {
		return r.inner.GetAccountSnapshot(ctx)
	})
}

func (r *retryingExchange) GetCurrentPosition(ctx context.Context) (*models.ExchangePosition, error) {
	return retryCall(ctx, r, "GetCurrentPosition", func() (*models.ExchangePosition, error) {
		return r.inner.GetCurrentPosition(ctx)
	})
}

func (r *retryingExchange) GetMarkPrice(ctx context.Context) (float64, error) {
	return retryCall(ctx, r, "GetMarkPrice", func() (float64, error) {
		return r.inner.GetMarkPrice(ctx)
	})
}

// PlaceOrder 每次重试都复用同一个 ClientOrderID
func (r *retryingExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID("fp")
	}
	return retryCall(ctx, r, "PlaceOrder", func() (*models.FillResult, error) {
		return r.inner.PlaceOrder(ctx, req)
	})
}

// LookupOrder 对未成交和未知订单不重试，这两种结果本身就是答案
func (r *retryingExchange) LookupOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	return retryCall(ctx, r, "LookupOrder", func() (*models.FillResult, error) {
		fill, err := r.inner.LookupOrder(ctx, req)
		if errors.Is(err, ErrOrderNotFilled) {
			return nil, backoff.Permanent(err)
		}
		return fill, err
	})
}

func retryCall[T any](ctx context.Context, r *retryingExchange, op string, fn func() (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)

	v, err := backoff.RetryNotifyWithData(operation, policy, func(err error, wait time.Duration) {
		r.logger.Warn("交易所调用失败，准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		var zero T
		return zero, &CallError{Op: op, Attempts: attempts, Err: err}
	}
	return v, nil
}

func isPermanent(err error) bool {
	return isAPIError(err) ||
		errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrOrderUnknown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
