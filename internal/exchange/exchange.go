package exchange

import (
	"context"
	"errors"

	"fib-pocket-bot-go/internal/models"
)

// Exchange 定义了引擎依赖的交易所能力。
// 实盘 (BinanceFutures) 与模拟盘 (PaperExchange) 都实现该接口，引擎无需区分。
type Exchange interface {
	// GetAccountSnapshot 每个决策周期调用一次，结果不缓存
	GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error)
	// GetCurrentPosition 空仓时返回 nil, nil
	GetCurrentPosition(ctx context.Context) (*models.ExchangePosition, error)
	// PlaceOrder 下市价单并返回成交结果，相同 ClientOrderID 的重复请求不会重复成交
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error)
	// LookupOrder 按 ClientOrderID 查询订单，未成交返回 ErrOrderNotFilled，交易所不认识该订单返回 ErrOrderUnknown
	LookupOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error)
	GetMarkPrice(ctx context.Context) (float64, error)
}

var (
	// ErrInsufficientMargin 可用保证金不足，重试无意义
	ErrInsufficientMargin = errors.New("insufficient margin")
	// ErrOrderRejected 交易所拒绝了订单
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderNotFilled 订单在等待时间内未成交
	ErrOrderNotFilled = errors.New("order not filled")
	// ErrOrderUnknown 交易所没有该 ClientOrderID 的订单
	ErrOrderUnknown = errors.New("order unknown to exchange")
	// ErrNoPrice 尚未获得任何价格
	ErrNoPrice = errors.New("no mark price available")
)

// IsRejection 判断下单错误是否确定没有成交。网络错误和超时返回 false，此时订单状态未知。
func IsRejection(err error) bool {
	return isAPIError(err) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrNoPrice)
}
