package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安错误码: 订单不存在
const codeUnknownOrder = -2013

// BinanceFutures 基于 go-binance 的 U 本位合约实现。
type BinanceFutures struct {
	client       *futures.Client
	symbol       string
	logger       *zap.Logger
	pollInterval time.Duration
	pollAttempts int

	mu           sync.Mutex
	lastLeverage int
}

// NewBinanceFutures 创建实盘交易所客户端。testnet 为 true 时连接合约测试网。
func NewBinanceFutures(apiKey, secretKey, symbol string, testnet bool, logger *zap.Logger) *BinanceFutures {
	futures.UseTestnet = testnet
	return &BinanceFutures{
		client:       futures.NewClient(apiKey, secretKey),
		symbol:       symbol,
		logger:       logger,
		pollInterval: 250 * time.Millisecond,
		pollAttempts: 8,
	}
}

// Client 暴露底层客户端，情绪模块复用它读取资金费率和多空比。
func (b *BinanceFutures) Client() *futures.Client { return b.client }

func (b *BinanceFutures) GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	acc, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("获取账户信息失败: %w", err)
	}
	mark, err := b.GetMarkPrice(ctx)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	return models.AccountSnapshot{
		TotalCapital:     parseFloat(acc.TotalMarginBalance),
		DeployedCapital:  parseFloat(acc.TotalInitialMargin),
		AvailableToTrade: parseFloat(acc.AvailableBalance),
		MarkPrice:        mark,
		FetchedAt:        time.Now(),
	}, nil
}

func (b *BinanceFutures) GetCurrentPosition(ctx context.Context) (*models.ExchangePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}
	for _, p := range risks {
		if p == nil || !strings.EqualFold(p.Symbol, b.symbol) {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		b.mu.Lock()
		lev := b.lastLeverage
		b.mu.Unlock()
		return &models.ExchangePosition{
			Symbol:       p.Symbol,
			Size:         amt,
			AveragePrice: parseFloat(p.EntryPrice),
			Leverage:     lev,
			MarkPrice:    parseFloat(p.MarkPrice),
			UpdatedAt:    time.Now(),
		}, nil
	}
	return nil, nil
}

func (b *BinanceFutures) GetMarkPrice(ctx context.Context) (float64, error) {
	res, err := b.client.NewPremiumIndexService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取标记价格失败: %w", err)
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, b.symbol) {
			return parseFloat(entry.MarkPrice), nil
		}
	}
	if len(res) > 0 && res[0] != nil {
		return parseFloat(res[0].MarkPrice), nil
	}
	return 0, ErrNoPrice
}

// PlaceOrder 下市价单。创建请求出现网络错误时，先按 clientOrderId 查询订单，
// 避免在请求实际已到达交易所的情况下重复下单。
func (b *BinanceFutures) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("%w: missing client order id", ErrOrderRejected)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %v", ErrOrderRejected, req.Quantity)
	}
	if !req.ReduceOnly {
		if err := b.ensureLeverage(ctx, req.Leverage); err != nil {
			return nil, err
		}
	}

	side := futures.SideTypeBuy
	if req.Side == models.Sell {
		side = futures.SideTypeSell
	}
	svc := b.client.NewCreateOrderService().
		Symbol(b.symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(decimal.NewFromFloat(req.Quantity).String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	b.logger.Info("提交市价单",
		zap.String("symbol", b.symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.Bool("reduceOnly", req.ReduceOnly),
		zap.String("clientOrderId", req.ClientOrderID))

	resp, err := svc.Do(ctx)
	if err != nil {
		if isAPIError(err) {
			return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		// 网络错误: 订单可能已经被接受
		b.logger.Warn("下单请求失败，按 clientOrderId 查询订单", zap.String("clientOrderId", req.ClientOrderID), zap.Error(err))
		if fill, lookupErr := b.LookupOrder(ctx, req); lookupErr == nil {
			return fill, nil
		}
		return nil, err
	}

	if resp.Status == futures.OrderStatusTypeFilled && parseFloat(resp.ExecutedQuantity) > 0 {
		return b.fillFrom(req, strconv.FormatInt(resp.OrderID, 10), resp.AvgPrice, resp.ExecutedQuantity, resp.UpdateTime), nil
	}
	return b.awaitFill(ctx, req)
}

// ensureLeverage 只在请求杠杆与上次设置的不同才调用交易所
func (b *BinanceFutures) ensureLeverage(ctx context.Context, leverage int) error {
	if leverage < 1 {
		return nil
	}
	b.mu.Lock()
	same := b.lastLeverage == leverage
	b.mu.Unlock()
	if same {
		return nil
	}
	if _, err := b.client.NewChangeLeverageService().Symbol(b.symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("设置杠杆 %dx 失败: %w", leverage, err)
	}
	b.mu.Lock()
	b.lastLeverage = leverage
	b.mu.Unlock()
	b.logger.Info("杠杆已更新", zap.String("symbol", b.symbol), zap.Int("leverage", leverage))
	return nil
}

// LookupOrder 查询一笔已提交的订单，仅在其已成交时返回成交结果
func (b *BinanceFutures) LookupOrder(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	order, err := b.client.NewGetOrderService().Symbol(b.symbol).OrigClientOrderID(req.ClientOrderID).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			return nil, fmt.Errorf("%w: %s", ErrOrderUnknown, req.ClientOrderID)
		}
		return nil, err
	}
	if order.Status != futures.OrderStatusTypeFilled {
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotFilled, order.Status)
	}
	return b.fillFrom(req, strconv.FormatInt(order.OrderID, 10), order.AvgPrice, order.ExecutedQuantity, order.UpdateTime), nil
}

func (b *BinanceFutures) awaitFill(ctx context.Context, req models.OrderRequest) (*models.FillResult, error) {
	var lastErr error
	for i := 0; i < b.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
		fill, err := b.LookupOrder(ctx, req)
		if err == nil {
			return fill, nil
		}
		if isAPIError(err) {
			return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrOrderNotFilled, req.ClientOrderID, lastErr)
}

func (b *BinanceFutures) fillFrom(req models.OrderRequest, orderID, avgPrice, executed string, updateTime int64) *models.FillResult {
	at := time.Now()
	if updateTime > 0 {
		at = time.UnixMilli(updateTime)
	}
	lev := req.Leverage
	if lev < 1 {
		b.mu.Lock()
		lev = b.lastLeverage
		b.mu.Unlock()
	}
	return &models.FillResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Price:         parseFloat(avgPrice),
		Quantity:      parseFloat(executed),
		Leverage:      lev,
		Time:          at,
	}
}

func isAPIError(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
