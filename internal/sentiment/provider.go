package sentiment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFearGreedURL is the alternative.me crypto fear & greed index.
const DefaultFearGreedURL = "https://api.alternative.me/fng/?limit=1"

// Provider returns a best-effort sentiment snapshot. Missing fields are nil.
type Provider interface {
	GetSentiment(ctx context.Context) models.Sentiment
}

// MarketProvider reads fear & greed over HTTP and funding / long-short ratio from Binance futures.
type MarketProvider struct {
	symbol       string
	fearGreedURL string
	lsPeriod     string
	ttl          time.Duration
	client       *futures.Client
	httpClient   *http.Client
	cache        Cache
	logger       *zap.Logger
}

// NewMarketProvider builds a provider. cache may be nil, which disables caching.
func NewMarketProvider(cfg *models.Config, client *futures.Client, cache Cache, logger *zap.Logger) *MarketProvider {
	url := cfg.Sentiment.FearGreedURL
	if url == "" {
		url = DefaultFearGreedURL
	}
	period := cfg.Sentiment.LSPeriod
	if period == "" {
		period = "5m"
	}
	return &MarketProvider{
		symbol:       cfg.Symbol,
		fearGreedURL: url,
		lsPeriod:     period,
		ttl:          time.Duration(cfg.Sentiment.CacheTTLSec) * time.Second,
		client:       client,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		cache:        cache,
		logger:       logger,
	}
}

// GetSentiment fetches the three sources concurrently. A failing source leaves its field nil.
func (p *MarketProvider) GetSentiment(ctx context.Context) models.Sentiment {
	if p.cache != nil && p.ttl > 0 {
		cached, ok, err := p.cache.Get(ctx, p.symbol)
		if err != nil {
			p.logger.Warn("读取情绪缓存失败", zap.Error(err))
		} else if ok {
			return cached
		}
	}

	var out models.Sentiment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := p.fetchFearGreed(gctx)
		if err != nil {
			p.logger.Warn("获取恐惧贪婪指数失败", zap.Error(err))
			return nil
		}
		out.FearGreed = &v
		return nil
	})
	g.Go(func() error {
		v, err := p.fetchFundingRate(gctx)
		if err != nil {
			p.logger.Warn("获取资金费率失败", zap.Error(err))
			return nil
		}
		out.FundingRate = &v
		return nil
	})
	g.Go(func() error {
		v, err := p.fetchLongShortRatio(gctx)
		if err != nil {
			p.logger.Warn("获取多空比失败", zap.Error(err))
			return nil
		}
		out.LongShortRatio = &v
		return nil
	})
	_ = g.Wait()
	out.FetchedAt = time.Now()

	// 部分缺失的快照不缓存，下个周期重新获取
	complete := out.FearGreed != nil && out.FundingRate != nil && out.LongShortRatio != nil
	if p.cache != nil && p.ttl > 0 && complete {
		if err := p.cache.Set(ctx, p.symbol, out, p.ttl); err != nil {
			p.logger.Warn("写入情绪缓存失败", zap.Error(err))
		}
	}
	return out
}

func (p *MarketProvider) fetchFearGreed(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.fearGreedURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fear & greed: status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("fear & greed: invalid json")
	}
	value := gjson.GetBytes(body, "data.0.value")
	if !value.Exists() {
		return 0, fmt.Errorf("fear & greed: missing data.0.value")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("fear & greed: %w", err)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("fear & greed: value %v out of range", v)
	}
	return v, nil
}

func (p *MarketProvider) fetchFundingRate(ctx context.Context) (float64, error) {
	res, err := p.client.NewPremiumIndexService().Symbol(p.symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, p.symbol) {
			return strconv.ParseFloat(entry.LastFundingRate, 64)
		}
	}
	return 0, fmt.Errorf("funding rate not available for %s", p.symbol)
}

func (p *MarketProvider) fetchLongShortRatio(ctx context.Context) (float64, error) {
	res, err := p.client.NewLongShortRatioService().
		Symbol(p.symbol).
		Period(p.lsPeriod).
		Limit(1).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	for i := len(res) - 1; i >= 0; i-- {
		if res[i] != nil {
			return strconv.ParseFloat(res[i].LongShortRatio, 64)
		}
	}
	return 0, fmt.Errorf("long/short ratio not available for %s", p.symbol)
}
