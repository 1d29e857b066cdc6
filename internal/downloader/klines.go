// Package downloader pulls historical futures klines and proposes structural
// swing points from them. A proposal is printed for the operator and never
// applied by itself; swings only change through an explicit update.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
)

// Kline 一根已解析的K线
type Kline struct {
	OpenTime  time.Time
	High      float64
	Low       float64
	Close     float64
	CloseTime time.Time
}

// KlineDownloader 用于从币安合约下载K线数据
type KlineDownloader struct {
	client *futures.Client
	pause  time.Duration
}

// NewKlineDownloader 创建下载器。client 可复用交易所的客户端，公共接口不需要API Key
func NewKlineDownloader(client *futures.Client) *KlineDownloader {
	if client == nil {
		client = futures.NewClient("", "")
	}
	return &KlineDownloader{client: client, pause: 200 * time.Millisecond}
}

// DownloadKlines 分页下载 [start, end) 内的K线，币安单次请求最多1000条
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]Kline, error) {
	var out []Kline
	for t := start; t.Before(end); {
		page, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(1000).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			high, errH := strconv.ParseFloat(k.High, 64)
			low, errL := strconv.ParseFloat(k.Low, 64)
			closePrice, errC := strconv.ParseFloat(k.Close, 64)
			if errH != nil || errL != nil || errC != nil {
				return nil, fmt.Errorf("无法解析K线 %d: %w", k.OpenTime, errors.Join(errH, errL, errC))
			}
			out = append(out, Kline{
				OpenTime:  time.UnixMilli(k.OpenTime),
				High:      high,
				Low:       low,
				Close:     closePrice,
				CloseTime: time.UnixMilli(k.CloseTime),
			})
		}
		// 更新下一次请求的开始时间
		t = time.UnixMilli(page[len(page)-1].CloseTime + 1)
		if len(page) < 1000 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pause):
		}
	}
	return out, nil
}

// ProposeSwing 取区间内最高价与最低价作为波段点。
// 低点先于高点时是自高点回撤 (down)，否则是自低点反弹 (up)。
func ProposeSwing(timeframe string, klines []Kline, invalidationPct float64) (models.Swing, error) {
	if len(klines) == 0 {
		return models.Swing{}, errors.New("no klines to scan")
	}
	hi, lo := klines[0], klines[0]
	for _, k := range klines[1:] {
		if k.High > hi.High {
			hi = k
		}
		if k.Low < lo.Low {
			lo = k
		}
	}
	dir := "down"
	if hi.OpenTime.Before(lo.OpenTime) {
		dir = "up"
	}
	return models.Swing{
		Timeframe:       timeframe,
		High:            hi.High,
		Low:             lo.Low,
		HighAt:          hi.OpenTime,
		LowAt:           lo.OpenTime,
		Direction:       dir,
		InvalidationPct: invalidationPct,
	}, nil
}
