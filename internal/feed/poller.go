package feed

import (
	"context"
	"time"

	"fib-pocket-bot-go/internal/models"

	"go.uber.org/zap"
)

// PriceSource is the part of the exchange the poller needs.
type PriceSource interface {
	GetMarkPrice(ctx context.Context) (float64, error)
}

// Poller samples a PriceSource on a fixed interval. It is the REST fallback used in paper mode.
type Poller struct {
	source   PriceSource
	window   *Window
	interval time.Duration
	logger   *zap.Logger

	OnPrice func(models.PricePoint)
}

func NewPoller(source PriceSource, window *Window, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{source: source, window: window, interval: interval, logger: logger}
}

// Run samples immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample(ctx)
		}
	}
}

func (p *Poller) sample(ctx context.Context) {
	price, err := p.source.GetMarkPrice(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("轮询标记价格失败", zap.Error(err))
		}
		return
	}
	pt := models.PricePoint{Price: price, Time: time.Now()}
	p.window.Add(pt)
	if p.OnPrice != nil {
		p.OnPrice(pt)
	}
}
