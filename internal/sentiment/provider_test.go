package sentiment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMarket struct {
	fngStatus int
	fngBody   string
	fngCalls  atomic.Int32
}

func (f *fakeMarket) start(t *testing.T) (fngURL string, futuresURL string) {
	t.Helper()
	fng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fngCalls.Add(1)
		w.WriteHeader(f.fngStatus)
		w.Write([]byte(f.fngBody))
	}))
	t.Cleanup(fng.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"110000","lastFundingRate":"-0.00012","time":1700000000000}`))
	})
	mux.HandleFunc("/futures/data/globalLongShortAccountRatio", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","longShortRatio":"0.9500","longAccount":"0.4872","shortAccount":"0.5128","timestamp":1700000000000}]`))
	})
	fut := httptest.NewServer(mux)
	t.Cleanup(fut.Close)
	return fng.URL, fut.URL
}

func newTestProvider(t *testing.T, f *fakeMarket, cache Cache) *MarketProvider {
	t.Helper()
	fngURL, futURL := f.start(t)
	cfg := &models.Config{Symbol: "BTCUSDT"}
	cfg.Sentiment.FearGreedURL = fngURL
	cfg.Sentiment.CacheTTLSec = 300
	client := futures.NewClient("", "")
	client.BaseURL = futURL
	return NewMarketProvider(cfg, client, cache, zap.NewNop())
}

func TestMarketProvider_FullSnapshot(t *testing.T) {
	f := &fakeMarket{fngStatus: http.StatusOK, fngBody: `{"name":"Fear and Greed Index","data":[{"value":"22","value_classification":"Extreme Fear"}]}`}
	p := newTestProvider(t, f, nil)

	s := p.GetSentiment(context.Background())
	require.NotNil(t, s.FearGreed)
	require.NotNil(t, s.FundingRate)
	require.NotNil(t, s.LongShortRatio)
	assert.Equal(t, 22.0, *s.FearGreed)
	assert.Equal(t, -0.00012, *s.FundingRate)
	assert.Equal(t, 0.95, *s.LongShortRatio)
	assert.False(t, s.FetchedAt.IsZero())
}

func TestMarketProvider_MissingFieldsAreNil(t *testing.T) {
	f := &fakeMarket{fngStatus: http.StatusInternalServerError, fngBody: `oops`}
	p := newTestProvider(t, f, nil)

	s := p.GetSentiment(context.Background())
	assert.Nil(t, s.FearGreed)
	assert.NotNil(t, s.FundingRate)
	assert.NotNil(t, s.LongShortRatio)
}

func TestMarketProvider_MalformedFearGreed(t *testing.T) {
	for name, body := range map[string]string{
		"no data":      `{"data":[]}`,
		"not a number": `{"data":[{"value":"high"}]}`,
		"out of range": `{"data":[{"value":"140"}]}`,
		"invalid json": `{"data":`,
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeMarket{fngStatus: http.StatusOK, fngBody: body}
			p := newTestProvider(t, f, nil)
			assert.Nil(t, p.GetSentiment(context.Background()).FearGreed)
		})
	}
}

func TestMarketProvider_UsesCache(t *testing.T) {
	f := &fakeMarket{fngStatus: http.StatusOK, fngBody: `{"data":[{"value":"55"}]}`}
	p := newTestProvider(t, f, NewMemoryCache())

	first := p.GetSentiment(context.Background())
	second := p.GetSentiment(context.Background())
	assert.Equal(t, int32(1), f.fngCalls.Load())
	assert.Equal(t, *first.FearGreed, *second.FearGreed)
}

func TestMarketProvider_PartialSnapshotNotCached(t *testing.T) {
	f := &fakeMarket{fngStatus: http.StatusBadGateway}
	p := newTestProvider(t, f, NewMemoryCache())

	p.GetSentiment(context.Background())
	p.GetSentiment(context.Background())
	assert.Equal(t, int32(2), f.fngCalls.Load())
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "BTCUSDT", models.Sentiment{FearGreed: models.Float(30)}, 5*time.Minute))
	got, ok, err := c.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, *got.FearGreed)

	now = now.Add(5 * time.Minute)
	_, ok, err = c.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}
