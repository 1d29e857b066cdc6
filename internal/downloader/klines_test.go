package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func kline(i int, high, low, closePrice string) string {
	open := day0.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
	return fmt.Sprintf(`[%d,"100","%s","%s","%s","10",%d,"1000",5,"5","500","0"]`,
		open, high, low, closePrice, open+24*60*60*1000-1)
}

func newTestDownloader(t *testing.T, rows []string) *KlineDownloader {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	}))
	t.Cleanup(srv.Close)
	client := futures.NewClient("", "")
	client.BaseURL = srv.URL
	return NewKlineDownloader(client)
}

func TestDownloadKlines_Parses(t *testing.T) {
	d := newTestDownloader(t, []string{
		kline(0, "100000", "98387", "99000"),
		kline(1, "126104", "99500", "120000"),
	})
	ks, err := d.DownloadKlines(context.Background(), "BTCUSDT", "1d", day0, day0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.Equal(t, 126104.0, ks[1].High)
	assert.Equal(t, 98387.0, ks[0].Low)
	assert.True(t, ks[1].OpenTime.Equal(day0.Add(24*time.Hour)))
}

func TestDownloadKlines_BadNumber(t *testing.T) {
	d := newTestDownloader(t, []string{kline(0, "n/a", "1", "1")})
	_, err := d.DownloadKlines(context.Background(), "BTCUSDT", "1d", day0, day0.Add(24*time.Hour))
	assert.Error(t, err)
}

func TestProposeSwing(t *testing.T) {
	ks := []Kline{
		{OpenTime: day0, High: 100000, Low: 98387},
		{OpenTime: day0.Add(24 * time.Hour), High: 126104, Low: 110000},
		{OpenTime: day0.Add(48 * time.Hour), High: 115000, Low: 108000},
	}
	sw, err := ProposeSwing("1d", ks, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 126104.0, sw.High)
	assert.Equal(t, 98387.0, sw.Low)
	assert.Equal(t, "down", sw.Direction)
	assert.True(t, sw.LowAt.Equal(day0))

	// 先见高点后见低点
	ks[2].Low = 90000
	sw, err = ProposeSwing("1d", ks, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "up", sw.Direction)

	_, err = ProposeSwing("1d", nil, 0.1)
	assert.Error(t, err)
}
