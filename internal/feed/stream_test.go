package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseMarkPrice(t *testing.T) {
	p, ok := parseMarkPrice([]byte(`{"e":"markPriceUpdate","E":1562305380000,"s":"BTCUSDT","p":"11794.15","r":"0.00038167"}`))
	require.True(t, ok)
	assert.Equal(t, 11794.15, p.Price)
	assert.Equal(t, int64(1562305380000), p.Time.UnixMilli())

	for _, bad := range []string{`{"e":"markPriceUpdate"}`, `{"p":"0"}`, `not json`, `{"p":"abc"}`} {
		_, ok := parseMarkPrice([]byte(bad))
		assert.False(t, ok, bad)
	}
}

func TestMarkPriceStream_ReceivesPrices(t *testing.T) {
	var path atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i, price := range []string{"108500.5", "108420.1", "108610.0"} {
			ts := strconv.FormatInt(1700000000000+int64(i)*1000, 10)
			msg := `{"e":"markPriceUpdate","E":` + ts + `,"s":"BTCUSDT","p":"` + price + `"}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	window := NewWindow(time.Hour)
	cfg := &models.Config{}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewMarkPriceStream(wsURL, "BTCUSDT", window, cfg, zap.NewNop())

	var received atomic.Int32
	stream.OnPrice = func(models.PricePoint) { received.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return received.Load() == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/ws/btcusdt@markPrice@1s", path.Load())

	latest, ok := window.Latest()
	require.True(t, ok)
	assert.Equal(t, 108610.0, latest.Price)
	low, ok := window.Low(time.Time{})
	require.True(t, ok)
	assert.Equal(t, 108420.1, low.Price)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

type fakeSource struct {
	prices []float64
	calls  atomic.Int32
}

func (f *fakeSource) GetMarkPrice(ctx context.Context) (float64, error) {
	i := int(f.calls.Add(1)) - 1
	if i >= len(f.prices) {
		return 0, errors.New("no more prices")
	}
	return f.prices[i], nil
}

func TestPoller_SamplesIntoWindow(t *testing.T) {
	src := &fakeSource{prices: []float64{100, 101, 102}}
	window := NewWindow(time.Hour)
	poller := NewPoller(src, window, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	require.Eventually(t, func() bool { return window.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	latest, _ := window.Latest()
	assert.Equal(t, 102.0, latest.Price)
}
