package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// MarkPriceStream 订阅 <symbol>@markPrice@1s 并把价格写入 Window
type MarkPriceStream struct {
	url            string
	window         *Window
	logger         *zap.Logger
	pingInterval   time.Duration
	pongWait       time.Duration
	reconnectDelay time.Duration

	// OnPrice 每收到一个价格回调一次，可为 nil
	OnPrice func(models.PricePoint)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewMarkPriceStream wsBaseURL 形如 wss://fstream.binance.com
func NewMarkPriceStream(wsBaseURL, symbol string, window *Window, cfg *models.Config, logger *zap.Logger) *MarkPriceStream {
	pongWait := time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingInterval := time.Duration(cfg.WebSocketPingIntervalSec) * time.Second
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = (pongWait * 9) / 10
	}
	return &MarkPriceStream{
		url:            fmt.Sprintf("%s/ws/%s@markPrice@1s", strings.TrimRight(wsBaseURL, "/"), strings.ToLower(symbol)),
		window:         window,
		logger:         logger,
		pingInterval:   pingInterval,
		pongWait:       pongWait,
		reconnectDelay: 5 * time.Second,
	}
}

// Run 维持连接直到 ctx 取消，断线后等待 reconnectDelay 重连
func (s *MarkPriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("标记价格流已停止")
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("WebSocket连接失败，稍后重试", zap.String("url", s.url), zap.Error(err))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("url", s.url))
			s.setConn(conn)
			if err := s.handle(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
			}
			conn.Close()
			s.setConn(nil)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("标记价格流已停止")
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *MarkPriceStream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// handle 处理单个连接的消息并维持心跳，连接断开时返回
func (s *MarkPriceStream) handle(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	// WriteControl 可与读写并发调用
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				if err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭，ReadMessage 随后返回错误
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		p, ok := parseMarkPrice(message)
		if !ok {
			s.logger.Debug("忽略无法解析的消息", zap.ByteString("message", message))
			continue
		}
		s.window.Add(p)
		if s.OnPrice != nil {
			s.OnPrice(p)
		}
	}
}

// parseMarkPrice 解析 markPriceUpdate 事件: {"e":"markPriceUpdate","E":...,"s":"BTCUSDT","p":"11794.15",...}
func parseMarkPrice(msg []byte) (models.PricePoint, bool) {
	if !gjson.ValidBytes(msg) {
		return models.PricePoint{}, false
	}
	res := gjson.GetManyBytes(msg, "p", "E")
	if !res[0].Exists() {
		return models.PricePoint{}, false
	}
	price := res[0].Float()
	if price <= 0 {
		return models.PricePoint{}, false
	}
	at := time.Now()
	if res[1].Exists() {
		at = time.UnixMilli(res[1].Int())
	}
	return models.PricePoint{Price: price, Time: at}, true
}
