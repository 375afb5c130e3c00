package controller

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
)

// SocketDialer opens the task status WebSocket.
type SocketDialer struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *logger.Logger
}

type SocketDialerConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	Logger           *logger.Logger
}

func NewSocketDialer(cfg SocketDialerConfig) *SocketDialer {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &SocketDialer{
		url:    cfg.URL,
		token:  cfg.Token,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: cfg.Logger,
	}
}

func (d *SocketDialer) Dial(ctx context.Context) (ports.Conn, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", d.token))
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	d.logger.Debugw("socket_dialed", "url", d.url)
	return &socketConn{conn: conn}, nil
}

type socketConn struct {
	conn *websocket.Conn
}

// ReadMessage returns the next data frame. Control frames are handled by
// the websocket library.
func (c *socketConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *socketConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *socketConn) Close() error {
	return c.conn.Close()
}
