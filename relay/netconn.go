package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	hyamux "github.com/hashicorp/yamux"

	"github.com/sessionwire/sessionwire/realtime/ws"
)

// wsNetConn presents a websocket as a byte stream for yamux. Each Write is
// one binary message; Read drains buffered message bytes before blocking on
// the next frame. Text messages on the agent link are protocol errors.
type wsNetConn struct {
	c      *ws.Conn
	unread []byte
}

func newWSNetConn(c *ws.Conn) *wsNetConn {
	return &wsNetConn{c: c}
}

func (n *wsNetConn) Read(p []byte) (int, error) {
	for len(n.unread) == 0 {
		mt, b, err := n.c.ReadMessage(context.Background())
		if err != nil {
			return 0, err
		}
		switch mt {
		case websocket.BinaryMessage:
			n.unread = b
		case websocket.TextMessage:
			return 0, errors.New("unexpected text message on agent link")
		}
	}
	copied := copy(p, n.unread)
	n.unread = n.unread[copied:]
	return copied, nil
}

func (n *wsNetConn) Write(p []byte) (int, error) {
	if err := n.c.WriteMessage(context.Background(), websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (n *wsNetConn) Close() error { return n.c.Close() }

func (n *wsNetConn) LocalAddr() net.Addr  { return relayAddr("relay-local") }
func (n *wsNetConn) RemoteAddr() net.Addr { return relayAddr("relay-remote") }

// Deadlines are managed by yamux's own keepalive and write timeout, not by
// the websocket layer.
func (n *wsNetConn) SetDeadline(time.Time) error      { return nil }
func (n *wsNetConn) SetReadDeadline(time.Time) error  { return nil }
func (n *wsNetConn) SetWriteDeadline(time.Time) error { return nil }

type relayAddr string

func (a relayAddr) Network() string { return string(a) }
func (a relayAddr) String() string  { return string(a) }

// muxConfig is the yamux tuning shared by broker and agent. Keepalive stays
// off; liveness is handled by the session protocol's own heartbeats.
func muxConfig() *hyamux.Config {
	cfg := hyamux.DefaultConfig()
	cfg.EnableKeepAlive = false
	cfg.LogOutput = io.Discard
	return cfg
}
