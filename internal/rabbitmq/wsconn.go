package rabbitmq

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket connection to net.Conn so the AMQP byte stream
// can run through an HTTP tunnel. Binary frames carry raw protocol bytes;
// frame boundaries have no protocol meaning, so Read buffers partial frames.
type wsConn struct {
	ws      *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WebSocketDial returns a dial function that tunnels the connection through
// the given WebSocket endpoint instead of opening a raw TCP socket. Pass it
// to WithDialFunc when the broker sits behind an HTTP-only path. A zero
// handshakeTimeout defaults to 30 seconds.
func WebSocketDial(wsURL string, header http.Header, handshakeTimeout time.Duration) func(network, addr string) (net.Conn, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	return func(network, addr string) (net.Conn, error) {
		ws, resp, err := dialer.Dial(wsURL, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("rabbitmq: websocket handshake with %s failed with status %d: %w", wsURL, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("rabbitmq: websocket dial %s: %w", wsURL, err)
		}

		conn := &wsConn{ws: ws}
		// Heartbeating has not started yet. Bound the protocol handshake so
		// a dead tunnel cannot stall the dial forever; the connection clears
		// the deadline once the handshake completes.
		if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
			ws.Close()
			return nil, err
		}
		return conn, nil
	}
}
