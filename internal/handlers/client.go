package handlers

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/coder/websocket"

	"github.com/shellgate/shellgate/internal/session"
)

// wsClient adapts a WebSocket connection to the session layer's ClientConn.
// Writes use background contexts because terminations driven by timers or
// the exec stream outlive the originating HTTP request.
type wsClient struct {
	conn *websocket.Conn

	mu    sync.Mutex
	ended bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

func (c *wsClient) WriteOutput(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return net.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageBinary, p)
}

// End sends the disconnected status and session_end envelopes, then closes
// the socket with the close code mapped from the reason. Safe to call more
// than once; only the first call does work.
func (c *wsClient) End(reason session.Reason) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.writeEnvelope(statusMsg{Type: "status", Payload: "disconnected", Reason: string(reason)})
	c.writeEnvelope(sessionEndMsg{Type: "session_end", Reason: string(reason)})
	c.conn.Close(closeCodeFor(reason), string(reason))
}

func (c *wsClient) writeEnvelope(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.conn.Write(ctx, websocket.MessageText, data)
}

// closeCodeFor maps termination reasons onto the protocol's close codes.
func closeCodeFor(reason session.Reason) websocket.StatusCode {
	switch reason {
	case session.ReasonIdle:
		return CloseIdleTimeout
	case session.ReasonSuperseded:
		return CloseSuperseded
	case session.ReasonShellExited:
		return websocket.StatusNormalClosure
	case session.ReasonStreamError, session.ReasonProvisionFailed, session.ReasonStartTimeout:
		return CloseServerError
	default:
		return CloseTerminated
	}
}
