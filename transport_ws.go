package rspc

import (
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsTransport wraps a WebSocket connection as a transport.
type wsTransport struct {
	ws       *websocket.Conn
	pongWait time.Duration
}

func newWSTransport(ws *websocket.Conn, opts ServerOptions) *wsTransport {
	t := &wsTransport{ws: ws}
	ws.SetReadLimit(opts.MaxMessageBytes)
	if opts.HeartbeatInterval > 0 {
		t.pongWait = opts.HeartbeatInterval + opts.HeartbeatTimeout
		t.extendDeadline()
		ws.SetPongHandler(func(string) error {
			t.extendDeadline()
			return nil
		})
	}
	return t
}

func (t *wsTransport) extendDeadline() {
	if t.pongWait > 0 {
		_ = t.ws.SetReadDeadline(time.Now().Add(t.pongWait))
	}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errTransportClosed
		}
		return nil, err
	}
	t.extendDeadline()
	return data, nil
}

func (t *wsTransport) WriteFrame(data []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

func (t *wsTransport) CloseGracefully() error {
	// Send a WebSocket close frame to notify the client
	_ = t.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait),
	)
	return t.ws.Close()
}
