package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"chat-notify/internal/hub"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Max inbound message size; clients only send control frames
	maxMessageSize = 4 * 1024
)

// SkipEvent labels the frame sent after a subscriber lagged behind.
const SkipEvent = "Skipped"

// Frame is the JSON text message sent for each event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is one WebSocket connection bound to a user stream. Only the
// stream goroutine writes data frames; the read pump only consumes.
type Client struct {
	conn   *websocket.Conn
	userID int64
	log    *slog.Logger
}

// ReadPump consumes inbound frames so pongs and close frames are processed.
// It calls cancel once the connection is gone.
func (c *Client) ReadPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("[WS] Unexpected close", "user", c.userID, "error", err)
			}
			return
		}
		// Inbound messages carry no meaning on this connection.
	}
}

func (c *Client) WriteEvent(_ context.Context, label string, data []byte) error {
	msg, err := json.Marshal(Frame{Event: label, Data: data})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// WriteHeartbeat sends a ping control frame carrying the keep-alive text.
func (c *Client) WriteHeartbeat(context.Context) error {
	return c.conn.WriteControl(websocket.PingMessage, []byte(hub.KeepAliveText), time.Now().Add(writeWait))
}

func (c *Client) WriteSkip(ctx context.Context, skipped uint64) error {
	data, err := json.Marshal(struct {
		Skipped uint64 `json:"skipped"`
	}{skipped})
	if err != nil {
		return err
	}
	return c.WriteEvent(ctx, SkipEvent, data)
}

func (c *Client) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
}
