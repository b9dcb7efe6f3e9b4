package fanout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// ClientMessage is what clients send over the socket.
type ClientMessage struct {
	Action  string `json:"action"`
	VideoID string `json:"video_id"`
}

var errSlowSubscriber = errors.New("subscriber send buffer full")

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan schema.PushEvent

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(ev schema.PushEvent) error {
	select {
	case <-c.done:
		return errors.New("subscriber closed")
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSlowSubscriber
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ServeWS upgrades the request and runs the client until it disconnects.
func ServeWS(h *Hub, logger *slog.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "err", err)
			return
		}
		c := &wsClient{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan schema.PushEvent, sendBuffer),
			done: make(chan struct{}),
		}
		go c.writePump(logger)
		c.readPump(h, logger)
	}
}

func (c *wsClient) readPump(h *Hub, logger *slog.Logger) {
	defer func() {
		h.Drop(c)
		c.close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				logger.Debug("ignoring malformed client message", "subscriber", c.id, "err", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket closed", "subscriber", c.id, "err", err)
			}
			return
		}
		if msg.VideoID == "" {
			continue
		}
		switch msg.Action {
		case "join":
			h.Join(msg.VideoID, c)
		case "leave":
			h.Leave(msg.VideoID, c)
		default:
			logger.Debug("unknown client action", "subscriber", c.id, "action", msg.Action)
		}
	}
}

func (c *wsClient) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket write failed", "subscriber", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
