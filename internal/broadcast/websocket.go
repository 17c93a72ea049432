package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Frame is the wire format in both directions
type Frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WSHandler upgrades HTTP requests into broadcaster subscriptions.
// The channels query parameter selects channels (comma separated).
type WSHandler struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	onConnect   func()
	log         *zap.Logger
}

// NewWSHandler creates the websocket endpoint. onConnect runs after a client
// subscribed, to push current state since the broadcaster keeps no replay.
func NewWSHandler(b *Broadcaster, onConnect func(), log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		onConnect: onConnect,
		log:       log.Named("ws"),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channels := parseChannels(r.URL.Query().Get("channels"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		broadcaster: h.broadcaster,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		subs:        make(map[string]string, len(channels)),
		log:         h.log.With(zap.String("remote", r.RemoteAddr)),
	}
	for _, channel := range channels {
		c.subs[channel] = h.broadcaster.Subscribe(channel, c.enqueue)
	}
	c.log.Debug("subscriber connected", zap.Strings("channels", channels))

	go c.writePump()
	if h.onConnect != nil {
		h.onConnect()
	}
	c.readPump()
}

func parseChannels(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return DefaultChannels
	}
	seen := make(map[string]bool)
	var channels []string
	for _, part := range strings.Split(raw, ",") {
		channel := strings.TrimSpace(part)
		if channel == "" || seen[channel] {
			continue
		}
		seen[channel] = true
		channels = append(channels, channel)
	}
	if len(channels) == 0 {
		return DefaultChannels
	}
	return channels
}

// wsClient is a middleman between one websocket connection and the broadcaster
type wsClient struct {
	broadcaster *Broadcaster
	conn        *websocket.Conn
	send        chan []byte
	subs        map[string]string
	log         *zap.Logger

	mu     sync.Mutex
	closed bool
}

// enqueue is the subscription handler. A client whose buffer is full is dropped.
func (c *wsClient) enqueue(channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("failed to encode payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Frame{Channel: channel, Data: data})
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn("subscriber send buffer full, dropping connection")
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) shutdown() {
	for channel, id := range c.subs {
		c.broadcaster.Unsubscribe(channel, id)
	}
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// readPump forwards subscriber frames to the broadcaster
func (c *wsClient) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		c.log.Debug("subscriber disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Channel == "" {
			c.log.Debug("ignoring malformed frame")
			continue
		}
		c.broadcaster.Receive(frame.Channel, frame.Data)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
