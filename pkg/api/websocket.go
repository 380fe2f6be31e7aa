package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/pkg/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256

	maxSubscribeSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the REST router
		return true
	},
}

// Channel kinds. A channel is "{kind}:{book}"; "{kind}:*" follows every book.
const (
	ChannelTrades  = "trades"
	ChannelMatches = "matches"
	ChannelOrders  = "orders"
)

// Hub maintains active WebSocket connections and streams engine events to
// subscribed clients. It implements events.Sink.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	mu     sync.RWMutex
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.Named("ws"),
	}
}

// Run handles client registration until ctx ends, then closes every client
// connection. It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.conn.Close()
			}
			h.mu.Unlock()
			// send channels stay open: pumps exit on the closed conn or on done
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client", client.id), zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client", client.id), zap.Int("total", n))
		}
	}
}

// ChannelFor returns the channel an event is broadcast on.
func ChannelFor(ev events.Event) string {
	switch ev.Kind {
	case events.KindTradeSettled:
		return ChannelTrades + ":" + ev.Book
	case events.KindMatchQueued:
		return ChannelMatches + ":" + ev.Book
	default:
		return ChannelOrders + ":" + ev.Book
	}
}

// Publish broadcasts ev to its channel.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	msg := WSMessage{Type: string(ev.Kind), Channel: ChannelFor(ev)}
	switch {
	case ev.Trade != nil:
		msg.Data = ev.Trade
	case ev.Match != nil:
		msg.Data = ev.Match
	default:
		msg.Data = ev.Order
	}
	h.BroadcastToChannel(msg.Channel, msg)
	return nil
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// Slow clients whose buffer is full miss the message.
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("marshal broadcast", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			h.logger.Debug("client buffer full, dropping", zap.String("client", client.id), zap.String("channel", channel))
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one websocket connection and the channels it follows.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

// IsSubscribed reports whether channel ("kind:book") is followed directly
// or through a "kind:*" wildcard.
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if _, ok := c.subs[channel]; ok {
		return true
	}
	kind, _, _ := strings.Cut(channel, ":")
	_, ok := c.subs[kind+":*"]
	return ok
}

// apply executes a subscription request and returns the channels it touched.
// Channels with an unknown kind or no book are skipped.
func (c *Client) apply(req WSSubscribeRequest) ([]string, bool) {
	var add bool
	switch req.Op {
	case "subscribe":
		add = true
	case "unsubscribe":
	default:
		return nil, false
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	var applied []string
	for _, ch := range req.Channels {
		if !validChannel(ch) {
			continue
		}
		if add {
			c.subs[ch] = struct{}{}
		} else {
			delete(c.subs, ch)
		}
		applied = append(applied, ch)
	}
	return applied, true
}

func validChannel(ch string) bool {
	kind, book, ok := strings.Cut(ch, ":")
	if !ok || book == "" {
		return false
	}
	switch kind {
	case ChannelTrades, ChannelMatches, ChannelOrders:
		return true
	}
	return false
}

// readPump applies subscription requests until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxSubscribeSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(WSMessage{Type: "error", Data: "malformed request"})
			continue
		}
		applied, ok := c.apply(req)
		if !ok {
			c.reply(WSMessage{Type: "error", Data: "unknown op " + req.Op})
			continue
		}
		c.reply(WSMessage{Type: req.Op, Data: applied})
	}
}

// reply queues a control message; it is dropped if the buffer is full.
func (c *Client) reply(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.done:
			return
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]struct{}),
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

var _ events.Sink = (*Hub)(nil)
