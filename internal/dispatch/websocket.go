package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// WSClient is one websocket connection with its room memberships.
type WSClient struct {
	conn  *websocket.Conn
	send  chan []byte
	hub   *WSHub
	rooms map[string]bool
	log   *logging.Logger
}

// WSHub manages websocket clients grouped into rooms (user:{id} and
// pair:{pair}). Emits are non-blocking; rooms with no members drop the
// message.
type WSHub struct {
	clients    map[*WSClient]bool
	rooms      map[string]map[*WSClient]bool
	broadcast  chan roomMessage
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
	log        *logging.Logger
}

type roomMessage struct {
	room string
	data []byte
}

// UserRoom returns the room name for one subscriber's connections.
func UserRoom(subscriberID string) string { return "user:" + subscriberID }

// PairRoom returns the room name for everyone watching a pair.
func PairRoom(pair string) string { return "pair:" + pair }

func NewWSHub(log *logging.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		rooms:      make(map[string]map[*WSClient]bool),
		broadcast:  make(chan roomMessage, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		log:        log,
	}
}

// Run pumps registrations and broadcasts. Call in its own goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			for room := range client.rooms {
				if h.rooms[room] == nil {
					h.rooms[room] = make(map[*WSClient]bool)
				}
				h.rooms[room][client] = true
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for room := range client.rooms {
					delete(h.rooms[room], client)
					if len(h.rooms[room]) == 0 {
						delete(h.rooms, room)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.rooms[msg.room] {
				select {
				case client.send <- msg.data:
				default:
					// Full send buffer: let the unregister path clean up.
					go func(c *WSClient) { h.unregister <- c }(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Emit sends data to everyone in the room. Returns false when the room has
// no members.
func (h *WSHub) Emit(room string, payload interface{}) bool {
	h.mu.RLock()
	members := len(h.rooms[room])
	h.mu.RUnlock()
	if members == 0 {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal websocket payload", "error", err)
		return false
	}
	select {
	case h.broadcast <- roomMessage{room: room, data: data}:
		return true
	default:
		h.log.Warn("websocket broadcast channel full, dropping", "room", room)
		return false
	}
}

// RoomCount returns the number of members in a room.
func (h *WSHub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register attaches a connection to the hub joined to the given rooms.
func (h *WSHub) Register(conn *websocket.Conn, rooms []string) *WSClient {
	client := &WSClient{
		conn:  conn,
		send:  make(chan []byte, 256),
		hub:   h,
		rooms: make(map[string]bool, len(rooms)),
		log:   h.log,
	}
	for _, r := range rooms {
		client.rooms[r] = true
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
	return client
}

func (c *WSClient) writePump() {
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
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Dashboard event names. Clients switch on the event field.
const (
	EventTradingSignal = "trading:signal"
	EventNotification  = "notification"
)

// PriceEvent returns the event name for price pushes on a pair.
func PriceEvent(pair string) string { return "price:" + pair }

// wsEvent is the wire envelope for dashboard emits.
type wsEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// WebSocketTransport emits deliveries into the subscriber's user room and
// the pair room. No connected socket is not a failure: the message is
// dropped per contract.
type WebSocketTransport struct {
	hub *WSHub
}

func NewWebSocketTransport(hub *WSHub) *WebSocketTransport {
	return &WebSocketTransport{hub: hub}
}

func (w *WebSocketTransport) Name() registry.Transport { return registry.TransportWebSocket }

// Send emits a notification event to the subscriber's room and, when the
// delivery carries a signal, a trading:signal event to the pair room.
func (w *WebSocketTransport) Send(ctx context.Context, delivery *planner.Delivery) error {
	kind := delivery.Kind
	if kind == "" {
		kind = "signal.change"
	}
	data := map[string]interface{}{
		"kind":   kind,
		"signal": delivery.Signal,
		"change": delivery.Change,
	}
	if delivery.Text != "" {
		data["text"] = delivery.Text
	}

	sent := w.hub.Emit(UserRoom(delivery.SubscriberID), wsEvent{Event: EventNotification, Data: data})
	if delivery.Signal != nil {
		w.hub.Emit(PairRoom(string(delivery.Signal.Pair)),
			wsEvent{Event: EventTradingSignal, Data: delivery.Signal})
	}
	if !sent {
		return ErrNoRecipient
	}
	return nil
}

// PushPrice emits the latest observed price to everyone watching the pair.
func (w *WebSocketTransport) PushPrice(pair string, price float64, at time.Time) {
	w.hub.Emit(PairRoom(pair), wsEvent{
		Event: PriceEvent(pair),
		Data:  map[string]interface{}{"pair": pair, "price": price, "at": at},
	})
}
