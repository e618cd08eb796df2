package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"bossfight/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Per-subscriber outbound queue
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a middleman between one overlay websocket and the hub
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	game GameController

	// guards closed; reply may fire from the orchestrator goroutine
	// after the hub has already removed this client
	mu     sync.Mutex
	closed bool
}

// inboundMessage is what overlay clients may send: admin commands
type inboundMessage struct {
	Type          string `json:"type"`
	Action        string `json:"action"`
	AdminKey      string `json:"adminKey"`
	WalletAddress string `json:"walletAddress"`
}

// ServeWS upgrades an HTTP request to a subscriber connection
func (h *Hub) ServeWS(game GameController, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Warn("WebSocket upgrade failed")
		return
	}
	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		hub:  h,
		game: game,
	}
	h.Register(client)
	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound messages; only admin commands are acted on
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithFields(log.Fields{
					"client": c.id,
					"error":  err,
				}).Debug("Subscriber read error")
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "admin" {
			c.game.AdminCommand(msg.Action, msg.AdminKey, msg.WalletAddress, c.reply)
		}
	}
}

// reply delivers a targeted event to this subscriber only. Replies
// queued before a disconnect become no-ops once the client is removed.
func (c *Client) reply(e events.Event) {
	payload, err := marshalEvent(e)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// closeSend is called by the hub goroutine when the client is removed
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump pumps hub messages to the websocket connection
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
		}
	}
}
