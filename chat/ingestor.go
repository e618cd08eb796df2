package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxReconnectAttempts bounds consecutive failed reconnects
	DefaultMaxReconnectAttempts = 10

	// DefaultReconnectBackoff is the fixed delay between reconnects
	DefaultReconnectBackoff = 5 * time.Second
)

// Event is a normalized chat message from the upstream room
type Event struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Ts       int64  `json:"timestamp"`
}

// Status signals upstream connectivity changes. Terminal is set once
// the reconnect budget is exhausted; the ingestor will not try again.
type Status struct {
	Connected bool
	Terminal  bool
}

// Config configures the chat ingestor
type Config struct {
	URL                  string
	Room                 string
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

type joinMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// Ingestor maintains one logical connection to the upstream chat room
// and emits normalized events. Transport errors never leave this
// package; only status changes and messages do.
type Ingestor struct {
	cfg      Config
	onEvent  func(Event)
	onStatus func(Status)

	mu               sync.Mutex
	conn             *websocket.Conn
	started          bool
	connecting       bool
	connected        bool
	reconnectPending bool
	attempts         int
	stopped          bool
}

// New creates an ingestor. Both callbacks are invoked from ingestor
// goroutines and must not block for long.
func New(cfg Config, onEvent func(Event), onStatus func(Status)) *Ingestor {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	return &Ingestor{cfg: cfg, onEvent: onEvent, onStatus: onStatus}
}

// Start begins connecting. It is idempotent; calling it again while a
// connection or reconnect is in flight does nothing.
func (in *Ingestor) Start() {
	in.mu.Lock()
	if in.started || in.stopped {
		in.mu.Unlock()
		return
	}
	in.started = true
	in.mu.Unlock()
	go in.connect()
}

// Stop closes the upstream connection and disables reconnects
func (in *Ingestor) Stop() {
	in.mu.Lock()
	in.stopped = true
	conn := in.conn
	in.mu.Unlock()
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

// Connected reports current upstream connectivity
func (in *Ingestor) Connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.connected
}

func (in *Ingestor) connect() {
	in.mu.Lock()
	if in.stopped || in.connecting || in.connected {
		in.mu.Unlock()
		return
	}
	in.connecting = true
	in.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(in.cfg.URL, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"url":   in.cfg.URL,
			"error": err,
		}).Warn("Chat connection failed")
		in.mu.Lock()
		in.connecting = false
		in.mu.Unlock()
		in.onStatus(Status{Connected: false})
		in.scheduleReconnect()
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(joinMessage{Action: "join", Room: in.cfg.Room}); err != nil {
		conn.Close()
		in.mu.Lock()
		in.connecting = false
		in.mu.Unlock()
		in.onStatus(Status{Connected: false})
		in.scheduleReconnect()
		return
	}

	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		conn.Close()
		return
	}
	in.conn = conn
	in.connecting = false
	in.connected = true
	in.attempts = 0
	in.mu.Unlock()

	log.WithField("room", in.cfg.Room).Info("Connected to chat room")
	in.onStatus(Status{Connected: true})

	go in.pingLoop(conn)
	go in.readLoop(conn)
}

func (in *Ingestor) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
			return
		}
	}
}

func (in *Ingestor) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Event
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("error", err).Warn("Chat read error")
			}
			break
		}
		if msg.Ts == 0 {
			msg.Ts = time.Now().UnixMilli()
		}
		in.onEvent(msg)
	}

	in.handleClose()
}

func (in *Ingestor) handleClose() {
	in.mu.Lock()
	wasConnected := in.connected
	in.connected = false
	in.conn = nil
	stopped := in.stopped
	in.mu.Unlock()

	if stopped {
		return
	}
	if wasConnected {
		in.onStatus(Status{Connected: false})
	}
	in.scheduleReconnect()
}

// scheduleReconnect arms at most one pending reconnect. After the
// attempt budget is spent, a terminal status is emitted instead.
func (in *Ingestor) scheduleReconnect() {
	in.mu.Lock()
	if in.stopped || in.reconnectPending || in.connecting || in.connected {
		in.mu.Unlock()
		return
	}
	if in.attempts >= in.cfg.MaxReconnectAttempts {
		in.mu.Unlock()
		log.WithField("attempts", in.cfg.MaxReconnectAttempts).Error("Max chat reconnect attempts reached, giving up")
		in.onStatus(Status{Connected: false, Terminal: true})
		return
	}
	in.attempts++
	in.reconnectPending = true
	attempt := in.attempts
	in.mu.Unlock()

	log.WithFields(log.Fields{
		"attempt": attempt,
		"max":     in.cfg.MaxReconnectAttempts,
		"backoff": in.cfg.ReconnectBackoff,
	}).Info("Scheduling chat reconnect")

	time.AfterFunc(in.cfg.ReconnectBackoff, func() {
		in.mu.Lock()
		in.reconnectPending = false
		in.mu.Unlock()
		in.connect()
	})
}
