package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"bossfight/events"
	"bossfight/metrics"
	"bossfight/models"
)

// GameController is the hub's view of the orchestrator
type GameController interface {
	Snapshot() models.Snapshot
	AdminCommand(action, key, wallet string, reply func(events.Event))
	NotifyBet(bet models.BetSummary)
	InjectTest(username, message string)
}

// envelope is the wire form of every realtime message
type envelope struct {
	Type events.EventType `json:"type"`
	Data events.Event     `json:"data"`
}

type broadcastMessage struct {
	eventType events.EventType
	payload   []byte
}

// critical events must never be dropped for a subscriber; a subscriber
// too slow to take one is evicted instead.
func isCritical(t events.EventType) bool {
	switch t {
	case events.EventTypePhaseChange, events.EventTypeFightEnded, events.EventTypeGameReset:
		return true
	}
	return false
}

// Hub maintains the set of overlay subscribers and fans out events.
// Delivery is best-effort, per-subscriber, in order; update and
// timer_update messages may be dropped for slow subscribers.
type Hub struct {
	game    GameController
	metrics *metrics.Registry

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage

	clients     map[*Client]bool
	clientCount atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub over the given controller
func NewHub(game GameController, reg *metrics.Registry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		game:       game,
		metrics:    reg,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan broadcastMessage, 8192),
		clients:    make(map[*Client]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Attach subscribes the hub to every broadcast event on the bus.
// Targeted admin_error events are delivered via per-client replies and
// never broadcast.
func (h *Hub) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(e events.Event) {
		if e.Type() == events.EventTypeAdminError {
			return
		}
		payload, err := marshalEvent(e)
		if err != nil {
			log.WithFields(log.Fields{
				"eventType": e.Type(),
				"error":     err,
			}).Error("Failed to marshal broadcast event")
			return
		}
		h.enqueueBroadcast(broadcastMessage{eventType: e.Type(), payload: payload})
	})
}

// enqueueBroadcast queues one message without blocking the emitter.
// When the queue is full, a non-critical message is dropped; a critical
// message instead sheds the queued non-critical backlog to make room.
// The bus handler is the queue's sole producer, so draining and
// re-enqueueing the surviving messages preserves their order.
func (h *Hub) enqueueBroadcast(msg broadcastMessage) {
	select {
	case h.broadcast <- msg:
		return
	default:
	}
	if !isCritical(msg.eventType) {
		h.metrics.BroadcastDropped.Inc()
		return
	}
	var keep []broadcastMessage
	for {
		select {
		case old := <-h.broadcast:
			if isCritical(old.eventType) {
				keep = append(keep, old)
			} else {
				h.metrics.BroadcastDropped.Inc()
			}
			continue
		default:
		}
		break
	}
	for _, m := range append(keep, msg) {
		h.broadcast <- m
	}
}

func marshalEvent(e events.Event) ([]byte, error) {
	return json.Marshal(envelope{Type: e.Type(), Data: e})
}

// Run processes registrations and broadcasts until Shutdown
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// registerClient sends the initial snapshot before the client joins
// the broadcast set, so its first message is always a full state.
func (h *Hub) registerClient(client *Client) {
	snapshot := h.game.Snapshot()
	payload, err := marshalEvent(events.StateEvent{Snapshot: snapshot})
	if err != nil {
		log.WithField("error", err).Error("Failed to marshal snapshot")
		client.conn.Close()
		return
	}
	select {
	case client.send <- payload:
	default:
		client.conn.Close()
		return
	}

	h.clients[client] = true
	h.clientCount.Store(int32(len(h.clients)))
	h.metrics.Subscribers.Set(float64(len(h.clients)))
	log.WithFields(log.Fields{
		"client": client.id,
		"total":  len(h.clients),
	}).Info("Overlay subscriber connected")
}

func (h *Hub) removeClient(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	client.closeSend()
	h.clientCount.Store(int32(len(h.clients)))
	h.metrics.Subscribers.Set(float64(len(h.clients)))
	log.WithFields(log.Fields{
		"client": client.id,
		"total":  len(h.clients),
	}).Info("Overlay subscriber disconnected")
}

func (h *Hub) fanOut(msg broadcastMessage) {
	var evicted []*Client
	for client := range h.clients {
		select {
		case client.send <- msg.payload:
		default:
			if isCritical(msg.eventType) {
				evicted = append(evicted, client)
			} else {
				h.metrics.BroadcastDropped.Inc()
			}
		}
	}
	for _, client := range evicted {
		log.WithField("client", client.id).Warn("Evicting subscriber too slow for critical event")
		h.removeClient(client)
		client.conn.Close()
	}
}

// Register queues a new subscriber for snapshot delivery
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		client.conn.Close()
	}
}

// Unregister removes a subscriber
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ClientCount reports the current subscriber count
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// Shutdown closes all subscriber connections and stops the hub
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
	for client := range h.clients {
		client.conn.Close()
	}
}
