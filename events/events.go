package events

import (
	"sync"

	"bossfight/models"

	log "github.com/sirupsen/logrus"
)

// EventType represents the realtime channels delivered to overlays
type EventType string

const (
	EventTypeState            EventType = "state"
	EventTypeUpdate           EventType = "update"
	EventTypePhaseChange      EventType = "phase_change"
	EventTypeBettingUpdate    EventType = "betting_update"
	EventTypeTimerUpdate      EventType = "timer_update"
	EventTypeFightEnded       EventType = "fight_ended"
	EventTypePayoutsProcessed EventType = "payouts_processed"
	EventTypeConnectionStatus EventType = "connection_status"
	EventTypeGameReset        EventType = "game_reset"
	EventTypeAdminError       EventType = "admin_error"
)

// Event is the base interface for all broadcast events. Each variant
// carries a fixed schema; subscribers decode once.
type Event interface {
	Type() EventType
}

// StateEvent is the full snapshot sent to a subscriber on join
type StateEvent struct {
	Snapshot models.Snapshot `json:"snapshot"`
}

func (e StateEvent) Type() EventType { return EventTypeState }

// UpdateEvent is an HP/leaderboard diff during Fighting
type UpdateEvent struct {
	BossHP          uint32                `json:"bossHP"`
	MaxHP           uint32                `json:"maxHP"`
	TotalHits       uint32                `json:"totalHits"`
	TopHitters      []models.UserHitCount `json:"topHitters"`
	LastHitter      string                `json:"lastHitter"`
	LastEntry       models.HitEntry       `json:"lastEntry"`
	TimeRemainingMs int64                 `json:"timeRemaining"`
}

func (e UpdateEvent) Type() EventType { return EventTypeUpdate }

// PhaseChangeEvent announces every phase transition
type PhaseChangeEvent struct {
	Phase           models.Phase `json:"phase"`
	RoundID         uint64       `json:"roundId"`
	TimeRemainingMs int64        `json:"timeRemaining"`
	Message         string       `json:"message,omitempty"`
}

func (e PhaseChangeEvent) Type() EventType { return EventTypePhaseChange }

// BettingUpdateEvent carries the display mirror of on-chain bets
type BettingUpdateEvent struct {
	Bets              []models.BetSummary `json:"bets"`
	TotalDeathBets    uint64              `json:"totalDeathBets"`
	TotalSurvivalBets uint64              `json:"totalSurvivalBets"`
}

func (e BettingUpdateEvent) Type() EventType { return EventTypeBettingUpdate }

// TimerUpdateEvent is the 100 ms countdown tick while a phase timer runs
type TimerUpdateEvent struct {
	Phase           models.Phase `json:"phase"`
	TimeRemainingMs int64        `json:"timeRemaining"`
}

func (e TimerUpdateEvent) Type() EventType { return EventTypeTimerUpdate }

// FightEndedEvent carries the round results summary
type FightEndedEvent struct {
	Results models.FightResults `json:"results"`
}

func (e FightEndedEvent) Type() EventType { return EventTypeFightEnded }

// PayoutsProcessedEvent carries the settlement summary
type PayoutsProcessedEvent struct {
	Summary models.SettlementSummary `json:"summary"`
}

func (e PayoutsProcessedEvent) Type() EventType { return EventTypePayoutsProcessed }

// ConnectionStatusEvent reflects upstream chat connectivity
type ConnectionStatusEvent struct {
	Connected bool `json:"connected"`
	Terminal  bool `json:"terminal,omitempty"`
}

func (e ConnectionStatusEvent) Type() EventType { return EventTypeConnectionStatus }

// GameResetEvent is broadcast when an admin resets the game
type GameResetEvent struct{}

func (e GameResetEvent) Type() EventType { return EventTypeGameReset }

// AdminErrorEvent is delivered only to the subscriber whose admin
// command was rejected; it is never broadcast.
type AdminErrorEvent struct {
	Message string `json:"message"`
}

func (e AdminErrorEvent) Type() EventType { return EventTypeAdminError }

// Handler is a function that handles events. Handlers run on the
// emitter's goroutine and must not block; the hub satisfies this with
// per-subscriber buffered queues.
type Handler func(event Event)

// Bus manages event subscriptions and dispatching. Dispatch is
// synchronous so subscribers observe events in emission order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.handlers[eventType]),
	}).Debug("Subscribed handler to event type")
}

// SubscribeAll adds a handler that receives every broadcast event
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Emit publishes an event to all registered handlers, in order
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type()])+len(b.all))
	handlers = append(handlers, b.all...)
	handlers = append(handlers, b.handlers[event.Type()]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"eventType": event.Type(),
						"panic":     r,
					}).Error("Event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}
