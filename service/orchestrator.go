package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"bossfight/chat"
	"bossfight/events"
	"bossfight/metrics"
	"bossfight/models"
)

const (
	// timer_update cadence while a phase timer is armed
	tickInterval = 100 * time.Millisecond

	// delay before re-attempting endFight after an RPC failure
	endFightRetryDelay = 5 * time.Second

	inputQueueSize = 1024
)

// Options configures the orchestrator
type Options struct {
	Coin            string
	InitialHP       uint32
	BettingDuration time.Duration
	FightDuration   time.Duration
	FeePercentage   uint8
	AdminSecret     string
	AdminWallet     string
}

// Orchestrator is the single-writer game state machine. All stimuli
// (chat events, admin commands, timer ticks, status changes) are
// serialized through one input queue; nothing else mutates GameState.
type Orchestrator struct {
	opts     Options
	ledger   Ledger
	interp   *Interpreter
	settler  *Settler
	exporter *Exporter
	bus      *events.Bus
	reg      *metrics.Registry

	state   *models.GameState
	inputs  chan command
	queries chan snapshotQuery

	// Latched when the end flow first runs. While ending is set, chat
	// no longer mutates the round and endFight retries reuse the
	// outcome that was decided on the first attempt.
	ending       bool
	bossDefeated bool
}

type command interface{}

type chatCommand struct{ ev chat.Event }

type adminCommand struct {
	action string
	key    string
	wallet string
	reply  func(events.Event)
}

type statusCommand struct{ st chat.Status }

type betNotificationCommand struct{ bet models.BetSummary }

type snapshotQuery struct{ reply chan models.Snapshot }

// Admin actions accepted over the realtime channel
const (
	AdminActionStartBetting = "start_betting"
	AdminActionReset        = "reset"
)

// NewOrchestrator builds the state machine. Call Run to start it.
func NewOrchestrator(opts Options, l Ledger, interp *Interpreter, settler *Settler, exporter *Exporter, bus *events.Bus, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		opts:     opts,
		ledger:   l,
		interp:   interp,
		settler:  settler,
		exporter: exporter,
		bus:      bus,
		reg:      reg,
		state:    models.NewGameState(opts.InitialHP),
		inputs:   make(chan command, inputQueueSize),
		queries:  make(chan snapshotQuery, 64),
	}
}

// Run processes inputs until ctx is cancelled. It owns GameState for
// its whole lifetime.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"initialHP":       o.opts.InitialHP,
		"bettingDuration": o.opts.BettingDuration,
		"fightDuration":   o.opts.FightDuration,
	}).Info("Orchestrator running")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.handleTick(ctx)
		case cmd := <-o.inputs:
			o.dispatch(ctx, cmd)
		case q := <-o.queries:
			q.reply <- o.state.Snapshot(time.Now())
		}
	}
}

// HandleChatEvent enqueues an upstream chat message. Drops with a log
// when the queue is saturated; the writer path must never block.
func (o *Orchestrator) HandleChatEvent(ev chat.Event) {
	select {
	case o.inputs <- chatCommand{ev: ev}:
	default:
		log.WithField("username", ev.Username).Warn("Input queue full, dropping chat event")
	}
}

// HandleChatStatus enqueues an upstream connectivity change
func (o *Orchestrator) HandleChatStatus(st chat.Status) {
	select {
	case o.inputs <- statusCommand{st: st}:
	default:
	}
}

// AdminCommand enqueues an admin action. reply receives a targeted
// admin_error if validation or the transition fails.
func (o *Orchestrator) AdminCommand(action, key, wallet string, reply func(events.Event)) {
	if reply == nil {
		reply = func(events.Event) {}
	}
	select {
	case o.inputs <- adminCommand{action: action, key: key, wallet: wallet, reply: reply}:
	default:
		reply(events.AdminErrorEvent{Message: "server busy, try again"})
	}
}

// NotifyBet mirrors a client-confirmed bet for UI liveness. It never
// affects authoritative totals.
func (o *Orchestrator) NotifyBet(bet models.BetSummary) {
	select {
	case o.inputs <- betNotificationCommand{bet: bet}:
	default:
	}
}

// InjectTest feeds a synthetic chat message through the normal path.
// Like real chat, it only has an effect during Fighting.
func (o *Orchestrator) InjectTest(username, message string) {
	o.HandleChatEvent(chat.Event{
		Username: username,
		Message:  message,
		Ts:       time.Now().UnixMilli(),
	})
}

// Snapshot returns a consistent copy of the public state. Served even
// while the orchestrator waits on a ledger RPC.
func (o *Orchestrator) Snapshot() models.Snapshot {
	q := snapshotQuery{reply: make(chan models.Snapshot, 1)}
	o.queries <- q
	return <-q.reply
}

func (o *Orchestrator) dispatch(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case chatCommand:
		o.applyChat(ctx, c.ev)
	case adminCommand:
		o.handleAdmin(ctx, c)
	case statusCommand:
		o.state.ChatConnected = c.st.Connected
		o.bus.Emit(events.ConnectionStatusEvent{
			Connected: c.st.Connected,
			Terminal:  c.st.Terminal,
		})
	case betNotificationCommand:
		o.applyBetNotification(c.bet)
	}
}

// applyChat interprets and applies one chat message. Outside Fighting,
// or once the end flow has started, the message has no effect.
func (o *Orchestrator) applyChat(ctx context.Context, ev chat.Event) {
	if o.state.Phase != models.PhaseFighting || o.ending {
		return
	}
	switch o.interp.Classify(ev.Message) {
	case EffectDamage:
		o.reg.DamageApplied.Inc()
		killed := o.state.ApplyDamage(ev.Username, ev.Message, ev.Ts)
		o.emitUpdate()
		if killed {
			o.endFight(ctx)
		}
	case EffectHeal:
		o.reg.HealsApplied.Inc()
		o.state.ApplyHeal(ev.Username, ev.Message, ev.Ts)
		o.emitUpdate()
	}
}

func (o *Orchestrator) emitUpdate() {
	last := models.HitEntry{}
	if n := len(o.state.Chronological); n > 0 {
		last = o.state.Chronological[n-1]
	}
	o.bus.Emit(events.UpdateEvent{
		BossHP:          o.state.BossHP,
		MaxHP:           o.state.MaxHP,
		TotalHits:       o.state.TotalHits,
		TopHitters:      o.state.TopHitters(3),
		LastHitter:      o.state.LastHitter,
		LastEntry:       last,
		TimeRemainingMs: o.state.TimeRemaining(time.Now()),
	})
}

func (o *Orchestrator) handleAdmin(ctx context.Context, cmd adminCommand) {
	if cmd.key != o.opts.AdminSecret || cmd.wallet != o.opts.AdminWallet {
		log.WithField("action", cmd.action).Warn("Rejected admin command with bad credentials")
		cmd.reply(events.AdminErrorEvent{Message: "invalid admin credentials"})
		return
	}
	switch cmd.action {
	case AdminActionStartBetting:
		o.startBetting(ctx, cmd.reply)
	case AdminActionReset:
		o.reset()
	default:
		cmd.reply(events.AdminErrorEvent{Message: fmt.Sprintf("unknown admin action %q", cmd.action)})
	}
}

// startBetting transitions Idle/Ended -> Betting: reset round state,
// derive PDAs, create the on-chain round, arm the betting timer.
func (o *Orchestrator) startBetting(ctx context.Context, reply func(events.Event)) {
	if o.state.Phase == models.PhaseBetting || o.state.Phase == models.PhaseFighting {
		reply(events.AdminErrorEvent{Message: "a round is already in progress"})
		return
	}

	roundID := uint64(time.Now().UnixMilli())
	o.state.ResetRound(roundID)
	o.ending = false

	pdas, err := o.ledger.DerivePDAs(roundID)
	if err != nil {
		log.WithField("error", err).Error("PDA derivation failed")
		o.revertToIdle()
		reply(events.AdminErrorEvent{Message: "failed to derive round addresses"})
		return
	}
	o.state.PDAs = pdas

	err = o.await(ctx, func(c context.Context) error {
		return o.ledger.InitRound(c, roundID, o.opts.BettingDuration, o.opts.FightDuration, o.opts.InitialHP, o.opts.FeePercentage)
	})
	if err != nil {
		o.reg.RPCErrors.Inc()
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   err,
		}).Error("initializeBettingRound failed, staying idle")
		o.revertToIdle()
		reply(events.AdminErrorEvent{Message: "failed to initialize betting round"})
		return
	}

	o.state.Phase = models.PhaseBetting
	o.state.BettingEndTime = time.Now().Add(o.opts.BettingDuration).UnixMilli()

	log.WithFields(log.Fields{
		"roundId": roundID,
		"pda":     pdas.BettingRound,
	}).Info("Betting phase started")

	o.bus.Emit(events.PhaseChangeEvent{
		Phase:           models.PhaseBetting,
		RoundID:         roundID,
		TimeRemainingMs: o.state.TimeRemaining(time.Now()),
	})
}

// revertToIdle clears per-round state after a failed transition
// without publishing a phase change.
func (o *Orchestrator) revertToIdle() {
	o.state.ResetRound(0)
	o.state.Phase = models.PhaseIdle
	o.ending = false
}

func (o *Orchestrator) handleTick(ctx context.Context) {
	now := time.Now().UnixMilli()
	switch o.state.Phase {
	case models.PhaseBetting:
		if now >= o.state.BettingEndTime {
			o.startFighting(ctx)
			return
		}
	case models.PhaseFighting:
		if now >= o.state.FightEndTime {
			o.endFight(ctx)
			return
		}
	default:
		return
	}
	o.bus.Emit(events.TimerUpdateEvent{
		Phase:           o.state.Phase,
		TimeRemainingMs: o.state.TimeRemaining(time.Now()),
	})
}

// startFighting transitions Betting -> Fighting: on-chain startFight
// (retried inside the ledger client), arm the fight timer, scan bets.
func (o *Orchestrator) startFighting(ctx context.Context) {
	roundID := o.state.RoundID
	o.state.BettingEndTime = 0

	err := o.await(ctx, func(c context.Context) error {
		return o.ledger.StartFight(c, roundID)
	})
	if err != nil {
		o.reg.RPCErrors.Inc()
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   err,
		}).Error("startFightPhase failed after retries, returning to idle")
		o.revertToIdle()
		o.bus.Emit(events.PhaseChangeEvent{
			Phase:   models.PhaseIdle,
			Message: "failed to start fight phase, round cancelled",
		})
		return
	}

	o.state.Phase = models.PhaseFighting
	o.state.FightEndTime = time.Now().Add(o.opts.FightDuration).UnixMilli()

	var bets []models.BetSummary
	scanErr := o.await(ctx, func(c context.Context) error {
		var err error
		bets, err = o.ledger.ScanBets(c, roundID)
		return err
	})
	if scanErr != nil {
		o.reg.RPCErrors.Inc()
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   scanErr,
		}).Warn("Bet scan failed, continuing without on-chain bet mirror")
	} else {
		o.state.OnChainBets = make(map[string]models.BetSummary, len(bets))
		o.state.TotalDeathBets = 0
		o.state.TotalSurvivalBets = 0
		for _, bet := range bets {
			o.state.OnChainBets[bet.Wallet] = bet
			switch bet.Prediction {
			case models.PredictionDeath:
				o.state.TotalDeathBets += bet.AmountLamports
			case models.PredictionSurvival:
				o.state.TotalSurvivalBets += bet.AmountLamports
			}
		}
	}

	log.WithFields(log.Fields{
		"roundId":           roundID,
		"bets":              len(bets),
		"totalDeathBets":    o.state.TotalDeathBets,
		"totalSurvivalBets": o.state.TotalSurvivalBets,
	}).Info("Fight phase started")

	o.bus.Emit(events.PhaseChangeEvent{
		Phase:           models.PhaseFighting,
		RoundID:         roundID,
		TimeRemainingMs: o.state.TimeRemaining(time.Now()),
	})
	o.bus.Emit(events.BettingUpdateEvent{
		Bets:              o.state.Snapshot(time.Now()).Bets,
		TotalDeathBets:    o.state.TotalDeathBets,
		TotalSurvivalBets: o.state.TotalSurvivalBets,
	})
}

// endFight transitions Fighting -> Ended: record the outcome on-chain,
// settle payouts, publish results, export. The outcome is decided once,
// on the first attempt; chat arriving during a retry window cannot
// change which side settles.
func (o *Orchestrator) endFight(ctx context.Context) {
	roundID := o.state.RoundID
	o.state.FightEndTime = 0
	if !o.ending {
		o.ending = true
		o.bossDefeated = o.state.BossHP == 0
	}
	bossDefeated := o.bossDefeated

	err := o.await(ctx, func(c context.Context) error {
		return o.ledger.EndFight(c, roundID, bossDefeated)
	})
	if err != nil {
		// Remain Fighting and retry shortly; the fight outcome is
		// already decided locally.
		o.reg.RPCErrors.Inc()
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   err,
		}).Error("endFight failed, will retry")
		o.state.FightEndTime = time.Now().Add(endFightRetryDelay).UnixMilli()
		o.bus.Emit(events.PhaseChangeEvent{
			Phase:           models.PhaseFighting,
			RoundID:         roundID,
			TimeRemainingMs: o.state.TimeRemaining(time.Now()),
			Message:         "finalizing fight on-chain failed, retrying",
		})
		return
	}

	var summary *models.SettlementSummary
	settleErr := o.await(ctx, func(c context.Context) error {
		var err error
		summary, err = o.settler.Settle(c, roundID)
		return err
	})
	if settleErr != nil {
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   settleErr,
		}).Error("Settlement failed")
	}

	o.state.Phase = models.PhaseEnded
	results := o.state.BuildResults(o.opts.Coin, time.Now().UnixMilli())

	log.WithFields(log.Fields{
		"roundId":      roundID,
		"bossDefeated": bossDefeated,
		"totalHits":    results.TotalHits,
		"lastHitter":   results.LastHitter,
	}).Info("Fight ended")

	o.bus.Emit(events.PhaseChangeEvent{
		Phase:   models.PhaseEnded,
		RoundID: roundID,
	})
	o.bus.Emit(events.FightEndedEvent{Results: results})
	if summary != nil {
		o.bus.Emit(events.PayoutsProcessedEvent{Summary: *summary})
	}

	if err := o.exporter.Export(results); err != nil {
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   err,
		}).Error("Result export failed")
	}
}

// reset returns to Idle from any phase, clearing per-round state
func (o *Orchestrator) reset() {
	o.state.ResetRound(0)
	o.state.Phase = models.PhaseIdle
	o.ending = false
	log.Info("Game reset by admin")
	o.bus.Emit(events.PhaseChangeEvent{
		Phase:   models.PhaseIdle,
		Message: "game reset",
	})
	o.bus.Emit(events.GameResetEvent{})
}

func (o *Orchestrator) applyBetNotification(bet models.BetSummary) {
	if o.state.Phase != models.PhaseBetting && o.state.Phase != models.PhaseFighting {
		return
	}
	o.state.OnChainBets[bet.Wallet] = bet
	o.bus.Emit(events.BettingUpdateEvent{
		Bets:              o.state.Snapshot(time.Now()).Bets,
		TotalDeathBets:    o.state.TotalDeathBets,
		TotalSurvivalBets: o.state.TotalSurvivalBets,
	})
}

// await runs a blocking operation off the loop goroutine while the
// loop keeps serving snapshot queries. State-mutating inputs stay
// queued until the operation returns.
func (o *Orchestrator) await(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	for {
		select {
		case err := <-done:
			return err
		case q := <-o.queries:
			q.reply <- o.state.Snapshot(time.Now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
