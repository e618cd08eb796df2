package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bossfight/chat"
	"bossfight/events"
	"bossfight/metrics"
	"bossfight/models"
)

// eventRecorder captures every bus event for later assertions. Handlers
// run on the orchestrator goroutine, so access is locked.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) phaseSequence() []models.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Phase
	for _, e := range r.events {
		if pc, ok := e.(events.PhaseChangeEvent); ok {
			out = append(out, pc.Phase)
		}
	}
	return out
}

type orchFixture struct {
	orch *Orchestrator
	ml   *MockLedger
	rec  *eventRecorder
}

var testPDAs = models.RoundPDAs{BettingRound: "round-pda", Escrow: "escrow-pda"}

func startOrchestrator(t *testing.T, ml *MockLedger, mod func(*Options)) *orchFixture {
	t.Helper()
	opts := Options{
		Coin:            "TESTCOIN",
		InitialHP:       3,
		BettingDuration: 50 * time.Millisecond,
		FightDuration:   10 * time.Second,
		FeePercentage:   5,
		AdminSecret:     "secret",
		AdminWallet:     "admin-wallet",
	}
	if mod != nil {
		mod(&opts)
	}

	bus := events.NewBus()
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.handle)

	reg := metrics.NewRegistry()
	orch := NewOrchestrator(
		opts,
		ml,
		NewInterpreter([]string{"hit", "attack"}, []string{"heal"}),
		NewSettler(ml, reg),
		NewExporter(t.TempDir(), opts.Coin),
		bus,
		reg,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)

	return &orchFixture{orch: orch, ml: ml, rec: rec}
}

func (f *orchFixture) waitPhase(t *testing.T, phase models.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().Phase == phase
	}, 3*time.Second, 10*time.Millisecond, "expected phase %s", phase)
}

func (f *orchFixture) startRound(t *testing.T) {
	t.Helper()
	f.orch.AdminCommand(AdminActionStartBetting, "secret", "admin-wallet", nil)
	f.waitPhase(t, models.PhaseBetting)
}

func (f *orchFixture) sendChat(username, message string) {
	f.orch.HandleChatEvent(chat.Event{
		Username: username,
		Message:  message,
		Ts:       time.Now().UnixMilli(),
	})
}

func TestFullRoundBossDefeated(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, uint32(3), uint8(5)).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{
		{Username: "alice", Wallet: "wallet-a", AmountLamports: 1_000_000, Prediction: models.PredictionDeath, Ts: 1},
		{Username: "carol", Wallet: "wallet-c", AmountLamports: 1_000_000, Prediction: models.PredictionSurvival, Ts: 2},
	}, nil)
	ml.On("EndFight", mock.Anything, mock.Anything, true).Return(nil)
	ml.On("FetchRound", mock.Anything, mock.Anything).Return(&models.RoundAccount{
		TotalDeathBets:    1_000_000,
		TotalSurvivalBets: 1_000_000,
		FeePercentage:     5,
		BossDefeated:      true,
	}, nil)
	ml.On("ClaimPayout", mock.Anything, mock.Anything, "wallet-a").Return("sig-a", nil)
	ml.On("ClaimFees", mock.Anything, mock.Anything).Return("sig-fees", nil)

	f := startOrchestrator(t, ml, nil)
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)

	// On-chain bets are mirrored once the fight starts
	snap := f.orch.Snapshot()
	assert.Equal(t, uint64(1_000_000), snap.TotalDeathBets)
	assert.Equal(t, uint64(1_000_000), snap.TotalSurvivalBets)
	assert.Len(t, snap.Bets, 2)

	f.sendChat("alice", "hit the boss")
	f.sendChat("alice", "attack now")
	f.sendChat("bob", "hit")
	f.waitPhase(t, models.PhaseEnded)

	ended := f.rec.byType(events.EventTypeFightEnded)
	require.Len(t, ended, 1)
	results := ended[0].(events.FightEndedEvent).Results
	assert.True(t, results.BossDefeated)
	assert.Equal(t, uint32(0), results.FinalHP)
	assert.Equal(t, uint32(3), results.TotalHits)
	assert.Equal(t, uint32(2), results.UserHits["alice"])
	assert.Equal(t, uint32(1), results.UserHits["bob"])
	assert.Equal(t, "bob", results.LastHitter)

	payouts := f.rec.byType(events.EventTypePayoutsProcessed)
	require.Len(t, payouts, 1)
	summary := payouts[0].(events.PayoutsProcessedEvent).Summary
	assert.Equal(t, models.PredictionDeath, summary.WinningSide)
	require.Len(t, summary.Payouts, 1)
	assert.Equal(t, "alice", summary.Payouts[0].Username)
	assert.Equal(t, uint64(950_000), summary.Payouts[0].PrizeShare)

	assert.Equal(t, []models.Phase{models.PhaseBetting, models.PhaseFighting, models.PhaseEnded}, f.rec.phaseSequence())
	ml.AssertExpectations(t)

	// Chat after the round ended has no effect
	f.sendChat("mallory", "hit")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, uint32(3), f.orch.Snapshot().TotalHits)
}

func TestFullRoundBossSurvives(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{
		{Username: "bob", Wallet: "wallet-b", AmountLamports: 500_000, Prediction: models.PredictionSurvival, Ts: 1},
	}, nil)
	ml.On("EndFight", mock.Anything, mock.Anything, false).Return(nil)
	ml.On("FetchRound", mock.Anything, mock.Anything).Return(&models.RoundAccount{
		TotalDeathBets:    0,
		TotalSurvivalBets: 500_000,
		FeePercentage:     5,
		BossDefeated:      false,
	}, nil)
	ml.On("ClaimPayout", mock.Anything, mock.Anything, "wallet-b").Return("sig-b", nil)
	ml.On("ClaimFees", mock.Anything, mock.Anything).Return("sig-fees", nil)

	f := startOrchestrator(t, ml, func(o *Options) {
		o.FightDuration = 150 * time.Millisecond
	})
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)

	f.sendChat("alice", "hit")
	f.waitPhase(t, models.PhaseEnded)

	ended := f.rec.byType(events.EventTypeFightEnded)
	require.Len(t, ended, 1)
	results := ended[0].(events.FightEndedEvent).Results
	assert.False(t, results.BossDefeated)
	assert.Equal(t, uint32(2), results.FinalHP)
	ml.AssertExpectations(t)
}

func TestHealingExtendsTheFight(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{}, nil)

	f := startOrchestrator(t, ml, nil)
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)

	f.sendChat("alice", "hit")
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().BossHP == 2
	}, 3*time.Second, 10*time.Millisecond)

	f.sendChat("bob", "heal the boss")
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().BossHP == 3
	}, 3*time.Second, 10*time.Millisecond)

	// Healing at full HP clamps
	f.sendChat("bob", "heal again")
	time.Sleep(200 * time.Millisecond)
	snap := f.orch.Snapshot()
	assert.Equal(t, uint32(3), snap.BossHP)
	assert.Equal(t, models.PhaseFighting, snap.Phase)
	// Healers never appear on the damage leaderboard
	assert.Equal(t, "alice", snap.LastHitter)
}

func TestAmbiguousAndUnmatchedChatIgnored(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{}, nil)

	f := startOrchestrator(t, ml, nil)
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)

	f.sendChat("alice", "hit it then heal it")
	f.sendChat("bob", "gm everyone")
	time.Sleep(200 * time.Millisecond)

	snap := f.orch.Snapshot()
	assert.Equal(t, uint32(3), snap.BossHP)
	assert.Zero(t, snap.TotalHits)
}

func TestChatOutsideFightingHasNoEffect(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := startOrchestrator(t, ml, func(o *Options) {
		o.BettingDuration = 10 * time.Second
	})

	// Idle: ignored
	f.sendChat("alice", "hit")
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.orch.Snapshot().TotalHits)

	// Betting: still ignored
	f.startRound(t)
	f.sendChat("alice", "hit")
	time.Sleep(200 * time.Millisecond)
	snap := f.orch.Snapshot()
	assert.Equal(t, models.PhaseBetting, snap.Phase)
	assert.Zero(t, snap.TotalHits)
	assert.Equal(t, uint32(3), snap.BossHP)
}

func TestAdminCommandRejectsBadCredentials(t *testing.T) {
	ml := new(MockLedger)
	f := startOrchestrator(t, ml, nil)

	replies := make(chan events.Event, 1)
	f.orch.AdminCommand(AdminActionStartBetting, "wrong", "admin-wallet", func(e events.Event) {
		replies <- e
	})

	select {
	case e := <-replies:
		require.IsType(t, events.AdminErrorEvent{}, e)
	case <-time.After(3 * time.Second):
		t.Fatal("no admin error reply")
	}
	assert.Equal(t, models.PhaseIdle, f.orch.Snapshot().Phase)
	ml.AssertNotCalled(t, "InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdminCommandRejectsWrongWallet(t *testing.T) {
	ml := new(MockLedger)
	f := startOrchestrator(t, ml, nil)

	replies := make(chan events.Event, 1)
	f.orch.AdminCommand(AdminActionStartBetting, "secret", "other-wallet", func(e events.Event) {
		replies <- e
	})

	select {
	case e := <-replies:
		require.IsType(t, events.AdminErrorEvent{}, e)
	case <-time.After(3 * time.Second):
		t.Fatal("no admin error reply")
	}
	assert.Equal(t, models.PhaseIdle, f.orch.Snapshot().Phase)
}

func TestStartBettingRejectedWhileRoundActive(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := startOrchestrator(t, ml, func(o *Options) {
		o.BettingDuration = 10 * time.Second
	})
	f.startRound(t)

	replies := make(chan events.Event, 1)
	f.orch.AdminCommand(AdminActionStartBetting, "secret", "admin-wallet", func(e events.Event) {
		replies <- e
	})

	select {
	case e := <-replies:
		require.IsType(t, events.AdminErrorEvent{}, e)
	case <-time.After(3 * time.Second):
		t.Fatal("no admin error reply")
	}
	// Only one round was ever initialized
	ml.AssertNumberOfCalls(t, "InitRound", 1)
}

func TestInitRoundFailureStaysIdle(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("rpc down"))

	f := startOrchestrator(t, ml, nil)

	replies := make(chan events.Event, 1)
	f.orch.AdminCommand(AdminActionStartBetting, "secret", "admin-wallet", func(e events.Event) {
		replies <- e
	})

	select {
	case e := <-replies:
		require.IsType(t, events.AdminErrorEvent{}, e)
	case <-time.After(3 * time.Second):
		t.Fatal("no admin error reply")
	}
	snap := f.orch.Snapshot()
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	assert.Zero(t, snap.RoundID)
	// Failed initialization publishes no phase change
	assert.Empty(t, f.rec.byType(events.EventTypePhaseChange))
}

func TestStartFightFailureCancelsRound(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(errors.New("retries exhausted"))

	f := startOrchestrator(t, ml, nil)
	f.startRound(t)
	f.waitPhase(t, models.PhaseIdle)

	seq := f.rec.phaseSequence()
	require.Len(t, seq, 2)
	assert.Equal(t, models.PhaseBetting, seq[0])
	assert.Equal(t, models.PhaseIdle, seq[1])
	ml.AssertNotCalled(t, "EndFight", mock.Anything, mock.Anything, mock.Anything)
}

func TestEndFightFailureRetries(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{}, nil)
	ml.On("EndFight", mock.Anything, mock.Anything, true).Return(errors.New("rpc down")).Once()
	ml.On("EndFight", mock.Anything, mock.Anything, true).Return(nil)
	ml.On("FetchRound", mock.Anything, mock.Anything).Return(&models.RoundAccount{
		TotalDeathBets:    0,
		TotalSurvivalBets: 0,
		BossDefeated:      true,
	}, nil)
	ml.On("ClaimFees", mock.Anything, mock.Anything).Return("sig-fees", nil)

	f := startOrchestrator(t, ml, nil)
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)

	f.sendChat("alice", "hit")
	f.sendChat("alice", "hit")
	f.sendChat("alice", "hit")

	// First endFight attempt fails; the phase holds at Fighting until
	// the re-armed deadline fires and the retry succeeds.
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().Phase == models.PhaseEnded
	}, 10*time.Second, 20*time.Millisecond)

	ml.AssertNumberOfCalls(t, "EndFight", 2)
}

func TestEndOutcomeLatchedAcrossRetries(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{}, nil)
	ml.On("EndFight", mock.Anything, mock.Anything, true).Return(errors.New("rpc down")).Once()
	ml.On("EndFight", mock.Anything, mock.Anything, true).Return(nil)
	ml.On("FetchRound", mock.Anything, mock.Anything).Return(&models.RoundAccount{
		BossDefeated: true,
	}, nil)
	ml.On("ClaimFees", mock.Anything, mock.Anything).Return("sig-fees", nil)

	f := startOrchestrator(t, ml, func(o *Options) {
		o.InitialHP = 1
	})
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)

	// Killing blow; the first finalize attempt fails
	f.sendChat("alice", "hit")
	require.Eventually(t, func() bool {
		snap := f.orch.Snapshot()
		return snap.Phase == models.PhaseFighting && snap.BossHP == 0
	}, 3*time.Second, 10*time.Millisecond)

	// A heal in the retry window must not resurrect the boss or flip
	// the outcome the retry settles with
	f.sendChat("bob", "heal")
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().Phase == models.PhaseEnded
	}, 10*time.Second, 20*time.Millisecond)

	ended := f.rec.byType(events.EventTypeFightEnded)
	require.Len(t, ended, 1)
	results := ended[0].(events.FightEndedEvent).Results
	assert.True(t, results.BossDefeated)
	assert.Equal(t, uint32(0), results.FinalHP)

	ml.AssertNumberOfCalls(t, "EndFight", 2)
	ml.AssertNotCalled(t, "EndFight", mock.Anything, mock.Anything, false)
}

func TestResetMidFight(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ml.On("StartFight", mock.Anything, mock.Anything).Return(nil)
	ml.On("ScanBets", mock.Anything, mock.Anything).Return([]models.BetSummary{}, nil)

	f := startOrchestrator(t, ml, nil)
	f.startRound(t)
	f.waitPhase(t, models.PhaseFighting)
	f.sendChat("alice", "hit")

	f.orch.AdminCommand(AdminActionReset, "secret", "admin-wallet", nil)
	f.waitPhase(t, models.PhaseIdle)

	snap := f.orch.Snapshot()
	assert.Equal(t, uint32(3), snap.BossHP)
	assert.Zero(t, snap.RoundID)
	assert.Zero(t, snap.TotalHits)
	assert.Len(t, f.rec.byType(events.EventTypeGameReset), 1)
	ml.AssertNotCalled(t, "EndFight", mock.Anything, mock.Anything, mock.Anything)
}

func TestBetNotificationMirroredDuringBetting(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := startOrchestrator(t, ml, func(o *Options) {
		o.BettingDuration = 10 * time.Second
	})
	f.startRound(t)

	f.orch.NotifyBet(models.BetSummary{
		Username:       "alice",
		Wallet:         "wallet-a",
		AmountLamports: 100,
		Prediction:     models.PredictionDeath,
		Ts:             1,
	})

	require.Eventually(t, func() bool {
		return len(f.orch.Snapshot().Bets) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, f.rec.byType(events.EventTypeBettingUpdate))
	// Display mirror never changes authoritative totals
	assert.Zero(t, f.orch.Snapshot().TotalDeathBets)
}

func TestBetNotificationIgnoredWhileIdle(t *testing.T) {
	ml := new(MockLedger)
	f := startOrchestrator(t, ml, nil)

	f.orch.NotifyBet(models.BetSummary{Wallet: "wallet-a"})
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, f.orch.Snapshot().Bets)
}

func TestConnectionStatusRelayed(t *testing.T) {
	ml := new(MockLedger)
	f := startOrchestrator(t, ml, nil)

	f.orch.HandleChatStatus(chat.Status{Connected: true})
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().ChatConnected
	}, 3*time.Second, 10*time.Millisecond)

	f.orch.HandleChatStatus(chat.Status{Connected: false, Terminal: true})
	require.Eventually(t, func() bool {
		return !f.orch.Snapshot().ChatConnected
	}, 3*time.Second, 10*time.Millisecond)

	statuses := f.rec.byType(events.EventTypeConnectionStatus)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[1].(events.ConnectionStatusEvent).Terminal)
}

func TestTimerUpdatesEmittedDuringBetting(t *testing.T) {
	ml := new(MockLedger)
	ml.On("DerivePDAs", mock.Anything).Return(testPDAs, nil)
	ml.On("InitRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := startOrchestrator(t, ml, func(o *Options) {
		o.BettingDuration = 10 * time.Second
	})
	f.startRound(t)

	require.Eventually(t, func() bool {
		return len(f.rec.byType(events.EventTypeTimerUpdate)) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	updates := f.rec.byType(events.EventTypeTimerUpdate)
	tu := updates[0].(events.TimerUpdateEvent)
	assert.Equal(t, models.PhaseBetting, tu.Phase)
	assert.Greater(t, tu.TimeRemainingMs, int64(0))
}

func TestUnknownAdminAction(t *testing.T) {
	ml := new(MockLedger)
	f := startOrchestrator(t, ml, nil)

	replies := make(chan events.Event, 1)
	f.orch.AdminCommand("explode", "secret", "admin-wallet", func(e events.Event) {
		replies <- e
	})

	select {
	case e := <-replies:
		ae := e.(events.AdminErrorEvent)
		assert.Contains(t, ae.Message, "explode")
	case <-time.After(3 * time.Second):
		t.Fatal("no admin error reply")
	}
}
