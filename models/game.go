package models

import (
	"sort"
	"time"
)

// Phase represents the lifecycle phase of a boss fight round
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBetting  Phase = "betting"
	PhaseFighting Phase = "fighting"
	PhaseEnded    Phase = "ended"
)

// Prediction is the side a bettor backs for the round outcome
type Prediction string

const (
	PredictionDeath    Prediction = "death"
	PredictionSurvival Prediction = "survival"
)

// Valid reports whether the prediction is one of the two known sides
func (p Prediction) Valid() bool {
	return p == PredictionDeath || p == PredictionSurvival
}

// HitEntry is a single chronological damage or heal record.
// Delta is -1 for damage and +1 for heals.
type HitEntry struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Ts       int64  `json:"ts"`
	Delta    int    `json:"delta"`
}

// BetSummary mirrors an on-chain bet account for display and auditing.
// Authoritative amounts always live on-chain.
type BetSummary struct {
	Username       string     `json:"username"`
	Wallet         string     `json:"wallet"`
	AmountLamports uint64     `json:"amountLamports"`
	Prediction     Prediction `json:"prediction"`
	Ts             int64      `json:"ts"`
	Claimed        bool       `json:"claimed"`
}

// UserHitCount pairs a username with accumulated damage for leaderboards
type UserHitCount struct {
	Username string `json:"username"`
	Hits     uint32 `json:"hits"`
}

// RoundPDAs holds the derived program addresses for a betting round
type RoundPDAs struct {
	BettingRound string `json:"bettingRoundPDA"`
	Escrow       string `json:"escrowPDA"`
}

// RoundAccount is the decoded on-chain betting round account
type RoundAccount struct {
	RoundID           uint64 `json:"roundId"`
	Authority         string `json:"authority"`
	TotalDeathBets    uint64 `json:"totalDeathBets"`
	TotalSurvivalBets uint64 `json:"totalSurvivalBets"`
	FeePercentage     uint8  `json:"feePercentage"`
	BossDefeated      bool   `json:"bossDefeated"`
	Settled           bool   `json:"settled"`
}

// GameState is the single mutable game instance. It is owned exclusively
// by the orchestrator; everything else sees copies via Snapshot.
type GameState struct {
	Phase             Phase
	RoundID           uint64
	BossHP            uint32
	MaxHP             uint32
	UserHits          map[string]uint32
	Chronological     []HitEntry
	TotalHits         uint32
	LastHitter        string
	BettingEndTime    int64 // unix ms, 0 when no betting timer armed
	FightEndTime      int64 // unix ms, 0 when no fight timer armed
	PDAs              RoundPDAs
	OnChainBets       map[string]BetSummary
	TotalDeathBets    uint64
	TotalSurvivalBets uint64
	ChatConnected     bool
}

// NewGameState returns a fresh idle state with the boss at full HP
func NewGameState(initialHP uint32) *GameState {
	return &GameState{
		Phase:       PhaseIdle,
		BossHP:      initialHP,
		MaxHP:       initialHP,
		UserHits:    make(map[string]uint32),
		OnChainBets: make(map[string]BetSummary),
	}
}

// ResetRound zeroes all per-round fields and assigns a new round id.
// The boss returns to full HP and the hit ledger is cleared.
func (g *GameState) ResetRound(roundID uint64) {
	g.RoundID = roundID
	g.BossHP = g.MaxHP
	g.UserHits = make(map[string]uint32)
	g.Chronological = nil
	g.TotalHits = 0
	g.LastHitter = ""
	g.BettingEndTime = 0
	g.FightEndTime = 0
	g.PDAs = RoundPDAs{}
	g.OnChainBets = make(map[string]BetSummary)
	g.TotalDeathBets = 0
	g.TotalSurvivalBets = 0
}

// ApplyDamage records one point of damage from username. Returns true
// when this hit brought the boss from alive to dead. Only legal while
// Fighting; callers enforce the phase.
func (g *GameState) ApplyDamage(username, message string, ts int64) (killed bool) {
	g.TotalHits++
	g.UserHits[username]++
	g.LastHitter = username
	g.Chronological = append(g.Chronological, HitEntry{
		Username: username,
		Message:  message,
		Ts:       ts,
		Delta:    -1,
	})
	if g.BossHP > 0 {
		g.BossHP--
		return g.BossHP == 0
	}
	return false
}

// ApplyHeal records one point of healing. UserHits and LastHitter are
// untouched by heals.
func (g *GameState) ApplyHeal(username, message string, ts int64) {
	g.Chronological = append(g.Chronological, HitEntry{
		Username: username,
		Message:  message,
		Ts:       ts,
		Delta:    1,
	})
	if g.BossHP < g.MaxHP {
		g.BossHP++
	}
}

// TopHitters returns up to n users ordered by descending hits.
// Ties break alphabetically so the ordering is stable.
func (g *GameState) TopHitters(n int) []UserHitCount {
	out := make([]UserHitCount, 0, len(g.UserHits))
	for name, hits := range g.UserHits {
		out = append(out, UserHitCount{Username: name, Hits: hits})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Username < out[j].Username
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// RecentHits returns the newest n chronological entries, oldest first
func (g *GameState) RecentHits(n int) []HitEntry {
	if len(g.Chronological) <= n {
		return append([]HitEntry(nil), g.Chronological...)
	}
	return append([]HitEntry(nil), g.Chronological[len(g.Chronological)-n:]...)
}

// TimeRemaining returns milliseconds until the active phase deadline,
// clamped at zero. Returns 0 when no timer is armed.
func (g *GameState) TimeRemaining(now time.Time) int64 {
	var deadline int64
	switch g.Phase {
	case PhaseBetting:
		deadline = g.BettingEndTime
	case PhaseFighting:
		deadline = g.FightEndTime
	default:
		return 0
	}
	if deadline == 0 {
		return 0
	}
	remaining := deadline - now.UnixMilli()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanAcceptBets reports whether a new bet may be placed right now
func (g *GameState) CanAcceptBets(now time.Time) bool {
	return g.Phase == PhaseBetting && now.UnixMilli() < g.BettingEndTime
}

// Snapshot is an immutable copy of the public game state sent to new
// subscribers and returned by the status endpoints.
type Snapshot struct {
	Phase             Phase          `json:"phase"`
	RoundID           uint64         `json:"roundId"`
	BossHP            uint32         `json:"bossHP"`
	MaxHP             uint32         `json:"maxHP"`
	TotalHits         uint32         `json:"totalHits"`
	TopHitters        []UserHitCount `json:"topHitters"`
	LastHitter        string         `json:"lastHitter"`
	RecentHits        []HitEntry     `json:"recentHits"`
	PDAs              RoundPDAs      `json:"pdas"`
	Bets              []BetSummary   `json:"bets"`
	TotalDeathBets    uint64         `json:"totalDeathBets"`
	TotalSurvivalBets uint64         `json:"totalSurvivalBets"`
	TimeRemainingMs   int64          `json:"timeRemaining"`
	AcceptingBets     bool           `json:"acceptingBets"`
	ChatConnected     bool           `json:"chatConnected"`
}

// Snapshot builds a deep copy of the publishable state
func (g *GameState) Snapshot(now time.Time) Snapshot {
	bets := make([]BetSummary, 0, len(g.OnChainBets))
	for _, b := range g.OnChainBets {
		bets = append(bets, b)
	}
	sortBets(bets)
	return Snapshot{
		Phase:             g.Phase,
		RoundID:           g.RoundID,
		BossHP:            g.BossHP,
		MaxHP:             g.MaxHP,
		TotalHits:         g.TotalHits,
		TopHitters:        g.TopHitters(3),
		LastHitter:        g.LastHitter,
		RecentHits:        g.RecentHits(10),
		PDAs:              g.PDAs,
		Bets:              bets,
		TotalDeathBets:    g.TotalDeathBets,
		TotalSurvivalBets: g.TotalSurvivalBets,
		TimeRemainingMs:   g.TimeRemaining(now),
		AcceptingBets:     g.CanAcceptBets(now),
		ChatConnected:     g.ChatConnected,
	}
}

func sortBets(bs []BetSummary) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Ts < bs[j].Ts })
}
