package models

// FightResults is the immutable summary of a finished round, broadcast
// on fight end and handed to the exporter.
type FightResults struct {
	RoundID           uint64            `json:"roundId"`
	Coin              string            `json:"coin"`
	BossDefeated      bool              `json:"bossDefeated"`
	FinalHP           uint32            `json:"finalHP"`
	MaxHP             uint32            `json:"maxHP"`
	TotalHits         uint32            `json:"totalHits"`
	UserHits          map[string]uint32 `json:"userHits"`
	TopHitters        []UserHitCount    `json:"topHitters"`
	LastHitter        string            `json:"lastHitter"`
	Chronological     []HitEntry        `json:"chronological"`
	TotalDeathBets    uint64            `json:"totalDeathBets"`
	TotalSurvivalBets uint64            `json:"totalSurvivalBets"`
	EndedAt           int64             `json:"endedAt"`
}

// BuildResults assembles fight results from the ended state
func (g *GameState) BuildResults(coin string, endedAt int64) FightResults {
	userHits := make(map[string]uint32, len(g.UserHits))
	for name, hits := range g.UserHits {
		userHits[name] = hits
	}
	return FightResults{
		RoundID:           g.RoundID,
		Coin:              coin,
		BossDefeated:      g.BossHP == 0,
		FinalHP:           g.BossHP,
		MaxHP:             g.MaxHP,
		TotalHits:         g.TotalHits,
		UserHits:          userHits,
		TopHitters:        g.TopHitters(3),
		LastHitter:        g.LastHitter,
		Chronological:     append([]HitEntry(nil), g.Chronological...),
		TotalDeathBets:    g.TotalDeathBets,
		TotalSurvivalBets: g.TotalSurvivalBets,
		EndedAt:           endedAt,
	}
}

// PayoutRecord is one settled winner payout
type PayoutRecord struct {
	Username    string `json:"username"`
	Wallet      string `json:"wallet"`
	BetAmount   uint64 `json:"betAmount"`
	PrizeShare  uint64 `json:"prizeShare"`
	TotalPayout uint64 `json:"totalPayout"`
	Signature   string `json:"signature"`
}

// SettlementSummary describes the outcome of settling one round
type SettlementSummary struct {
	RoundID       uint64         `json:"roundId"`
	WinningSide   Prediction     `json:"winningSide"`
	Payouts       []PayoutRecord `json:"payouts"`
	FailedPayouts int            `json:"failedPayouts"`
	FeesSignature string         `json:"feesSignature"`
}

// ComputePayout calculates a winner's prize share and total payout in
// lamports. The fee is taken from the losing pool first; shares use
// floor division, so a small residue remains in escrow and is swept by
// the fee claim.
func ComputePayout(amount, winnerTotal, loserTotal uint64, feePct uint8) (prizeShare, totalPayout uint64) {
	if winnerTotal == 0 {
		return 0, 0
	}
	fee := loserTotal * uint64(feePct) / 100
	prizePool := loserTotal - fee
	prizeShare = prizePool * amount / winnerTotal
	return prizeShare, amount + prizeShare
}

// WinningSide maps the fight outcome to the side that gets paid
func WinningSide(bossDefeated bool) Prediction {
	if bossDefeated {
		return PredictionDeath
	}
	return PredictionSurvival
}
