package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"bossfight/models"
)

// Prediction codes as stored on-chain
const (
	predictionDeath    uint8 = 0
	predictionSurvival uint8 = 1
)

// betRoundIDOffset is the byte offset of the round id inside a bet
// account: 8-byte discriminator + 32-byte bettor pubkey.
const betRoundIDOffset = 40

// BetAccount is the decoded on-chain bet record. Field order matches
// the program's Borsh layout; RoundID sits at byte offset 40.
type BetAccount struct {
	Bettor     solana.PublicKey
	RoundID    uint64
	Amount     uint64
	Prediction uint8
	Username   string
	Timestamp  int64
	Claimed    bool
}

// BettingRoundAccount is the decoded on-chain round record. The round
// id follows the 32-byte authority, keeping the offset-40 framing
// shared with bet accounts.
type BettingRoundAccount struct {
	Authority         solana.PublicKey
	RoundID           uint64
	BettingEndTime    int64
	FightEndTime      int64
	InitialHP         uint32
	FeePercentage     uint8
	TotalDeathBets    uint64
	TotalSurvivalBets uint64
	BossDefeated      bool
	Settled           bool
}

// DecodeBetAccount decodes raw account data, verifying the Anchor
// discriminator first.
func DecodeBetAccount(data []byte) (*BetAccount, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], AccountDiscriminator("BetAccount")) {
		return nil, fmt.Errorf("not a BetAccount: bad discriminator")
	}
	var acct BetAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acct); err != nil {
		return nil, fmt.Errorf("decoding BetAccount: %w", err)
	}
	return &acct, nil
}

// DecodeBettingRoundAccount decodes raw round account data
func DecodeBettingRoundAccount(data []byte) (*BettingRoundAccount, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], AccountDiscriminator("BettingRound")) {
		return nil, fmt.Errorf("not a BettingRound: bad discriminator")
	}
	var acct BettingRoundAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acct); err != nil {
		return nil, fmt.Errorf("decoding BettingRound: %w", err)
	}
	return &acct, nil
}

// Summary converts a bet account to its display mirror
func (b *BetAccount) Summary() models.BetSummary {
	return models.BetSummary{
		Username:       b.Username,
		Wallet:         b.Bettor.String(),
		AmountLamports: b.Amount,
		Prediction:     decodePrediction(b.Prediction),
		Ts:             b.Timestamp,
		Claimed:        b.Claimed,
	}
}

// RoundSummary converts a round account to the model form
func (r *BettingRoundAccount) RoundSummary() models.RoundAccount {
	return models.RoundAccount{
		RoundID:           r.RoundID,
		Authority:         r.Authority.String(),
		TotalDeathBets:    r.TotalDeathBets,
		TotalSurvivalBets: r.TotalSurvivalBets,
		FeePercentage:     r.FeePercentage,
		BossDefeated:      r.BossDefeated,
		Settled:           r.Settled,
	}
}

func decodePrediction(code uint8) models.Prediction {
	if code == predictionDeath {
		return models.PredictionDeath
	}
	return models.PredictionSurvival
}

func encodePrediction(p models.Prediction) uint8 {
	if p == models.PredictionDeath {
		return predictionDeath
	}
	return predictionSurvival
}
