package service

import (
	"context"
	"time"

	"bossfight/models"
)

// Ledger defines the interface for the on-chain betting program facade
type Ledger interface {
	// DerivePDAs derives the betting round and escrow addresses
	DerivePDAs(roundID uint64) (models.RoundPDAs, error)

	// InitRound creates the on-chain betting round
	InitRound(ctx context.Context, roundID uint64, bettingDur, fightDur time.Duration, initialHP uint32, feePct uint8) error

	// StartFight transitions the on-chain round to the fight phase,
	// retrying internally while betting is still active on-chain
	StartFight(ctx context.Context, roundID uint64) error

	// EndFight records the round outcome on-chain
	EndFight(ctx context.Context, roundID uint64, bossDefeated bool) error

	// FetchRound reads the authoritative round account
	FetchRound(ctx context.Context, roundID uint64) (*models.RoundAccount, error)

	// ScanBets enumerates all bet accounts for the round
	ScanBets(ctx context.Context, roundID uint64) ([]models.BetSummary, error)

	// HasBet returns the bet for (roundId, bettor), or nil if none exists
	HasBet(ctx context.Context, roundID uint64, bettorWallet string) (*models.BetSummary, error)

	// PrepareBetTx builds an unsigned bet transaction for client signing
	PrepareBetTx(ctx context.Context, roundID uint64, bettorWallet, username string, amountLamports uint64, prediction models.Prediction) (string, error)

	// ClaimPayout issues one winner payout and returns the signature
	ClaimPayout(ctx context.Context, roundID uint64, bettorWallet string) (string, error)

	// ClaimFees drains remaining escrow to the treasury
	ClaimFees(ctx context.Context, roundID uint64) (string, error)
}
