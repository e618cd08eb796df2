package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"bossfight/models"
)

// MockLedger is a testify mock of the Ledger interface
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) DerivePDAs(roundID uint64) (models.RoundPDAs, error) {
	args := m.Called(roundID)
	return args.Get(0).(models.RoundPDAs), args.Error(1)
}

func (m *MockLedger) InitRound(ctx context.Context, roundID uint64, bettingDur, fightDur time.Duration, initialHP uint32, feePct uint8) error {
	args := m.Called(ctx, roundID, bettingDur, fightDur, initialHP, feePct)
	return args.Error(0)
}

func (m *MockLedger) StartFight(ctx context.Context, roundID uint64) error {
	args := m.Called(ctx, roundID)
	return args.Error(0)
}

func (m *MockLedger) EndFight(ctx context.Context, roundID uint64, bossDefeated bool) error {
	args := m.Called(ctx, roundID, bossDefeated)
	return args.Error(0)
}

func (m *MockLedger) FetchRound(ctx context.Context, roundID uint64) (*models.RoundAccount, error) {
	args := m.Called(ctx, roundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RoundAccount), args.Error(1)
}

func (m *MockLedger) ScanBets(ctx context.Context, roundID uint64) ([]models.BetSummary, error) {
	args := m.Called(ctx, roundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BetSummary), args.Error(1)
}

func (m *MockLedger) HasBet(ctx context.Context, roundID uint64, bettorWallet string) (*models.BetSummary, error) {
	args := m.Called(ctx, roundID, bettorWallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BetSummary), args.Error(1)
}

func (m *MockLedger) PrepareBetTx(ctx context.Context, roundID uint64, bettorWallet, username string, amountLamports uint64, prediction models.Prediction) (string, error) {
	args := m.Called(ctx, roundID, bettorWallet, username, amountLamports, prediction)
	return args.String(0), args.Error(1)
}

func (m *MockLedger) ClaimPayout(ctx context.Context, roundID uint64, bettorWallet string) (string, error) {
	args := m.Called(ctx, roundID, bettorWallet)
	return args.String(0), args.Error(1)
}

func (m *MockLedger) ClaimFees(ctx context.Context, roundID uint64) (string, error) {
	args := m.Called(ctx, roundID)
	return args.String(0), args.Error(1)
}
