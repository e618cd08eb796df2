package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bossfight/ledger"
	"bossfight/metrics"
	"bossfight/models"
)

func newTestSettler(ml *MockLedger) *Settler {
	return NewSettler(ml, metrics.NewRegistry())
}

func TestSettleBossDefeated(t *testing.T) {
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(1)).Return(&models.RoundAccount{
		RoundID:           1,
		TotalDeathBets:    2_000_000,
		TotalSurvivalBets: 2_000_000,
		FeePercentage:     5,
		BossDefeated:      true,
	}, nil)
	ml.On("ScanBets", mock.Anything, uint64(1)).Return([]models.BetSummary{
		{Username: "alice", Wallet: "wallet-a", AmountLamports: 1_000_000, Prediction: models.PredictionDeath},
		{Username: "bob", Wallet: "wallet-b", AmountLamports: 1_000_000, Prediction: models.PredictionDeath},
		{Username: "carol", Wallet: "wallet-c", AmountLamports: 2_000_000, Prediction: models.PredictionSurvival},
	}, nil)
	ml.On("ClaimPayout", mock.Anything, uint64(1), "wallet-a").Return("sig-a", nil)
	ml.On("ClaimPayout", mock.Anything, uint64(1), "wallet-b").Return("sig-b", nil)
	ml.On("ClaimFees", mock.Anything, uint64(1)).Return("sig-fees", nil)

	summary, err := newTestSettler(ml).Settle(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, models.PredictionDeath, summary.WinningSide)
	require.Len(t, summary.Payouts, 2)
	assert.Equal(t, uint64(950_000), summary.Payouts[0].PrizeShare)
	assert.Equal(t, uint64(1_950_000), summary.Payouts[0].TotalPayout)
	assert.Equal(t, "sig-a", summary.Payouts[0].Signature)
	assert.Zero(t, summary.FailedPayouts)
	assert.Equal(t, "sig-fees", summary.FeesSignature)
	// Losers never receive a payout call
	ml.AssertNotCalled(t, "ClaimPayout", mock.Anything, uint64(1), "wallet-c")
	ml.AssertExpectations(t)
}

func TestSettleBossSurvived(t *testing.T) {
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(2)).Return(&models.RoundAccount{
		RoundID:           2,
		TotalDeathBets:    1_000_000,
		TotalSurvivalBets: 500_000,
		FeePercentage:     5,
		BossDefeated:      false,
	}, nil)
	ml.On("ScanBets", mock.Anything, uint64(2)).Return([]models.BetSummary{
		{Username: "alice", Wallet: "wallet-a", AmountLamports: 1_000_000, Prediction: models.PredictionDeath},
		{Username: "bob", Wallet: "wallet-b", AmountLamports: 500_000, Prediction: models.PredictionSurvival},
	}, nil)
	ml.On("ClaimPayout", mock.Anything, uint64(2), "wallet-b").Return("sig-b", nil)
	ml.On("ClaimFees", mock.Anything, uint64(2)).Return("sig-fees", nil)

	summary, err := newTestSettler(ml).Settle(context.Background(), 2)

	require.NoError(t, err)
	assert.Equal(t, models.PredictionSurvival, summary.WinningSide)
	require.Len(t, summary.Payouts, 1)
	assert.Equal(t, "bob", summary.Payouts[0].Username)
	// Fee on the 1M death pool is 50k; bob takes the rest
	assert.Equal(t, uint64(950_000), summary.Payouts[0].PrizeShare)
	ml.AssertExpectations(t)
}

func TestSettleNoWinners(t *testing.T) {
	// Nobody backed the winning side: only fees get claimed, bets are
	// never scanned.
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(3)).Return(&models.RoundAccount{
		RoundID:           3,
		TotalDeathBets:    0,
		TotalSurvivalBets: 1_000_000,
		FeePercentage:     5,
		BossDefeated:      true,
	}, nil)
	ml.On("ClaimFees", mock.Anything, uint64(3)).Return("sig-fees", nil)

	summary, err := newTestSettler(ml).Settle(context.Background(), 3)

	require.NoError(t, err)
	assert.Empty(t, summary.Payouts)
	assert.Equal(t, "sig-fees", summary.FeesSignature)
	ml.AssertNotCalled(t, "ScanBets", mock.Anything, mock.Anything)
	ml.AssertExpectations(t)
}

func TestSettlePerBettorFailureContinues(t *testing.T) {
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(4)).Return(&models.RoundAccount{
		RoundID:           4,
		TotalDeathBets:    300,
		TotalSurvivalBets: 300,
		FeePercentage:     0,
		BossDefeated:      true,
	}, nil)
	ml.On("ScanBets", mock.Anything, uint64(4)).Return([]models.BetSummary{
		{Username: "alice", Wallet: "wallet-a", AmountLamports: 100, Prediction: models.PredictionDeath},
		{Username: "bob", Wallet: "wallet-b", AmountLamports: 100, Prediction: models.PredictionDeath},
		{Username: "carol", Wallet: "wallet-c", AmountLamports: 100, Prediction: models.PredictionDeath},
	}, nil)
	ml.On("ClaimPayout", mock.Anything, uint64(4), "wallet-a").Return("", errors.New("rpc timeout"))
	ml.On("ClaimPayout", mock.Anything, uint64(4), "wallet-b").Return("", ledger.ErrAlreadyClaimed)
	ml.On("ClaimPayout", mock.Anything, uint64(4), "wallet-c").Return("sig-c", nil)
	ml.On("ClaimFees", mock.Anything, uint64(4)).Return("sig-fees", nil)

	summary, err := newTestSettler(ml).Settle(context.Background(), 4)

	require.NoError(t, err)
	// Already-claimed is a skip, not a failure
	assert.Equal(t, 1, summary.FailedPayouts)
	require.Len(t, summary.Payouts, 1)
	assert.Equal(t, "carol", summary.Payouts[0].Username)
	// Fees are still claimed after partial failure
	assert.Equal(t, "sig-fees", summary.FeesSignature)
	ml.AssertExpectations(t)
}

func TestSettleFetchRoundError(t *testing.T) {
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(5)).Return(nil, errors.New("rpc down"))

	summary, err := newTestSettler(ml).Settle(context.Background(), 5)

	assert.Error(t, err)
	assert.Nil(t, summary)
	ml.AssertNotCalled(t, "ClaimFees", mock.Anything, mock.Anything)
}

func TestSettleScanBetsError(t *testing.T) {
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(6)).Return(&models.RoundAccount{
		RoundID:           6,
		TotalDeathBets:    100,
		TotalSurvivalBets: 100,
		BossDefeated:      true,
	}, nil)
	ml.On("ScanBets", mock.Anything, uint64(6)).Return(nil, errors.New("rpc down"))

	summary, err := newTestSettler(ml).Settle(context.Background(), 6)

	assert.Error(t, err)
	assert.Nil(t, summary)
}

func TestSettleFeeClaimFailureIsNotFatal(t *testing.T) {
	ml := new(MockLedger)
	ml.On("FetchRound", mock.Anything, uint64(7)).Return(&models.RoundAccount{
		RoundID:           7,
		TotalDeathBets:    0,
		TotalSurvivalBets: 100,
		BossDefeated:      true,
	}, nil)
	ml.On("ClaimFees", mock.Anything, uint64(7)).Return("", errors.New("rpc down"))

	summary, err := newTestSettler(ml).Settle(context.Background(), 7)

	require.NoError(t, err)
	assert.Empty(t, summary.FeesSignature)
}
