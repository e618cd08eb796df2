package service

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"bossfight/ledger"
	"bossfight/metrics"
	"bossfight/models"
)

// Settler runs once per round after endFight: it reads the
// authoritative round account, enumerates bet accounts, issues one
// claimPayout per winner, and finishes with a single claimFees.
type Settler struct {
	ledger Ledger
	reg    *metrics.Registry
}

// NewSettler creates a settlement engine over the given ledger
func NewSettler(l Ledger, reg *metrics.Registry) *Settler {
	return &Settler{ledger: l, reg: reg}
}

// Settle computes and issues payouts for the round. Per-bettor payout
// failures are logged and skipped; only failures that prevent
// settlement entirely (round fetch, bet scan) return an error.
func (s *Settler) Settle(ctx context.Context, roundID uint64) (*models.SettlementSummary, error) {
	round, err := s.ledger.FetchRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("reading round account: %w", err)
	}

	winningSide := models.WinningSide(round.BossDefeated)
	winnerTotal, loserTotal := round.TotalDeathBets, round.TotalSurvivalBets
	if winningSide == models.PredictionSurvival {
		winnerTotal, loserTotal = loserTotal, winnerTotal
	}

	summary := &models.SettlementSummary{
		RoundID:     roundID,
		WinningSide: winningSide,
	}

	log.WithFields(log.Fields{
		"roundId":     roundID,
		"winningSide": winningSide,
		"winnerTotal": winnerTotal,
		"loserTotal":  loserTotal,
	}).Info("Settling round")

	if winnerTotal == 0 {
		s.claimFees(ctx, roundID, summary)
		return summary, nil
	}

	bets, err := s.ledger.ScanBets(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("scanning bets for settlement: %w", err)
	}

	for _, bet := range bets {
		if bet.Prediction != winningSide {
			continue
		}
		share, total := models.ComputePayout(bet.AmountLamports, winnerTotal, loserTotal, round.FeePercentage)
		sig, err := s.ledger.ClaimPayout(ctx, roundID, bet.Wallet)
		if err != nil {
			if errors.Is(err, ledger.ErrAlreadyClaimed) {
				log.WithFields(log.Fields{
					"roundId": roundID,
					"wallet":  bet.Wallet,
				}).Info("Payout already claimed, skipping")
				continue
			}
			s.reg.RPCErrors.Inc()
			log.WithFields(log.Fields{
				"roundId": roundID,
				"wallet":  bet.Wallet,
				"error":   err,
			}).Error("Payout failed, continuing with remaining winners")
			summary.FailedPayouts++
			continue
		}
		s.reg.PayoutsIssued.Inc()
		summary.Payouts = append(summary.Payouts, models.PayoutRecord{
			Username:    bet.Username,
			Wallet:      bet.Wallet,
			BetAmount:   bet.AmountLamports,
			PrizeShare:  share,
			TotalPayout: total,
			Signature:   sig,
		})
		log.WithFields(log.Fields{
			"roundId":     roundID,
			"username":    bet.Username,
			"totalPayout": total,
		}).Info("Payout issued")
	}

	s.claimFees(ctx, roundID, summary)
	return summary, nil
}

func (s *Settler) claimFees(ctx context.Context, roundID uint64, summary *models.SettlementSummary) {
	sig, err := s.ledger.ClaimFees(ctx, roundID)
	if err != nil {
		s.reg.RPCErrors.Inc()
		log.WithFields(log.Fields{
			"roundId": roundID,
			"error":   err,
		}).Error("Fee claim failed")
		return
	}
	summary.FeesSignature = sig
}
