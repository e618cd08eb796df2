package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"

	"bossfight/models"
)

const (
	// Per-call RPC timeout; a timeout is treated like any other error
	defaultCallTimeout = 30 * time.Second

	// startFight retry policy for BettingStillActive races
	startFightRetries    = 5
	startFightRetryDelay = 2 * time.Second

	confirmPollInterval = 500 * time.Millisecond
)

// Config configures the ledger client
type Config struct {
	RPCURL               string
	ProgramID            string
	TreasuryWallet       string
	AuthorityKeypairPath string
	CallTimeout          time.Duration
}

// Client is a thin facade over the on-chain betting program. It owns
// the authority keypair; no other component may read it.
type Client struct {
	rpc         *rpc.Client
	programID   solana.PublicKey
	treasury    solana.PublicKey
	authority   solana.PrivateKey
	callTimeout time.Duration
}

// New builds a ledger client, loading the 64-byte authority secret key
// from the configured keygen file.
func New(cfg Config) (*Client, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid PROGRAM_ID: %w", err)
	}
	treasury, err := solana.PublicKeyFromBase58(cfg.TreasuryWallet)
	if err != nil {
		return nil, fmt.Errorf("invalid TREASURY_WALLET: %w", err)
	}
	authority, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.AuthorityKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("loading authority keypair: %w", err)
	}
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		rpc:         rpc.New(cfg.RPCURL),
		programID:   programID,
		treasury:    treasury,
		authority:   authority,
		callTimeout: timeout,
	}, nil
}

// Authority returns the authority public key
func (c *Client) Authority() string {
	return c.authority.PublicKey().String()
}

// DerivePDAs derives the round and escrow addresses for a round id
func (c *Client) DerivePDAs(roundID uint64) (models.RoundPDAs, error) {
	round, escrow, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return models.RoundPDAs{}, fmt.Errorf("deriving round PDAs: %w", err)
	}
	return models.RoundPDAs{BettingRound: round.String(), Escrow: escrow.String()}, nil
}

// InitRound creates the on-chain betting round account
func (c *Client) InitRound(ctx context.Context, roundID uint64, bettingDur, fightDur time.Duration, initialHP uint32, feePct uint8) error {
	round, escrow, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return err
	}

	data := new(bytes.Buffer)
	data.Write(InstructionDiscriminator("initialize_betting_round"))
	writeU64(data, roundID)
	writeI64(data, int64(bettingDur/time.Second))
	writeI64(data, int64(fightDur/time.Second))
	writeU32(data, initialHP)
	data.WriteByte(feePct)

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.authority.PublicKey(), true, true),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(escrow, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data.Bytes())

	_, err = c.sendAndConfirm(ctx, ix)
	if err != nil {
		return fmt.Errorf("initializeBettingRound: %w", classifyError(err))
	}
	log.WithFields(log.Fields{
		"roundId": roundID,
		"pda":     round.String(),
	}).Info("Betting round initialized on-chain")
	return nil
}

// StartFight transitions the on-chain round to the fight phase.
// BettingStillActive is retried at a fixed 2 s spacing up to 5 times;
// any other error aborts immediately.
func (c *Client) StartFight(ctx context.Context, roundID uint64) error {
	round, _, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return err
	}

	data := new(bytes.Buffer)
	data.Write(InstructionDiscriminator("start_fight_phase"))

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.authority.PublicKey(), true, true),
		solana.NewAccountMeta(round, true, false),
	}, data.Bytes())

	attempt := 0
	operation := func() error {
		attempt++
		_, err := c.sendAndConfirm(ctx, ix)
		err = classifyError(err)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBettingStillActive) {
			log.WithFields(log.Fields{
				"roundId": roundID,
				"attempt": attempt,
			}).Warn("startFightPhase: betting still active, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(startFightRetryDelay), startFightRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("startFightPhase: %w", err)
	}
	log.WithField("roundId", roundID).Info("Fight phase started on-chain")
	return nil
}

// EndFight records the round outcome on-chain
func (c *Client) EndFight(ctx context.Context, roundID uint64, bossDefeated bool) error {
	round, _, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return err
	}

	data := new(bytes.Buffer)
	data.Write(InstructionDiscriminator("end_fight"))
	writeBool(data, bossDefeated)

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.authority.PublicKey(), true, true),
		solana.NewAccountMeta(round, true, false),
	}, data.Bytes())

	if _, err := c.sendAndConfirm(ctx, ix); err != nil {
		return fmt.Errorf("endFight: %w", classifyError(err))
	}
	log.WithFields(log.Fields{
		"roundId":      roundID,
		"bossDefeated": bossDefeated,
	}).Info("Fight ended on-chain")
	return nil
}

// FetchRound reads and decodes the authoritative round account
func (c *Client) FetchRound(ctx context.Context, roundID uint64) (*models.RoundAccount, error) {
	round, _, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.rpc.GetAccountInfo(ctx, round)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("fetching round account: %w", err)
	}
	if resp == nil || resp.Value == nil {
		return nil, ErrRoundNotFound
	}
	acct, err := DecodeBettingRoundAccount(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, err
	}
	summary := acct.RoundSummary()
	return &summary, nil
}

// ScanBets enumerates all bet accounts for the round, filtered by the
// BetAccount discriminator at offset 0 and the little-endian round id
// at offset 40.
func (c *Client) ScanBets(ctx context.Context, roundID uint64) ([]models.BetSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.programID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(AccountDiscriminator("BetAccount"))}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: betRoundIDOffset, Bytes: solana.Base58(RoundIDBytes(roundID))}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scanning bet accounts: %w", err)
	}

	bets := make([]models.BetSummary, 0, len(resp))
	for _, keyed := range resp {
		acct, err := DecodeBetAccount(keyed.Account.Data.GetBinary())
		if err != nil {
			log.WithFields(log.Fields{
				"account": keyed.Pubkey.String(),
				"error":   err,
			}).Warn("Skipping undecodable bet account")
			continue
		}
		bets = append(bets, acct.Summary())
	}
	return bets, nil
}

// HasBet returns the bet summary for (roundId, bettor) or nil when no
// bet account exists.
func (c *Client) HasBet(ctx context.Context, roundID uint64, bettorWallet string) (*models.BetSummary, error) {
	bettor, err := solana.PublicKeyFromBase58(bettorWallet)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}
	betPDA, err := DeriveBetPDA(c.programID, roundID, bettor)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.rpc.GetAccountInfo(ctx, betPDA)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching bet account: %w", err)
	}
	if resp == nil || resp.Value == nil {
		return nil, nil
	}
	acct, err := DecodeBetAccount(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, err
	}
	summary := acct.Summary()
	return &summary, nil
}

// PrepareBetTx builds an unsigned placeBet transaction with a fresh
// recent blockhash and returns it base64-serialized for the bettor's
// wallet to sign.
func (c *Client) PrepareBetTx(ctx context.Context, roundID uint64, bettorWallet, username string, amountLamports uint64, prediction models.Prediction) (string, error) {
	bettor, err := solana.PublicKeyFromBase58(bettorWallet)
	if err != nil {
		return "", fmt.Errorf("invalid wallet address: %w", err)
	}
	round, escrow, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return "", err
	}
	betPDA, err := DeriveBetPDA(c.programID, roundID, bettor)
	if err != nil {
		return "", err
	}

	data := new(bytes.Buffer)
	data.Write(InstructionDiscriminator("place_bet"))
	writeU64(data, roundID)
	writeU64(data, amountLamports)
	data.WriteByte(encodePrediction(prediction))
	writeString(data, username)

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(bettor, true, true),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(betPDA, true, false),
		solana.NewAccountMeta(escrow, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data.Bytes())

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("fetching blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(bettor),
	)
	if err != nil {
		return "", fmt.Errorf("building bet transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serializing bet transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ClaimPayout issues a winner payout. The program flags each bet as
// claimed, so replays fail with ErrAlreadyClaimed and move no funds.
func (c *Client) ClaimPayout(ctx context.Context, roundID uint64, bettorWallet string) (string, error) {
	bettor, err := solana.PublicKeyFromBase58(bettorWallet)
	if err != nil {
		return "", fmt.Errorf("invalid wallet address: %w", err)
	}
	round, escrow, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return "", err
	}
	betPDA, err := DeriveBetPDA(c.programID, roundID, bettor)
	if err != nil {
		return "", err
	}

	data := new(bytes.Buffer)
	data.Write(InstructionDiscriminator("claim_payout"))

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.authority.PublicKey(), true, true),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(betPDA, true, false),
		solana.NewAccountMeta(escrow, true, false),
		solana.NewAccountMeta(bettor, true, false),
	}, data.Bytes())

	sig, err := c.sendAndConfirm(ctx, ix)
	if err != nil {
		return "", fmt.Errorf("claimPayout for %s: %w", bettorWallet, classifyError(err))
	}
	return sig.String(), nil
}

// ClaimFees drains the remaining escrow (fee plus rounding residue) to
// the treasury.
func (c *Client) ClaimFees(ctx context.Context, roundID uint64) (string, error) {
	round, escrow, err := DeriveRoundPDAs(c.programID, roundID)
	if err != nil {
		return "", err
	}

	data := new(bytes.Buffer)
	data.Write(InstructionDiscriminator("claim_fees"))

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(c.authority.PublicKey(), true, true),
		solana.NewAccountMeta(round, true, false),
		solana.NewAccountMeta(escrow, true, false),
		solana.NewAccountMeta(c.treasury, true, false),
	}, data.Bytes())

	sig, err := c.sendAndConfirm(ctx, ix)
	if err != nil {
		return "", fmt.Errorf("claimFees: %w", classifyError(err))
	}
	return sig.String(), nil
}

// sendAndConfirm signs with the authority, submits, and polls until
// the signature confirms or the call timeout elapses.
func (c *Client) sendAndConfirm(ctx context.Context, ix solana.Instruction) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fetching blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(c.authority.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("building transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.authority.PublicKey()) {
			return &c.authority
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("signing transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, err
	}

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sig, fmt.Errorf("confirming %s: %w", sig, ctx.Err())
		case <-ticker.C:
			statuses, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil || statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
				continue
			}
			status := statuses.Value[0]
			if status.Err != nil {
				return sig, fmt.Errorf("transaction %s failed: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return sig, nil
			}
		}
	}
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// writeString encodes a Borsh string: u32 length followed by bytes
func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}
