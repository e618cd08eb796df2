package ledger

import (
	"crypto/sha256"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

func TestRoundIDBytes(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, RoundIDBytes(0))
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, RoundIDBytes(1))
	assert.Equal(t, []byte{0x15, 0xcd, 0x5b, 0x07, 0, 0, 0, 0}, RoundIDBytes(123456789))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, RoundIDBytes(^uint64(0)))
}

func TestDiscriminators(t *testing.T) {
	t.Run("account tag is sha256 of account:Name", func(t *testing.T) {
		sum := sha256.Sum256([]byte("account:BetAccount"))
		assert.Equal(t, sum[:8], AccountDiscriminator("BetAccount"))
	})

	t.Run("instruction tag is sha256 of global:name", func(t *testing.T) {
		sum := sha256.Sum256([]byte("global:place_bet"))
		assert.Equal(t, sum[:8], InstructionDiscriminator("place_bet"))
	})

	t.Run("distinct names give distinct tags", func(t *testing.T) {
		assert.NotEqual(t, AccountDiscriminator("BetAccount"), AccountDiscriminator("BettingRound"))
		assert.NotEqual(t, InstructionDiscriminator("claim_payout"), InstructionDiscriminator("claim_fees"))
	})
}

func TestDeriveRoundPDAs(t *testing.T) {
	round1, escrow1, err := DeriveRoundPDAs(testProgramID, 42)
	require.NoError(t, err)
	round2, escrow2, err := DeriveRoundPDAs(testProgramID, 42)
	require.NoError(t, err)

	// Derivation is a pure function of (programID, roundID)
	assert.Equal(t, round1, round2)
	assert.Equal(t, escrow1, escrow2)
	assert.NotEqual(t, round1, escrow1)

	// A different round id lands on different addresses
	round3, escrow3, err := DeriveRoundPDAs(testProgramID, 43)
	require.NoError(t, err)
	assert.NotEqual(t, round1, round3)
	assert.NotEqual(t, escrow1, escrow3)

	// PDAs are off the ed25519 curve
	assert.False(t, round1.IsOnCurve())
	assert.False(t, escrow1.IsOnCurve())
}

func TestDeriveBetPDA(t *testing.T) {
	bettorA := solana.NewWallet().PublicKey()
	bettorB := solana.NewWallet().PublicKey()

	pdaA1, err := DeriveBetPDA(testProgramID, 42, bettorA)
	require.NoError(t, err)
	pdaA2, err := DeriveBetPDA(testProgramID, 42, bettorA)
	require.NoError(t, err)
	pdaB, err := DeriveBetPDA(testProgramID, 42, bettorB)
	require.NoError(t, err)
	pdaOtherRound, err := DeriveBetPDA(testProgramID, 43, bettorA)
	require.NoError(t, err)

	assert.Equal(t, pdaA1, pdaA2)
	assert.NotEqual(t, pdaA1, pdaB)
	assert.NotEqual(t, pdaA1, pdaOtherRound)
}
