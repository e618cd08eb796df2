package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// PDA seeds used by the betting program
const (
	seedBettingRound = "betting_round"
	seedEscrow       = "escrow"
	seedBet          = "bet"
)

// AccountDiscriminator returns the 8-byte Anchor account tag,
// the first 8 bytes of SHA-256 of "account:<Name>".
func AccountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

// InstructionDiscriminator returns the 8-byte Anchor method tag,
// the first 8 bytes of SHA-256 of "global:<name>".
func InstructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// RoundIDBytes is the 8-byte little-endian encoding of a round id,
// used both as a PDA seed and as the memcmp filter at offset 40.
func RoundIDBytes(roundID uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], roundID)
	return buf[:]
}

// DeriveRoundPDAs derives the betting round and escrow addresses for a
// round. PDAs are pure functions of the round id and program id.
func DeriveRoundPDAs(programID solana.PublicKey, roundID uint64) (bettingRound, escrow solana.PublicKey, err error) {
	bettingRound, _, err = solana.FindProgramAddress(
		[][]byte{[]byte(seedBettingRound), RoundIDBytes(roundID)},
		programID,
	)
	if err != nil {
		return
	}
	escrow, _, err = solana.FindProgramAddress(
		[][]byte{[]byte(seedEscrow), RoundIDBytes(roundID)},
		programID,
	)
	return
}

// DeriveBetPDA derives the per-bettor bet account address
func DeriveBetPDA(programID solana.PublicKey, roundID uint64, bettor solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(seedBet), RoundIDBytes(roundID), bettor.Bytes()},
		programID,
	)
	return pda, err
}
