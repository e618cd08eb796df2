package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Classified errors surfaced to the orchestrator and settlement engine
var (
	// ErrBettingStillActive means startFight raced the on-chain betting
	// deadline; the call is retryable.
	ErrBettingStillActive = errors.New("betting phase still active on-chain")

	// ErrAlreadyClaimed means a payout for this bet was already issued;
	// replays are harmless.
	ErrAlreadyClaimed = errors.New("bet payout already claimed")

	// ErrRoundNotFound means no betting round account exists at the
	// derived address.
	ErrRoundNotFound = errors.New("betting round account not found")
)

// Anchor custom error codes emitted by the betting program
const (
	codeBettingStillActive = 6001
	codeAlreadyClaimed     = 6004
)

// classifyError maps raw RPC failures onto the package's sentinel
// errors. Anchor surfaces program errors in the RPC error message as
// "custom program error: 0x<code>".
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsCustomCode(msg, codeBettingStillActive):
		return fmt.Errorf("%w: %s", ErrBettingStillActive, msg)
	case containsCustomCode(msg, codeAlreadyClaimed):
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, msg)
	}
	return err
}

func containsCustomCode(msg string, code int) bool {
	return strings.Contains(msg, fmt.Sprintf("custom program error: %#x", code)) ||
		strings.Contains(msg, fmt.Sprintf(`"Custom":%d`, code))
}
