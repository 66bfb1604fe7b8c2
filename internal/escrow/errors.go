package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrDerivation        = errors.New("address derivation failed")
	ErrDecode            = errors.New("decode failed")
	ErrOwnershipMismatch = errors.New("custody account ownership mismatch")
	ErrPrecondition      = errors.New("precondition violated")
	ErrSubmission        = errors.New("transaction submission failed")
	ErrOrderUnavailable  = errors.New("order no longer available")
)

// Precondition failures. All of them wrap ErrPrecondition and are raised
// before any ledger call.
var (
	ErrZeroAmount      = fmt.Errorf("%w: amount must be > 0", ErrPrecondition)
	ErrTakerUnchanged  = fmt.Errorf("%w: taker unchanged", ErrPrecondition)
	ErrNothingToChange = fmt.Errorf("%w: nothing to change", ErrPrecondition)
	ErrNoWallet        = fmt.Errorf("%w: wallet not available", ErrPrecondition)
	ErrNotMaker        = fmt.Errorf("%w: signer is not the order maker", ErrPrecondition)
	ErrTakerNotAllowed = fmt.Errorf("%w: signer is not the order taker", ErrPrecondition)
	ErrFeeOutOfRange   = fmt.Errorf("%w: fee exceeds %d bps", ErrPrecondition, MaxFeeBps)
	ErrSameMint        = fmt.Errorf("%w: maker and taker mints must differ", ErrPrecondition)
)

// ProgramError is a custom error code returned by the escrow program.
type ProgramError uint32

const (
	ProgramErrInvalidInstruction ProgramError = iota
	ProgramErrOrderAlreadyInitialized
	ProgramErrTakerAlreadyAssigned
	ProgramErrMakerTokensNotDeposited
	ProgramErrUnauthorizedSigner
	ProgramErrInvalidOrderState
	ProgramErrInvalidMint
	ProgramErrInvalidAmount
	ProgramErrInvalidTokenProgram
	ProgramErrInvalidTokenAccount
	ProgramErrInsufficientFunds
	ProgramErrOverflow
	ProgramErrInvalidDecimals
)

var programErrorNames = [...]string{
	"InvalidInstruction",
	"OrderAlreadyInitialized",
	"TakerAlreadyAssigned",
	"MakerTokensNotDeposited",
	"UnauthorizedSigner",
	"InvalidOrderState",
	"InvalidMint",
	"InvalidAmount",
	"InvalidTokenProgram",
	"InvalidTokenAccount",
	"InsufficientFunds",
	"Overflow",
	"InvalidDecimals",
}

func (e ProgramError) Error() string {
	if int(e) < len(programErrorNames) {
		return fmt.Sprintf("escrow program error %d (%s)", uint32(e), programErrorNames[e])
	}
	return fmt.Sprintf("escrow program error %d", uint32(e))
}

func (e ProgramError) Known() bool {
	return int(e) < len(programErrorNames)
}

// OrderGone reports whether the error means the order account was already
// consumed or is no longer in a state the caller can act on.
func (e ProgramError) OrderGone() bool {
	return e == ProgramErrInvalidOrderState || e == ProgramErrTakerAlreadyAssigned
}
