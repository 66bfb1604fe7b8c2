package escrow

import (
	"github.com/gagliardetto/solana-go"
)

// createIdempotent is the associated token program instruction that succeeds
// when the account already exists with the expected owner and mint.
const createIdempotent byte = 1

// NewCreateCustodyInstruction creates owner's custody account for mint, paid
// by payer. Against an existing account with the same owner and mint it is a
// no-op.
func NewCreateCustodyInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	custody, err := DeriveCustodyAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(custody, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
		},
		[]byte{createIdempotent},
	), nil
}
