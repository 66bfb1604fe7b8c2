package escrow

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	orderSeed    = "order"
	treasurySeed = "treasury"
)

func DeriveOrderPDA(programID solana.PublicKey, id OrderID, maker, makerMint, takerMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{
		[]byte(orderSeed),
		id[:],
		maker.Bytes(),
		makerMint.Bytes(),
		takerMint.Bytes(),
	}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: order %s: %v", ErrDerivation, id, err)
	}
	return addr, bump, nil
}

func DeriveTreasuryPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(treasurySeed)}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: treasury: %v", ErrDerivation, err)
	}
	return addr, bump, nil
}

// DeriveCustodyAddress returns the associated token account of owner for mint.
// Only the legacy token program is supported.
func DeriveCustodyAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: custody for %s/%s: %v", ErrDerivation, owner, mint, err)
	}
	return addr, nil
}

func MustDeriveOrderPDA(programID solana.PublicKey, id OrderID, maker, makerMint, takerMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveOrderPDA(programID, id, maker, makerMint, takerMint)
	if err != nil {
		panic(fmt.Errorf("derive order PDA: %w", err))
	}
	return pk
}

func MustDeriveTreasuryPDA(programID solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveTreasuryPDA(programID)
	if err != nil {
		panic(fmt.Errorf("derive treasury PDA: %w", err))
	}
	return pk
}

func MustDeriveCustodyAddress(owner, mint solana.PublicKey) solana.PublicKey {
	pk, err := DeriveCustodyAddress(owner, mint)
	if err != nil {
		panic(err)
	}
	return pk
}
