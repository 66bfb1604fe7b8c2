package escrow

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Account lists below follow the program's fixed slot order. A wrong order is
// rejected by the program, so every list is built in exactly one place.

type CreateOrderAccounts struct {
	Maker        solana.PublicKey
	Order        solana.PublicKey
	MakerCustody solana.PublicKey
	OrderCustody solana.PublicKey
	MakerMint    solana.PublicKey
	TakerMint    solana.PublicKey
}

func (a CreateOrderAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Maker, true, true),
		solana.NewAccountMeta(a.Order, true, false),
		solana.NewAccountMeta(a.MakerCustody, true, false),
		solana.NewAccountMeta(a.OrderCustody, true, false),
		solana.NewAccountMeta(a.MakerMint, false, false),
		solana.NewAccountMeta(a.TakerMint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
}

type ChangeAmountsAccounts struct {
	Maker        solana.PublicKey
	Order        solana.PublicKey
	OrderCustody solana.PublicKey
	MakerCustody solana.PublicKey
	MakerMint    solana.PublicKey
}

func (a ChangeAmountsAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Maker, false, true),
		solana.NewAccountMeta(a.Order, true, false),
		solana.NewAccountMeta(a.OrderCustody, true, false),
		solana.NewAccountMeta(a.MakerCustody, true, false),
		solana.NewAccountMeta(a.MakerMint, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
}

type ChangeTakerAccounts struct {
	Maker    solana.PublicKey
	Order    solana.PublicKey
	NewTaker solana.PublicKey
}

func (a ChangeTakerAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Maker, false, true),
		solana.NewAccountMeta(a.Order, true, false),
		solana.NewAccountMeta(a.NewTaker, false, false),
	}
}

// CompleteSwapAccounts names custody accounts by holder and mint:
// MakerReceive is the maker's taker-mint account, TakerPay the taker's
// taker-mint account, TakerReceive the taker's maker-mint account.
type CompleteSwapAccounts struct {
	Taker                solana.PublicKey
	MakerMint            solana.PublicKey
	TakerMint            solana.PublicKey
	Order                solana.PublicKey
	MakerReceive         solana.PublicKey
	TakerPay             solana.PublicKey
	TakerReceive         solana.PublicKey
	OrderCustody         solana.PublicKey
	Treasury             solana.PublicKey
	TreasuryMakerCustody solana.PublicKey
	TreasuryTakerCustody solana.PublicKey
}

func (a CompleteSwapAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Taker, true, true),
		solana.NewAccountMeta(a.MakerMint, false, false),
		solana.NewAccountMeta(a.TakerMint, false, false),
		solana.NewAccountMeta(a.Order, true, false),
		solana.NewAccountMeta(a.MakerReceive, true, false),
		solana.NewAccountMeta(a.TakerPay, true, false),
		solana.NewAccountMeta(a.TakerReceive, true, false),
		solana.NewAccountMeta(a.OrderCustody, true, false),
		solana.NewAccountMeta(a.Treasury, false, false),
		solana.NewAccountMeta(a.TreasuryMakerCustody, true, false),
		solana.NewAccountMeta(a.TreasuryTakerCustody, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.Token2022ProgramID, false, false),
	}
}

type CloseOrderAccounts struct {
	Authority solana.PublicKey
	Order     solana.PublicKey
}

func (a CloseOrderAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Authority, false, true),
		solana.NewAccountMeta(a.Order, true, false),
	}
}

type InitializeTreasuryAccounts struct {
	Payer     solana.PublicKey
	Treasury  solana.PublicKey
	Authority solana.PublicKey
}

func (a InitializeTreasuryAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Payer, true, true),
		solana.NewAccountMeta(a.Treasury, true, false),
		solana.NewAccountMeta(a.Authority, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}
}

type UpdateTreasuryAuthorityAccounts struct {
	Authority    solana.PublicKey
	Treasury     solana.PublicKey
	NewAuthority solana.PublicKey
}

func (a UpdateTreasuryAuthorityAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Authority, false, true),
		solana.NewAccountMeta(a.Treasury, true, false),
		solana.NewAccountMeta(a.NewAuthority, false, false),
	}
}

type HarvestAccounts struct {
	Authority       solana.PublicKey
	Treasury        solana.PublicKey
	TreasuryCustody solana.PublicKey
	ReceiverCustody solana.PublicKey
	Mint            solana.PublicKey
}

func (a HarvestAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Authority, false, true),
		solana.NewAccountMeta(a.Treasury, false, false),
		solana.NewAccountMeta(a.TreasuryCustody, true, false),
		solana.NewAccountMeta(a.ReceiverCustody, true, false),
		solana.NewAccountMeta(a.Mint, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
}

// AccountList is implemented by every *Accounts struct in this package.
type AccountList interface {
	Metas() solana.AccountMetaSlice
}

// NewInstruction pairs encoded args with their account list.
func NewInstruction(programID solana.PublicKey, args Args, accounts AccountList) (solana.Instruction, error) {
	if !accountsMatch(args.Discriminator(), accounts) {
		return nil, fmt.Errorf("%s: unexpected account list %T", args.Discriminator(), accounts)
	}
	data, err := args.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, accounts.Metas(), data), nil
}

func accountsMatch(disc Discriminator, accounts AccountList) bool {
	switch accounts.(type) {
	case InitializeTreasuryAccounts:
		return disc == DiscInitializeTreasury
	case UpdateTreasuryAuthorityAccounts:
		return disc == DiscUpdateTreasuryAuthority
	case HarvestAccounts:
		return disc == DiscHarvest
	case CreateOrderAccounts:
		return disc == DiscCreateOrder
	case ChangeAmountsAccounts:
		return disc == DiscChangeAmounts
	case ChangeTakerAccounts:
		return disc == DiscChangeTaker
	case CompleteSwapAccounts:
		return disc == DiscCompleteSwap
	case CloseOrderAccounts:
		return disc == DiscCloseOrder
	default:
		return false
	}
}
