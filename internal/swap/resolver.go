package swap

import (
	"context"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/escrow"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Request is one escrow operation with exactly the parameters it needs.
type Request interface {
	escrowRequest()
}

type CreateOrderRequest struct {
	Maker       solana.PublicKey
	ID          escrow.OrderID
	MakerMint   solana.PublicKey
	TakerMint   solana.PublicKey
	MakerAmount uint64
	TakerAmount uint64
}

type ChangeAmountsRequest struct {
	Order       *escrow.Order
	MakerAmount uint64
	TakerAmount uint64
}

type ChangeTakerRequest struct {
	Order    *escrow.Order
	NewTaker escrow.Taker
}

type CompleteSwapRequest struct {
	Order *escrow.Order
	Taker solana.PublicKey
}

type CloseOrderRequest struct {
	Order *escrow.Order
}

type InitializeTreasuryRequest struct {
	Payer     solana.PublicKey
	Authority solana.PublicKey
	FeeBps    uint16
}

type UpdateTreasuryRequest struct {
	Authority    solana.PublicKey
	NewAuthority solana.PublicKey
	FeeBps       uint16
}

// HarvestRequest sweeps the treasury's balance of Mint into the authority's
// own custody account; the program accepts no other receiver.
type HarvestRequest struct {
	Authority solana.PublicKey
	Mint      solana.PublicKey
}

func (CreateOrderRequest) escrowRequest()        {}
func (ChangeAmountsRequest) escrowRequest()      {}
func (ChangeTakerRequest) escrowRequest()        {}
func (CompleteSwapRequest) escrowRequest()       {}
func (CloseOrderRequest) escrowRequest()         {}
func (InitializeTreasuryRequest) escrowRequest() {}
func (UpdateTreasuryRequest) escrowRequest()     {}
func (HarvestRequest) escrowRequest()            {}

// Custody is a derived token account referenced by an operation.
type Custody struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
}

// Resolution is the ordered instruction set for one request: custody
// creation steps first, the escrow instruction last.
type Resolution struct {
	Payer        solana.PublicKey
	Accounts     escrow.AccountList
	Args         escrow.Args
	Created      []Custody
	Instructions []solana.Instruction
}

// Primary returns the escrow instruction.
func (r *Resolution) Primary() solana.Instruction {
	return r.Instructions[len(r.Instructions)-1]
}

type Resolver struct {
	ledger     Ledger
	programID  solana.PublicKey
	commitment rpc.CommitmentType
}

func NewResolver(ledger Ledger, programID solana.PublicKey, commitment rpc.CommitmentType) *Resolver {
	return &Resolver{ledger: ledger, programID: programID, commitment: commitment}
}

func (r *Resolver) ProgramID() solana.PublicKey {
	return r.programID
}

// Resolve validates req, checks custody accounts on the ledger and returns the
// instructions to submit. Validation failures never touch the ledger.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	switch req := req.(type) {
	case CreateOrderRequest:
		return r.resolveCreateOrder(ctx, req)
	case ChangeAmountsRequest:
		return r.resolveChangeAmounts(ctx, req)
	case ChangeTakerRequest:
		return r.resolveChangeTaker(ctx, req)
	case CompleteSwapRequest:
		return r.resolveCompleteSwap(ctx, req)
	case CloseOrderRequest:
		return r.resolveCloseOrder(ctx, req)
	case InitializeTreasuryRequest:
		return r.resolveInitializeTreasury(ctx, req)
	case UpdateTreasuryRequest:
		return r.resolveUpdateTreasury(ctx, req)
	case HarvestRequest:
		return r.resolveHarvest(ctx, req)
	case nil:
		return nil, fmt.Errorf("%w: nil request", escrow.ErrPrecondition)
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
}

func (r *Resolver) resolveCreateOrder(ctx context.Context, req CreateOrderRequest) (*Resolution, error) {
	args := escrow.CreateOrderArgs{MakerAmount: req.MakerAmount, TakerAmount: req.TakerAmount}
	if req.MakerAmount == 0 || req.TakerAmount == 0 {
		return nil, escrow.ErrZeroAmount
	}
	if req.MakerMint.Equals(req.TakerMint) {
		return nil, escrow.ErrSameMint
	}
	order, _, err := escrow.DeriveOrderPDA(r.programID, req.ID, req.Maker, req.MakerMint, req.TakerMint)
	if err != nil {
		return nil, err
	}
	makerCustody, err := custodyFor(req.Maker, req.MakerMint)
	if err != nil {
		return nil, err
	}
	orderCustody, err := custodyFor(order, req.MakerMint)
	if err != nil {
		return nil, err
	}

	accounts := escrow.CreateOrderAccounts{
		Maker:        req.Maker,
		Order:        order,
		MakerCustody: makerCustody.Address,
		OrderCustody: orderCustody.Address,
		MakerMint:    req.MakerMint,
		TakerMint:    req.TakerMint,
	}
	return r.build(ctx, req.Maker, args, accounts, []custodySlot{
		{Custody: makerCustody},
		{Custody: orderCustody},
	})
}

func (r *Resolver) resolveChangeAmounts(ctx context.Context, req ChangeAmountsRequest) (*Resolution, error) {
	if req.MakerAmount == 0 || req.TakerAmount == 0 {
		return nil, escrow.ErrZeroAmount
	}
	if req.Order == nil {
		return nil, fmt.Errorf("%w: order is required", escrow.ErrPrecondition)
	}
	order := req.Order
	args := escrow.ChangeAmountsArgs{MakerAmount: req.MakerAmount, TakerAmount: req.TakerAmount}
	orderCustody, err := custodyFor(order.Address, order.MakerMint)
	if err != nil {
		return nil, err
	}
	makerCustody, err := custodyFor(order.Maker, order.MakerMint)
	if err != nil {
		return nil, err
	}

	accounts := escrow.ChangeAmountsAccounts{
		Maker:        order.Maker,
		Order:        order.Address,
		OrderCustody: orderCustody.Address,
		MakerCustody: makerCustody.Address,
		MakerMint:    order.MakerMint,
	}
	return r.build(ctx, order.Maker, args, accounts, []custodySlot{
		{Custody: orderCustody, whenAbsent: escrow.ErrOrderUnavailable},
		{Custody: makerCustody},
	})
}

func (r *Resolver) resolveChangeTaker(ctx context.Context, req ChangeTakerRequest) (*Resolution, error) {
	if req.Order == nil {
		return nil, fmt.Errorf("%w: order is required", escrow.ErrPrecondition)
	}
	if req.Order.Taker.Equal(req.NewTaker) {
		return nil, escrow.ErrTakerUnchanged
	}
	accounts := escrow.ChangeTakerAccounts{
		Maker:    req.Order.Maker,
		Order:    req.Order.Address,
		NewTaker: req.NewTaker.Wire(),
	}
	return r.build(ctx, req.Order.Maker, escrow.ChangeTakerArgs{NewTaker: req.NewTaker}, accounts, nil)
}

func (r *Resolver) resolveCompleteSwap(ctx context.Context, req CompleteSwapRequest) (*Resolution, error) {
	if req.Order == nil {
		return nil, fmt.Errorf("%w: order is required", escrow.ErrPrecondition)
	}
	order := req.Order
	if !order.Taker.Allows(req.Taker) {
		return nil, escrow.ErrTakerNotAllowed
	}
	treasury, _, err := escrow.DeriveTreasuryPDA(r.programID)
	if err != nil {
		return nil, err
	}

	slots := make([]custodySlot, 0, 6)
	addSlot := func(owner, mint solana.PublicKey, whenAbsent error) (solana.PublicKey, error) {
		custody, err := custodyFor(owner, mint)
		if err != nil {
			return solana.PublicKey{}, err
		}
		slots = append(slots, custodySlot{Custody: custody, whenAbsent: whenAbsent})
		return custody.Address, nil
	}

	accounts := escrow.CompleteSwapAccounts{
		Taker:     req.Taker,
		MakerMint: order.MakerMint,
		TakerMint: order.TakerMint,
		Order:     order.Address,
		Treasury:  treasury,
	}
	steps := []struct {
		dst        *solana.PublicKey
		owner      solana.PublicKey
		mint       solana.PublicKey
		whenAbsent error
	}{
		{&accounts.MakerReceive, order.Maker, order.TakerMint, nil},
		{&accounts.TakerPay, req.Taker, order.TakerMint, nil},
		{&accounts.TakerReceive, req.Taker, order.MakerMint, nil},
		{&accounts.OrderCustody, order.Address, order.MakerMint, escrow.ErrOrderUnavailable},
		{&accounts.TreasuryMakerCustody, treasury, order.MakerMint, nil},
		{&accounts.TreasuryTakerCustody, treasury, order.TakerMint, nil},
	}
	for _, step := range steps {
		if *step.dst, err = addSlot(step.owner, step.mint, step.whenAbsent); err != nil {
			return nil, err
		}
	}
	return r.build(ctx, req.Taker, escrow.CompleteSwapArgs{}, accounts, slots)
}

func (r *Resolver) resolveCloseOrder(ctx context.Context, req CloseOrderRequest) (*Resolution, error) {
	if req.Order == nil {
		return nil, fmt.Errorf("%w: order is required", escrow.ErrPrecondition)
	}
	accounts := escrow.CloseOrderAccounts{
		Authority: req.Order.Maker,
		Order:     req.Order.Address,
	}
	return r.build(ctx, req.Order.Maker, escrow.CloseOrderArgs{}, accounts, nil)
}

func (r *Resolver) resolveInitializeTreasury(ctx context.Context, req InitializeTreasuryRequest) (*Resolution, error) {
	args := escrow.InitializeTreasuryArgs{Authority: req.Authority, FeeBps: req.FeeBps}
	if err := (escrow.BpsFee{Bps: req.FeeBps}).Validate(); err != nil {
		return nil, err
	}
	treasury, _, err := escrow.DeriveTreasuryPDA(r.programID)
	if err != nil {
		return nil, err
	}
	accounts := escrow.InitializeTreasuryAccounts{
		Payer:     req.Payer,
		Treasury:  treasury,
		Authority: req.Authority,
	}
	return r.build(ctx, req.Payer, args, accounts, nil)
}

func (r *Resolver) resolveUpdateTreasury(ctx context.Context, req UpdateTreasuryRequest) (*Resolution, error) {
	args := escrow.UpdateTreasuryAuthorityArgs{Authority: req.NewAuthority, FeeBps: req.FeeBps}
	if err := (escrow.BpsFee{Bps: req.FeeBps}).Validate(); err != nil {
		return nil, err
	}
	treasury, _, err := escrow.DeriveTreasuryPDA(r.programID)
	if err != nil {
		return nil, err
	}
	accounts := escrow.UpdateTreasuryAuthorityAccounts{
		Authority:    req.Authority,
		Treasury:     treasury,
		NewAuthority: req.NewAuthority,
	}
	return r.build(ctx, req.Authority, args, accounts, nil)
}

func (r *Resolver) resolveHarvest(ctx context.Context, req HarvestRequest) (*Resolution, error) {
	treasury, _, err := escrow.DeriveTreasuryPDA(r.programID)
	if err != nil {
		return nil, err
	}
	treasuryCustody, err := custodyFor(treasury, req.Mint)
	if err != nil {
		return nil, err
	}
	receiverCustody, err := custodyFor(req.Authority, req.Mint)
	if err != nil {
		return nil, err
	}
	accounts := escrow.HarvestAccounts{
		Authority:       req.Authority,
		Treasury:        treasury,
		TreasuryCustody: treasuryCustody.Address,
		ReceiverCustody: receiverCustody.Address,
		Mint:            req.Mint,
	}
	return r.build(ctx, req.Authority, escrow.HarvestArgs{}, accounts, []custodySlot{
		{Custody: treasuryCustody, whenAbsent: fmt.Errorf("%w: treasury holds no %s account", escrow.ErrPrecondition, req.Mint)},
		{Custody: receiverCustody},
	})
}

// custodySlot is a custody account to check before submission. A nil
// whenAbsent means the account is created when missing.
type custodySlot struct {
	Custody
	whenAbsent error
}

func custodyFor(owner, mint solana.PublicKey) (Custody, error) {
	addr, err := escrow.DeriveCustodyAddress(owner, mint)
	if err != nil {
		return Custody{}, err
	}
	return Custody{Address: addr, Owner: owner, Mint: mint}, nil
}

func (r *Resolver) build(ctx context.Context, payer solana.PublicKey, args escrow.Args, accounts escrow.AccountList, slots []custodySlot) (*Resolution, error) {
	primary, err := escrow.NewInstruction(r.programID, args, accounts)
	if err != nil {
		return nil, err
	}
	missing, err := r.missingCustody(ctx, slots)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Payer:        payer,
		Accounts:     accounts,
		Args:         args,
		Created:      missing,
		Instructions: make([]solana.Instruction, 0, len(missing)+1),
	}
	for _, custody := range missing {
		ix, err := escrow.NewCreateCustodyInstruction(payer, custody.Owner, custody.Mint)
		if err != nil {
			return nil, fmt.Errorf("build create custody instruction for %s: %w", custody.Address, err)
		}
		res.Instructions = append(res.Instructions, ix)
	}
	res.Instructions = append(res.Instructions, primary)
	return res, nil
}

// missingCustody fetches every slot in one batched read and returns the
// accounts that must be created, in slot order.
func (r *Resolver) missingCustody(ctx context.Context, slots []custodySlot) ([]Custody, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	keys := make([]solana.PublicKey, 0, len(slots))
	seen := make(map[solana.PublicKey]struct{}, len(slots))
	for _, slot := range slots {
		if _, ok := seen[slot.Address]; ok {
			continue
		}
		seen[slot.Address] = struct{}{}
		keys = append(keys, slot.Address)
	}

	result, err := r.ledger.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: r.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch custody accounts: %w", err)
	}
	if result == nil || len(result.Value) != len(keys) {
		return nil, fmt.Errorf("fetch custody accounts: expected %d results", len(keys))
	}
	accounts := make(map[solana.PublicKey]*rpc.Account, len(keys))
	for i, key := range keys {
		accounts[key] = result.Value[i]
	}

	missing := make([]Custody, 0, len(keys))
	planned := make(map[solana.PublicKey]struct{}, len(keys))
	for _, slot := range slots {
		account := accounts[slot.Address]
		if account == nil {
			if slot.whenAbsent != nil {
				return nil, fmt.Errorf("custody %s (owner %s, mint %s) not found: %w", slot.Address, slot.Owner, slot.Mint, slot.whenAbsent)
			}
			if _, ok := planned[slot.Address]; !ok {
				planned[slot.Address] = struct{}{}
				missing = append(missing, slot.Custody)
			}
			continue
		}
		if err := checkCustody(slot.Custody, account); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func checkCustody(expected Custody, account *rpc.Account) error {
	if !account.Owner.Equals(solana.TokenProgramID) {
		return fmt.Errorf("%w: %s is owned by program %s", escrow.ErrOwnershipMismatch, expected.Address, account.Owner)
	}
	var holding token.Account
	if err := bin.NewBinDecoder(account.Data.GetBinary()).Decode(&holding); err != nil {
		return fmt.Errorf("%w: %s is not a token account: %v", escrow.ErrOwnershipMismatch, expected.Address, err)
	}
	if !holding.Owner.Equals(expected.Owner) {
		return fmt.Errorf("%w: %s belongs to %s, want %s", escrow.ErrOwnershipMismatch, expected.Address, holding.Owner, expected.Owner)
	}
	if !holding.Mint.Equals(expected.Mint) {
		return fmt.Errorf("%w: %s holds mint %s, want %s", escrow.ErrOwnershipMismatch, expected.Address, holding.Mint, expected.Mint)
	}
	return nil
}
