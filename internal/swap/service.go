package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
)

// Service runs escrow operations end to end: resolve, submit, read back.
type Service struct {
	resolver  *Resolver
	submitter *Submitter
	repo      *Repository
	fees      escrow.FeePolicy
	logger    *slog.Logger
}

func NewService(resolver *Resolver, submitter *Submitter, repo *Repository, fees escrow.FeePolicy, logger *slog.Logger) *Service {
	if fees == nil {
		fees = escrow.BpsFee{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver:  resolver,
		submitter: submitter,
		repo:      repo,
		fees:      fees,
		logger:    logger,
	}
}

func (s *Service) Repository() *Repository {
	return s.repo
}

func (s *Service) ProgramID() solana.PublicKey {
	return s.resolver.ProgramID()
}

// Result describes one submitted escrow transaction.
type Result struct {
	Order   solana.PublicKey
	ID      escrow.OrderID
	Receipt Receipt
	Created []Custody
}

type CreateOrderParams struct {
	// ID is generated when left zero.
	ID          escrow.OrderID
	MakerMint   solana.PublicKey
	TakerMint   solana.PublicKey
	MakerAmount uint64
	TakerAmount uint64
	Taker       escrow.Taker
}

// CreateOrder deposits the maker's tokens into a new order. A restricted
// taker is assigned in the same transaction.
func (s *Service) CreateOrder(ctx context.Context, wallet Wallet, params CreateOrderParams) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	if params.MakerAmount == 0 || params.TakerAmount == 0 {
		return nil, escrow.ErrZeroAmount
	}
	id := params.ID
	if id == (escrow.OrderID{}) {
		var err error
		if id, err = escrow.NewOrderID(); err != nil {
			return nil, err
		}
	}

	maker := wallet.PublicKey()
	res, err := s.resolver.Resolve(ctx, CreateOrderRequest{
		Maker:       maker,
		ID:          id,
		MakerMint:   params.MakerMint,
		TakerMint:   params.TakerMint,
		MakerAmount: params.MakerAmount,
		TakerAmount: params.TakerAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve create order: %w", err)
	}
	address := res.Accounts.(escrow.CreateOrderAccounts).Order
	instructions := res.Instructions

	if !params.Taker.IsOpen() {
		pending := &escrow.Order{
			Address:   address,
			Maker:     maker,
			Taker:     escrow.OpenTaker(),
			ID:        id,
			MakerMint: params.MakerMint,
			TakerMint: params.TakerMint,
		}
		retarget, err := s.resolver.Resolve(ctx, ChangeTakerRequest{Order: pending, NewTaker: params.Taker})
		if err != nil {
			return nil, fmt.Errorf("resolve change taker: %w", err)
		}
		instructions = append(instructions, retarget.Instructions...)
	}

	receipt, err := s.submitter.Submit(ctx, instructions, wallet)
	result := &Result{Order: address, ID: id, Receipt: receipt, Created: res.Created}
	if err != nil {
		return result, fmt.Errorf("create order %s: %w", address, err)
	}
	s.logger.Info("order created",
		"order", address.String(),
		"maker", maker.String(),
		"outcome", string(receipt.Outcome),
		"signature", receipt.Signature.String(),
	)
	return result, nil
}

// ModifyOrderParams lists the fields to change. Nil fields are kept.
type ModifyOrderParams struct {
	MakerAmount *uint64
	TakerAmount *uint64
	Taker       *escrow.Taker
}

// ModifyOrder changes amounts and/or the taker of an open order in a single
// transaction. Only fields that differ from the current order are sent.
func (s *Service) ModifyOrder(ctx context.Context, wallet Wallet, address solana.PublicKey, params ModifyOrderParams) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	if (params.MakerAmount != nil && *params.MakerAmount == 0) || (params.TakerAmount != nil && *params.TakerAmount == 0) {
		return nil, escrow.ErrZeroAmount
	}
	if params.MakerAmount == nil && params.TakerAmount == nil && params.Taker == nil {
		return nil, escrow.ErrNothingToChange
	}

	order, err := s.repo.GetOrder(ctx, address)
	if err != nil {
		return nil, err
	}
	if !order.Maker.Equals(wallet.PublicKey()) {
		return nil, escrow.ErrNotMaker
	}

	makerAmount, takerAmount := order.MakerAmount, order.TakerAmount
	if params.MakerAmount != nil {
		makerAmount = *params.MakerAmount
	}
	if params.TakerAmount != nil {
		takerAmount = *params.TakerAmount
	}

	var (
		instructions []solana.Instruction
		created      []Custody
	)
	if makerAmount != order.MakerAmount || takerAmount != order.TakerAmount {
		res, err := s.resolver.Resolve(ctx, ChangeAmountsRequest{Order: order, MakerAmount: makerAmount, TakerAmount: takerAmount})
		if err != nil {
			return nil, fmt.Errorf("resolve change amounts: %w", err)
		}
		instructions = append(instructions, res.Instructions...)
		created = res.Created
	}
	if params.Taker != nil && !params.Taker.Equal(order.Taker) {
		res, err := s.resolver.Resolve(ctx, ChangeTakerRequest{Order: order, NewTaker: *params.Taker})
		if err != nil {
			return nil, fmt.Errorf("resolve change taker: %w", err)
		}
		instructions = append(instructions, res.Instructions...)
	}
	if len(instructions) == 0 {
		return nil, escrow.ErrNothingToChange
	}

	receipt, err := s.submitter.Submit(ctx, instructions, wallet)
	result := &Result{Order: address, ID: order.ID, Receipt: receipt, Created: created}
	if err != nil {
		return result, fmt.Errorf("modify order %s: %w", address, err)
	}
	s.logger.Info("order modified",
		"order", address.String(),
		"outcome", string(receipt.Outcome),
		"signature", receipt.Signature.String(),
	)
	return result, nil
}

// CompleteOrder swaps the order's tokens with the wallet. When another taker
// wins the race the error wraps escrow.ErrOrderUnavailable; it is never
// retried here.
func (s *Service) CompleteOrder(ctx context.Context, wallet Wallet, address solana.PublicKey) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	order, err := s.repo.GetOrder(ctx, address)
	if err != nil {
		return nil, err
	}
	taker := wallet.PublicKey()
	res, err := s.resolver.Resolve(ctx, CompleteSwapRequest{Order: order, Taker: taker})
	if err != nil {
		return nil, fmt.Errorf("resolve complete swap: %w", err)
	}

	receipt, err := s.submitter.Submit(ctx, res.Instructions, wallet)
	result := &Result{Order: address, ID: order.ID, Receipt: receipt, Created: res.Created}
	if err != nil {
		if s.orderLost(ctx, address, taker, err) {
			s.logger.Warn("order taken by another taker", "order", address.String(), "err", err)
			return result, fmt.Errorf("complete order %s: %w: %w", address, escrow.ErrOrderUnavailable, err)
		}
		return result, fmt.Errorf("complete order %s: %w", address, err)
	}
	s.logger.Info("order completed",
		"order", address.String(),
		"taker", taker.String(),
		"outcome", string(receipt.Outcome),
		"signature", receipt.Signature.String(),
	)
	return result, nil
}

// orderLost reports whether a failed completion lost to a concurrent one:
// the order is gone or no longer accepts taker.
func (s *Service) orderLost(ctx context.Context, address, taker solana.PublicKey, submitErr error) bool {
	var failed *TxFailedError
	if !errors.As(submitErr, &failed) {
		return false
	}
	if failed.Program != nil && failed.Program.OrderGone() {
		return true
	}
	current, err := s.repo.GetOrder(ctx, address)
	if err != nil {
		return errors.Is(err, escrow.ErrOrderUnavailable)
	}
	return !current.Taker.Allows(taker)
}

// CancelOrder closes the order and refunds the maker.
func (s *Service) CancelOrder(ctx context.Context, wallet Wallet, address solana.PublicKey) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	order, err := s.repo.GetOrder(ctx, address)
	if err != nil {
		return nil, err
	}
	if !order.Maker.Equals(wallet.PublicKey()) {
		return nil, escrow.ErrNotMaker
	}
	res, err := s.resolver.Resolve(ctx, CloseOrderRequest{Order: order})
	if err != nil {
		return nil, fmt.Errorf("resolve close order: %w", err)
	}
	receipt, err := s.submitter.Submit(ctx, res.Instructions, wallet)
	result := &Result{Order: address, ID: order.ID, Receipt: receipt}
	if err != nil {
		return result, fmt.Errorf("cancel order %s: %w", address, err)
	}
	s.logger.Info("order cancelled",
		"order", address.String(),
		"outcome", string(receipt.Outcome),
		"signature", receipt.Signature.String(),
	)
	return result, nil
}

// Quote is what each side receives when an order completes.
type Quote struct {
	MakerReceives uint64
	MakerFee      uint64
	TakerReceives uint64
	TakerFee      uint64
}

// QuoteOrder applies the treasury fee to both legs of order. The on-chain
// treasury rate wins over the configured policy when it can be read.
func (s *Service) QuoteOrder(ctx context.Context, order *escrow.Order) (Quote, error) {
	policy := s.fees
	if treasury, _, err := s.repo.GetTreasury(ctx); err == nil {
		policy = treasury.Policy()
	} else {
		s.logger.Debug("treasury unavailable, using configured fee", "err", err)
	}

	var (
		q   Quote
		err error
	)
	if q.MakerReceives, q.TakerFee, err = escrow.NetOf(policy, order.TakerAmount); err != nil {
		return Quote{}, err
	}
	if q.TakerReceives, q.MakerFee, err = escrow.NetOf(policy, order.MakerAmount); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (s *Service) InitializeTreasury(ctx context.Context, wallet Wallet, authority solana.PublicKey, feeBps uint16) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	res, err := s.resolver.Resolve(ctx, InitializeTreasuryRequest{Payer: wallet.PublicKey(), Authority: authority, FeeBps: feeBps})
	if err != nil {
		return nil, fmt.Errorf("resolve initialize treasury: %w", err)
	}
	return s.submitTreasury(ctx, wallet, res, "treasury initialized")
}

func (s *Service) UpdateTreasury(ctx context.Context, wallet Wallet, newAuthority solana.PublicKey, feeBps uint16) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	res, err := s.resolver.Resolve(ctx, UpdateTreasuryRequest{Authority: wallet.PublicKey(), NewAuthority: newAuthority, FeeBps: feeBps})
	if err != nil {
		return nil, fmt.Errorf("resolve update treasury: %w", err)
	}
	return s.submitTreasury(ctx, wallet, res, "treasury updated")
}

// Harvest moves the treasury's whole balance of mint to the authority.
func (s *Service) Harvest(ctx context.Context, wallet Wallet, mint solana.PublicKey) (*Result, error) {
	if wallet == nil {
		return nil, escrow.ErrNoWallet
	}
	res, err := s.resolver.Resolve(ctx, HarvestRequest{Authority: wallet.PublicKey(), Mint: mint})
	if err != nil {
		return nil, fmt.Errorf("resolve harvest: %w", err)
	}
	return s.submitTreasury(ctx, wallet, res, "treasury harvested")
}

func (s *Service) submitTreasury(ctx context.Context, wallet Wallet, res *Resolution, msg string) (*Result, error) {
	receipt, err := s.submitter.Submit(ctx, res.Instructions, wallet)
	result := &Result{Receipt: receipt, Created: res.Created}
	if err != nil {
		return result, err
	}
	s.logger.Info(msg, "outcome", string(receipt.Outcome), "signature", receipt.Signature.String())
	return result, nil
}
