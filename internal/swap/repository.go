package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Repository reads order and treasury accounts owned by the escrow program.
type Repository struct {
	ledger     Ledger
	programID  solana.PublicKey
	commitment rpc.CommitmentType
	logger     *slog.Logger
}

func NewRepository(ledger Ledger, programID solana.PublicKey, commitment rpc.CommitmentType, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{ledger: ledger, programID: programID, commitment: commitment, logger: logger}
}

// ListOrders returns every open order, or only those made by owner when it is
// non-nil. Accounts that fail to decode or whose address does not derive from
// their own seeds are logged and skipped.
func (r *Repository) ListOrders(ctx context.Context, owner *solana.PublicKey) ([]*escrow.Order, error) {
	filters := []rpc.RPCFilter{{DataSize: escrow.OrderSize}}
	if owner != nil {
		filters = append(filters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(owner.Bytes())},
		})
	}

	accounts, err := r.ledger.GetProgramAccountsWithOpts(ctx, r.programID, &rpc.GetProgramAccountsOpts{
		Commitment: r.commitment,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("get program accounts: %w", err)
	}

	orders := make([]*escrow.Order, 0, len(accounts))
	for _, keyed := range accounts {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		order, err := escrow.DecodeOrderAt(r.programID, keyed.Pubkey, keyed.Account.Data.GetBinary())
		if err != nil {
			r.logger.Warn("skip order account", "address", keyed.Pubkey.String(), "err", err)
			continue
		}
		if owner != nil && !order.Maker.Equals(*owner) {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Address.String() < orders[j].Address.String()
	})
	return orders, nil
}

// GetOrder fetches a single order. A missing account is ErrOrderUnavailable.
func (r *Repository) GetOrder(ctx context.Context, address solana.PublicKey) (*escrow.Order, error) {
	account, err := r.fetch(ctx, address)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", address, escrow.ErrOrderUnavailable)
		}
		return nil, err
	}
	if !account.Owner.Equals(r.programID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", escrow.ErrDecode, address, account.Owner)
	}
	return escrow.DecodeOrderAt(r.programID, address, account.Data.GetBinary())
}

// GetTreasury returns the treasury account and its address.
func (r *Repository) GetTreasury(ctx context.Context) (*escrow.Treasury, solana.PublicKey, error) {
	address, _, err := escrow.DeriveTreasuryPDA(r.programID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	account, err := r.fetch(ctx, address)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, address, fmt.Errorf("%w: treasury %s is not initialized", escrow.ErrPrecondition, address)
		}
		return nil, address, err
	}
	treasury, err := escrow.DecodeTreasury(account.Data.GetBinary())
	if err != nil {
		return nil, address, err
	}
	return treasury, address, nil
}

func (r *Repository) fetch(ctx context.Context, address solana.PublicKey) (*rpc.Account, error) {
	result, err := r.ledger.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: r.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if result == nil || result.Value == nil || result.Value.Data == nil {
		return nil, rpc.ErrNotFound
	}
	return result.Value, nil
}
