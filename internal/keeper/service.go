// Package keeper sweeps accumulated swap fees out of the treasury's custody
// accounts and into the treasury authority's own accounts.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/swap"
	"github.com/coldbell/escrow/backend/internal/tokens"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

var errNotAuthority = errors.New("signer is not the treasury authority")

type treasuryReader interface {
	GetTreasury(ctx context.Context) (*escrow.Treasury, solana.PublicKey, error)
}

type accountsReader interface {
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
}

type harvester interface {
	Harvest(ctx context.Context, wallet swap.Wallet, mint solana.PublicKey) (*swap.Result, error)
}

type Service struct {
	cfg       config.KeeperConfig
	treasury  treasuryReader
	accounts  accountsReader
	harvester harvester
	wallet    swap.Wallet
	tokens    []tokens.Token
	logger    *slog.Logger
}

type tickStats struct {
	harvested int
	pending   int
	skipped   int
	failed    int
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	wallet, err := swap.LoadKeypairWallet(cfg.KeypairPath)
	if err != nil {
		return nil, err
	}

	directory := tokens.Default()
	if cfg.TokensFile != "" {
		if directory, err = tokens.Load(cfg.TokensFile); err != nil {
			return nil, fmt.Errorf("load token directory: %w", err)
		}
	}
	harvestTokens, err := resolveHarvestTokens(directory, cfg.HarvestTokens)
	if err != nil {
		return nil, err
	}

	client := rpc.New(cfg.RPCURL)
	svc := swap.NewServiceFromConfig(cfg.ClientConfig, client, logger)
	return &Service{
		cfg:       cfg,
		treasury:  svc.Repository(),
		accounts:  client,
		harvester: svc,
		wallet:    wallet,
		tokens:    harvestTokens,
		logger:    logger,
	}, nil
}

// resolveHarvestTokens maps configured symbols or mints to tokens. Mints
// missing from the directory are kept with zero decimals. An empty list means
// every token in the directory.
func resolveHarvestTokens(directory *tokens.Directory, refs []string) ([]tokens.Token, error) {
	if len(refs) == 0 {
		return directory.List(), nil
	}
	out := make([]tokens.Token, 0, len(refs))
	seen := make(map[solana.PublicKey]struct{}, len(refs))
	for _, ref := range refs {
		tok, err := directory.ResolveOrRaw(ref)
		if err != nil {
			return nil, fmt.Errorf("harvest token %q: %w", ref, err)
		}
		if _, dup := seen[tok.Mint]; dup {
			continue
		}
		seen[tok.Mint] = struct{}{}
		out = append(out, tok)
	}
	return out, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"authority", s.wallet.PublicKey(),
		"program", s.cfg.ProgramID,
		"tokens", len(s.tokens),
		"min_harvest_amount", s.cfg.MinHarvestAmount,
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	treasury, treasuryAddr, err := s.treasury.GetTreasury(ctx)
	if err != nil {
		return fmt.Errorf("load treasury: %w", err)
	}
	signer := s.wallet.PublicKey()
	if !treasury.Authority.Equals(signer) {
		return fmt.Errorf("%w: %s, authority is %s", errNotAuthority, signer, treasury.Authority)
	}

	balances, err := s.custodyBalances(ctx, treasuryAddr)
	if err != nil {
		return err
	}

	var stats tickStats
	for i, tok := range s.tokens {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		amount := balances[i]
		if amount == 0 || amount < s.cfg.MinHarvestAmount {
			stats.skipped++
			continue
		}
		s.harvest(ctx, tok, amount, &stats)
	}

	s.logger.Info(
		"keeper tick complete",
		"tokens", len(s.tokens),
		"fee_bps", treasury.FeeBps,
		"harvested", stats.harvested,
		"pending", stats.pending,
		"skipped", stats.skipped,
		"failed", stats.failed,
	)
	return nil
}

func (s *Service) harvest(ctx context.Context, tok tokens.Token, amount uint64, stats *tickStats) {
	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	result, err := s.harvester.Harvest(txCtx, s.wallet, tok.Mint)
	if err != nil {
		stats.failed++
		s.logger.Warn("harvest failed", "mint", tok.Mint, "symbol", tok.Symbol, "err", err)
		return
	}
	if result.Receipt.Outcome == swap.OutcomePending {
		stats.pending++
		s.logger.Warn("harvest not settled before timeout",
			"mint", tok.Mint,
			"symbol", tok.Symbol,
			"signature", result.Receipt.Signature,
		)
		return
	}
	stats.harvested++
	s.logger.Info("fees harvested",
		"mint", tok.Mint,
		"amount", tok.Format(amount),
		"signature", result.Receipt.Signature,
		"created_accounts", len(result.Created),
	)
}

// custodyBalances returns the treasury's balance of each configured token, in
// s.tokens order. Absent or foreign accounts count as zero.
func (s *Service) custodyBalances(ctx context.Context, treasuryAddr solana.PublicKey) ([]uint64, error) {
	addresses := make([]solana.PublicKey, len(s.tokens))
	for i, tok := range s.tokens {
		address, err := escrow.DeriveCustodyAddress(treasuryAddr, tok.Mint)
		if err != nil {
			return nil, fmt.Errorf("derive treasury custody for %s: %w", tok.Mint, err)
		}
		addresses[i] = address
	}

	resp, err := s.accounts.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{
		Commitment: s.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch treasury custody accounts: %w", err)
	}
	if resp == nil || len(resp.Value) != len(addresses) {
		return nil, fmt.Errorf("fetch treasury custody accounts: expected %d results", len(addresses))
	}

	balances := make([]uint64, len(addresses))
	for i, account := range resp.Value {
		if account == nil || account.Data == nil {
			continue
		}
		if !account.Owner.Equals(solana.TokenProgramID) {
			s.logger.Warn("skip treasury custody", "address", addresses[i], "owner", account.Owner)
			continue
		}
		var holding token.Account
		if err := bin.NewBinDecoder(account.Data.GetBinary()).Decode(&holding); err != nil {
			s.logger.Warn("skip treasury custody", "address", addresses[i], "err", err)
			continue
		}
		if !holding.Owner.Equals(treasuryAddr) || !holding.Mint.Equals(s.tokens[i].Mint) {
			s.logger.Warn("skip treasury custody", "address", addresses[i], "err", escrow.ErrOwnershipMismatch)
			continue
		}
		balances[i] = holding.Amount
	}
	return balances, nil
}
