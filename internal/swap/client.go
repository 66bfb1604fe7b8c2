package swap

import (
	"log/slog"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go/rpc"
)

// NewServiceFromConfig wires a resolver, submitter and repository over one
// ledger using the shared client settings.
func NewServiceFromConfig(cfg config.ClientConfig, ledger Ledger, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = rpc.New(cfg.RPCURL)
	}
	resolver := NewResolver(ledger, cfg.ProgramID, cfg.Commitment)
	submitter := NewSubmitter(ledger, SubmitterConfig{
		Commitment:                    cfg.Commitment,
		SkipPreflight:                 cfg.SkipPreflight,
		MaxRetries:                    cfg.MaxRetries,
		ComputeUnitLimit:              cfg.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.ComputeUnitPriceMicroLamports,
		ConfirmTimeout:                cfg.ConfirmTimeout,
	}, logger)
	repo := NewRepository(ledger, cfg.ProgramID, cfg.Commitment, logger)
	return NewService(resolver, submitter, repo, escrow.BpsFee{Bps: cfg.FeeBps}, logger)
}
