package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const defaultPollInterval = 700 * time.Millisecond

// Wallet signs transactions for a single fee payer.
type Wallet interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// KeypairWallet signs with an in-memory private key.
type KeypairWallet struct {
	key solana.PrivateKey
}

func NewKeypairWallet(key solana.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

func LoadKeypairWallet(path string) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return NewKeypairWallet(key), nil
}

func (w *KeypairWallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

func (w *KeypairWallet) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if w.key.PublicKey().Equals(key) {
			return &w.key
		}
		return nil
	})
	return err
}

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

type Receipt struct {
	Signature solana.Signature
	Outcome   Outcome
}

// TxFailedError is returned when the ledger rejected a transaction, either at
// submission or in its final status.
type TxFailedError struct {
	Signature solana.Signature
	Cause     error
	Program   *escrow.ProgramError
}

func (e *TxFailedError) Error() string {
	if e.Signature.IsZero() {
		return fmt.Sprintf("transaction rejected: %v", e.Cause)
	}
	return fmt.Sprintf("transaction %s failed: %v", e.Signature, e.Cause)
}

func (e *TxFailedError) Unwrap() []error {
	errs := []error{escrow.ErrSubmission, e.Cause}
	if e.Program != nil {
		errs = append(errs, *e.Program)
	}
	return errs
}

type SubmitterConfig struct {
	Commitment                    rpc.CommitmentType
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	ConfirmTimeout                time.Duration
	PollInterval                  time.Duration
}

type Submitter struct {
	cfg    SubmitterConfig
	ledger Ledger
	logger *slog.Logger
}

func NewSubmitter(ledger Ledger, cfg SubmitterConfig, logger *slog.Logger) *Submitter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{cfg: cfg, ledger: ledger, logger: logger}
}

// Submit sends all instructions in one transaction paid and signed by wallet
// and waits up to ConfirmTimeout for it to settle. A wait that ends before
// settlement yields OutcomePending and a nil error.
func (s *Submitter) Submit(ctx context.Context, instructions []solana.Instruction, wallet Wallet) (Receipt, error) {
	if wallet == nil {
		return Receipt{}, escrow.ErrNoWallet
	}
	if len(instructions) == 0 {
		return Receipt{}, fmt.Errorf("%w: no instructions to submit", escrow.ErrPrecondition)
	}

	all, err := s.withComputeBudget(instructions)
	if err != nil {
		return Receipt{}, err
	}
	sig, err := s.sendTransaction(ctx, all, wallet)
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{Signature: sig, Outcome: OutcomePending}
	waitCtx := ctx
	if s.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
		defer cancel()
	}
	if err := s.waitForConfirmation(waitCtx, sig); err != nil {
		if waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
			s.logger.Warn("transaction still pending", "signature", sig.String(), "reason", err.Error())
			return receipt, nil
		}
		receipt.Outcome = OutcomeFailed
		return receipt, err
	}
	receipt.Outcome = OutcomeConfirmed
	s.logger.Info("transaction confirmed", "signature", sig.String(), "instructions", len(all))
	return receipt, nil
}

func (s *Submitter) withComputeBudget(instructions []solana.Instruction) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(instructions)+2)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		out = append(out, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		out = append(out, cuPriceIx)
	}
	return append(out, instructions...), nil
}

func (s *Submitter) sendTransaction(ctx context.Context, instructions []solana.Instruction, wallet Wallet) (solana.Signature, error) {
	recent, err := s.ledger.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: get latest blockhash: %w", escrow.ErrSubmission, err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(wallet.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build transaction: %w", escrow.ErrSubmission, err)
	}
	if err := wallet.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: sign transaction: %w", escrow.ErrSubmission, err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := s.ledger.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, &TxFailedError{Cause: err, Program: programErrorFromRPC(err)}
	}
	return sig, nil
}

// waitForConfirmation returns nil once sig is confirmed, a *TxFailedError if
// its status carries an error, or the context error when the wait ends first.
// The first poll runs immediately so a deadline shorter than PollInterval
// still sees a settled transaction.
func (s *Submitter) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if settled, err := s.pollStatus(ctx, sig); settled {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollStatus reports whether sig has settled and, if so, how.
func (s *Submitter) pollStatus(ctx context.Context, sig solana.Signature) (bool, error) {
	result, err := s.ledger.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		s.logger.Debug("signature status poll failed", "signature", sig.String(), "err", err)
		return false, nil
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return false, nil
	}
	status := result.Value[0]
	if status.Err != nil {
		return true, &TxFailedError{
			Signature: sig,
			Cause:     fmt.Errorf("transaction failed: %v", status.Err),
			Program:   programErrorFromStatus(status.Err),
		}
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	}
	return false, nil
}

func programErrorFromRPC(err error) *escrow.ProgramError {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		return nil
	}
	return programErrorFromStatus(data["err"])
}

// programErrorFromStatus extracts the custom code from a status error of the
// form {"InstructionError": [index, {"Custom": code}]}.
func programErrorFromStatus(status any) *escrow.ProgramError {
	obj, ok := status.(map[string]any)
	if !ok {
		return nil
	}
	pair, ok := obj["InstructionError"].([]any)
	if !ok || len(pair) != 2 {
		return nil
	}
	detail, ok := pair[1].(map[string]any)
	if !ok {
		return nil
	}
	code, ok := asUint32(detail["Custom"])
	if !ok {
		return nil
	}
	perr := escrow.ProgramError(code)
	return &perr
}

func asUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Int64()
		if err != nil || parsed < 0 || parsed > int64(^uint32(0)) {
			return 0, false
		}
		return uint32(parsed), true
	case float64:
		if n < 0 || n > float64(^uint32(0)) || n != float64(uint32(n)) {
			return 0, false
		}
		return uint32(n), true
	case int:
		if n < 0 || int64(n) > int64(^uint32(0)) {
			return 0, false
		}
		return uint32(n), true
	case uint32:
		return n, true
	default:
		return 0, false
	}
}
