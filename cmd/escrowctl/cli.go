package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/swap"
	"github.com/coldbell/escrow/backend/internal/tokens"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/spf13/cobra"
)

// CLI is the escrowctl command tree and the clients its commands share.
type CLI struct {
	root *cobra.Command

	cfg    config.ClientConfig
	logger *slog.Logger
	tokens *tokens.Directory
	ledger swap.Ledger
	svc    *swap.Service
	wallet swap.Wallet

	// configured skips environment loading in setup.
	configured bool
}

func NewCLI() *CLI {
	cli := &CLI{}
	cli.root = &cobra.Command{
		Use:               "escrowctl",
		Short:             "Create, take and manage escrow orders",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: cli.setup,
	}
	cli.root.AddCommand(
		cli.deriveCommand(),
		cli.createCommand(),
		cli.modifyCommand(),
		cli.completeCommand(),
		cli.cancelCommand(),
		cli.listCommand(),
		cli.showCommand(),
		cli.inspectCommand(),
		cli.treasuryCommand(),
		cli.tokensCommand(),
	)
	return cli
}

func (c *CLI) Run(ctx context.Context) error {
	return c.root.ExecuteContext(ctx)
}

func (c *CLI) setup(cmd *cobra.Command, _ []string) error {
	if c.configured {
		return nil
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithWriter("escrowctl", cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	directory := tokens.Default()
	if cfg.TokensFile != "" {
		if directory, err = tokens.Load(cfg.TokensFile); err != nil {
			return fmt.Errorf("load token directory: %w", err)
		}
	}

	client := rpc.New(cfg.RPCURL)
	c.cfg = cfg
	c.logger = logger
	c.tokens = directory
	c.ledger = client
	c.svc = swap.NewServiceFromConfig(cfg, client, logger)
	c.configured = true
	return nil
}

// signer loads the keypair on first use so read-only commands work without one.
func (c *CLI) signer() (swap.Wallet, error) {
	if c.wallet != nil {
		return c.wallet, nil
	}
	wallet, err := swap.LoadKeypairWallet(c.cfg.KeypairPath)
	if err != nil {
		return nil, err
	}
	c.wallet = wallet
	return wallet, nil
}

// tokenFor returns the directory entry for mint, or a base-unit token when the
// mint is not listed.
func (c *CLI) tokenFor(mint solana.PublicKey) tokens.Token {
	if token, ok := c.tokens.ByMint(mint); ok {
		return token
	}
	return tokens.Token{Symbol: mint.String(), Mint: mint}
}

// report prints what happened to a submitted transaction. A pending outcome
// is printed as a notice and does not fail the command.
func (c *CLI) report(cmd *cobra.Command, action string, result *swap.Result, err error) error {
	out := cmd.OutOrStdout()
	if result != nil && !result.Receipt.Signature.IsZero() {
		fmt.Fprintf(out, "signature: %s\n", result.Receipt.Signature)
	}
	if err != nil {
		return err
	}
	for _, custody := range result.Created {
		fmt.Fprintf(out, "created custody: %s (owner %s, token %s)\n", custody.Address, custody.Owner, c.tokens.Label(custody.Mint))
	}
	if result.Receipt.Outcome == swap.OutcomePending {
		fmt.Fprintf(out, "pending: %s not confirmed before timeout, check the signature before retrying\n", action)
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", action, result.Receipt.Outcome)
	return nil
}

func parseAddress(label, raw string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s address %q: %w", label, raw, err)
	}
	return key, nil
}

func parseAmountFlag(token tokens.Token, flag, raw string) (uint64, error) {
	amount, err := token.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", flag, err)
	}
	return amount, nil
}
