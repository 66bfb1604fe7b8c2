package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

func (c *CLI) treasuryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treasury",
		Short: "Manage the fee treasury",
	}
	cmd.AddCommand(
		c.treasuryInitCommand(),
		c.treasuryUpdateCommand(),
		c.treasuryHarvestCommand(),
		c.treasuryShowCommand(),
	)
	return cmd
}

func (c *CLI) treasuryInitCommand() *cobra.Command {
	var (
		authority string
		feeBps    uint16
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the treasury account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wallet, err := c.signer()
			if err != nil {
				return err
			}
			owner := wallet.PublicKey()
			if authority != "" {
				if owner, err = parseAddress("authority", authority); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("fee-bps") {
				feeBps = c.cfg.FeeBps
			}
			result, err := c.svc.InitializeTreasury(cmd.Context(), wallet, owner, feeBps)
			return c.report(cmd, "treasury init", result, err)
		},
	}
	cmd.Flags().StringVar(&authority, "authority", "", "treasury authority (defaults to the configured keypair)")
	cmd.Flags().Uint16Var(&feeBps, "fee-bps", 0, "fee in basis points (defaults to ESCROW_FEE_BPS)")
	return cmd
}

func (c *CLI) treasuryUpdateCommand() *cobra.Command {
	var (
		newAuthority string
		feeBps       uint16
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Hand over the treasury or change its fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if !flags.Changed("new-authority") && !flags.Changed("fee-bps") {
				return errors.New("set --new-authority, --fee-bps or both")
			}
			current, _, err := c.svc.Repository().GetTreasury(cmd.Context())
			if err != nil {
				return err
			}
			next := current.Authority
			if flags.Changed("new-authority") {
				if next, err = parseAddress("authority", newAuthority); err != nil {
					return err
				}
			}
			if !flags.Changed("fee-bps") {
				feeBps = current.FeeBps
			}

			wallet, err := c.signer()
			if err != nil {
				return err
			}
			result, err := c.svc.UpdateTreasury(cmd.Context(), wallet, next, feeBps)
			return c.report(cmd, "treasury update", result, err)
		},
	}
	cmd.Flags().StringVar(&newAuthority, "new-authority", "", "address that takes over the treasury")
	cmd.Flags().Uint16Var(&feeBps, "fee-bps", 0, "new fee in basis points")
	return cmd
}

func (c *CLI) treasuryHarvestCommand() *cobra.Command {
	var refs []string
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Move collected fees to the authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(refs) == 0 {
				return errors.New("--token is required")
			}
			wallet, err := c.signer()
			if err != nil {
				return err
			}
			var failed error
			for _, ref := range refs {
				token, err := c.tokens.ResolveOrRaw(ref)
				if err != nil {
					return err
				}
				result, harvestErr := c.svc.Harvest(cmd.Context(), wallet, token.Mint)
				if err := c.report(cmd, "harvest "+token.Symbol, result, harvestErr); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "harvest %s failed: %v\n", token.Symbol, err)
					failed = errors.Join(failed, err)
				}
			}
			return failed
		},
	}
	cmd.Flags().StringSliceVar(&refs, "token", nil, "token symbol or mint to harvest (repeatable)")
	return cmd
}

func (c *CLI) treasuryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the treasury authority and fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			treasury, address, err := c.svc.Repository().GetTreasury(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			writeTreasury(tw, address, treasury)
			return tw.Flush()
		},
	}
}

func writeTreasury(w io.Writer, address solana.PublicKey, treasury *escrow.Treasury) {
	fmt.Fprintf(w, "treasury:\t%s\n", address)
	fmt.Fprintf(w, "authority:\t%s\n", treasury.Authority)
	fmt.Fprintf(w, "fee:\t%d bps\n", treasury.FeeBps)
	fmt.Fprintf(w, "bump:\t%d\n", treasury.Bump)
}
