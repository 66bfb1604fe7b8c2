package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/swap"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

func (c *CLI) deriveCommand() *cobra.Command {
	var (
		id         string
		maker      string
		makerToken string
		takerToken string
		treasury   bool
	)
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print order, treasury and custody addresses without touching the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if treasury {
				address, bump, err := escrow.DeriveTreasuryPDA(c.cfg.ProgramID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "treasury: %s\nbump: %d\n", address, bump)
				return nil
			}

			if id == "" || makerToken == "" || takerToken == "" {
				return errors.New("--id, --maker-token and --taker-token are required")
			}
			orderID, err := escrow.ParseOrderID(id)
			if err != nil {
				return err
			}
			makerKey, err := c.makerOrSigner(maker)
			if err != nil {
				return err
			}
			offer, err := c.tokens.ResolveOrRaw(makerToken)
			if err != nil {
				return err
			}
			ask, err := c.tokens.ResolveOrRaw(takerToken)
			if err != nil {
				return err
			}

			address, bump, err := escrow.DeriveOrderPDA(c.cfg.ProgramID, orderID, makerKey, offer.Mint, ask.Mint)
			if err != nil {
				return err
			}
			custody, err := escrow.DeriveCustodyAddress(address, offer.Mint)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "order: %s\nbump: %d\norder custody: %s\n", address, bump, custody)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "order id, base58 or 64-char hex")
	cmd.Flags().StringVar(&maker, "maker", "", "maker address (defaults to the configured keypair)")
	cmd.Flags().StringVar(&makerToken, "maker-token", "", "offered token symbol or mint")
	cmd.Flags().StringVar(&takerToken, "taker-token", "", "requested token symbol or mint")
	cmd.Flags().BoolVar(&treasury, "treasury", false, "print the treasury address instead")
	return cmd
}

func (c *CLI) makerOrSigner(raw string) (solana.PublicKey, error) {
	if raw != "" {
		return parseAddress("maker", raw)
	}
	wallet, err := c.signer()
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("--maker not set: %w", err)
	}
	return wallet.PublicKey(), nil
}

func (c *CLI) createCommand() *cobra.Command {
	var (
		id          string
		makerToken  string
		makerAmount string
		takerToken  string
		takerAmount string
		taker       string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Deposit tokens into a new order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			offer, err := c.tokens.ResolveOrRaw(makerToken)
			if err != nil {
				return err
			}
			ask, err := c.tokens.ResolveOrRaw(takerToken)
			if err != nil {
				return err
			}
			params := swap.CreateOrderParams{MakerMint: offer.Mint, TakerMint: ask.Mint}
			if params.MakerAmount, err = parseAmountFlag(offer, "maker-amount", makerAmount); err != nil {
				return err
			}
			if params.TakerAmount, err = parseAmountFlag(ask, "taker-amount", takerAmount); err != nil {
				return err
			}
			if params.Taker, err = escrow.ParseTaker(taker); err != nil {
				return err
			}
			if id != "" {
				if params.ID, err = escrow.ParseOrderID(id); err != nil {
					return err
				}
			}

			wallet, err := c.signer()
			if err != nil {
				return err
			}
			result, err := c.svc.CreateOrder(cmd.Context(), wallet, params)
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "order: %s\nid: %s\n", result.Order, result.ID)
			}
			return c.report(cmd, "create", result, err)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "order id (random when empty)")
	cmd.Flags().StringVar(&makerToken, "maker-token", "", "offered token symbol or mint")
	cmd.Flags().StringVar(&makerAmount, "maker-amount", "", "offered amount, e.g. 1.5")
	cmd.Flags().StringVar(&takerToken, "taker-token", "", "requested token symbol or mint")
	cmd.Flags().StringVar(&takerAmount, "taker-amount", "", "requested amount")
	cmd.Flags().StringVar(&taker, "taker", "open", "restrict the order to one taker address")
	for _, name := range []string{"maker-token", "maker-amount", "taker-token", "taker-amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (c *CLI) modifyCommand() *cobra.Command {
	var (
		makerAmount string
		takerAmount string
		taker       string
	)
	cmd := &cobra.Command{
		Use:   "modify <order>",
		Short: "Change the amounts or taker of an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress("order", args[0])
			if err != nil {
				return err
			}
			order, err := c.svc.Repository().GetOrder(cmd.Context(), address)
			if err != nil {
				return err
			}

			var params swap.ModifyOrderParams
			flags := cmd.Flags()
			if flags.Changed("maker-amount") {
				amount, err := parseAmountFlag(c.tokenFor(order.MakerMint), "maker-amount", makerAmount)
				if err != nil {
					return err
				}
				params.MakerAmount = &amount
			}
			if flags.Changed("taker-amount") {
				amount, err := parseAmountFlag(c.tokenFor(order.TakerMint), "taker-amount", takerAmount)
				if err != nil {
					return err
				}
				params.TakerAmount = &amount
			}
			if flags.Changed("taker") {
				next, err := escrow.ParseTaker(taker)
				if err != nil {
					return err
				}
				params.Taker = &next
			}

			wallet, err := c.signer()
			if err != nil {
				return err
			}
			result, err := c.svc.ModifyOrder(cmd.Context(), wallet, address, params)
			return c.report(cmd, "modify", result, err)
		},
	}
	cmd.Flags().StringVar(&makerAmount, "maker-amount", "", "new offered amount")
	cmd.Flags().StringVar(&takerAmount, "taker-amount", "", "new requested amount")
	cmd.Flags().StringVar(&taker, "taker", "", `new taker address, or "open"`)
	return cmd
}

func (c *CLI) completeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <order>",
		Short: "Take an order: pay the ask and receive the offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress("order", args[0])
			if err != nil {
				return err
			}
			wallet, err := c.signer()
			if err != nil {
				return err
			}
			result, err := c.svc.CompleteOrder(cmd.Context(), wallet, address)
			return c.report(cmd, "complete", result, err)
		},
	}
}

func (c *CLI) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order>",
		Short: "Close an order and return the deposit to the maker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress("order", args[0])
			if err != nil {
				return err
			}
			wallet, err := c.signer()
			if err != nil {
				return err
			}
			result, err := c.svc.CancelOrder(cmd.Context(), wallet, address)
			return c.report(cmd, "cancel", result, err)
		},
	}
}

func (c *CLI) listCommand() *cobra.Command {
	var (
		maker string
		mine  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var owner *solana.PublicKey
			switch {
			case mine:
				wallet, err := c.signer()
				if err != nil {
					return err
				}
				key := wallet.PublicKey()
				owner = &key
			case maker != "":
				key, err := parseAddress("maker", maker)
				if err != nil {
					return err
				}
				owner = &key
			}

			orders, err := c.svc.Repository().ListOrders(cmd.Context(), owner)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tMAKER\tTAKER\tOFFER\tASK")
			for _, order := range orders {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					order.Address,
					order.Maker,
					order.Taker,
					c.tokenFor(order.MakerMint).Format(order.MakerAmount),
					c.tokenFor(order.TakerMint).Format(order.TakerAmount),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&maker, "maker", "", "only orders by this maker")
	cmd.Flags().BoolVar(&mine, "mine", false, "only orders by the configured keypair")
	cmd.MarkFlagsMutuallyExclusive("maker", "mine")
	return cmd
}

func (c *CLI) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <order>",
		Short: "Show one order and what each side receives after fees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress("order", args[0])
			if err != nil {
				return err
			}
			order, err := c.svc.Repository().GetOrder(cmd.Context(), address)
			if err != nil {
				return err
			}
			quote, err := c.svc.QuoteOrder(cmd.Context(), order)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			c.writeOrder(tw, order)
			offer, ask := c.tokenFor(order.MakerMint), c.tokenFor(order.TakerMint)
			fmt.Fprintf(tw, "maker receives:\t%s (fee %s)\n", ask.Format(quote.MakerReceives), ask.Format(quote.TakerFee))
			fmt.Fprintf(tw, "taker receives:\t%s (fee %s)\n", offer.Format(quote.TakerReceives), offer.Format(quote.MakerFee))
			return tw.Flush()
		},
	}
}

func (c *CLI) writeOrder(w io.Writer, order *escrow.Order) {
	fmt.Fprintf(w, "order:\t%s\n", order.Address)
	fmt.Fprintf(w, "id:\t%s\n", order.ID)
	fmt.Fprintf(w, "maker:\t%s\n", order.Maker)
	fmt.Fprintf(w, "taker:\t%s\n", order.Taker)
	fmt.Fprintf(w, "offer:\t%s\n", c.tokenFor(order.MakerMint).Format(order.MakerAmount))
	fmt.Fprintf(w, "ask:\t%s\n", c.tokenFor(order.TakerMint).Format(order.TakerAmount))
	fmt.Fprintf(w, "bump:\t%d\n", order.Bump)
}
