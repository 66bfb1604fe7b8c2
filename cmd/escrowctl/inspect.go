package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

const (
	encodingAuto   = "auto"
	encodingHex    = "hex"
	encodingBase58 = "base58"
	encodingBase64 = "base64"
)

func (c *CLI) inspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode escrow instruction data and accounts",
	}
	cmd.AddCommand(c.inspectInstructionCommand(), c.inspectAccountCommand())
	return cmd
}

func (c *CLI) inspectInstructionCommand() *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "instruction <data>",
		Short: "Decode instruction data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := decodeInput(args[0], encoding)
			if err != nil {
				return err
			}
			decoded, err := escrow.DecodeInstruction(data)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			writeArgs(tw, decoded)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", encodingAuto,
		"input encoding, one of: "+strings.Join([]string{encodingAuto, encodingHex, encodingBase58, encodingBase64}, ", "))
	return cmd
}

func (c *CLI) inspectAccountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "account <address>",
		Short: "Fetch and decode an order or treasury account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress("account", args[0])
			if err != nil {
				return err
			}
			resp, err := c.ledger.GetAccountInfoWithOpts(cmd.Context(), address, &rpc.GetAccountInfoOpts{
				Commitment: c.cfg.Commitment,
				Encoding:   solana.EncodingBase64,
			})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", address, err)
			}
			if resp == nil || resp.Value == nil {
				return fmt.Errorf("account %s not found", address)
			}
			if !resp.Value.Owner.Equals(c.cfg.ProgramID) {
				return fmt.Errorf("%w: %s is owned by %s", escrow.ErrDecode, address, resp.Value.Owner)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if err := c.writeAccount(tw, address, resp.Value.Data.GetBinary()); err != nil {
				return err
			}
			return tw.Flush()
		},
	}
}

// decodeInput reads instruction bytes. In auto mode hex wins when the input
// is valid hex, then base58.
func decodeInput(raw, encoding string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	switch encoding {
	case encodingHex:
		data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("input is not valid hex: %w", err)
		}
		return data, nil
	case encodingBase58:
		data, err := base58.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("input is not valid base58: %w", err)
		}
		return data, nil
	case encodingBase64:
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("input is not valid base64: %w", err)
		}
		return data, nil
	case encodingAuto, "":
		if data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
			return data, nil
		}
		return decodeInput(raw, encodingBase58)
	default:
		return nil, fmt.Errorf("unsupported input encoding: %s", encoding)
	}
}

func writeArgs(w io.Writer, decoded escrow.Args) {
	fmt.Fprintf(w, "instruction:\t%s\n", decoded.Discriminator())
	switch a := decoded.(type) {
	case escrow.InitializeTreasuryArgs:
		fmt.Fprintf(w, "authority:\t%s\n", a.Authority)
		fmt.Fprintf(w, "fee:\t%d bps\n", a.FeeBps)
	case escrow.UpdateTreasuryAuthorityArgs:
		fmt.Fprintf(w, "authority:\t%s\n", a.Authority)
		fmt.Fprintf(w, "fee:\t%d bps\n", a.FeeBps)
	case escrow.CreateOrderArgs:
		fmt.Fprintf(w, "maker amount:\t%d\n", a.MakerAmount)
		fmt.Fprintf(w, "taker amount:\t%d\n", a.TakerAmount)
	case escrow.ChangeAmountsArgs:
		fmt.Fprintf(w, "maker amount:\t%d\n", a.MakerAmount)
		fmt.Fprintf(w, "taker amount:\t%d\n", a.TakerAmount)
	case escrow.ChangeTakerArgs:
		fmt.Fprintf(w, "taker:\t%s\n", a.NewTaker)
	}
}

// writeAccount picks the account layout by size.
func (c *CLI) writeAccount(w io.Writer, address solana.PublicKey, data []byte) error {
	switch len(data) {
	case escrow.OrderSize:
		order, err := escrow.DecodeOrderAt(c.cfg.ProgramID, address, data)
		if err != nil {
			return err
		}
		c.writeOrder(w, order)
		return nil
	case escrow.TreasurySize:
		treasury, err := escrow.DecodeTreasury(data)
		if err != nil {
			return err
		}
		writeTreasury(w, address, treasury)
		return nil
	default:
		return fmt.Errorf("%w: %d bytes is neither an order nor a treasury account", escrow.ErrDecode, len(data))
	}
}

func (c *CLI) tokensCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "List known tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tMINT\tDECIMALS")
			for _, token := range c.tokens.List() {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", token.Symbol, token.Mint, token.Decimals)
			}
			return tw.Flush()
		},
	}
}
