package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/swap"
	"github.com/coldbell/escrow/backend/internal/tokens"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = solana.MustPublicKeyFromBase58("GKTd9AGFpPGNKK28ncHeGGuT7rBJLzPxNjCUPKn8Yik8")
	testMaker   = solana.MustPublicKeyFromBase58("Bswb3UyeD1pUTaGiE6WvqwFpJZsQSEY1xhJePCDTHdvp")
)

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer) {
	t.Helper()
	cli := NewCLI()
	cli.cfg = config.ClientConfig{ProgramID: testProgram, FeeBps: 30}
	cli.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cli.tokens = tokens.Default()
	cli.configured = true

	out := new(bytes.Buffer)
	cli.root.SetOut(out)
	cli.root.SetErr(io.Discard)
	return cli, out
}

func run(cli *CLI, args ...string) error {
	cli.root.SetArgs(args)
	return cli.Run(context.Background())
}

func TestDeriveTreasury(t *testing.T) {
	cli, out := newTestCLI(t)
	require.NoError(t, run(cli, "derive", "--treasury"))
	assert.Contains(t, out.String(), "treasury: "+escrow.MustDeriveTreasuryPDA(testProgram).String())
}

func TestDeriveOrder(t *testing.T) {
	cli, out := newTestCLI(t)
	rawID := strings.Repeat("ab", 32)
	require.NoError(t, run(cli, "derive", "--id", rawID, "--maker", testMaker.String(), "--maker-token", "SOL", "--taker-token", "usdc"))

	id, err := escrow.ParseOrderID(rawID)
	require.NoError(t, err)
	sol, _ := tokens.Default().BySymbol("SOL")
	usdc, _ := tokens.Default().BySymbol("USDC")
	order := escrow.MustDeriveOrderPDA(testProgram, id, testMaker, sol.Mint, usdc.Mint)

	assert.Contains(t, out.String(), "order: "+order.String())
	assert.Contains(t, out.String(), "order custody: "+escrow.MustDeriveCustodyAddress(order, sol.Mint).String())
}

func TestDeriveRequiresOrderSeeds(t *testing.T) {
	cli, _ := newTestCLI(t)
	err := run(cli, "derive", "--maker", testMaker.String(), "--maker-token", "SOL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--id")
}

func TestTokensCommand(t *testing.T) {
	cli, out := newTestCLI(t)
	require.NoError(t, run(cli, "tokens"))

	usdc, _ := tokens.Default().BySymbol("USDC")
	assert.Contains(t, out.String(), "SYMBOL")
	assert.Contains(t, out.String(), usdc.Mint.String())
}

func TestInspectInstruction(t *testing.T) {
	data, err := escrow.CreateOrderArgs{MakerAmount: 1500, TakerAmount: 42}.MarshalBinary()
	require.NoError(t, err)

	cli, out := newTestCLI(t)
	require.NoError(t, run(cli, "inspect", "instruction", hex.EncodeToString(data)))
	assert.Contains(t, out.String(), "CreateOrder")
	assert.Contains(t, out.String(), "1500")
	assert.Contains(t, out.String(), "42")
}

func TestInspectInstructionBase58(t *testing.T) {
	taker, err := escrow.RestrictedTo(testMaker)
	require.NoError(t, err)
	data, err := escrow.ChangeTakerArgs{NewTaker: taker}.MarshalBinary()
	require.NoError(t, err)

	cli, out := newTestCLI(t)
	require.NoError(t, run(cli, "inspect", "instruction", "--encoding", "base58", base58.Encode(data)))
	assert.Contains(t, out.String(), "ChangeTaker")
	assert.Contains(t, out.String(), testMaker.String())
}

func TestInspectInstructionRejectsUnknownData(t *testing.T) {
	cli, _ := newTestCLI(t)
	require.ErrorIs(t, run(cli, "inspect", "instruction", "ff"), escrow.ErrDecode)

	cli, _ = newTestCLI(t)
	require.Error(t, run(cli, "inspect", "instruction", "--encoding", "yaml", "00"))
}

func TestWriteAccount(t *testing.T) {
	cli, _ := newTestCLI(t)
	sol, _ := tokens.Default().BySymbol("SOL")
	usdc, _ := tokens.Default().BySymbol("USDC")

	var id escrow.OrderID
	id[0] = 7
	address, bump, err := escrow.DeriveOrderPDA(testProgram, id, testMaker, sol.Mint, usdc.Mint)
	require.NoError(t, err)
	order := &escrow.Order{
		Maker:       testMaker,
		Taker:       escrow.OpenTaker(),
		ID:          id,
		MakerMint:   sol.Mint,
		TakerMint:   usdc.Mint,
		MakerAmount: 1_500_000_000,
		TakerAmount: 2_500_000,
		Bump:        bump,
	}
	data, err := order.Encode()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, cli.writeAccount(&out, address, data))
	assert.Contains(t, out.String(), "1.5 SOL")
	assert.Contains(t, out.String(), "2.5 USDC")
	assert.Contains(t, out.String(), "open")

	treasury, err := (&escrow.Treasury{Authority: testMaker, FeeBps: 25, Bump: 254}).Encode()
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, cli.writeAccount(&out, escrow.MustDeriveTreasuryPDA(testProgram), treasury))
	assert.Contains(t, out.String(), "25 bps")

	require.ErrorIs(t, cli.writeAccount(&out, address, []byte{1, 2, 3}), escrow.ErrDecode)
}

func TestReportPendingIsNotAnError(t *testing.T) {
	cli, out := newTestCLI(t)
	result := &swap.Result{Receipt: swap.Receipt{Signature: solana.Signature{9}, Outcome: swap.OutcomePending}}

	require.NoError(t, cli.report(cli.root, "cancel", result, nil))
	assert.Contains(t, out.String(), "signature: "+solana.Signature{9}.String())
	assert.Contains(t, out.String(), "pending: cancel")

	out.Reset()
	result.Receipt.Outcome = swap.OutcomeFailed
	require.ErrorIs(t, cli.report(cli.root, "cancel", result, escrow.ErrSubmission), escrow.ErrSubmission)
	assert.Contains(t, out.String(), "signature:")
}
