package swap

import (
	"context"
	"testing"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	mintA = testMint(0xB1)
	mintB = testMint(0xB2)
)

func TestResolveRejectsZeroAmountBeforeLedger(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	order := env.openOrder(t, maker, mintA, mintB, 10, 20)
	before := env.ledger.totalCalls()

	requests := []Request{
		CreateOrderRequest{Maker: maker, MakerMint: mintA, TakerMint: mintB, MakerAmount: 0, TakerAmount: 5},
		CreateOrderRequest{Maker: maker, MakerMint: mintA, TakerMint: mintB, MakerAmount: 5, TakerAmount: 0},
		ChangeAmountsRequest{Order: order, MakerAmount: 0, TakerAmount: 1},
		ChangeAmountsRequest{Order: order, MakerAmount: 1, TakerAmount: 0},
	}
	for _, req := range requests {
		_, err := env.resolver.Resolve(context.Background(), req)
		require.ErrorIs(t, err, escrow.ErrZeroAmount)
		require.ErrorIs(t, err, escrow.ErrPrecondition)
	}
	assert.Equal(t, before, env.ledger.totalCalls())
}

func TestResolveCreateOrderCreatesOnlyAbsentCustody(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	env.ledger.fund(t, maker, mintA, 1_000)

	id := escrow.OrderID{0x11}
	res, err := env.resolver.Resolve(context.Background(), CreateOrderRequest{
		Maker: maker, ID: id, MakerMint: mintA, TakerMint: mintB, MakerAmount: 100, TakerAmount: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.ledger.callCount("getMultipleAccounts"))

	order := escrow.MustDeriveOrderPDA(testProgramID, id, maker, mintA, mintB)
	require.Len(t, res.Created, 1)
	assert.Equal(t, escrow.MustDeriveCustodyAddress(order, mintA), res.Created[0].Address)
	assert.Equal(t, order, res.Created[0].Owner)

	require.Len(t, res.Instructions, 2)
	create := res.Instructions[0]
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, create.ProgramID())
	assert.Equal(t, res.Created[0].Address, create.Accounts()[1].PublicKey)
	assert.Equal(t, maker, create.Accounts()[0].PublicKey)

	primary := res.Primary()
	assert.Equal(t, testProgramID, primary.ProgramID())
	data, err := primary.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 100, 0, 0, 0, 0, 0, 0, 0, 200, 0, 0, 0, 0, 0, 0, 0}, data)
}

func TestResolveCompleteSwapSkipsPresentCustody(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	taker := testWallet(t).PublicKey()
	order := env.openOrder(t, maker, mintA, mintB, 10, 20)
	treasury := env.ledger.putTreasury(t, maker, 0)
	env.ledger.fund(t, maker, mintB, 0)
	env.ledger.fund(t, taker, mintB, 20)
	env.ledger.fund(t, taker, mintA, 0)
	env.ledger.fund(t, treasury, mintA, 0)
	env.ledger.fund(t, treasury, mintB, 0)

	res, err := env.resolver.Resolve(context.Background(), CompleteSwapRequest{Order: order, Taker: taker})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Instructions, 1)

	accounts := res.Accounts.(escrow.CompleteSwapAccounts)
	assert.Equal(t, escrow.MustDeriveCustodyAddress(maker, mintB), accounts.MakerReceive)
	assert.Equal(t, escrow.MustDeriveCustodyAddress(taker, mintB), accounts.TakerPay)
	assert.Equal(t, escrow.MustDeriveCustodyAddress(taker, mintA), accounts.TakerReceive)
	assert.Equal(t, escrow.MustDeriveCustodyAddress(order.Address, mintA), accounts.OrderCustody)
	assert.Equal(t, treasury, accounts.Treasury)
}

func TestResolveCompleteSwapCreatesExactlyAbsentCustody(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		env := newTestEnv(t)
		maker := testWallet(t).PublicKey()
		taker := testWallet(t).PublicKey()
		order := env.openOrder(t, maker, mintA, mintB, 10, 20)
		treasury := escrow.MustDeriveTreasuryPDA(testProgramID)

		optional := []Custody{
			{Owner: maker, Mint: mintB},
			{Owner: taker, Mint: mintB},
			{Owner: taker, Mint: mintA},
			{Owner: treasury, Mint: mintA},
			{Owner: treasury, Mint: mintB},
		}
		var absent []solana.PublicKey
		for i, c := range optional {
			addr := escrow.MustDeriveCustodyAddress(c.Owner, c.Mint)
			if rapid.Bool().Draw(rt, "present"+string(rune('0'+i))) {
				env.ledger.fund(t, c.Owner, c.Mint, 0)
				continue
			}
			absent = append(absent, addr)
		}

		res, err := env.resolver.Resolve(context.Background(), CompleteSwapRequest{Order: order, Taker: taker})
		require.NoError(rt, err)

		created := make([]solana.PublicKey, 0, len(res.Created))
		for _, c := range res.Created {
			created = append(created, c.Address)
		}
		assert.ElementsMatch(rt, absent, created)
		assert.Len(rt, res.Instructions, len(absent)+1)
	})
}

func TestCompleteSwapsSharingAbsentCustodyBothLand(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	env.ledger.putTreasury(t, maker, 0)
	first := env.openOrder(t, maker, mintA, mintB, 10, 20)
	second := env.openOrder(t, maker, mintA, mintB, 5, 30)

	takers := []*KeypairWallet{testWallet(t), testWallet(t)}
	orders := []*escrow.Order{first, second}
	resolutions := make([]*Resolution, len(orders))
	for i, order := range orders {
		env.ledger.fund(t, takers[i].PublicKey(), mintB, order.TakerAmount)
		res, err := env.resolver.Resolve(context.Background(), CompleteSwapRequest{Order: order, Taker: takers[i].PublicKey()})
		require.NoError(t, err)
		require.Contains(t, res.Created, Custody{
			Address: escrow.MustDeriveCustodyAddress(maker, mintB),
			Owner:   maker,
			Mint:    mintB,
		})
		resolutions[i] = res
	}

	for i, res := range resolutions {
		receipt, err := env.submitter.Submit(context.Background(), res.Instructions, takers[i])
		require.NoError(t, err)
		assert.Equal(t, OutcomeConfirmed, receipt.Outcome)
		assert.False(t, env.ledger.exists(orders[i].Address))
	}
	balance, ok := env.ledger.balance(t, maker, mintB)
	require.True(t, ok)
	assert.Equal(t, uint64(50), balance)
}

func TestResolveOwnershipMismatch(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	stranger := testWallet(t).PublicKey()

	custody := escrow.MustDeriveCustodyAddress(maker, mintA)
	env.ledger.mu.Lock()
	env.ledger.writeToken(custody, stranger, mintA, 500)
	env.ledger.mu.Unlock()

	_, err := env.resolver.Resolve(context.Background(), CreateOrderRequest{
		Maker: maker, ID: escrow.OrderID{1}, MakerMint: mintA, TakerMint: mintB, MakerAmount: 1, TakerAmount: 1,
	})
	require.ErrorIs(t, err, escrow.ErrOwnershipMismatch)

	env.ledger.mu.Lock()
	env.ledger.writeToken(custody, maker, mintB, 500)
	env.ledger.mu.Unlock()
	_, err = env.resolver.Resolve(context.Background(), CreateOrderRequest{
		Maker: maker, ID: escrow.OrderID{1}, MakerMint: mintA, TakerMint: mintB, MakerAmount: 1, TakerAmount: 1,
	})
	require.ErrorIs(t, err, escrow.ErrOwnershipMismatch)

	env.ledger.putRaw(custody, solana.SystemProgramID, nil)
	_, err = env.resolver.Resolve(context.Background(), CreateOrderRequest{
		Maker: maker, ID: escrow.OrderID{1}, MakerMint: mintA, TakerMint: mintB, MakerAmount: 1, TakerAmount: 1,
	})
	require.ErrorIs(t, err, escrow.ErrOwnershipMismatch)
	assert.Zero(t, env.ledger.callCount("sendTransaction"))
}

func TestResolveCompleteSwapMissingOrderCustody(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	order := &escrow.Order{
		Address:   escrow.MustDeriveOrderPDA(testProgramID, escrow.OrderID{2}, maker, mintA, mintB),
		Maker:     maker,
		Taker:     escrow.OpenTaker(),
		ID:        escrow.OrderID{2},
		MakerMint: mintA,
		TakerMint: mintB,
	}
	_, err := env.resolver.Resolve(context.Background(), CompleteSwapRequest{Order: order, Taker: testWallet(t).PublicKey()})
	require.ErrorIs(t, err, escrow.ErrOrderUnavailable)
}

func TestResolveChangeTaker(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	order := env.openOrder(t, maker, mintA, mintB, 10, 20)
	before := env.ledger.totalCalls()

	_, err := env.resolver.Resolve(context.Background(), ChangeTakerRequest{Order: order, NewTaker: escrow.OpenTaker()})
	require.ErrorIs(t, err, escrow.ErrTakerUnchanged)

	target := testWallet(t).PublicKey()
	restricted, err := escrow.RestrictedTo(target)
	require.NoError(t, err)
	res, err := env.resolver.Resolve(context.Background(), ChangeTakerRequest{Order: order, NewTaker: restricted})
	require.NoError(t, err)
	require.Len(t, res.Instructions, 1)

	data, err := res.Primary().Data()
	require.NoError(t, err)
	assert.Equal(t, append([]byte{5}, target[:]...), data)
	assert.Equal(t, target, res.Primary().Accounts()[2].PublicKey)
	assert.Equal(t, before, env.ledger.totalCalls())
}

func TestResolveCompleteSwapRestrictedTaker(t *testing.T) {
	env := newTestEnv(t)
	maker := testWallet(t).PublicKey()
	order := env.openOrder(t, maker, mintA, mintB, 10, 20)
	order.Taker, _ = escrow.RestrictedTo(testWallet(t).PublicKey())

	_, err := env.resolver.Resolve(context.Background(), CompleteSwapRequest{Order: order, Taker: testWallet(t).PublicKey()})
	require.ErrorIs(t, err, escrow.ErrTakerNotAllowed)
}

func TestResolveHarvestRequiresTreasuryCustody(t *testing.T) {
	env := newTestEnv(t)
	authority := testWallet(t).PublicKey()
	treasury := env.ledger.putTreasury(t, authority, 25)

	_, err := env.resolver.Resolve(context.Background(), HarvestRequest{Authority: authority, Mint: mintA})
	require.ErrorIs(t, err, escrow.ErrPrecondition)

	env.ledger.fund(t, treasury, mintA, 40)
	res, err := env.resolver.Resolve(context.Background(), HarvestRequest{Authority: authority, Mint: mintA})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, authority, res.Created[0].Owner)
}

func TestResolveTreasuryFeeRange(t *testing.T) {
	env := newTestEnv(t)
	payer := testWallet(t).PublicKey()

	_, err := env.resolver.Resolve(context.Background(), InitializeTreasuryRequest{Payer: payer, Authority: payer, FeeBps: escrow.MaxFeeBps + 1})
	require.ErrorIs(t, err, escrow.ErrFeeOutOfRange)

	res, err := env.resolver.Resolve(context.Background(), InitializeTreasuryRequest{Payer: payer, Authority: payer, FeeBps: 300})
	require.NoError(t, err)
	data, err := res.Primary().Data()
	require.NoError(t, err)
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, []byte{0x2c, 0x01}, data[33:35])
}

func TestResolveNilRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.resolver.Resolve(context.Background(), nil)
	require.ErrorIs(t, err, escrow.ErrPrecondition)
}
