package swap

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/escrow/backend/internal/escrow"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("GKTd9AGFpPGNKK28ncHeGGuT7rBJLzPxNjCUPKn8Yik8")

const fakePollInterval = 5 * time.Millisecond

type fakeAccount struct {
	owner solana.PublicKey
	data  []byte
}

// fakeLedger is an in-memory ledger that executes the escrow program and the
// associated token account program for transactions it receives.
type fakeLedger struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]fakeAccount
	statuses  map[solana.Signature]*rpc.SignatureStatusesResult
	orderIDs  []escrow.OrderID
	calls     map[string]int
	sent      []*solana.Transaction
	unsettled bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[solana.PublicKey]fakeAccount),
		statuses: make(map[solana.Signature]*rpc.SignatureStatusesResult),
		calls:    make(map[string]int),
	}
}

func (l *fakeLedger) callCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

func (l *fakeLedger) totalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.calls {
		total += n
	}
	return total
}

func (l *fakeLedger) record(method string) {
	l.calls[method]++
}

// expectOrderID lets the fake program recover order ids, which are part of
// the seeds but not of the create instruction.
func (l *fakeLedger) expectOrderID(id escrow.OrderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orderIDs = append(l.orderIDs, id)
}

func (l *fakeLedger) putOrder(t *testing.T, order *escrow.Order) {
	t.Helper()
	data, err := order.Encode()
	require.NoError(t, err)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[order.Address] = fakeAccount{owner: testProgramID, data: data}
}

func (l *fakeLedger) putRaw(address, owner solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = fakeAccount{owner: owner, data: data}
}

func (l *fakeLedger) putTreasury(t *testing.T, authority solana.PublicKey, feeBps uint16) solana.PublicKey {
	t.Helper()
	address, bump, err := escrow.DeriveTreasuryPDA(testProgramID)
	require.NoError(t, err)
	data, err := (&escrow.Treasury{Authority: authority, FeeBps: feeBps, Bump: bump}).Encode()
	require.NoError(t, err)
	l.putRaw(address, testProgramID, data)
	return address
}

// fund creates (or tops up) owner's custody account for mint.
func (l *fakeLedger) fund(t *testing.T, owner, mint solana.PublicKey, amount uint64) solana.PublicKey {
	t.Helper()
	address, err := escrow.DeriveCustodyAddress(owner, mint)
	require.NoError(t, err)
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := uint64(0)
	if acct, ok := l.tokenAccount(address); ok {
		balance = acct.Amount
	}
	l.writeToken(address, owner, mint, balance+amount)
	return address
}

func (l *fakeLedger) balance(t *testing.T, owner, mint solana.PublicKey) (uint64, bool) {
	t.Helper()
	address, err := escrow.DeriveCustodyAddress(owner, mint)
	require.NoError(t, err)
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.tokenAccount(address)
	if !ok {
		return 0, false
	}
	return acct.Amount, true
}

func (l *fakeLedger) exists(address solana.PublicKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[address]
	return ok
}

func (l *fakeLedger) tokenAccount(address solana.PublicKey) (*token.Account, bool) {
	raw, ok := l.accounts[address]
	if !ok || !raw.owner.Equals(solana.TokenProgramID) {
		return nil, false
	}
	var acct token.Account
	if err := bin.NewBinDecoder(raw.data).Decode(&acct); err != nil {
		return nil, false
	}
	return &acct, true
}

func (l *fakeLedger) writeToken(address, owner, mint solana.PublicKey, amount uint64) {
	buf := new(bytes.Buffer)
	acct := token.Account{Mint: mint, Owner: owner, Amount: amount, State: token.Initialized}
	if err := bin.NewBinEncoder(buf).Encode(acct); err != nil {
		panic(err)
	}
	l.accounts[address] = fakeAccount{owner: solana.TokenProgramID, data: buf.Bytes()}
}

func (l *fakeLedger) rpcAccount(address solana.PublicKey) *rpc.Account {
	raw, ok := l.accounts[address]
	if !ok {
		return nil
	}
	return &rpc.Account{
		Lamports: 1,
		Owner:    raw.owner,
		Data:     rpc.DataBytesOrJSONFromBytes(append([]byte(nil), raw.data...)),
	}
}

func (l *fakeLedger) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("getAccountInfo")
	acct := l.rpcAccount(account)
	if acct == nil {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acct}, nil
}

func (l *fakeLedger) GetMultipleAccountsWithOpts(_ context.Context, accounts []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("getMultipleAccounts")
	out := &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(accounts))}
	for i, key := range accounts {
		out.Value[i] = l.rpcAccount(key)
	}
	return out, nil
}

func (l *fakeLedger) GetProgramAccountsWithOpts(_ context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("getProgramAccounts")
	var out rpc.GetProgramAccountsResult
	for address, raw := range l.accounts {
		if !raw.owner.Equals(program) || !matchesFilters(raw.data, opts) {
			continue
		}
		out = append(out, &rpc.KeyedAccount{Pubkey: address, Account: l.rpcAccount(address)})
	}
	return out, nil
}

func matchesFilters(data []byte, opts *rpc.GetProgramAccountsOpts) bool {
	if opts == nil {
		return true
	}
	for _, f := range opts.Filters {
		if f.DataSize != 0 && uint64(len(data)) != f.DataSize {
			return false
		}
		if f.Memcmp != nil {
			end := int(f.Memcmp.Offset) + len(f.Memcmp.Bytes)
			if end > len(data) || !bytes.Equal(data[f.Memcmp.Offset:end], f.Memcmp.Bytes) {
				return false
			}
		}
	}
	return true
}

func (l *fakeLedger) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("getLatestBlockhash")
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{7}}}, nil
}

func (l *fakeLedger) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("sendTransaction")
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}
	sig := tx.Signatures[0]
	l.sent = append(l.sent, tx)

	status := &rpc.SignatureStatusesResult{Slot: uint64(len(l.sent)), ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	if failure := l.execute(tx); failure != nil {
		status.Err = failure
	}
	l.statuses[sig] = status
	return sig, nil
}

func (l *fakeLedger) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("getSignatureStatuses")
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	if l.unsettled {
		return out, nil
	}
	for i, sig := range sigs {
		out.Value[i] = l.statuses[sig]
	}
	return out, nil
}

// execute applies every instruction or none. It returns a status error in
// the ledger's JSON shape on failure.
func (l *fakeLedger) execute(tx *solana.Transaction) any {
	snapshot := make(map[solana.PublicKey]fakeAccount, len(l.accounts))
	for k, v := range l.accounts {
		snapshot[k] = v
	}
	for i, ci := range tx.Message.Instructions {
		programID, err := tx.Message.Program(ci.ProgramIDIndex)
		if err != nil {
			l.accounts = snapshot
			return map[string]any{"InstructionError": []any{i, err.Error()}}
		}
		metas, err := ci.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			l.accounts = snapshot
			return map[string]any{"InstructionError": []any{i, err.Error()}}
		}
		keys := make([]solana.PublicKey, len(metas))
		for j, m := range metas {
			keys[j] = m.PublicKey
		}

		var failure any
		switch {
		case programID.Equals(solana.ComputeBudget):
		case programID.Equals(solana.SPLAssociatedTokenAccountProgramID):
			failure = l.executeCreateCustody(keys, ci.Data)
		case programID.Equals(testProgramID):
			if code := l.executeEscrow(tx, keys, ci.Data); code != nil {
				failure = map[string]any{"Custom": float64(*code)}
			}
		default:
			failure = "IncorrectProgramId"
		}
		if failure != nil {
			l.accounts = snapshot
			return map[string]any{"InstructionError": []any{i, failure}}
		}
	}
	return nil
}

// executeCreateCustody models the associated token program: empty data is the
// strict Create, data [1] is CreateIdempotent.
func (l *fakeLedger) executeCreateCustody(keys []solana.PublicKey, data []byte) any {
	if len(keys) < 4 {
		return "NotEnoughAccountKeys"
	}
	address, owner, mint := keys[1], keys[2], keys[3]
	if _, ok := l.accounts[address]; !ok {
		l.writeToken(address, owner, mint, 0)
		return nil
	}
	if len(data) == 0 {
		return "AccountAlreadyInitialized"
	}
	existing, ok := l.tokenAccount(address)
	if !ok || !existing.Owner.Equals(owner) || !existing.Mint.Equals(mint) {
		return "IllegalOwner"
	}
	return nil
}

func (l *fakeLedger) executeEscrow(tx *solana.Transaction, keys []solana.PublicKey, data []byte) *escrow.ProgramError {
	fail := func(code escrow.ProgramError) *escrow.ProgramError { return &code }
	args, err := escrow.DecodeInstruction(data)
	if err != nil {
		return fail(escrow.ProgramErrInvalidInstruction)
	}
	signer := func(idx int) bool { return tx.Message.IsSigner(keys[idx]) }

	switch a := args.(type) {
	case escrow.CreateOrderArgs:
		maker, address, makerCustody, orderCustody, makerMint, takerMint := keys[0], keys[1], keys[2], keys[3], keys[4], keys[5]
		if !signer(0) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		if _, ok := l.accounts[address]; ok {
			return fail(escrow.ProgramErrOrderAlreadyInitialized)
		}
		var order *escrow.Order
		for _, id := range l.orderIDs {
			pda, bump, err := escrow.DeriveOrderPDA(testProgramID, id, maker, makerMint, takerMint)
			if err == nil && pda.Equals(address) {
				order = &escrow.Order{Maker: maker, ID: id, MakerMint: makerMint, TakerMint: takerMint, Bump: bump}
			}
		}
		if order == nil {
			return fail(escrow.ProgramErrInvalidOrderState)
		}
		if code := l.transfer(makerCustody, orderCustody, a.MakerAmount); code != nil {
			return code
		}
		order.MakerAmount, order.TakerAmount = a.MakerAmount, a.TakerAmount
		return l.storeOrder(address, order)

	case escrow.ChangeAmountsArgs:
		order, code := l.loadOrder(keys[1])
		if code != nil {
			return code
		}
		if !signer(0) || !order.Maker.Equals(keys[0]) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		switch {
		case a.MakerAmount > order.MakerAmount:
			code = l.transfer(keys[3], keys[2], a.MakerAmount-order.MakerAmount)
		case a.MakerAmount < order.MakerAmount:
			code = l.transfer(keys[2], keys[3], order.MakerAmount-a.MakerAmount)
		}
		if code != nil {
			return code
		}
		order.MakerAmount, order.TakerAmount = a.MakerAmount, a.TakerAmount
		return l.storeOrder(keys[1], order)

	case escrow.ChangeTakerArgs:
		order, code := l.loadOrder(keys[1])
		if code != nil {
			return code
		}
		if !signer(0) || !order.Maker.Equals(keys[0]) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		order.Taker = a.NewTaker
		return l.storeOrder(keys[1], order)

	case escrow.CompleteSwapArgs:
		taker := keys[0]
		order, code := l.loadOrder(keys[3])
		if code != nil {
			return code
		}
		if !signer(0) || !order.Taker.Allows(taker) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		policy := escrow.BpsFee{}
		if raw, ok := l.accounts[keys[8]]; ok {
			if treasury, err := escrow.DecodeTreasury(raw.data); err == nil {
				policy = treasury.Policy()
			}
		}
		makerNet, takerFee, _ := escrow.NetOf(policy, order.TakerAmount)
		takerNet, makerFee, _ := escrow.NetOf(policy, order.MakerAmount)
		for _, step := range []struct {
			from, to solana.PublicKey
			amount   uint64
		}{
			{keys[5], keys[4], makerNet},
			{keys[5], keys[10], takerFee},
			{keys[7], keys[6], takerNet},
			{keys[7], keys[9], makerFee},
		} {
			if code := l.transfer(step.from, step.to, step.amount); code != nil {
				return code
			}
		}
		delete(l.accounts, keys[3])
		return nil

	case escrow.CloseOrderArgs:
		order, code := l.loadOrder(keys[1])
		if code != nil {
			return code
		}
		if !signer(0) || !order.Maker.Equals(keys[0]) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		orderCustody, _ := escrow.DeriveCustodyAddress(keys[1], order.MakerMint)
		makerCustody, _ := escrow.DeriveCustodyAddress(order.Maker, order.MakerMint)
		if held, ok := l.tokenAccount(orderCustody); ok && held.Amount > 0 {
			if code := l.transfer(orderCustody, makerCustody, held.Amount); code != nil {
				return code
			}
		}
		delete(l.accounts, keys[1])
		return nil

	case escrow.InitializeTreasuryArgs:
		if _, ok := l.accounts[keys[1]]; ok {
			return fail(escrow.ProgramErrOrderAlreadyInitialized)
		}
		_, bump, _ := escrow.DeriveTreasuryPDA(testProgramID)
		buf, _ := (&escrow.Treasury{Authority: a.Authority, FeeBps: a.FeeBps, Bump: bump}).Encode()
		l.accounts[keys[1]] = fakeAccount{owner: testProgramID, data: buf}
		return nil

	case escrow.UpdateTreasuryAuthorityArgs:
		raw, ok := l.accounts[keys[1]]
		if !ok {
			return fail(escrow.ProgramErrInvalidInstruction)
		}
		treasury, err := escrow.DecodeTreasury(raw.data)
		if err != nil || !signer(0) || !treasury.Authority.Equals(keys[0]) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		treasury.Authority, treasury.FeeBps = a.Authority, a.FeeBps
		buf, _ := treasury.Encode()
		l.accounts[keys[1]] = fakeAccount{owner: testProgramID, data: buf}
		return nil

	case escrow.HarvestArgs:
		raw, ok := l.accounts[keys[1]]
		if !ok {
			return fail(escrow.ProgramErrInvalidInstruction)
		}
		treasury, err := escrow.DecodeTreasury(raw.data)
		if err != nil || !signer(0) || !treasury.Authority.Equals(keys[0]) {
			return fail(escrow.ProgramErrUnauthorizedSigner)
		}
		held, ok := l.tokenAccount(keys[2])
		if !ok {
			return fail(escrow.ProgramErrInvalidTokenAccount)
		}
		if held.Amount == 0 {
			return fail(escrow.ProgramErrInsufficientFunds)
		}
		return l.transfer(keys[2], keys[3], held.Amount)
	}
	return fail(escrow.ProgramErrInvalidInstruction)
}

func (l *fakeLedger) loadOrder(address solana.PublicKey) (*escrow.Order, *escrow.ProgramError) {
	raw, ok := l.accounts[address]
	if !ok {
		code := escrow.ProgramErrInvalidOrderState
		return nil, &code
	}
	order, err := escrow.DecodeOrderAt(testProgramID, address, raw.data)
	if err != nil {
		code := escrow.ProgramErrInvalidOrderState
		return nil, &code
	}
	return order, nil
}

func (l *fakeLedger) storeOrder(address solana.PublicKey, order *escrow.Order) *escrow.ProgramError {
	data, err := order.Encode()
	if err != nil {
		code := escrow.ProgramErrInvalidOrderState
		return &code
	}
	l.accounts[address] = fakeAccount{owner: testProgramID, data: data}
	return nil
}

func (l *fakeLedger) transfer(from, to solana.PublicKey, amount uint64) *escrow.ProgramError {
	if amount == 0 {
		return nil
	}
	src, ok := l.tokenAccount(from)
	dst, ok2 := l.tokenAccount(to)
	if !ok || !ok2 || !src.Mint.Equals(dst.Mint) {
		code := escrow.ProgramErrInvalidTokenAccount
		return &code
	}
	if src.Amount < amount {
		code := escrow.ProgramErrInsufficientFunds
		return &code
	}
	l.writeToken(from, src.Owner, src.Mint, src.Amount-amount)
	l.writeToken(to, dst.Owner, dst.Mint, dst.Amount+amount)
	return nil
}

// testWallet returns a fresh keypair wallet.
func testWallet(t *testing.T) *KeypairWallet {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return NewKeypairWallet(key)
}

func testMint(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

type testEnv struct {
	ledger    *fakeLedger
	resolver  *Resolver
	submitter *Submitter
	repo      *Repository
	service   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := newFakeLedger()
	resolver := NewResolver(ledger, testProgramID, rpc.CommitmentConfirmed)
	submitter := NewSubmitter(ledger, SubmitterConfig{
		Commitment:     rpc.CommitmentConfirmed,
		ConfirmTimeout: 2 * defaultPollInterval,
		PollInterval:   fakePollInterval,
	}, nil)
	repo := NewRepository(ledger, testProgramID, rpc.CommitmentConfirmed, nil)
	return &testEnv{
		ledger:    ledger,
		resolver:  resolver,
		submitter: submitter,
		repo:      repo,
		service:   NewService(resolver, submitter, repo, escrow.BpsFee{Bps: 50}, nil),
	}
}

// openOrder seeds a funded open order owned by maker.
func (e *testEnv) openOrder(t *testing.T, maker solana.PublicKey, makerMint, takerMint solana.PublicKey, makerAmount, takerAmount uint64) *escrow.Order {
	t.Helper()
	id, err := escrow.NewOrderID()
	require.NoError(t, err)
	address, bump, err := escrow.DeriveOrderPDA(testProgramID, id, maker, makerMint, takerMint)
	require.NoError(t, err)
	order := &escrow.Order{
		Address:     address,
		Maker:       maker,
		Taker:       escrow.OpenTaker(),
		ID:          id,
		MakerMint:   makerMint,
		TakerMint:   takerMint,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Bump:        bump,
	}
	e.ledger.putOrder(t, order)
	e.ledger.fund(t, address, makerMint, makerAmount)
	return order
}
