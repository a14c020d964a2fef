package escrow_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"escrowcore/internal/attest"
	"escrowcore/internal/contracts/escrow"
	"escrowcore/internal/host"
	"escrowcore/internal/models"
	"escrowcore/internal/store"
	"escrowcore/internal/token"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

const custodialAddress = "funding-escrow-custody"

var ledgerTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// faultyBackend rejects every commit while fail is set, mimicking a
// storage outage.
type faultyBackend struct {
	inner host.Backend
	fail  bool
}

func (b *faultyBackend) Get(ctx context.Context, instance, key string) ([]byte, bool, error) {
	return b.inner.Get(ctx, instance, key)
}

func (b *faultyBackend) Commit(ctx context.Context, instance string, writes []host.Write, events []models.Event) error {
	if b.fail {
		return errors.New("write tcp 10.0.0.1:5432: connection reset by peer")
	}
	return b.inner.Commit(ctx, instance, writes, events)
}

// faultyToken fails the next failures transfers, then delegates.
type faultyToken struct {
	inner    token.Client
	failures int
}

func (ft *faultyToken) Transfer(ctx context.Context, from, to string, amount int64) error {
	if ft.failures > 0 {
		ft.failures--
		return errors.New("i/o timeout")
	}
	return ft.inner.Transfer(ctx, from, to, amount)
}

type fixture struct {
	contract *escrow.Contract
	ledger   *token.Memory
	scheme   *attest.Scheme
	signer   *keypair.Full
	donor    *keypair.Full
}

func newFixture(t *testing.T) *fixture {
	return newFixtureOn(t, store.NewMemory(), nil)
}

func newFixtureOn(t *testing.T, backend host.Backend, wrapToken func(token.Client) token.Client) *fixture {
	t.Helper()

	scheme := attest.NewScheme(network.TestNetworkPassphrase)
	ledger := token.NewMemory()
	signer := keypair.MustRandom()
	donor := keypair.MustRandom()

	var tok token.Client = ledger
	if wrapToken != nil {
		tok = wrapToken(ledger)
	}

	contract := escrow.New(backend, tok, scheme, custodialAddress)
	if err := contract.Initialize(context.Background(), call(), "native-token", signer.Address()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ledger.Mint(donor.Address(), 1000)

	return &fixture{
		contract: contract,
		ledger:   ledger,
		scheme:   scheme,
		signer:   signer,
		donor:    donor,
	}
}

func call(auth ...string) host.Call {
	return host.Call{Auth: auth, Timestamp: ledgerTime, Sequence: 7}
}

func (f *fixture) deposit(t *testing.T, projectID models.ID, amount int64) {
	t.Helper()
	err := f.contract.Deposit(context.Background(), call(f.donor.Address()), f.donor.Address(), projectID, amount, "donation:123")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func (f *fixture) claimAttestation(t *testing.T, projectID models.ID, amount int64, nonce uint64) []byte {
	t.Helper()
	att, err := f.scheme.Sign(f.signer.Seed(), escrow.InstanceName, attest.ActionClaim, projectID, amount, "", nonce)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return att
}

func (f *fixture) releaseAttestation(t *testing.T, projectID models.ID, amount int64, recipient string, nonce uint64) []byte {
	t.Helper()
	att, err := f.scheme.Sign(f.signer.Seed(), escrow.InstanceName, attest.ActionRelease, projectID, amount, recipient, nonce)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return att
}

func TestInitializeTwice(t *testing.T) {
	f := newFixture(t)

	err := f.contract.Initialize(context.Background(), call(), "native-token", f.signer.Address())
	if !errors.Is(err, host.ErrAlreadyInitialized) {
		t.Fatalf("Expected ErrAlreadyInitialized, got: %v", err)
	}
}

func TestDepositAndClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}

	f.deposit(t, projectID, 500)

	if got := f.ledger.Balance(custodialAddress); got != 500 {
		t.Errorf("Expected 500 stroops in custody, got %d", got)
	}
	if got := f.ledger.Balance(f.donor.Address()); got != 500 {
		t.Errorf("Expected donor left with 500 stroops, got %d", got)
	}

	balance, err := f.contract.GetBalance(ctx, projectID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 500 {
		t.Errorf("Expected balance 500, got %d", balance)
	}

	err = f.contract.Claim(ctx, call(), projectID, 200, f.claimAttestation(t, projectID, 200, 1))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	balance, _ = f.contract.GetBalance(ctx, projectID)
	if balance != 300 {
		t.Errorf("Expected balance 300 after claim, got %d", balance)
	}

	// Claim marks funds settled out-of-band; custody must not move.
	if got := f.ledger.Balance(custodialAddress); got != 500 {
		t.Errorf("Claim must not move tokens, custody holds %d", got)
	}
}

func TestClaimExceedsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}

	f.deposit(t, projectID, 500)
	if err := f.contract.Claim(ctx, call(), projectID, 200, f.claimAttestation(t, projectID, 200, 1)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	err := f.contract.Claim(ctx, call(), projectID, 600, f.claimAttestation(t, projectID, 600, 2))
	if !errors.Is(err, host.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got: %v", err)
	}

	// No partial update from the rejected claim.
	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 300 {
		t.Errorf("Expected balance unchanged at 300, got %d", balance)
	}
}

func TestWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	funded := models.ID{1}
	f.deposit(t, funded, 500)

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"claim zero amount", func() error {
			return f.contract.Claim(ctx, call(), funded, 0, f.claimAttestation(t, funded, 0, 10))
		}, host.ErrInvalidAmount},
		{"claim negative amount", func() error {
			return f.contract.Claim(ctx, call(), funded, -5, f.claimAttestation(t, funded, -5, 11))
		}, host.ErrInvalidAmount},
		{"claim unknown project", func() error {
			unknown := models.ID{9}
			return f.contract.Claim(ctx, call(), unknown, 100, f.claimAttestation(t, unknown, 100, 12))
		}, host.ErrNotFound},
		{"claim with short attestation", func() error {
			return f.contract.Claim(ctx, call(), funded, 100, make([]byte, attest.MinLen-1))
		}, host.ErrInvalidAttestation},
		{"claim with forged attestation", func() error {
			forger := keypair.MustRandom()
			att, err := f.scheme.Sign(forger.Seed(), escrow.InstanceName, attest.ActionClaim, funded, 100, "", 13)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			return f.contract.Claim(ctx, call(), funded, 100, att)
		}, host.ErrInvalidAttestation},
		{"deposit zero amount", func() error {
			return f.contract.Deposit(ctx, call(f.donor.Address()), f.donor.Address(), funded, 0, "")
		}, host.ErrInvalidAmount},
		{"deposit without authorization", func() error {
			return f.contract.Deposit(ctx, call(), f.donor.Address(), funded, 100, "")
		}, host.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got: %v", tt.wantErr, err)
			}
		})
	}

	// None of the rejected calls may have touched the account.
	balance, _ := f.contract.GetBalance(ctx, funded)
	if balance != 500 {
		t.Errorf("Expected balance unchanged at 500, got %d", balance)
	}
}

func TestClaimReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}
	f.deposit(t, projectID, 500)

	att := f.claimAttestation(t, projectID, 100, 77)
	if err := f.contract.Claim(ctx, call(), projectID, 100, att); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	err := f.contract.Claim(ctx, call(), projectID, 100, att)
	if !errors.Is(err, host.ErrInvalidAttestation) {
		t.Fatalf("Expected replayed attestation to fail, got: %v", err)
	}

	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 400 {
		t.Errorf("Expected single claim applied, balance %d", balance)
	}
}

func TestReleaseToRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}
	recipient := keypair.MustRandom().Address()

	f.deposit(t, projectID, 500)

	att := f.releaseAttestation(t, projectID, 300, recipient, 1)
	if err := f.contract.ReleaseToRecipient(ctx, call(), projectID, recipient, 300, att); err != nil {
		t.Fatalf("ReleaseToRecipient failed: %v", err)
	}

	if got := f.ledger.Balance(recipient); got != 300 {
		t.Errorf("Expected recipient to hold 300 stroops, got %d", got)
	}
	if got := f.ledger.Balance(custodialAddress); got != 200 {
		t.Errorf("Expected 200 stroops left in custody, got %d", got)
	}

	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 200 {
		t.Errorf("Expected available balance 200, got %d", balance)
	}
}

func TestDepositTokenFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}

	// More than the donor holds: the token transfer fails and the
	// invocation must abort with no accounting change.
	err := f.contract.Deposit(ctx, call(f.donor.Address()), f.donor.Address(), projectID, 5000, "")
	if err == nil {
		t.Fatal("Expected deposit to fail on token transfer")
	}

	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 0 {
		t.Errorf("Expected no accounting after failed transfer, got %d", balance)
	}
	_, found, _ := f.contract.GetEscrowInfo(ctx, projectID)
	if found {
		t.Error("Expected no escrow account after failed transfer")
	}
}

func TestDepositOverflowRejectedBeforeTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}

	f.deposit(t, projectID, 500)

	// Give the donor enough that the token transfer itself would
	// succeed; only the accumulator overflow may reject the deposit, and
	// it must do so before any tokens move.
	f.ledger.Mint(f.donor.Address(), math.MaxInt64-600)
	huge := int64(math.MaxInt64 - 400)

	err := f.contract.Deposit(ctx, call(f.donor.Address()), f.donor.Address(), projectID, huge, "")
	if !errors.Is(err, host.ErrInvalidAmount) {
		t.Fatalf("Expected ErrInvalidAmount, got: %v", err)
	}

	if got := f.ledger.Balance(custodialAddress); got != 500 {
		t.Errorf("Expected custody untouched at 500 stroops, got %d", got)
	}
	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 500 {
		t.Errorf("Expected balance unchanged at 500, got %d", balance)
	}
}

func TestDepositRevivesDepletedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}

	f.deposit(t, projectID, 200)
	if err := f.contract.Claim(ctx, call(), projectID, 200, f.claimAttestation(t, projectID, 200, 1)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 0 {
		t.Fatalf("Expected depleted account, got %d", balance)
	}

	// Depleted is not terminal.
	f.deposit(t, projectID, 150)
	balance, _ = f.contract.GetBalance(ctx, projectID)
	if balance != 150 {
		t.Errorf("Expected revived balance 150, got %d", balance)
	}
}

func TestUnknownProjectReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unknown := models.ID{42}

	balance, err := f.contract.GetBalance(ctx, unknown)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected zero balance for unknown project, got %d", balance)
	}

	_, found, err := f.contract.GetEscrowInfo(ctx, unknown)
	if err != nil {
		t.Fatalf("GetEscrowInfo failed: %v", err)
	}
	if found {
		t.Error("Expected unknown project to report not found, not an error")
	}
}

func TestInvariantClaimedNeverExceedsDeposited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := models.ID{1}
	recipient := keypair.MustRandom().Address()

	check := func(step string) {
		info, found, err := f.contract.GetEscrowInfo(ctx, projectID)
		if err != nil {
			t.Fatalf("GetEscrowInfo failed after %s: %v", step, err)
		}
		if found && info.TotalClaimed > info.TotalDeposited {
			t.Fatalf("Invariant violated after %s: claimed=%d deposited=%d", step, info.TotalClaimed, info.TotalDeposited)
		}
	}

	f.deposit(t, projectID, 400)
	check("deposit 400")

	_ = f.contract.Claim(ctx, call(), projectID, 300, f.claimAttestation(t, projectID, 300, 1))
	check("claim 300")

	_ = f.contract.Claim(ctx, call(), projectID, 300, f.claimAttestation(t, projectID, 300, 2))
	check("rejected claim 300")

	_ = f.contract.ReleaseToRecipient(ctx, call(), projectID, recipient, 100, f.releaseAttestation(t, projectID, 100, recipient, 3))
	check("release 100")

	f.deposit(t, projectID, 50)
	check("deposit 50")
}

func TestReleaseCommitFailureMovesNoTokens(t *testing.T) {
	backend := &faultyBackend{inner: store.NewMemory()}
	f := newFixtureOn(t, backend, nil)
	ctx := context.Background()
	projectID := models.ID{1}
	recipient := keypair.MustRandom().Address()

	f.deposit(t, projectID, 500)

	att := f.releaseAttestation(t, projectID, 300, recipient, 7)
	backend.fail = true
	err := f.contract.ReleaseToRecipient(ctx, call(), projectID, recipient, 300, att)
	if !errors.Is(err, host.ErrCommitFailed) {
		t.Fatalf("Expected ErrCommitFailed, got: %v", err)
	}

	// The failed invocation must not have paid anyone.
	if got := f.ledger.Balance(recipient); got != 0 {
		t.Errorf("Expected no payout after failed commit, recipient holds %d", got)
	}
	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 500 {
		t.Errorf("Expected balance untouched at 500, got %d", balance)
	}

	// Once the backend recovers the same attested release pays exactly
	// once.
	backend.fail = false
	if err := f.contract.ReleaseToRecipient(ctx, call(), projectID, recipient, 300, att); err != nil {
		t.Fatalf("ReleaseToRecipient after recovery failed: %v", err)
	}
	if got := f.ledger.Balance(recipient); got != 300 {
		t.Errorf("Expected single payout of 300, recipient holds %d", got)
	}
	if got := f.ledger.Balance(custodialAddress); got != 200 {
		t.Errorf("Expected 200 stroops left in custody, got %d", got)
	}
}

func TestInterruptedReleaseSettlesFromJournal(t *testing.T) {
	var ft *faultyToken
	f := newFixtureOn(t, store.NewMemory(), func(inner token.Client) token.Client {
		ft = &faultyToken{inner: inner}
		return ft
	})
	ctx := context.Background()
	projectID := models.ID{1}
	recipient := keypair.MustRandom().Address()

	f.deposit(t, projectID, 500)

	// The accounting commits, then the payout transfer fails: the claim
	// sticks and the payout stays journaled.
	ft.failures = 1
	att := f.releaseAttestation(t, projectID, 300, recipient, 7)
	if err := f.contract.ReleaseToRecipient(ctx, call(), projectID, recipient, 300, att); err == nil {
		t.Fatal("Expected release to fail on the payout transfer")
	}

	balance, _ := f.contract.GetBalance(ctx, projectID)
	if balance != 200 {
		t.Errorf("Expected claimed accounting committed, balance %d", balance)
	}
	if got := f.ledger.Balance(recipient); got != 0 {
		t.Errorf("Expected no payout yet, recipient holds %d", got)
	}
	pending, err := f.contract.GetPendingPayouts(ctx)
	if err != nil {
		t.Fatalf("GetPendingPayouts failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 journaled payout, got %d", len(pending))
	}

	// Settlement completes the journaled payout exactly once.
	if err := f.contract.SettlePendingPayouts(ctx, call()); err != nil {
		t.Fatalf("SettlePendingPayouts failed: %v", err)
	}
	if got := f.ledger.Balance(recipient); got != 300 {
		t.Errorf("Expected payout of 300 after settlement, recipient holds %d", got)
	}
	pending, _ = f.contract.GetPendingPayouts(ctx)
	if len(pending) != 0 {
		t.Errorf("Expected empty journal after settlement, got %d entries", len(pending))
	}

	// Settling an empty journal is a no-op.
	if err := f.contract.SettlePendingPayouts(ctx, call()); err != nil {
		t.Fatalf("SettlePendingPayouts on empty journal failed: %v", err)
	}
	if got := f.ledger.Balance(recipient); got != 300 {
		t.Errorf("Expected no double payout, recipient holds %d", got)
	}
}

func TestEscrowView(t *testing.T) {
	account := models.EscrowAccount{
		ProjectID:      models.ID{1},
		TotalDeposited: 15000000,
		TotalClaimed:   5000000,
	}

	view := escrow.NewView(account)
	if view.Available != 10000000 {
		t.Errorf("Expected available 10000000, got %d", view.Available)
	}
	if view.AvailableXLM != "1.0000000" {
		t.Errorf("Expected 1.0000000 XLM, got %s", view.AvailableXLM)
	}
	if view.TotalDepositedXLM != "1.5000000" {
		t.Errorf("Expected 1.5000000 XLM, got %s", view.TotalDepositedXLM)
	}
}
