// Package escrow implements the FundingEscrow contract: per-project
// custody of donated funds with attestation-gated withdrawal.
//
// Claim and ReleaseToRecipient deliberately differ: Claim only advances
// the claimed accumulator, marking funds as settled out-of-band (fiat
// payout rails reconciled off-chain), while ReleaseToRecipient is the
// single entry point that actually disburses custodied tokens.
package escrow

import (
	"context"
	"fmt"
	"math"

	"escrowcore/internal/attest"
	"escrowcore/internal/host"
	"escrowcore/internal/metrics"
	"escrowcore/internal/models"
	"escrowcore/internal/token"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/strkey"
)

// InstanceName is the storage keyspace of the deployed escrow.
const InstanceName = "funding-escrow"

const (
	keyToken          = "token"
	keyAttestationKey = "attestation-key"

	// keyPendingPayouts holds the journal of committed-but-unexecuted
	// outbound transfers, keyed by attestation nonce.
	keyPendingPayouts = "pending-payouts"
)

func escrowKey(id models.ID) string {
	return "escrow/" + id.String()
}

// Contract is the FundingEscrow bound to its backend and collaborators.
type Contract struct {
	inst    *host.Instance
	token   token.Client
	scheme  *attest.Scheme
	address string // custodial address funds are held under
}

// New binds the escrow contract to a backend, the token collaborator it
// custodies funds on, the attestation scheme, and its own custodial
// address.
func New(backend host.Backend, tok token.Client, scheme *attest.Scheme, contractAddress string) *Contract {
	return &Contract{
		inst:    host.NewInstance(InstanceName, backend),
		token:   tok,
		scheme:  scheme,
		address: contractAddress,
	}
}

// Initialize performs the one-time contract-wide configuration: the
// custodied token contract and the default attestation key. Repeat calls
// fail with ErrAlreadyInitialized.
func (c *Contract) Initialize(ctx context.Context, call host.Call, tokenAddress, attestationKey string) error {
	return c.inst.Run(ctx, call, "initialize", func(env *host.Env) error {
		initialized, err := env.Has(keyToken)
		if err != nil {
			return err
		}
		if initialized {
			return fmt.Errorf("funding escrow: %w", host.ErrAlreadyInitialized)
		}
		if !strkey.IsValidEd25519PublicKey(attestationKey) {
			return fmt.Errorf("attestation key %q is not a valid account address: %w", attestationKey, host.ErrInvalidAttestation)
		}

		if err := env.Put(keyToken, tokenAddress); err != nil {
			return err
		}
		if err := env.Put(keyAttestationKey, attestationKey); err != nil {
			return err
		}

		env.Emit("escrow_initialized", map[string]any{
			"token": tokenAddress,
		})
		return nil
	})
}

// Deposit moves amount stroops from the depositor to the custodial
// address, then credits the project's escrow account. The account is
// created lazily on first deposit. A failed token transfer aborts the
// invocation before any state mutation. The memo is carried only in the
// emitted event for off-chain donation matching.
func (c *Contract) Deposit(ctx context.Context, call host.Call, from string, projectID models.ID, amountStroops int64, memo string) error {
	err := c.inst.Run(ctx, call, "deposit", func(env *host.Env) error {
		if err := env.RequireAuth(from); err != nil {
			return err
		}
		if amountStroops <= 0 {
			return fmt.Errorf("deposit of %d stroops: %w", amountStroops, host.ErrInvalidAmount)
		}

		var tokenAddress string
		found, err := env.Get(keyToken, &tokenAddress)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("funding escrow: %w", host.ErrNotInitialized)
		}

		account, _, err := c.loadAccount(env, projectID)
		if err != nil {
			return err
		}
		// Reject before the transfer: a rejection after it would strand
		// the donor's tokens in custody with no credit.
		if account.TotalDeposited > math.MaxInt64-amountStroops {
			return fmt.Errorf("deposit overflows escrow account: %w", host.ErrInvalidAmount)
		}

		if err := c.token.Transfer(env.Context(), from, c.address, amountStroops); err != nil {
			return fmt.Errorf("token transfer: %w", err)
		}

		account.TotalDeposited += amountStroops
		if err := env.Put(escrowKey(projectID), account); err != nil {
			return err
		}

		env.Emit("deposit", map[string]any{
			"project_id": projectID.String(),
			"from":       from,
			"amount":     amountStroops,
			"memo":       memo,
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.StroopsDeposited.Add(float64(amountStroops))
	return nil
}

// Claim advances the claimed accumulator by amount without moving
// tokens; settlement happens out-of-band. Gated by an attestation over
// (project, amount).
func (c *Contract) Claim(ctx context.Context, call host.Call, projectID models.ID, amountStroops int64, attestation []byte) error {
	err := c.inst.Run(ctx, call, "claim", func(env *host.Env) error {
		account, err := c.checkWithdrawal(env, projectID, amountStroops)
		if err != nil {
			return err
		}
		if err := c.verifyAttestation(env, account.AttestationKey, attestation, attest.ActionClaim, projectID, amountStroops, ""); err != nil {
			return err
		}

		account.TotalClaimed += amountStroops
		if err := env.Put(escrowKey(projectID), account); err != nil {
			return err
		}

		env.Emit("claim", map[string]any{
			"project_id": projectID.String(),
			"amount":     amountStroops,
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.StroopsClaimed.Add(float64(amountStroops))
	return nil
}

// ReleaseToRecipient disburses amount stroops from custody to the
// recipient and advances the claimed accumulator. This is the only entry
// point that moves custodied funds to a third party.
//
// The invocation commits the accounting (claimed total, consumed nonce,
// pending-payout journal entry) before any tokens move; the transfer
// itself settles the journal entry afterwards. A commit failure
// therefore leaves the tokens untouched and the call safely retryable,
// while a crash after the commit leaves a pending payout that
// SettlePendingPayouts completes.
func (c *Contract) ReleaseToRecipient(ctx context.Context, call host.Call, projectID models.ID, recipient string, amountStroops int64, attestation []byte) error {
	var nonce uint64
	err := c.inst.Run(ctx, call, "release_to_recipient", func(env *host.Env) error {
		account, err := c.checkWithdrawal(env, projectID, amountStroops)
		if err != nil {
			return err
		}
		n, err := c.scheme.Verify(account.AttestationKey, attestation, InstanceName, attest.ActionRelease, projectID, amountStroops, recipient)
		if err != nil {
			return err
		}
		if err := attest.ConsumeNonce(env, n); err != nil {
			return err
		}
		nonce = n

		initialized, err := env.Has(keyToken)
		if err != nil {
			return err
		}
		if !initialized {
			return fmt.Errorf("funding escrow: %w", host.ErrNotInitialized)
		}

		account.TotalClaimed += amountStroops
		if err := env.Put(escrowKey(projectID), account); err != nil {
			return err
		}

		pending, err := loadPendingPayouts(env)
		if err != nil {
			return err
		}
		pending[nonce] = models.PendingPayout{
			ProjectID:     projectID,
			Recipient:     recipient,
			AmountStroops: amountStroops,
		}
		if err := env.Put(keyPendingPayouts, pending); err != nil {
			return err
		}

		env.Emit("release_to_recipient", map[string]any{
			"project_id": projectID.String(),
			"recipient":  recipient,
			"amount":     amountStroops,
			"amount_xlm": amount.StringFromInt64(amountStroops),
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.StroopsReleased.Add(float64(amountStroops))
	return c.settlePayout(ctx, call, nonce)
}

// settlePayout executes one journaled payout and removes it from the
// journal. The journal update runs as its own invocation so the transfer
// is never repeated by a commit retry.
func (c *Contract) settlePayout(ctx context.Context, call host.Call, nonce uint64) error {
	var pending map[uint64]models.PendingPayout
	found, err := c.inst.Read(ctx, keyPendingPayouts, &pending)
	if err != nil {
		return err
	}
	entry, ok := pending[nonce]
	if !found || !ok {
		return nil
	}

	if err := c.token.Transfer(ctx, c.address, entry.Recipient, entry.AmountStroops); err != nil {
		return fmt.Errorf("payout transfer (journaled under nonce %d): %w", nonce, err)
	}

	return c.inst.Run(ctx, call, "settle_payout", func(env *host.Env) error {
		pending, err := loadPendingPayouts(env)
		if err != nil {
			return err
		}
		delete(pending, nonce)
		if err := env.Put(keyPendingPayouts, pending); err != nil {
			return err
		}

		env.Emit("payout_settled", map[string]any{
			"project_id": entry.ProjectID.String(),
			"recipient":  entry.Recipient,
			"amount":     entry.AmountStroops,
		})
		return nil
	})
}

// SettlePendingPayouts executes every journaled payout left behind by an
// interrupted release. Idempotent when the journal is empty.
func (c *Contract) SettlePendingPayouts(ctx context.Context, call host.Call) error {
	pending, err := c.GetPendingPayouts(ctx)
	if err != nil {
		return err
	}
	for nonce := range pending {
		if err := c.settlePayout(ctx, call, nonce); err != nil {
			return err
		}
	}
	return nil
}

// GetPendingPayouts returns the journal of committed-but-unexecuted
// payouts, empty when every release has settled.
func (c *Contract) GetPendingPayouts(ctx context.Context) (map[uint64]models.PendingPayout, error) {
	var pending map[uint64]models.PendingPayout
	found, err := c.inst.Read(ctx, keyPendingPayouts, &pending)
	if err != nil {
		return nil, err
	}
	if !found || pending == nil {
		return map[uint64]models.PendingPayout{}, nil
	}
	return pending, nil
}

// NonceConsumed reports whether an attestation nonce has been consumed
// by a committed invocation. Orchestrators use this as the positive
// already-settled check before re-driving a release.
func (c *Contract) NonceConsumed(ctx context.Context, nonce uint64) (bool, error) {
	var used bool
	found, err := c.inst.Read(ctx, attest.NonceKey(nonce), &used)
	if err != nil {
		return false, err
	}
	return found && used, nil
}

// checkWithdrawal runs the validation order shared by claim and
// release: amount, account existence, balance.
func (c *Contract) checkWithdrawal(env *host.Env, projectID models.ID, amountStroops int64) (models.EscrowAccount, error) {
	if amountStroops <= 0 {
		return models.EscrowAccount{}, fmt.Errorf("withdrawal of %d stroops: %w", amountStroops, host.ErrInvalidAmount)
	}

	account, found, err := c.loadAccount(env, projectID)
	if err != nil {
		return models.EscrowAccount{}, err
	}
	if !found {
		return models.EscrowAccount{}, fmt.Errorf("escrow account for project %s: %w", projectID, host.ErrNotFound)
	}
	if amountStroops > account.Available() {
		return models.EscrowAccount{}, fmt.Errorf("%d stroops requested, %d available: %w", amountStroops, account.Available(), host.ErrInsufficientBalance)
	}
	return account, nil
}

// verifyAttestation checks the proof against the account's stored key
// and consumes its nonce within the same invocation.
func (c *Contract) verifyAttestation(env *host.Env, pubkey string, attestation []byte, action attest.Action, projectID models.ID, amountStroops int64, recipient string) error {
	nonce, err := c.scheme.Verify(pubkey, attestation, InstanceName, action, projectID, amountStroops, recipient)
	if err != nil {
		return err
	}
	return attest.ConsumeNonce(env, nonce)
}

// loadPendingPayouts reads the payout journal inside an invocation,
// defaulting to an empty journal.
func loadPendingPayouts(env *host.Env) (map[uint64]models.PendingPayout, error) {
	var pending map[uint64]models.PendingPayout
	if _, err := env.Get(keyPendingPayouts, &pending); err != nil {
		return nil, err
	}
	if pending == nil {
		pending = make(map[uint64]models.PendingPayout)
	}
	return pending, nil
}

// loadAccount reads the escrow account for projectID, defaulting a fresh
// account whose attestation key is the contract-wide key.
func (c *Contract) loadAccount(env *host.Env, projectID models.ID) (models.EscrowAccount, bool, error) {
	var account models.EscrowAccount
	found, err := env.Get(escrowKey(projectID), &account)
	if err != nil {
		return account, false, err
	}
	if found {
		return account, true, nil
	}

	account = models.EscrowAccount{ProjectID: projectID}
	// New accounts inherit the contract-wide attestation key configured
	// at initialization.
	if _, err := env.Get(keyAttestationKey, &account.AttestationKey); err != nil {
		return account, false, err
	}
	return account, false, nil
}

// GetBalance returns the available balance for a project. Unknown
// projects report zero; absence is a valid zero-balance state, not an
// error.
func (c *Contract) GetBalance(ctx context.Context, projectID models.ID) (int64, error) {
	var account models.EscrowAccount
	found, err := c.inst.Read(ctx, escrowKey(projectID), &account)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return account.Available(), nil
}

// GetEscrowInfo returns the escrow account record, reporting false when
// the project has never received a deposit.
func (c *Contract) GetEscrowInfo(ctx context.Context, projectID models.ID) (models.EscrowAccount, bool, error) {
	var account models.EscrowAccount
	found, err := c.inst.Read(ctx, escrowKey(projectID), &account)
	return account, found, err
}

// View is an escrow account formatted for operators, with stroop fields
// mirrored as XLM strings.
type View struct {
	ProjectID         string `json:"project_id"`
	TotalDeposited    int64  `json:"total_deposited"`
	TotalDepositedXLM string `json:"total_deposited_xlm"`
	TotalClaimed      int64  `json:"total_claimed"`
	TotalClaimedXLM   string `json:"total_claimed_xlm"`
	Available         int64  `json:"available"`
	AvailableXLM      string `json:"available_xlm"`
}

// NewView formats an escrow account for display.
func NewView(account models.EscrowAccount) View {
	return View{
		ProjectID:         account.ProjectID.String(),
		TotalDeposited:    account.TotalDeposited,
		TotalDepositedXLM: amount.StringFromInt64(account.TotalDeposited),
		TotalClaimed:      account.TotalClaimed,
		TotalClaimedXLM:   amount.StringFromInt64(account.TotalClaimed),
		Available:         account.Available(),
		AvailableXLM:      amount.StringFromInt64(account.Available()),
	}
}
