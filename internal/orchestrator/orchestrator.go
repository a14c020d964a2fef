// Package orchestrator sequences the non-atomic milestone-release flow
// across the MilestoneManager and FundingEscrow contracts. The two state
// transitions live in separate invocations and can be interrupted
// between them, so every step is idempotent and retryable and the
// coordinator reconciles cross-contract state through the read-only
// queries rather than holding any lock.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowcore/internal/attest"
	"escrowcore/internal/contracts/escrow"
	"escrowcore/internal/contracts/milestone"
	"escrowcore/internal/host"
	"escrowcore/internal/metrics"
	"escrowcore/internal/models"
	"escrowcore/internal/retry"
)

// ContractClient coordinates calls across the deployed contracts on
// behalf of the platform's release authority, which holds the
// attestation signer seed.
type ContractClient struct {
	escrow     *escrow.Contract
	milestones *milestone.Contract
	scheme     *attest.Scheme
	signerSeed string // strkey S... seed of the attestation authority
	strategy   retry.Strategy
	now        func() time.Time
}

// NewContractClient creates a coordinator over the two fund-bearing
// contracts.
func NewContractClient(esc *escrow.Contract, ms *milestone.Contract, scheme *attest.Scheme, signerSeed string, strategy retry.Strategy) *ContractClient {
	return &ContractClient{
		escrow:     esc,
		milestones: ms,
		scheme:     scheme,
		signerSeed: signerSeed,
		strategy:   strategy,
		now:        time.Now,
	}
}

// SetClock overrides the wall clock used to stamp invocations. Tests use
// this to keep ledger timestamps deterministic.
func (c *ContractClient) SetClock(now func() time.Time) {
	c.now = now
}

func (c *ContractClient) call() host.Call {
	return host.Call{Timestamp: c.now().UTC()}
}

// Release-saga nonces are derived deterministically from the milestone
// ID, hashed per step so no two milestones (or steps) ever share a
// nonce. A crashed-and-restarted saga re-signs the exact same
// attestation, so a step that already committed rejects the replayed
// nonce instead of double-applying.
func sagaNonce(step string, id models.ID) uint64 {
	h := sha256.New()
	h.Write([]byte(step))
	h.Write(id[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func milestoneReleaseNonce(id models.ID) uint64 {
	return sagaNonce("milestone-release:", id)
}

func escrowReleaseNonce(id models.ID) uint64 {
	return sagaNonce("escrow-disburse:", id)
}

// ReleaseMilestoneFunds drives one milestone through the full release
// saga: approve it on the MilestoneManager, then disburse the amount
// from the FundingEscrow to the milestone's recipient. The call is safe
// to repeat: already-completed steps are detected and skipped.
func (c *ContractClient) ReleaseMilestoneFunds(ctx context.Context, milestoneID models.ID) error {
	record, found, err := c.milestones.GetMilestone(ctx, milestoneID)
	if err != nil {
		return fmt.Errorf("reading milestone %s: %w", milestoneID, err)
	}
	if !found {
		return fmt.Errorf("milestone %s: %w", milestoneID, host.ErrNotFound)
	}

	if !record.Released {
		releasable, err := c.milestones.CanReleaseMilestone(ctx, milestoneID)
		if err != nil {
			return fmt.Errorf("checking release eligibility: %w", err)
		}
		if !releasable {
			return fmt.Errorf("milestone %s is not releasable (proof pending)", milestoneID)
		}

		if err := c.releaseMilestone(ctx, record); err != nil {
			return err
		}
	}

	return c.disburse(ctx, record)
}

// releaseMilestone is saga step one: flip the milestone to released.
// A concurrent or earlier attempt having won the race surfaces as
// ErrAlreadyReleased, which is progress, not failure.
func (c *ContractClient) releaseMilestone(ctx context.Context, record models.Milestone) error {
	attestation, err := c.scheme.Sign(c.signerSeed, milestone.InstanceName, attest.ActionMilestoneRelease,
		record.MilestoneID, record.AmountStroops, record.Recipient, milestoneReleaseNonce(record.MilestoneID))
	if err != nil {
		return fmt.Errorf("signing milestone attestation: %w", err)
	}

	err = c.strategy.Execute(ctx, func() error {
		err := c.milestones.ReleaseMilestone(ctx, c.call(), record.MilestoneID, attestation)
		if errors.Is(err, host.ErrAlreadyReleased) {
			slog.Info("Milestone already released, continuing saga",
				"milestone_id", record.MilestoneID.String(),
			)
			return nil
		}
		return err
	})
	if err != nil {
		metrics.SagaStepsTotal.WithLabelValues("release_milestone", "error").Inc()
		return fmt.Errorf("release milestone step: %w", err)
	}
	metrics.SagaStepsTotal.WithLabelValues("release_milestone", "ok").Inc()
	return nil
}

// disburse is saga step two: move the milestone amount out of escrow.
// Whether this step already ran is decided by a positive check on the
// consumed-nonce record, never inferred from a verification failure: an
// attestation rejection here means real trouble (key drift, tampering)
// and must surface.
func (c *ContractClient) disburse(ctx context.Context, record models.Milestone) error {
	nonce := escrowReleaseNonce(record.MilestoneID)

	consumed, err := c.escrow.NonceConsumed(ctx, nonce)
	if err != nil {
		return fmt.Errorf("checking disbursement nonce: %w", err)
	}
	if consumed {
		// The release invocation committed on an earlier run; at most a
		// journaled payout is left to execute.
		slog.Info("Escrow disbursement already recorded, settling any pending payout",
			"milestone_id", record.MilestoneID.String(),
			"project_id", record.ProjectID.String(),
		)
		err = c.strategy.Execute(ctx, func() error {
			return c.escrow.SettlePendingPayouts(ctx, c.call())
		})
		if err != nil {
			metrics.SagaStepsTotal.WithLabelValues("disburse", "error").Inc()
			return fmt.Errorf("settling pending payouts: %w", err)
		}
		metrics.SagaStepsTotal.WithLabelValues("disburse", "ok").Inc()
		return nil
	}

	attestation, err := c.scheme.Sign(c.signerSeed, escrow.InstanceName, attest.ActionRelease,
		record.ProjectID, record.AmountStroops, record.Recipient, nonce)
	if err != nil {
		return fmt.Errorf("signing escrow attestation: %w", err)
	}

	err = c.strategy.Execute(ctx, func() error {
		return c.escrow.ReleaseToRecipient(ctx, c.call(), record.ProjectID, record.Recipient, record.AmountStroops, attestation)
	})
	if err != nil {
		metrics.SagaStepsTotal.WithLabelValues("disburse", "error").Inc()
		return fmt.Errorf("disburse step: %w", err)
	}
	metrics.SagaStepsTotal.WithLabelValues("disburse", "ok").Inc()
	return nil
}

// ReconcileReport summarizes cross-contract state for one project, read
// from both contracts without mutating anything.
type ReconcileReport struct {
	ProjectID models.ID

	// FundingEscrow side
	TotalDeposited int64
	TotalClaimed   int64
	Available      int64

	// MilestoneManager side
	TotalMilestones    uint32
	ReleasedMilestones uint32
	MilestoneAmount    int64
	ReleasedAmount     int64

	// UnsettledStroops is released milestone value the escrow has not
	// yet paid out; non-zero means a saga stopped between its two steps
	// and should be resumed or compensated.
	UnsettledStroops int64

	// PendingPayoutStroops is claimed value sitting in the escrow's
	// payout journal: the release invocation committed but the token
	// transfer has not settled yet.
	PendingPayoutStroops int64
}

// Reconcile reads both contracts and reports any gap between milestone
// approval state and escrow fund movement.
func (c *ContractClient) Reconcile(ctx context.Context, projectID models.ID) (ReconcileReport, error) {
	report := ReconcileReport{ProjectID: projectID}

	account, _, err := c.escrow.GetEscrowInfo(ctx, projectID)
	if err != nil {
		return report, fmt.Errorf("reading escrow info: %w", err)
	}
	report.TotalDeposited = account.TotalDeposited
	report.TotalClaimed = account.TotalClaimed
	report.Available = account.Available()

	summary, _, err := c.milestones.GetProjectMilestones(ctx, projectID)
	if err != nil {
		return report, fmt.Errorf("reading milestone summary: %w", err)
	}
	report.TotalMilestones = summary.TotalMilestones
	report.ReleasedMilestones = summary.ReleasedMilestones
	report.MilestoneAmount = summary.TotalAmount
	report.ReleasedAmount = summary.ReleasedAmount

	if gap := summary.ReleasedAmount - account.TotalClaimed; gap > 0 {
		report.UnsettledStroops = gap
	}
	metrics.ReconcileUnsettledStroops.Set(float64(report.UnsettledStroops))

	pending, err := c.escrow.GetPendingPayouts(ctx)
	if err != nil {
		return report, fmt.Errorf("reading payout journal: %w", err)
	}
	for _, entry := range pending {
		if entry.ProjectID == projectID {
			report.PendingPayoutStroops += entry.AmountStroops
		}
	}
	metrics.PendingPayoutStroops.Set(float64(report.PendingPayoutStroops))

	if report.UnsettledStroops > 0 || report.PendingPayoutStroops > 0 {
		slog.Warn("Reconciliation found unsettled released milestones",
			"project_id", projectID.String(),
			"unsettled_stroops", report.UnsettledStroops,
			"pending_payout_stroops", report.PendingPayoutStroops,
		)
	}
	return report, nil
}
