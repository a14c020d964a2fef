// Package milestone implements the MilestoneManager contract: discrete
// funding tranches per project and their one-way Registered -> Released
// state machine. Releasing a milestone changes approval state only;
// moving the corresponding funds is a separate FundingEscrow invocation
// sequenced by the off-chain orchestrator.
package milestone

import (
	"context"
	"fmt"
	"math"

	"escrowcore/internal/attest"
	"escrowcore/internal/host"
	"escrowcore/internal/metrics"
	"escrowcore/internal/models"
)

// InstanceName is the storage keyspace of the deployed manager.
const InstanceName = "milestone-manager"

const (
	keyAdmin          = "admin"
	keyAttestationKey = "attestation-key"
)

func milestoneKey(id models.ID) string {
	return "milestone/" + id.String()
}

func summaryKey(id models.ID) string {
	return "project-milestones/" + id.String()
}

// Contract is the MilestoneManager bound to its backend.
type Contract struct {
	inst   *host.Instance
	scheme *attest.Scheme
}

// New binds the milestone manager to a backend and attestation scheme.
func New(backend host.Backend, scheme *attest.Scheme) *Contract {
	return &Contract{
		inst:   host.NewInstance(InstanceName, backend),
		scheme: scheme,
	}
}

// Initialize performs the one-time configuration of the admin principal
// and the release attestation key.
func (c *Contract) Initialize(ctx context.Context, call host.Call, admin, attestationKey string) error {
	return c.inst.Run(ctx, call, "initialize", func(env *host.Env) error {
		initialized, err := env.Has(keyAdmin)
		if err != nil {
			return err
		}
		if initialized {
			return fmt.Errorf("milestone manager: %w", host.ErrAlreadyInitialized)
		}

		if err := env.Put(keyAdmin, admin); err != nil {
			return err
		}
		if err := env.Put(keyAttestationKey, attestationKey); err != nil {
			return err
		}

		env.Emit("milestone_manager_initialized", map[string]any{
			"admin": admin,
		})
		return nil
	})
}

// RegisterMilestone records a new milestone and folds it into the
// project summary. Admin-authorized; milestone IDs are globally unique
// and a duplicate registration fails loudly with no state change.
func (c *Contract) RegisterMilestone(ctx context.Context, call host.Call, projectID, milestoneID models.ID, amountStroops int64, proofRequired bool, recipient string) error {
	err := c.inst.Run(ctx, call, "register_milestone", func(env *host.Env) error {
		var admin string
		found, err := env.Get(keyAdmin, &admin)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("milestone manager: %w", host.ErrNotInitialized)
		}
		if err := env.RequireAuth(admin); err != nil {
			return err
		}

		if amountStroops <= 0 {
			return fmt.Errorf("milestone of %d stroops: %w", amountStroops, host.ErrInvalidAmount)
		}

		key := milestoneKey(milestoneID)
		exists, err := env.Has(key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("milestone %s: %w", milestoneID, host.ErrAlreadyExists)
		}

		record := models.Milestone{
			ProjectID:     projectID,
			MilestoneID:   milestoneID,
			AmountStroops: amountStroops,
			ProofRequired: proofRequired,
			Recipient:     recipient,
		}
		if err := env.Put(key, record); err != nil {
			return err
		}

		summary, err := c.loadSummary(env, projectID)
		if err != nil {
			return err
		}
		if summary.TotalAmount > math.MaxInt64-amountStroops {
			return fmt.Errorf("milestone overflows project summary: %w", host.ErrInvalidAmount)
		}
		summary.TotalMilestones++
		summary.TotalAmount += amountStroops
		if err := env.Put(summaryKey(projectID), summary); err != nil {
			return err
		}

		env.Emit("milestone_registered", map[string]any{
			"project_id":   projectID.String(),
			"milestone_id": milestoneID.String(),
			"amount":       amountStroops,
			"recipient":    recipient,
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.MilestonesRegistered.Inc()
	return nil
}

// SubmitProof records completion evidence for a milestone, authorized by
// the milestone's recipient. Submitting proof twice is a no-op success,
// so the call is safely retryable.
func (c *Contract) SubmitProof(ctx context.Context, call host.Call, milestoneID models.ID) error {
	return c.inst.Run(ctx, call, "submit_proof", func(env *host.Env) error {
		key := milestoneKey(milestoneID)

		var record models.Milestone
		found, err := env.Get(key, &record)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("milestone %s: %w", milestoneID, host.ErrNotFound)
		}
		if record.Released {
			return fmt.Errorf("milestone %s: %w", milestoneID, host.ErrAlreadyReleased)
		}
		if err := env.RequireAuth(record.Recipient); err != nil {
			return err
		}
		if record.ProofSubmitted() {
			return nil
		}

		record.ProofSubmittedAt = env.Timestamp().Unix()
		if err := env.Put(key, record); err != nil {
			return err
		}

		env.Emit("proof_submitted", map[string]any{
			"project_id":   record.ProjectID.String(),
			"milestone_id": milestoneID.String(),
		})
		return nil
	})
}

// ReleaseMilestone marks a milestone released, gated by an attestation
// over (milestone, amount, recipient). Released is terminal: a repeat
// call fails with ErrAlreadyReleased and leaves ReleasedAt unchanged.
func (c *Contract) ReleaseMilestone(ctx context.Context, call host.Call, milestoneID models.ID, attestation []byte) error {
	err := c.inst.Run(ctx, call, "release_milestone", func(env *host.Env) error {
		key := milestoneKey(milestoneID)

		var record models.Milestone
		found, err := env.Get(key, &record)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("milestone %s: %w", milestoneID, host.ErrNotFound)
		}
		if record.Released {
			return fmt.Errorf("milestone %s: %w", milestoneID, host.ErrAlreadyReleased)
		}

		var attestationKey string
		found, err = env.Get(keyAttestationKey, &attestationKey)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("milestone manager: %w", host.ErrNotInitialized)
		}

		nonce, err := c.scheme.Verify(attestationKey, attestation, InstanceName, attest.ActionMilestoneRelease, milestoneID, record.AmountStroops, record.Recipient)
		if err != nil {
			return err
		}
		if err := attest.ConsumeNonce(env, nonce); err != nil {
			return err
		}

		record.Released = true
		record.ReleasedAt = env.Timestamp().Unix()
		if err := env.Put(key, record); err != nil {
			return err
		}

		summary, err := c.loadSummary(env, record.ProjectID)
		if err != nil {
			return err
		}
		summary.ReleasedMilestones++
		summary.ReleasedAmount += record.AmountStroops
		if err := env.Put(summaryKey(record.ProjectID), summary); err != nil {
			return err
		}

		env.Emit("milestone_released", map[string]any{
			"project_id":   record.ProjectID.String(),
			"milestone_id": milestoneID.String(),
			"amount":       record.AmountStroops,
			"recipient":    record.Recipient,
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.MilestonesReleased.Inc()
	return nil
}

func (c *Contract) loadSummary(env *host.Env, projectID models.ID) (models.ProjectMilestonesSummary, error) {
	var summary models.ProjectMilestonesSummary
	found, err := env.Get(summaryKey(projectID), &summary)
	if err != nil {
		return summary, err
	}
	if !found {
		summary = models.ProjectMilestonesSummary{ProjectID: projectID}
	}
	return summary, nil
}

// GetMilestone returns the milestone record, reporting false for unknown
// IDs.
func (c *Contract) GetMilestone(ctx context.Context, milestoneID models.ID) (models.Milestone, bool, error) {
	var record models.Milestone
	found, err := c.inst.Read(ctx, milestoneKey(milestoneID), &record)
	return record, found, err
}

// GetProjectMilestones returns the project's milestone summary,
// reporting false when the project has no milestones.
func (c *Contract) GetProjectMilestones(ctx context.Context, projectID models.ID) (models.ProjectMilestonesSummary, bool, error) {
	var summary models.ProjectMilestonesSummary
	found, err := c.inst.Read(ctx, summaryKey(projectID), &summary)
	return summary, found, err
}

// GetProjectReleasedAmount returns total released stroops for a project,
// zero when the project has no milestones.
func (c *Contract) GetProjectReleasedAmount(ctx context.Context, projectID models.ID) (int64, error) {
	summary, found, err := c.GetProjectMilestones(ctx, projectID)
	if err != nil || !found {
		return 0, err
	}
	return summary.ReleasedAmount, nil
}

// CanReleaseMilestone reports whether a milestone is eligible for
// release: not yet released, and either no proof is required or proof
// has been submitted. Unknown milestones are never releasable.
func (c *Contract) CanReleaseMilestone(ctx context.Context, milestoneID models.ID) (bool, error) {
	record, found, err := c.GetMilestone(ctx, milestoneID)
	if err != nil || !found {
		return false, err
	}
	return !record.Released && (!record.ProofRequired || record.ProofSubmitted()), nil
}
