// Package registry implements the ProjectRegistry contract: project
// identity, ownership and the off-chain metadata pointer. It is a leaf
// contract; nothing else on-chain depends on it.
package registry

import (
	"context"
	"fmt"

	"escrowcore/internal/host"
	"escrowcore/internal/metrics"
	"escrowcore/internal/models"
)

// InstanceName is the storage keyspace of the deployed registry.
const InstanceName = "project-registry"

const keyProjectCount = "project-count"

func projectKey(id models.ID) string {
	return "project/" + id.String()
}

// Contract is the ProjectRegistry bound to a storage backend.
type Contract struct {
	inst *host.Instance
}

// New binds the registry to a backend.
func New(backend host.Backend) *Contract {
	return &Contract{inst: host.NewInstance(InstanceName, backend)}
}

// Register records a new project owned by owner. The call must carry
// owner's authorization. A project ID can be registered at most once;
// re-registration fails with ErrAlreadyExists and changes nothing.
func (c *Contract) Register(ctx context.Context, call host.Call, owner string, projectID models.ID, metadataURI string) error {
	err := c.inst.Run(ctx, call, "register", func(env *host.Env) error {
		if err := env.RequireAuth(owner); err != nil {
			return err
		}

		key := projectKey(projectID)
		exists, err := env.Has(key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("project %s already registered: %w", projectID, host.ErrAlreadyExists)
		}

		project := models.Project{
			ProjectID:    projectID,
			Owner:        owner,
			MetadataURI:  metadataURI,
			RegisteredAt: env.Timestamp(),
		}
		if err := env.Put(key, project); err != nil {
			return err
		}

		var count uint32
		if _, err := env.Get(keyProjectCount, &count); err != nil {
			return err
		}
		if err := env.Put(keyProjectCount, count+1); err != nil {
			return err
		}

		env.Emit("project_registered", map[string]any{
			"project_id":   projectID.String(),
			"owner":        owner,
			"metadata_uri": metadataURI,
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ProjectsRegistered.Inc()
	return nil
}

// UpdateMetadata overwrites the metadata URI of an existing project. The
// call must carry the stored owner's authorization, not a caller-supplied
// one.
func (c *Contract) UpdateMetadata(ctx context.Context, call host.Call, projectID models.ID, newMetadataURI string) error {
	return c.inst.Run(ctx, call, "update_metadata", func(env *host.Env) error {
		key := projectKey(projectID)

		var project models.Project
		found, err := env.Get(key, &project)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("project %s: %w", projectID, host.ErrNotFound)
		}

		if err := env.RequireAuth(project.Owner); err != nil {
			return err
		}

		project.MetadataURI = newMetadataURI
		if err := env.Put(key, project); err != nil {
			return err
		}

		env.Emit("project_metadata_updated", map[string]any{
			"project_id":   projectID.String(),
			"metadata_uri": newMetadataURI,
		})
		return nil
	})
}

// GetProject returns the project record, reporting false when the ID was
// never registered.
func (c *Contract) GetProject(ctx context.Context, projectID models.ID) (models.Project, bool, error) {
	var project models.Project
	found, err := c.inst.Read(ctx, projectKey(projectID), &project)
	return project, found, err
}

// GetProjectCount returns the number of successful registrations.
func (c *Contract) GetProjectCount(ctx context.Context) (uint32, error) {
	var count uint32
	_, err := c.inst.Read(ctx, keyProjectCount, &count)
	return count, err
}
