package reconcile

import (
	"context"
	"fmt"

	"github.com/terradev/terradev/pkg/engine"
)

// PreviewRollback renders what a rollback to targetVersion would change as a line
// diff from the latest manifest to the target. It has no side effects.
func (r *Reconciler) PreviewRollback(ctx context.Context, job, targetVersion string) (string, error) {
	target, err := r.manifests.Get(ctx, job, targetVersion)
	if err != nil {
		if engine.IsNotFound(err) {
			return "", engine.NewNotFoundError(engine.ErrCodeVersionNotFound,
				fmt.Sprintf("version %s not found for job %s", targetVersion, job)).
				WithResource(job)
		}
		return "", err
	}

	latest, err := r.manifests.Get(ctx, job, "")
	if err != nil {
		return "", err
	}

	diff, err := engine.JSONDiff(previewOf(latest), previewOf(target))
	if err != nil {
		return "", fmt.Errorf("failed to render rollback preview: %w", err)
	}
	return diff, nil
}

// previewOf drops the fields that differ between versions for reasons a rollback
// does not act on.
func previewOf(m *engine.Manifest) interface{} {
	type node struct {
		Provider string `json:"provider"`
		ID       string `json:"id,omitempty"`
		GPUs     int    `json:"gpus"`
		GPUType  string `json:"gpu_type"`
		Region   string `json:"region"`
		Status   string `json:"status"`
	}
	nodes := make([]node, len(m.Nodes))
	for i, n := range m.Nodes {
		nodes[i] = node{
			Provider: n.Provider,
			ID:       n.ID(),
			GPUs:     n.GPUs,
			GPUType:  n.GPUType,
			Region:   n.Region,
			Status:   n.Status,
		}
	}
	return struct {
		Job         string            `json:"job"`
		Nodes       []node            `json:"nodes"`
		DatasetHash string            `json:"dataset_hash,omitempty"`
		TTL         int64             `json:"ttl,omitempty"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}{
		Job:         m.Job,
		Nodes:       nodes,
		DatasetHash: m.DatasetHash,
		TTL:         m.TTL,
		Metadata:    m.Metadata,
	}
}
