// Package river provides integration between sweeper and River queue.
//
// Instead of destroying orphans inline during finalize, a deployment can
// compute the plan with a dry run and enqueue one River job per orphan.
// River then drives the destroys with its own retry schedule, using the same
// retryable / not-found classification as the inline destroyer.
package river

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"sweeper/pkg/sweeper"
)

// DestroyArgs is the job payload for one orphaned resource.
type DestroyArgs struct {
	ScopePath        []string       `json:"scope_path"`
	ResourceID       string         `json:"resource_id"`
	ResourceKind     string         `json:"resource_kind"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
}

// Kind implements river.JobArgs.
func (DestroyArgs) Kind() string { return "sweeper_destroy" }

// InsertOpts routes destroy jobs to their own queue so resource teardown
// never starves latency-sensitive work.
func (DestroyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: "sweeper_destroy"}
}

// DestroyWorker is a River worker that executes a provider destroy for one
// orphaned resource.
type DestroyWorker struct {
	river.WorkerDefaults[DestroyArgs]

	// Provider performs the actual destroy call.
	Provider sweeper.Provider
}

// NewDestroyWorker creates a DestroyWorker backed by the given provider.
func NewDestroyWorker(provider sweeper.Provider) *DestroyWorker {
	return &DestroyWorker{Provider: provider}
}

// Work destroys the job's resource and classifies the outcome for River's
// retry logic.
func (w *DestroyWorker) Work(ctx context.Context, job *river.Job[DestroyArgs]) error {
	err := w.Provider.Destroy(ctx, job.Args.ResourceID, job.Args.ProviderMetadata)
	if err == nil {
		return nil
	}
	return classifyError(err)
}

// classifyError converts provider errors to River-appropriate errors.
// This helps River decide whether to retry or discard the job.
func classifyError(err error) error {
	// Already gone: deletion is idempotent, the job succeeded.
	if sweeper.IsNotFound(err) {
		return nil
	}

	// Context cancellation - don't retry, job was cancelled
	if errors.Is(err, context.Canceled) {
		return river.JobCancel(err)
	}

	// Non-retryable provider failures won't improve with another attempt.
	var perr *sweeper.ProviderError
	if errors.As(err, &perr) && !perr.Retryable {
		return river.JobCancel(err)
	}

	// Default: return error as-is, let River retry with backoff.
	return err
}

// EnqueuePlan inserts one destroy job per orphan in the plan.
// Pair it with a dry-run finalize: the dry run computes the orphan set
// without touching state, and River destroys them out of band.
func EnqueuePlan(ctx context.Context, client *river.Client[pgx.Tx], plan *sweeper.Plan) (int, error) {
	if len(plan.Orphans) == 0 {
		return 0, nil
	}

	params := make([]river.InsertManyParams, 0, len(plan.Orphans))
	for _, rec := range plan.Orphans {
		params = append(params, river.InsertManyParams{
			Args: DestroyArgs{
				ScopePath:        plan.ScopePath,
				ResourceID:       rec.ID,
				ResourceKind:     rec.Kind,
				ProviderMetadata: rec.ProviderMetadata,
			},
		})
	}

	results, err := client.InsertMany(ctx, params)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}
