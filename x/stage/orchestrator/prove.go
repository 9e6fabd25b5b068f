package orchestrator

import (
	"context"
	"fmt"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/dispatch"
)

// runProvePhase ensures one Prove SubTask exists per segment (TotalSteps,
// learned from the Split phase), dispatches every unresolved one, and
// advances the job once every segment has succeeded: to End for precompile
// jobs (the single prove receipt is the result), to Snark directly when
// TotalSteps == 1 (no aggregation needed), or to Agg otherwise.
func (o *Orchestrator) runProvePhase(ctx context.Context, job *stage.Job) {
	n := int(job.TotalSteps)
	if n <= 0 {
		o.log.Error().Str("proof_id", job.ProofID).Msg("prove phase entered with zero total_steps")
		return
	}

	tasks, err := o.ensureProveTasks(ctx, job, n)
	if err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("ensure prove tasks")
		return
	}

	allSuccess := true
	for _, t := range tasks {
		switch t.State {
		case stage.TaskUnprocessed, stage.TaskProcessing:
			o.dispatchProve(ctx, job, t)
			allSuccess = false
		case stage.TaskFailed:
			o.failJob(ctx, job, fmt.Sprintf("prove task %d exhausted retries", t.ID))
			return
		case stage.TaskSuccess:
			// contributes to allSuccess
		default:
			allSuccess = false
		}
	}

	if allSuccess {
		o.completeProve(ctx, job, n)
	}
}

func (o *Orchestrator) ensureProveTasks(ctx context.Context, job *stage.Job, n int) ([]*stage.SubTask, error) {
	existing, _, err := o.store.SubTasksByKind(ctx, job.ProofID, stage.KindProve)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*stage.SubTask, len(existing))
	for _, t := range existing {
		byID[t.ID] = t
	}

	tasks := make([]*stage.SubTask, n)
	for i := 0; i < n; i++ {
		id := int64(i)
		if t, ok := byID[id]; ok {
			tasks[i] = t
			continue
		}
		t := &stage.SubTask{ID: id, ProofID: job.ProofID, Kind: stage.KindProve, Index: i, State: stage.TaskUnprocessed}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, t, encodePayload(provePayload{SegmentIndex: i})); err != nil {
			return nil, fmt.Errorf("create prove task %d: %w", i, err)
		}
		tasks[i] = t
	}
	return tasks, nil
}

func (o *Orchestrator) dispatchProve(ctx context.Context, job *stage.Job, task *stage.SubTask) {
	key := taskKey(job.ProofID, task.Kind, task.ID)
	if !o.tryLock(key) {
		return
	}
	go func() {
		defer o.unlock(key)

		i := int(task.ID)
		in := dispatch.ProveInput{
			TaskID:      fmt.Sprint(task.ID),
			SegPath:     job.SegmentPath(i),
			ReceiptPath: job.ProveReceiptPath(i),
		}
		state, nodeAddr, err := o.dispatch.Prove(ctx, job, in)
		if err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Int64("task_id", task.ID).Msg("prove dispatch")
			return
		}

		task.State = state
		task.NodeID = nodeAddr
		if state == stage.TaskFailed {
			settleFailure(task)
		}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, task, encodePayload(provePayload{SegmentIndex: i})); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Int64("task_id", task.ID).Msg("persist prove task")
		}
	}()
}

func (o *Orchestrator) completeProve(ctx context.Context, job *stage.Job, n int) {
	if job.Step != stage.StepProve {
		return
	}

	if job.Precompile {
		job.Status = stage.StatusSuccess
		job.Step = stage.StepEnd
	} else if n <= 1 {
		job.Step = stage.StepSnark
	} else {
		job.Step = stage.StepAgg
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("advance past Prove")
	}
}
