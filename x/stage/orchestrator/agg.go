package orchestrator

import (
	"context"
	"fmt"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/dispatch"
)

// runAggPhase ensures every Agg SubTask of the job's aggregation tree
// exists (stage.BuildAggregationTasks, laid out level by level per
// spec.md §3), dispatches every one whose two inputs are both settled, and
// advances the job to Snark once the root (is_final) task succeeds.
func (o *Orchestrator) runAggPhase(ctx context.Context, job *stage.Job) {
	n := int(job.TotalSteps)
	tree := stage.BuildAggregationTasks(n)
	if len(tree) == 0 {
		// n <= 1 never reaches Agg (runProvePhase routes straight to Snark);
		// a job observed here with an empty tree means state drifted.
		o.log.Error().Str("proof_id", job.ProofID).Int("n", n).Msg("agg phase entered with no aggregation tree")
		return
	}

	tasks, payloads, err := o.ensureAggTasks(ctx, job, tree)
	if err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("ensure agg tasks")
		return
	}

	byLevelIndex := make(map[[2]int]int64, len(tree))
	for id, at := range tree {
		byLevelIndex[[2]int{at.Level, at.Index}] = int64(id)
	}
	stateByID := make(map[int64]stage.TaskState, len(tasks))
	for _, t := range tasks {
		stateByID[t.ID] = t.State
	}
	ready := func(in stage.AggInput) bool {
		if in.Level == -1 {
			return true // Prove-phase leaf: the Agg phase never starts before Prove completes.
		}
		id, ok := byLevelIndex[[2]int{in.Level, in.Index}]
		return ok && stateByID[id] == stage.TaskSuccess
	}

	root := tasks[len(tasks)-1]
	for idx, t := range tasks {
		p := payloads[idx]
		switch t.State {
		case stage.TaskUnprocessed, stage.TaskProcessing:
			if ready(p.Left) && ready(p.Right) {
				o.dispatchAgg(ctx, job, t, p)
			}
		case stage.TaskFailed:
			o.failJob(ctx, job, fmt.Sprintf("agg task %d exhausted retries", t.ID))
			return
		}
	}

	if root.State == stage.TaskSuccess {
		o.completeAgg(ctx, job)
	}
}

// ensureAggTasks creates any Agg SubTask rows missing from a fresh tree and
// returns every task alongside its decoded payload, in ascending task_id
// order (which is level-ascending by construction of BuildAggregationTasks,
// so dependencies always precede dependents).
func (o *Orchestrator) ensureAggTasks(ctx context.Context, job *stage.Job, tree []stage.AggTask) ([]*stage.SubTask, []aggPayload, error) {
	existing, existingPayloads, err := o.store.SubTasksByKind(ctx, job.ProofID, stage.KindAgg)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[int64]*stage.SubTask, len(existing))
	payloadByID := make(map[int64][]byte, len(existing))
	for i, t := range existing {
		byID[t.ID] = t
		payloadByID[t.ID] = existingPayloads[i]
	}

	tasks := make([]*stage.SubTask, len(tree))
	payloads := make([]aggPayload, len(tree))
	for i, at := range tree {
		id := int64(i)
		p := aggPayload{Level: at.Level, Index: at.Index, Left: at.Left, Right: at.Right, IsFinal: at.IsFinal}
		if t, ok := byID[id]; ok {
			tasks[i] = t
			if err := decodePayload(payloadByID[id], &payloads[i]); err != nil {
				return nil, nil, fmt.Errorf("decode agg task %d payload: %w", id, err)
			}
			continue
		}
		t := &stage.SubTask{ID: id, ProofID: job.ProofID, Kind: stage.KindAgg, Level: at.Level, Index: at.Index, State: stage.TaskUnprocessed}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, t, encodePayload(p)); err != nil {
			return nil, nil, fmt.Errorf("create agg task %d: %w", id, err)
		}
		tasks[i] = t
		payloads[i] = p
	}
	return tasks, payloads, nil
}

// aggReceiptPath names the output receipt of the Agg SubTask that produces
// level/index, whether or not it is the tree's root.
func aggReceiptPath(job *stage.Job, level, index int) string {
	return fmt.Sprintf("%s/%d_%d", job.AggPath, level, index)
}

func inputReceiptPath(job *stage.Job, in stage.AggInput) string {
	if in.Level == -1 {
		return job.ProveReceiptPath(in.Index)
	}
	return aggReceiptPath(job, in.Level, in.Index)
}

func (o *Orchestrator) dispatchAgg(ctx context.Context, job *stage.Job, task *stage.SubTask, p aggPayload) {
	key := taskKey(job.ProofID, task.Kind, task.ID)
	if !o.tryLock(key) {
		return
	}
	go func() {
		defer o.unlock(key)

		in := dispatch.AggregateInput{
			TaskID:         fmt.Sprint(task.ID),
			Input1Path:     inputReceiptPath(job, p.Left),
			Input1IsAgg:    p.Left.IsAgg,
			Input2Path:     inputReceiptPath(job, p.Right),
			Input2IsAgg:    p.Right.IsAgg,
			AggReceiptPath: aggReceiptPath(job, p.Level, p.Index),
			IsFinal:        p.IsFinal,
		}
		state, nodeAddr, err := o.dispatch.Aggregate(ctx, job, in)
		if err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Int64("task_id", task.ID).Msg("aggregate dispatch")
			return
		}

		task.State = state
		task.NodeID = nodeAddr
		if state == stage.TaskFailed {
			settleFailure(task)
		}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, task, encodePayload(p)); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Int64("task_id", task.ID).Msg("persist agg task")
		}
	}()
}

func (o *Orchestrator) completeAgg(ctx context.Context, job *stage.Job) {
	if job.Step != stage.StepAgg {
		return
	}
	job.Step = stage.StepSnark
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("advance Agg->Snark")
	}
}
