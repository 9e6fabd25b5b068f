package orchestrator

import (
	"context"
	"fmt"

	"github.com/compose-network/stage-orchestrator/x/stage"
)

// runSplitPhase ensures the job's single Split SubTask exists, dispatches it
// if it isn't resolved yet, and advances the job to Prove (or straight to
// End, for execute_only jobs) once it succeeds.
func (o *Orchestrator) runSplitPhase(ctx context.Context, job *stage.Job) {
	tasks, payloads, err := o.store.SubTasksByKind(ctx, job.ProofID, stage.KindSplit)
	if err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("load split task")
		return
	}

	var task *stage.SubTask
	var payload []byte
	if len(tasks) == 0 {
		task = &stage.SubTask{ID: 0, ProofID: job.ProofID, Kind: stage.KindSplit, State: stage.TaskUnprocessed}
		payload = encodePayload(splitPayload{})
		if err := o.store.UpsertSubTask(ctx, job.ProofID, task, payload); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("create split task")
			return
		}
	} else {
		task, payload = tasks[0], payloads[0]
	}

	switch task.State {
	case stage.TaskUnprocessed, stage.TaskProcessing:
		o.dispatchSplit(ctx, job, task)
	case stage.TaskFailed:
		o.failJob(ctx, job, "split task exhausted retries")
	case stage.TaskSuccess:
		o.completeSplit(ctx, job, payload)
	}
}

func (o *Orchestrator) dispatchSplit(ctx context.Context, job *stage.Job, task *stage.SubTask) {
	key := taskKey(job.ProofID, task.Kind, task.ID)
	if !o.tryLock(key) {
		return
	}
	go func() {
		defer o.unlock(key)

		res, err := o.dispatch.Split(ctx, job, fmt.Sprint(task.ID))
		if err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("split dispatch")
			return
		}

		task.State = res.State
		task.NodeID = res.NodeID
		var p splitPayload
		if task.State == stage.TaskFailed {
			settleFailure(task)
		}
		if res.State == stage.TaskSuccess {
			p.TotalSteps = res.TotalSteps
		}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, task, encodePayload(p)); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("persist split task")
		}
	}()
}

func (o *Orchestrator) completeSplit(ctx context.Context, job *stage.Job, payload []byte) {
	if job.Step != stage.StepSplit {
		return // already advanced by a previous tick
	}
	var p splitPayload
	if err := decodePayload(payload, &p); err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("decode split payload")
		return
	}

	job.TotalSteps = p.TotalSteps
	if job.ExecuteOnly {
		job.Status = stage.StatusSuccess
		job.Step = stage.StepEnd
	} else {
		job.Step = stage.StepProve
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("advance Split->Prove")
	}
}
