package orchestrator

import (
	"context"
	"fmt"

	"github.com/compose-network/stage-orchestrator/x/stage"
)

// runFinalPhase ensures the job's single Final SubTask exists, dispatches
// it, and on success reads the written proof back off the Artifact Store
// into stage_task.result so get_status can inline it without touching the
// filesystem again.
func (o *Orchestrator) runFinalPhase(ctx context.Context, job *stage.Job) {
	tasks, payloads, err := o.store.SubTasksByKind(ctx, job.ProofID, stage.KindFinal)
	if err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("load final task")
		return
	}

	var task *stage.SubTask
	var payload finalPayload
	if len(tasks) == 0 {
		payload = finalPayload{}
		if job.TotalSteps <= 1 {
			payload.DirectReceiptPath = job.ProveReceiptPath(0)
		}
		task = &stage.SubTask{ID: 0, ProofID: job.ProofID, Kind: stage.KindFinal, State: stage.TaskUnprocessed}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, task, encodePayload(payload)); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("create final task")
			return
		}
	} else {
		task = tasks[0]
		if err := decodePayload(payloads[0], &payload); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("decode final payload")
			return
		}
	}

	switch task.State {
	case stage.TaskUnprocessed, stage.TaskProcessing:
		o.dispatchFinal(ctx, job, task, payload)
	case stage.TaskFailed:
		o.failJob(ctx, job, "final task exhausted retries")
	case stage.TaskSuccess:
		o.completeFinal(ctx, job)
	}
}

func (o *Orchestrator) dispatchFinal(ctx context.Context, job *stage.Job, task *stage.SubTask, payload finalPayload) {
	key := taskKey(job.ProofID, task.Kind, task.ID)
	if !o.tryLock(key) {
		return
	}
	go func() {
		defer o.unlock(key)

		state, nodeAddr, err := o.dispatch.Final(ctx, job, fmt.Sprint(task.ID), job.AggPath, payload.DirectReceiptPath, job.FinalPath, o.artifact)
		if err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("final dispatch")
		}

		task.State = state
		task.NodeID = nodeAddr
		if task.State == stage.TaskFailed {
			settleFailure(task)
		}
		if err := o.store.UpsertSubTask(ctx, job.ProofID, task, encodePayload(payload)); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("persist final task")
		}
	}()
}

func (o *Orchestrator) completeFinal(ctx context.Context, job *stage.Job) {
	if job.Step != stage.StepSnark {
		return
	}
	result, err := o.artifact.Read(job.FinalPath)
	if err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("read final proof artifact")
		o.failJob(ctx, job, "final artifact unreadable")
		return
	}

	job.Result = result
	job.Status = stage.StatusSuccess
	job.Step = stage.StepEnd
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("persist job success")
	}
}
