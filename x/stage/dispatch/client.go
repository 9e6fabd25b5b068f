package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/artifact"
	"github.com/compose-network/stage-orchestrator/x/stage/workerdir"
)

// TaskTimeout bounds both the per-RPC deadline and the Final poll loop's
// iteration cap, matching the original's single TASK_TIMEOUT constant.
const TaskTimeout = 1800 * time.Second

// idleBackoff is how long a dispatch call sleeps before returning an
// unchanged Unprocessed task when no worker is idle.
const idleBackoff = time.Second

// Client issues worker RPCs over JSON-over-HTTP, borrowing an idle node
// from a workerdir.Directory for the duration of each call.
type Client struct {
	dir        *workerdir.Directory
	httpClient *http.Client
	log        zerolog.Logger
}

// New constructs a dispatch Client. httpClient may be nil, in which case a
// client with TaskTimeout's worth of headroom is created.
func New(dir *workerdir.Directory, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: TaskTimeout + 5*time.Second}
	}
	return &Client{dir: dir, httpClient: httpClient, log: log.With().Str("component", "dispatch-client").Logger()}
}

// SplitResult carries the split_elf RPC's segment count alongside the
// resulting task state.
type SplitResult struct {
	State      stage.TaskState
	NodeID     string
	TotalSteps uint64
}

// Split dispatches the Split SubTask for job. If no worker is idle, it
// sleeps idleBackoff and returns the task Unprocessed for the Orchestrator
// to reissue.
func (c *Client) Split(ctx context.Context, job *stage.Job, taskID string) (SplitResult, error) {
	node, ok := c.dir.GetIdleNode(ctx, false)
	if !ok {
		time.Sleep(idleBackoff)
		return SplitResult{State: stage.TaskUnprocessed}, nil
	}

	correlationID := uuid.NewString()
	req := splitRequest{
		ProofID:           job.ProofID,
		ComputedRequestID: correlationID,
		BaseDir:           job.Basedir,
		ElfPath:           job.ElfPath,
		SegPath:           job.SegPath,
		PublicInputPath:   job.PublicInputPath,
		PrivateInputPath:  job.PrivateInputPath,
		OutputPath:        job.OutputStreamPath,
		Args:              job.Args,
		BlockNo:           job.BlockNo,
		SegSize:           job.SegSize,
		ReceiptInputsPath: job.ReceiptInputsPath,
	}

	c.log.Info().Str("proof_id", job.ProofID).Str("task_id", taskID).Str("request_id", correlationID).Msg("split rpc start")
	c.log.Debug().Interface("request", req).Msg("split request")

	var resp splitResponse
	if err := c.call(ctx, node, "split_elf", req, &resp); err != nil {
		c.log.Error().Err(err).Str("proof_id", job.ProofID).Str("request_id", correlationID).Msg("split rpc transport error")
		time.Sleep(idleBackoff)
		return SplitResult{State: stage.TaskUnprocessed}, nil
	}

	c.log.Info().Str("proof_id", resp.ProofID).Str("request_id", resp.ComputedRequestID).
		Int("code", int(resp.Result.Code)).Str("message", resp.Result.Message).Msg("split rpc end")
	return SplitResult{State: toTaskState(resp.Result.Code), NodeID: node.Addr, TotalSteps: resp.TotalSteps}, nil
}

// ProveInput bundles the inputs Prove needs beyond the Job itself.
type ProveInput struct {
	TaskID      string
	SegPath     string
	ReceiptPath string
}

// Prove dispatches a single Prove SubTask for one segment.
func (c *Client) Prove(ctx context.Context, job *stage.Job, in ProveInput) (stage.TaskState, string, error) {
	node, ok := c.dir.GetIdleNode(ctx, false)
	if !ok {
		time.Sleep(idleBackoff)
		return stage.TaskUnprocessed, "", nil
	}

	correlationID := uuid.NewString()
	req := proveRequest{
		ProofID:           job.ProofID,
		ComputedRequestID: correlationID,
		BaseDir:           job.Basedir,
		SegPath:           in.SegPath,
		BlockNo:           job.BlockNo,
		SegSize:           job.SegSize,
		ReceiptPath:       in.ReceiptPath,
		ReceiptsPath:      job.ReceiptsPath,
	}

	c.log.Info().Str("proof_id", job.ProofID).Str("task_id", in.TaskID).Str("request_id", correlationID).Str("seg_path", in.SegPath).Msg("prove rpc start")
	c.log.Debug().Interface("request", req).Msg("prove request")

	var resp Envelope
	if err := c.call(ctx, node, "prove", req, &resp); err != nil {
		c.log.Error().Err(err).Str("proof_id", job.ProofID).Str("request_id", correlationID).Msg("prove rpc transport error")
		time.Sleep(idleBackoff)
		return stage.TaskUnprocessed, "", nil
	}

	c.log.Info().Str("proof_id", resp.ProofID).Str("request_id", resp.ComputedRequestID).
		Int("code", int(resp.Result.Code)).Str("message", resp.Result.Message).Msg("prove rpc end")
	return toTaskState(resp.Result.Code), node.Addr, nil
}

// AggregateInput bundles the inputs one Agg SubTask needs.
type AggregateInput struct {
	TaskID         string
	Input1Path     string
	Input1IsAgg    bool
	Input2Path     string
	Input2IsAgg    bool
	AggReceiptPath string
	IsFinal        bool
}

// Aggregate dispatches a single Agg SubTask combining two receipts.
func (c *Client) Aggregate(ctx context.Context, job *stage.Job, in AggregateInput) (stage.TaskState, string, error) {
	node, ok := c.dir.GetIdleNode(ctx, false)
	if !ok {
		time.Sleep(idleBackoff)
		return stage.TaskUnprocessed, "", nil
	}

	correlationID := uuid.NewString()
	req := aggregateRequest{
		ProofID:           job.ProofID,
		ComputedRequestID: correlationID,
		BaseDir:           job.Basedir,
		BlockNo:           job.BlockNo,
		SegSize:           job.SegSize,
		Input1:            aggregateInput{ReceiptPath: in.Input1Path, IsAgg: in.Input1IsAgg},
		Input2:            aggregateInput{ReceiptPath: in.Input2Path, IsAgg: in.Input2IsAgg},
		AggReceiptPath:    in.AggReceiptPath,
		OutputDir:         job.AggPath,
		IsFinal:           in.IsFinal,
	}

	c.log.Info().Str("proof_id", job.ProofID).Str("task_id", in.TaskID).Str("request_id", correlationID).
		Str("input1", in.Input1Path).Str("input2", in.Input2Path).Msg("aggregate rpc start")
	c.log.Debug().Interface("request", req).Msg("aggregate request")

	var resp Envelope
	if err := c.call(ctx, node, "aggregate", req, &resp); err != nil {
		c.log.Error().Err(err).Str("proof_id", job.ProofID).Str("request_id", correlationID).Msg("aggregate rpc transport error")
		time.Sleep(idleBackoff)
		return stage.TaskUnprocessed, "", nil
	}

	c.log.Info().Str("proof_id", resp.ProofID).Str("request_id", resp.ComputedRequestID).
		Int("code", int(resp.Result.Code)).Str("message", resp.Result.Message).Msg("aggregate rpc end")
	return toTaskState(resp.Result.Code), node.Addr, nil
}

// AggregateAllInput bundles the inputs for a worker-side full reduction of
// every Prove receipt in one RPC. No Job option selects this path; the
// Orchestrator's phases always use the pairwise Agg schedule and never call
// AggregateAll.
type AggregateAllInput struct {
	TaskID     string
	ProofNum   uint32
	ReceiptDir string
}

// AggregateAll dispatches the AggAll SubTask.
func (c *Client) AggregateAll(ctx context.Context, job *stage.Job, in AggregateAllInput) (stage.TaskState, string, error) {
	node, ok := c.dir.GetIdleNode(ctx, false)
	if !ok {
		time.Sleep(idleBackoff)
		return stage.TaskUnprocessed, "", nil
	}

	correlationID := uuid.NewString()
	req := aggregateAllRequest{
		ProofID:           job.ProofID,
		ComputedRequestID: correlationID,
		BaseDir:           job.Basedir,
		BlockNo:           job.BlockNo,
		SegSize:           job.SegSize,
		ProofNum:          in.ProofNum,
		ReceiptDir:        in.ReceiptDir,
		OutputDir:         job.AggPath,
	}

	c.log.Info().Str("proof_id", job.ProofID).Str("task_id", in.TaskID).Str("request_id", correlationID).Msg("aggregate_all rpc start")
	c.log.Debug().Interface("request", req).Msg("aggregate_all request")

	var resp Envelope
	if err := c.call(ctx, node, "aggregate_all", req, &resp); err != nil {
		c.log.Error().Err(err).Str("proof_id", job.ProofID).Str("request_id", correlationID).Msg("aggregate_all rpc transport error")
		time.Sleep(idleBackoff)
		return stage.TaskUnprocessed, "", nil
	}

	c.log.Info().Str("proof_id", resp.ProofID).Str("request_id", resp.ComputedRequestID).
		Int("code", int(resp.Result.Code)).Str("message", resp.Result.Message).Msg("aggregate_all rpc end")
	return toTaskState(resp.Result.Code), node.Addr, nil
}

// Final dispatches the Final SubTask: a SNARK-capable worker only, and,
// once accepted, a bounded poll loop over get_task_result until the worker
// reports Ok or TaskTimeout seconds elapse at one-second intervals. A
// transport error or a non-Ok synchronous reply is mapped like every other
// kind (Busy and transport errors leave the task Unprocessed).
//
// directReceiptPath is non-empty exactly when the job had a single Prove
// segment and no Agg phase ran (spec's N==1 boundary): the sole Prove
// receipt is itself the stark receipt, so it is sent in place of the four
// aggregate-phase artifacts rather than reading a directory that was never
// populated. inputDir is ignored when directReceiptPath is set.
func (c *Client) Final(ctx context.Context, job *stage.Job, taskID, inputDir, directReceiptPath, outputPath string, store *artifact.Store) (stage.TaskState, string, error) {
	node, ok := c.dir.GetIdleNode(ctx, true)
	if !ok {
		return stage.TaskUnprocessed, "", nil
	}

	correlationID := uuid.NewString()

	var req finalProofRequest
	if directReceiptPath != "" {
		receipt, err := store.Read(directReceiptPath)
		if err != nil {
			return stage.TaskFailed, node.Addr, fmt.Errorf("read prove receipt: %w", err)
		}
		req = finalProofRequest{
			ProofID:               job.ProofID,
			ComputedRequestID:     correlationID,
			ProofWithPublicInputs: receipt,
		}
	} else {
		dir := inputDir
		if len(dir) == 0 || dir[len(dir)-1] != '/' {
			dir += "/"
		}
		commonCircuitData, err := store.Read(dir + "common_circuit_data.json")
		if err != nil {
			return stage.TaskFailed, node.Addr, fmt.Errorf("read common circuit data: %w", err)
		}
		verifierOnlyCircuitData, err := store.Read(dir + "verifier_only_circuit_data.json")
		if err != nil {
			return stage.TaskFailed, node.Addr, fmt.Errorf("read verifier-only circuit data: %w", err)
		}
		proofWithPublicInputs, err := store.Read(dir + "proof_with_public_inputs.json")
		if err != nil {
			return stage.TaskFailed, node.Addr, fmt.Errorf("read proof with public inputs: %w", err)
		}
		blockPublicInputs, err := store.Read(dir + "block_public_inputs.json")
		if err != nil {
			return stage.TaskFailed, node.Addr, fmt.Errorf("read block public inputs: %w", err)
		}

		req = finalProofRequest{
			ProofID:                 job.ProofID,
			ComputedRequestID:       correlationID,
			CommonCircuitData:       commonCircuitData,
			ProofWithPublicInputs:   proofWithPublicInputs,
			VerifierOnlyCircuitData: verifierOnlyCircuitData,
			BlockPublicInputs:       blockPublicInputs,
		}
	}

	c.log.Info().Str("proof_id", job.ProofID).Str("task_id", taskID).Str("request_id", correlationID).Msg("final_proof rpc start")

	var resp Envelope
	if err := c.call(ctx, node, "final_proof", req, &resp); err != nil {
		c.log.Error().Err(err).Str("proof_id", job.ProofID).Str("request_id", correlationID).Msg("final_proof rpc transport error")
		return stage.TaskUnprocessed, node.Addr, nil
	}
	if resp.Result.Code != ResultOk {
		return toTaskState(resp.Result.Code), node.Addr, nil
	}

	for loopCount := 0; loopCount < int(TaskTimeout/time.Second); loopCount++ {
		time.Sleep(time.Second)

		var poll getTaskResultResponse
		if err := c.call(ctx, node, "get_task_result", getTaskResultRequest{ProofID: job.ProofID, ComputedRequestID: correlationID}, &poll); err == nil {
			if poll.Result.Code == ResultOk {
				c.log.Info().Str("proof_id", poll.ProofID).Str("request_id", poll.ComputedRequestID).Msg("final_proof rpc end")
				if werr := store.WriteResult(outputPath, []byte(poll.Result.Message)); werr != nil {
					return stage.TaskFailed, node.Addr, werr
				}
				return stage.TaskSuccess, node.Addr, nil
			}
		}
	}
	return stage.TaskFailed, node.Addr, nil
}

// call issues a JSON POST to /{method} on node and decodes the reply into
// out, honoring TaskTimeout as the RPC deadline.
func (c *Client) call(ctx context.Context, node workerdir.Node, method string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, TaskTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	url := node.Addr + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("prepare %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s rpc returned %s: %s", method, res.Status, string(msg))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
