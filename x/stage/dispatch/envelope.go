// Package dispatch implements the Dispatch Client: one stateless function
// per SubTask kind, each borrowing an idle worker from the Worker Directory,
// issuing a single JSON-over-HTTP RPC, and translating the reply's result
// code into a SubTask state.
package dispatch

import "github.com/compose-network/stage-orchestrator/x/stage"

// ResultCode mirrors the worker RPC reply envelope's result code.
type ResultCode int

const (
	ResultUnspecified   ResultCode = 0
	ResultOk            ResultCode = 1
	ResultInternalError ResultCode = 2
	ResultBusy          ResultCode = 3
)

// Result is the worker RPC reply's nested result object.
type Result struct {
	Code    ResultCode `json:"code"`
	Message string     `json:"message"`
}

// Envelope is the reply shared by every worker RPC kind.
type Envelope struct {
	ProofID           string `json:"proof_id"`
	ComputedRequestID string `json:"computed_request_id"`
	Result            Result `json:"result"`
}

// toTaskState applies the total result-code-to-state mapping: every defined
// code and every unrecognized integer maps to a TaskState.
func toTaskState(code ResultCode) stage.TaskState {
	switch code {
	case ResultUnspecified:
		return stage.TaskProcessing
	case ResultOk:
		return stage.TaskSuccess
	case ResultBusy:
		return stage.TaskUnprocessed
	default:
		return stage.TaskFailed
	}
}

// splitRequest is the split_elf RPC payload.
type splitRequest struct {
	ProofID           string `json:"proof_id"`
	ComputedRequestID string `json:"computed_request_id"`
	BaseDir           string `json:"base_dir"`
	ElfPath           string `json:"elf_path"`
	SegPath           string `json:"seg_path"`
	PublicInputPath   string `json:"public_input_path"`
	PrivateInputPath  string `json:"private_input_path"`
	OutputPath        string `json:"output_path"`
	Args              string `json:"args"`
	BlockNo           uint64 `json:"block_no"`
	SegSize           uint32 `json:"seg_size"`
	ReceiptInputsPath string `json:"receipt_inputs_path"`
}

// splitResponse adds total_steps to the shared envelope.
type splitResponse struct {
	Envelope
	TotalSteps uint64 `json:"total_steps"`
}

// proveRequest is the prove RPC payload.
type proveRequest struct {
	ProofID           string `json:"proof_id"`
	ComputedRequestID string `json:"computed_request_id"`
	BaseDir           string `json:"base_dir"`
	SegPath           string `json:"seg_path"`
	BlockNo           uint64 `json:"block_no"`
	SegSize           uint32 `json:"seg_size"`
	ReceiptPath       string `json:"receipt_path"`
	ReceiptsPath      string `json:"receipts_path"`
}

// aggregateInput is one side of an aggregate RPC's two receipt inputs.
type aggregateInput struct {
	ReceiptPath string `json:"receipt_path"`
	IsAgg       bool   `json:"is_agg"`
}

// aggregateRequest is the aggregate RPC payload.
type aggregateRequest struct {
	ProofID           string         `json:"proof_id"`
	ComputedRequestID string         `json:"computed_request_id"`
	BaseDir           string         `json:"base_dir"`
	BlockNo           uint64         `json:"block_no"`
	SegSize           uint32         `json:"seg_size"`
	Input1            aggregateInput `json:"input1"`
	Input2            aggregateInput `json:"input2"`
	AggReceiptPath    string         `json:"agg_receipt_path"`
	OutputDir         string         `json:"output_dir"`
	IsFinal           bool           `json:"is_final"`
}

// aggregateAllRequest is the aggregate_all RPC payload: a single
// worker-side reduction of all prove receipts, sent only by AggregateAll.
type aggregateAllRequest struct {
	ProofID           string `json:"proof_id"`
	ComputedRequestID string `json:"computed_request_id"`
	BaseDir           string `json:"base_dir"`
	BlockNo           uint64 `json:"block_no"`
	SegSize           uint32 `json:"seg_size"`
	ProofNum          uint32 `json:"proof_num"`
	ReceiptDir        string `json:"receipt_dir"`
	OutputDir         string `json:"output_dir"`
}

// finalProofRequest is the final_proof RPC payload: the four aggregate-phase
// artifacts read from the job's agg_path, sent inline.
type finalProofRequest struct {
	ProofID                 string `json:"proof_id"`
	ComputedRequestID       string `json:"computed_request_id"`
	CommonCircuitData       []byte `json:"common_circuit_data"`
	ProofWithPublicInputs   []byte `json:"proof_with_public_inputs"`
	VerifierOnlyCircuitData []byte `json:"verifier_only_circuit_data"`
	BlockPublicInputs       []byte `json:"block_public_inputs"`
}

// getTaskResultRequest polls a worker for a previously-accepted task's
// result; used only on the Final SubTask's hot path.
type getTaskResultRequest struct {
	ProofID           string `json:"proof_id"`
	ComputedRequestID string `json:"computed_request_id"`
}

// getTaskResultResponse carries the worker's result message bytes once
// code == Ok; for Final this is the proof bytes to persist.
type getTaskResultResponse struct {
	Envelope
}
