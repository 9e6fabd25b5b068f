// Package stage holds the data model of the proof-generation pipeline: the
// per-request Job (GenerateContext), its SubTasks, and the aggregation-tree
// builder that turns Prove-phase leaf receipts into a Final-phase root.
package stage

import (
	"encoding/json"
	"fmt"
)

// Status is the externally observable lifecycle state of a Job.
type Status string

const (
	StatusComputing        Status = "Computing"
	StatusSuccess          Status = "Success"
	StatusFailed           Status = "Failed"
	StatusInvalidParameter Status = "InvalidParameter"
)

// Terminal reports whether status leaves no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusInvalidParameter
}

// Step names the current phase of a Job's pipeline.
type Step string

const (
	StepInit    Step = "Init"
	StepSplit   Step = "Split"
	StepProve   Step = "Prove"
	StepAgg     Step = "Agg"
	StepAggAll  Step = "AggAll"
	StepSnark   Step = "Snark"
	StepEnd     Step = "End"
)

// Segment size bounds enforced by generate_proof unless the job is a precompile.
const (
	MinSegSize uint32 = 1 << 13 // 8192 cycles
	MaxSegSize uint32 = 1 << 22 // ~4M cycles
)

// ValidSegSize reports whether size lies in [MinSegSize, MaxSegSize].
func ValidSegSize(size uint32) bool {
	return size >= MinSegSize && size <= MaxSegSize
}

// Job is the persisted per-request context (the source's GenerateContext).
// All paths are absolute; a path equal to "" means "unused" for this job's mode.
type Job struct {
	ProofID string `json:"proof_id"`
	Basedir string `json:"basedir"`

	ElfPath           string `json:"elf_path"`
	SegPath           string `json:"seg_path"`
	ProvePath         string `json:"prove_path"`
	AggPath           string `json:"agg_path"`
	FinalPath         string `json:"final_path"`
	PublicInputPath   string `json:"public_input_path"`
	PrivateInputPath  string `json:"private_input_path"`
	OutputStreamPath  string `json:"output_stream_path"`
	ReceiptInputsPath string `json:"receipt_inputs_path"`
	ReceiptsPath      string `json:"receipts_path"`

	BlockNo uint64 `json:"block_no"`
	SegSize uint32 `json:"seg_size"`

	ExecuteOnly bool `json:"execute_only"`
	Precompile  bool `json:"precompile"`

	// Args is opaque passthrough: round-tripped to the Split task but never
	// interpreted by the orchestrator.
	Args string `json:"args"`

	UserAddress string `json:"user_address"`

	Status     Status `json:"status"`
	Step       Step   `json:"step"`
	Result     []byte `json:"result,omitempty"`
	TotalSteps uint64 `json:"total_steps"`
}

// NewJob constructs a Job in its initial Computing/Init state. Paths are
// expected to have already been materialized on the Artifact Store by the
// caller (the Front Service).
func NewJob(proofID, basedir, elfPath, segPath, provePath, aggPath, finalPath string,
	publicInputPath, privateInputPath, outputStreamPath, args string,
	blockNo uint64, segSize uint32, executeOnly, precompile bool,
	receiptInputsPath, receiptsPath, userAddress string,
) *Job {
	return &Job{
		ProofID:           proofID,
		Basedir:           basedir,
		ElfPath:           elfPath,
		SegPath:           segPath,
		ProvePath:         provePath,
		AggPath:           aggPath,
		FinalPath:         finalPath,
		PublicInputPath:   publicInputPath,
		PrivateInputPath:  privateInputPath,
		OutputStreamPath:  outputStreamPath,
		Args:              args,
		BlockNo:           blockNo,
		SegSize:           segSize,
		ExecuteOnly:       executeOnly,
		Precompile:        precompile,
		ReceiptInputsPath: receiptInputsPath,
		ReceiptsPath:      receiptsPath,
		UserAddress:       userAddress,
		Status:            StatusComputing,
		Step:              StepInit,
	}
}

// Marshal serializes the Job for storage in stage_task.context.
func (j *Job) Marshal() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", j.ProofID, err)
	}
	return b, nil
}

// UnmarshalJob deserializes a Job from stage_task.context.
func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job context: %w", err)
	}
	return &j, nil
}

// ProveReceiptPath returns the output receipt path for prove-phase segment i.
func (j *Job) ProveReceiptPath(i int) string {
	return fmt.Sprintf("%s/receipt/%d", j.ProvePath, i)
}

// SegmentPath returns the input segment file path for segment i.
func (j *Job) SegmentPath(i int) string {
	return fmt.Sprintf("%s/%d", j.SegPath, i)
}
