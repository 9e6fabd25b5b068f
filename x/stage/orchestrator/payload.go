package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/compose-network/stage-orchestrator/x/stage"
)

// splitPayload is the Split SubTask's persisted payload. TotalSteps is
// populated only once the task reaches Success; it is how the Prove phase
// later learns how many segments to fan out into without re-querying the
// worker.
type splitPayload struct {
	TotalSteps uint64 `json:"total_steps"`
}

// provePayload is one Prove SubTask's persisted payload.
type provePayload struct {
	SegmentIndex int `json:"segment_index"`
}

// aggPayload is one Agg SubTask's persisted payload: its position in the
// aggregation tree and its two inputs, carried verbatim from
// stage.BuildAggregationTasks so the Agg phase can be re-derived from the
// store alone after a restart.
type aggPayload struct {
	Level   int            `json:"level"`
	Index   int            `json:"index"`
	Left    stage.AggInput `json:"left"`
	Right   stage.AggInput `json:"right"`
	IsFinal bool           `json:"is_final"`
}

// finalPayload is the Final SubTask's persisted payload: whether the job
// skipped aggregation (single Prove segment) and, if so, which receipt
// feeds the Final RPC directly.
type finalPayload struct {
	DirectReceiptPath string `json:"direct_receipt_path,omitempty"`
}

func encodePayload(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of primitives; marshal
		// cannot fail. A panic would indicate a programming error, not a
		// runtime condition this package should recover from silently.
		panic(fmt.Sprintf("orchestrator: marshal payload: %v", err))
	}
	return b
}

func decodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	return nil
}
