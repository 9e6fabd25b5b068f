package stage

import "fmt"

// TaskKind identifies which phase of the pipeline a SubTask belongs to.
type TaskKind string

const (
	KindSplit   TaskKind = "Split"
	KindProve   TaskKind = "Prove"
	KindAgg     TaskKind = "Agg"
	KindAggAll  TaskKind = "AggAll"
	KindFinal   TaskKind = "Final"
)

// TaskState is the lifecycle state of a single SubTask.
type TaskState string

const (
	TaskUnprocessed TaskState = "Unprocessed"
	TaskProcessing  TaskState = "Processing"
	TaskSuccess     TaskState = "Success"
	TaskFailed      TaskState = "Failed"
)

// SubTask is one unit of dispatchable work within a Job's pipeline.
type SubTask struct {
	ID       int64    `json:"id"`
	ProofID  string   `json:"proof_id"`
	Kind     TaskKind `json:"kind"`
	Index    int      `json:"index"`    // position within its phase (segment/level index)
	Level    int      `json:"level"`    // aggregation-tree level; 0 for Split/Prove
	Left     int      `json:"left"`     // not set by the Orchestrator; Agg inputs live in the task payload
	Right    int      `json:"right"`    // not set by the Orchestrator; Agg inputs live in the task payload
	State    TaskState `json:"state"`
	Retries  int      `json:"retries"`
	NodeID   string   `json:"node_id,omitempty"` // worker currently holding the task, if any
}

// MaxRetries bounds the number of dispatch attempts charged to TaskFailed
// before the whole Job is marked Failed. Open Question in spec.md §4.4,
// resolved here: see DESIGN.md.
const MaxRetries = 3

// ExhaustedRetries reports whether a task has used its full retry budget.
func (t *SubTask) ExhaustedRetries() bool {
	return t.Retries >= MaxRetries
}

// Key uniquely identifies a SubTask within a Job for map-based collection.
func (t *SubTask) Key() string {
	return fmt.Sprintf("%s/%d", t.Kind, t.ID)
}
