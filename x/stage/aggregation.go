package stage

// AggInput identifies one input receipt to an Agg SubTask: either a raw
// Prove-phase leaf receipt or the output of a lower-level Agg SubTask. IsAgg
// mirrors the wire payload's `is_agg` flag: false for a leaf, true for an
// already-aggregated receipt. A promoted (carried) receipt keeps whatever
// IsAgg value it already had — carrying a node up a level never aggregates
// it, so a leaf that skips a level by promotion is still a leaf.
type AggInput struct {
	IsAgg bool
	Level int // level the receipt was produced at; -1 for a Prove leaf
	Index int // position within that level (or within the Prove phase, if Level == -1)
}

// AggTask describes one Agg SubTask to be emitted: its two inputs and
// whether it produces the job's root receipt (`is_final`).
type AggTask struct {
	Level   int
	Index   int
	Left    AggInput
	Right   AggInput
	IsFinal bool
}

// levelNode is an internal bookkeeping entry: either a freshly produced Agg
// output at this level or a leaf/lower-level node promoted unchanged.
type levelNode struct {
	AggInput
}

// BuildAggregationTasks lays out every Agg SubTask needed to reduce n
// Prove-phase leaf receipts to a single root, following a right-associated
// carry for odd counts at each level: the last node of an odd-sized level is
// promoted to the next level unchanged rather than paired with a placeholder.
// n <= 1 needs no aggregation at all and returns nil — the single Prove
// receipt (if any) is itself the job's root receipt.
func BuildAggregationTasks(n int) []AggTask {
	if n <= 1 {
		return nil
	}

	level := 0
	nodes := make([]levelNode, n)
	for i := 0; i < n; i++ {
		nodes[i] = levelNode{AggInput{IsAgg: false, Level: -1, Index: i}}
	}

	var tasks []AggTask
	for len(nodes) > 1 {
		var next []levelNode
		idx := 0
		i := 0
		for i < len(nodes) {
			if i+1 < len(nodes) {
				t := AggTask{
					Level: level,
					Index: idx,
					Left:  nodes[i].AggInput,
					Right: nodes[i+1].AggInput,
				}
				tasks = append(tasks, t)
				next = append(next, levelNode{AggInput{IsAgg: true, Level: level, Index: idx}})
				i += 2
			} else {
				// odd one out: carry forward unchanged
				next = append(next, nodes[i])
				i++
			}
			idx++
		}
		nodes = next
		level++
	}

	if len(tasks) > 0 {
		tasks[len(tasks)-1].IsFinal = true
	}
	return tasks
}

// AggTaskCount reports how many real Agg SubTasks a Prove phase of n
// segments requires: N-1 for N>=2, zero otherwise, since every internal
// node of the reduction consumes exactly one sibling pair and carries never
// spawn a task.
func AggTaskCount(n int) int {
	if n < 2 {
		return 0
	}
	return n - 1
}
