// Package workerdir implements the Worker Directory: a process-wide,
// in-memory registry of remote prover nodes with best-effort liveness
// probing and first-idle-wins borrowing semantics.
package workerdir

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Node is one remote prover worker.
type Node struct {
	Addr  string
	Snark bool // SNARK-capable
}

// Prober checks whether a node's channel is currently usable. Implementations
// may dial, ping, or simply report a cached health bit; the Directory treats
// the result as advisory and tolerates stale entries, since the worker may
// still fail the subsequent RPC.
type Prober interface {
	IsActive(ctx context.Context, n Node) bool
}

// Directory holds the configured worker fleet. It is constructed once and
// shared by every dispatch call; it holds no lock across RPCs, so concurrent
// callers may probe and borrow the same node without blocking each other.
type Directory struct {
	mu      sync.RWMutex
	general []Node
	snark   []Node
	prober  Prober
	log     zerolog.Logger
}

// New constructs a Directory from the configured node lists. snark lists
// the SNARK-capable nodes; New does not check it against general, and the
// two lists may overlap or be disjoint.
func New(general, snark []Node, prober Prober, log zerolog.Logger) *Directory {
	return &Directory{
		general: append([]Node(nil), general...),
		snark:   append([]Node(nil), snark...),
		prober:  prober,
		log:     log.With().Str("component", "worker-directory").Logger(),
	}
}

// GetNodes returns the general-purpose node list in configured order.
func (d *Directory) GetNodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Node(nil), d.general...)
}

// GetSnarkNodes returns the SNARK-capable node list in configured order.
func (d *Directory) GetSnarkNodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Node(nil), d.snark...)
}

// GetIdleNode probes nodes in listed order and returns the first one whose
// channel the Prober reports usable. Returns false if none are idle; the
// caller (the Dispatch Client) is expected to back off and retry.
func (d *Directory) GetIdleNode(ctx context.Context, snarkOnly bool) (Node, bool) {
	nodes := d.GetNodes()
	if snarkOnly {
		nodes = d.GetSnarkNodes()
	}
	for _, n := range nodes {
		if d.prober == nil || d.prober.IsActive(ctx, n) {
			return n, true
		}
	}
	return Node{}, false
}

// Reload replaces the general and SNARK node lists, e.g. on configuration
// reload. This is the only mutation the Directory's set ever undergoes
// outside of liveness probing.
func (d *Directory) Reload(general, snark []Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.general = append([]Node(nil), general...)
	d.snark = append([]Node(nil), snark...)
	d.log.Info().Int("general", len(d.general)).Int("snark", len(d.snark)).Msg("worker directory reloaded")
}
