package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/artifact"
	"github.com/compose-network/stage-orchestrator/x/stage/dispatch"
	"github.com/compose-network/stage-orchestrator/x/stage/store"
	"github.com/compose-network/stage-orchestrator/x/stage/workerdir"
)

type alwaysActive struct{}

func (alwaysActive) IsActive(context.Context, workerdir.Node) bool { return true }

// Minimal wire-format mirrors of the dispatch package's unexported request
// structs, just enough to decode the fields a mock worker needs.
type rpcResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
type envelope struct {
	ProofID           string    `json:"proof_id"`
	ComputedRequestID string    `json:"computed_request_id"`
	Result            rpcResult `json:"result"`
}
type splitWireResp struct {
	envelope
	TotalSteps uint64 `json:"total_steps"`
}

const (
	wireOk            = 1
	wireInternalError = 2
	wireBusy          = 3
)

func newStoreAndArtifacts(t *testing.T) (*store.Store, *artifact.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "stage.db")
	st, err := store.Open("file:"+dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	art := artifact.New(t.TempDir())
	return st, art
}

func newJob(t *testing.T, art *artifact.Store, proofID string, blockNo uint64, executeOnly bool) (*stage.Job, artifact.Layout) {
	t.Helper()
	layout, err := art.MaterializeJob(proofID, []byte("ELF"), blockNo, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	job := stage.NewJob(proofID, layout.Root, layout.ElfPath, layout.SegPath, layout.ProvePath, layout.AggPath,
		layout.FinalPath, layout.PublicInputPath, layout.PrivateInputPath, layout.OutputStreamPath, "",
		blockNo, stage.MinSegSize, executeOnly, false, layout.ReceiptInputsPath, layout.ReceiptsPath, "0xuser")
	return job, layout
}

// runUntil drives the orchestrator's Tick in a loop until predicate(job)
// holds or timeout elapses, matching the way a real deployment's ticker
// would eventually converge a Job to a terminal state.
func runUntil(t *testing.T, o *Orchestrator, st *store.Store, proofID string, timeout time.Duration, predicate func(*stage.Job) bool) *stage.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		o.Tick(context.Background())
		job, err := st.GetJob(context.Background(), proofID)
		require.NoError(t, err)
		if predicate(job) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s, last state: status=%s step=%s", proofID, job.Status, job.Step)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func terminal(job *stage.Job) bool { return job.Status.Terminal() }

// TestTinyHappyJobDirectReceiptFinal covers the N=1 boundary: Split reports a
// single segment, Prove succeeds once, and Final must take the sole prove
// receipt directly rather than reading a never-populated Agg directory.
func TestTinyHappyJobDirectReceiptFinal(t *testing.T) {
	st, art := newStoreAndArtifacts(t)
	job, _ := newJob(t, art, "proof-tiny", 1, false)
	require.NoError(t, st.InsertJob(context.Background(), job))

	var finalCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/split_elf":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(splitWireResp{
				envelope:   envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}},
				TotalSteps: 1,
			})
		case "/prove":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
				ReceiptPath       string `json:"receipt_path"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.NoError(t, os.WriteFile(req.ReceiptPath, []byte("stark-receipt"), 0o644))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/final_proof":
			finalCalls.Add(1)
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/get_task_result":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID,
				Result: rpcResult{Code: wireOk, Message: "final-proof-bytes"}})
		default:
			t.Fatalf("unexpected rpc %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	dir := workerdir.New([]workerdir.Node{{Addr: srv.URL, Snark: true}}, []workerdir.Node{{Addr: srv.URL, Snark: true}}, alwaysActive{}, zerolog.Nop())
	client := dispatch.New(dir, srv.Client(), zerolog.Nop())
	o := New(st, client, art, Config{}, zerolog.Nop())

	final := runUntil(t, o, st, "proof-tiny", 10*time.Second, terminal)
	require.Equal(t, stage.StatusSuccess, final.Status)
	require.Equal(t, stage.StepEnd, final.Step)
	require.Equal(t, []byte("final-proof-bytes"), final.Result)
	require.Equal(t, int32(1), finalCalls.Load())
}

// TestFourSegmentAggregation covers scenario 2 of the happy path: four Prove
// segments reduce through a balanced two-level Agg tree before Final.
func TestFourSegmentAggregation(t *testing.T) {
	st, art := newStoreAndArtifacts(t)
	job, _ := newJob(t, art, "proof-four", 2, false)
	require.NoError(t, st.InsertJob(context.Background(), job))

	var aggCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/split_elf":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(splitWireResp{
				envelope:   envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}},
				TotalSteps: 4,
			})
		case "/prove":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
				ReceiptPath       string `json:"receipt_path"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.NoError(t, os.WriteFile(req.ReceiptPath, []byte("receipt"), 0o644))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/aggregate":
			aggCalls.Add(1)
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
				OutputDir         string `json:"output_dir"`
				IsFinal           bool   `json:"is_final"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.IsFinal {
				writeFinalArtifacts(t, req.OutputDir)
			}
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/final_proof":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/get_task_result":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID,
				Result: rpcResult{Code: wireOk, Message: "final-proof-bytes"}})
		default:
			t.Fatalf("unexpected rpc %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	dir := workerdir.New([]workerdir.Node{{Addr: srv.URL, Snark: true}}, []workerdir.Node{{Addr: srv.URL, Snark: true}}, alwaysActive{}, zerolog.Nop())
	client := dispatch.New(dir, srv.Client(), zerolog.Nop())
	o := New(st, client, art, Config{}, zerolog.Nop())

	final := runUntil(t, o, st, "proof-four", 15*time.Second, terminal)
	require.Equal(t, stage.StatusSuccess, final.Status)
	// 4 leaves -> AggTaskCount(4) == 3 pairwise Agg dispatches.
	require.Equal(t, int32(3), aggCalls.Load())
}

// TestOddAggregationCarriesUnpairedLeaf covers scenario 3: an odd leaf count
// promotes the unpaired leaf a level rather than stalling the tree.
func TestOddAggregationCarriesUnpairedLeaf(t *testing.T) {
	st, art := newStoreAndArtifacts(t)
	job, _ := newJob(t, art, "proof-three", 3, false)
	require.NoError(t, st.InsertJob(context.Background(), job))

	var aggCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/split_elf":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(splitWireResp{
				envelope:   envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}},
				TotalSteps: 3,
			})
		case "/prove":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
				ReceiptPath       string `json:"receipt_path"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.NoError(t, os.WriteFile(req.ReceiptPath, []byte("receipt"), 0o644))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/aggregate":
			aggCalls.Add(1)
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
				OutputDir         string `json:"output_dir"`
				IsFinal           bool   `json:"is_final"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.IsFinal {
				writeFinalArtifacts(t, req.OutputDir)
			}
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/final_proof":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/get_task_result":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID,
				Result: rpcResult{Code: wireOk, Message: "final-proof-bytes"}})
		default:
			t.Fatalf("unexpected rpc %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	dir := workerdir.New([]workerdir.Node{{Addr: srv.URL, Snark: true}}, []workerdir.Node{{Addr: srv.URL, Snark: true}}, alwaysActive{}, zerolog.Nop())
	client := dispatch.New(dir, srv.Client(), zerolog.Nop())
	o := New(st, client, art, Config{}, zerolog.Nop())

	final := runUntil(t, o, st, "proof-three", 15*time.Second, terminal)
	require.Equal(t, stage.StatusSuccess, final.Status)
	require.Equal(t, int32(stage.AggTaskCount(3)), aggCalls.Load())
}

// TestProveBusyRecoversWithoutChargingRetryBudget covers scenario 4: a Busy
// reply must leave the SubTask Unprocessed and untouched by the retry
// budget, distinct from a genuine TaskFailed outcome.
func TestProveBusyRecoversWithoutChargingRetryBudget(t *testing.T) {
	st, art := newStoreAndArtifacts(t)
	job, _ := newJob(t, art, "proof-busy", 4, false)
	require.NoError(t, st.InsertJob(context.Background(), job))

	var proveCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/split_elf":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(splitWireResp{
				envelope:   envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}},
				TotalSteps: 1,
			})
		case "/prove":
			n := proveCalls.Add(1)
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
				ReceiptPath       string `json:"receipt_path"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if n == 1 {
				json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireBusy}})
				return
			}
			require.NoError(t, os.WriteFile(req.ReceiptPath, []byte("receipt"), 0o644))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/final_proof":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}})
		case "/get_task_result":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID,
				Result: rpcResult{Code: wireOk, Message: "final-proof-bytes"}})
		default:
			t.Fatalf("unexpected rpc %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	dir := workerdir.New([]workerdir.Node{{Addr: srv.URL, Snark: true}}, []workerdir.Node{{Addr: srv.URL, Snark: true}}, alwaysActive{}, zerolog.Nop())
	client := dispatch.New(dir, srv.Client(), zerolog.Nop())
	o := New(st, client, art, Config{}, zerolog.Nop())

	final := runUntil(t, o, st, "proof-busy", 10*time.Second, terminal)
	require.Equal(t, stage.StatusSuccess, final.Status)

	tasks, _, err := st.SubTasksByKind(context.Background(), "proof-busy", stage.KindProve)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 0, tasks[0].Retries, "a Busy reply must never charge the retry budget")
}

// TestExecuteOnlyJobSkipsProveAggFinal covers scenario 6: an execute_only
// job reaches Success straight off a successful Split, never touching the
// Prove, Agg, or Final worker RPCs.
func TestExecuteOnlyJobSkipsProveAggFinal(t *testing.T) {
	st, art := newStoreAndArtifacts(t)
	job, _ := newJob(t, art, "proof-execonly", 5, true)
	require.NoError(t, st.InsertJob(context.Background(), job))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/split_elf":
			var req struct {
				ProofID           string `json:"proof_id"`
				ComputedRequestID string `json:"computed_request_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(splitWireResp{
				envelope:   envelope{ProofID: req.ProofID, ComputedRequestID: req.ComputedRequestID, Result: rpcResult{Code: wireOk}},
				TotalSteps: 4,
			})
		default:
			t.Fatalf("execute_only job must never dispatch %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	dir := workerdir.New([]workerdir.Node{{Addr: srv.URL, Snark: true}}, []workerdir.Node{{Addr: srv.URL, Snark: true}}, alwaysActive{}, zerolog.Nop())
	client := dispatch.New(dir, srv.Client(), zerolog.Nop())
	o := New(st, client, art, Config{}, zerolog.Nop())

	final := runUntil(t, o, st, "proof-execonly", 5*time.Second, terminal)
	require.Equal(t, stage.StatusSuccess, final.Status)
	require.Equal(t, stage.StepEnd, final.Step)
}

func writeFinalArtifacts(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{"common_circuit_data.json", "verifier_only_circuit_data.json", "proof_with_public_inputs.json", "block_public_inputs.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
}
