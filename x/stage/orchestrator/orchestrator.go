// Package orchestrator implements the Stage Orchestrator: the background
// driver that pulls active Jobs from the Job Store, advances each one phase
// by phase (Split -> Prove -> Agg -> Final), emits ready SubTasks, assigns
// them to idle workers via the Dispatch Client, and persists every
// transition so an operator can crash-recover and a client can poll
// get_status. Every tick re-derives pending work from the Job Store alone;
// there is no orchestrator-local state that isn't safe to lose.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/artifact"
	"github.com/compose-network/stage-orchestrator/x/stage/dispatch"
)

// Config tunes the Orchestrator's scan loop.
type Config struct {
	// ScanInterval is how often the orchestrator re-scans non-terminal Jobs.
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	// StatsInterval is how often outstanding-job counts are logged.
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:  2 * time.Second,
		StatsInterval: 30 * time.Second,
	}
}

// jobStore is the subset of store.Store the Orchestrator depends on.
type jobStore interface {
	NonTerminalJobs(ctx context.Context) ([]*stage.Job, error)
	UpdateJob(ctx context.Context, job *stage.Job) error
	UpsertSubTask(ctx context.Context, proofID string, t *stage.SubTask, payload []byte) error
	SubTasksByKind(ctx context.Context, proofID string, kind stage.TaskKind) ([]*stage.SubTask, [][]byte, error)
}

// Orchestrator is the single background driver described in spec.md §4.4.
// It owns no per-client state beyond an in-flight dispatch guard, so a
// second instance could run against the same Job Store without corrupting
// anything (dispatch duplication is tolerated, per the spec's idempotent
// worker requirement).
type Orchestrator struct {
	store    jobStore
	dispatch *dispatch.Client
	artifact *artifact.Store
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	inFlight map[string]struct{}
}

// New constructs an Orchestrator.
func New(store jobStore, dispatchClient *dispatch.Client, artifactStore *artifact.Store, cfg Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		dispatch: dispatchClient,
		artifact: artifactStore,
		cfg:      cfg,
		log:      log.With().Str("component", "stage-orchestrator").Logger(),
		inFlight: make(map[string]struct{}),
	}
}

// Run drives the scan loop until ctx is cancelled. It is meant to be started
// once at service initialization, matching spec.md §4.4's "single background
// driver started at service initialization."
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(o.cfg.StatsInterval)
	defer statsTicker.Stop()

	o.log.Info().Dur("scan_interval", o.cfg.ScanInterval).Msg("stage orchestrator starting")

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("stage orchestrator stopping")
			return
		case <-ticker.C:
			o.tick(ctx)
		case <-statsTicker.C:
			o.logStats(ctx)
		}
	}
}

// Tick runs a single scan-dispatch-collect pass synchronously for every
// currently non-terminal Job. Run calls this on a ticker; tests call it
// directly to drive the pipeline deterministically without a timer.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.tick(ctx)
}

func (o *Orchestrator) tick(ctx context.Context) {
	jobs, err := o.store.NonTerminalJobs(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("scan non-terminal jobs")
		return
	}
	for _, job := range jobs {
		o.advanceJob(ctx, job)
	}
}

func (o *Orchestrator) logStats(ctx context.Context) {
	jobs, err := o.store.NonTerminalJobs(ctx)
	if err != nil {
		return
	}
	if len(jobs) == 0 {
		o.log.Debug().Msg("stage orchestrator idle")
		return
	}
	o.log.Info().Int("active_jobs", len(jobs)).Msg("active proof jobs")
}

// advanceJob runs one phase-selection-and-dispatch pass for job, matching
// spec.md §4.4's Load/Phase-selection/Dispatch/Collect/Finalize sequence.
// It is idempotent: calling it repeatedly on the same persisted state always
// produces the same next action.
func (o *Orchestrator) advanceJob(ctx context.Context, job *stage.Job) {
	switch job.Step {
	case stage.StepInit:
		job.Step = stage.StepSplit
		if err := o.store.UpdateJob(ctx, job); err != nil {
			o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("advance Init->Split")
			return
		}
		o.runSplitPhase(ctx, job)
	case stage.StepSplit:
		o.runSplitPhase(ctx, job)
	case stage.StepProve:
		o.runProvePhase(ctx, job)
	case stage.StepAgg:
		o.runAggPhase(ctx, job)
	case stage.StepSnark:
		o.runFinalPhase(ctx, job)
	default:
		o.log.Warn().Str("proof_id", job.ProofID).Str("step", string(job.Step)).Msg("unexpected step for non-terminal job")
	}
}

// taskKey identifies one SubTask for the in-flight dispatch guard: the set
// of tasks currently being RPC'd, so a tick never launches a second dispatch
// for a task whose previous dispatch (which may run for up to TaskTimeout)
// hasn't returned yet.
func taskKey(proofID string, kind stage.TaskKind, id int64) string {
	return fmt.Sprintf("%s/%s/%d", proofID, kind, id)
}

func (o *Orchestrator) tryLock(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[key]; busy {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) unlock(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, key)
}

// dispatchable reports whether a SubTask's persisted state is one the
// orchestrator should (re)issue an RPC for. Processing is included alongside
// Unprocessed: the result-code mapping's Unspecified case means the worker
// merely accepted the task, and since the dispatch RPCs here are
// synchronous request/reply (no separate async notification channel), the
// only way to learn the outcome is to reissue — safe because workers must
// be idempotent on (proof_id, task_id).
func dispatchable(state stage.TaskState) bool {
	return state == stage.TaskUnprocessed || state == stage.TaskProcessing
}

// settleFailure applies the retry budget after a Failed dispatch result: it
// resets the task to Unprocessed so the next tick reissues it, unless the
// budget is exhausted, in which case the task is left Failed so the caller
// can escalate to JobFailed. Busy/transport-error outcomes never reach here;
// the Dispatch Client already maps those back to Unprocessed without
// charging the budget.
func settleFailure(t *stage.SubTask) {
	t.Retries++
	if !t.ExhaustedRetries() {
		t.State = stage.TaskUnprocessed
	}
}

// failJob marks job terminally Failed and persists it. Called once a
// SubTask has exhausted its retry budget, or when the final proof artifact
// cannot be read.
func (o *Orchestrator) failJob(ctx context.Context, job *stage.Job, cause string) {
	job.Status = stage.StatusFailed
	o.log.Error().Str("proof_id", job.ProofID).Str("cause", cause).Msg("job failed")
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error().Err(err).Str("proof_id", job.ProofID).Msg("persist job failure")
	}
}
