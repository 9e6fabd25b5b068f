// Package store implements the Job Store: crash-consistent persistence for
// Jobs and their SubTasks over database/sql, backed by modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/compose-network/stage-orchestrator/x/stage"
)

// Store is the Job Store: a thin layer of prepared queries over a
// database/sql connection pool. Transactions are per-row, matching the
// concurrency model: many Jobs are read and written concurrently, and no
// cross-row transaction is ever needed.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to databaseURL (a sqlite DSN, e.g. "file:stage.db?_pragma=busy_timeout(5000)")
// and bootstraps the schema with CREATE TABLE IF NOT EXISTS statements. This
// is schema bootstrap, not a migration framework: there is no versioned
// migration history.
func Open(databaseURL string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", databaseURL, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "job-store").Logger()}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertJob persists a new Job's stage_task row. Returns an error if a row
// for job.ProofID already exists.
func (s *Store) InsertJob(ctx context.Context, job *stage.Job) error {
	ctxBytes, err := job.Marshal()
	if err != nil {
		return err
	}
	now := nowUnix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_task (proof_id, status, step, context, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		job.ProofID, string(job.Status), string(job.Step), ctxBytes, now, now)
	if err != nil {
		return fmt.Errorf("insert stage_task %s: %w", job.ProofID, err)
	}
	return nil
}

// GetJob loads the Job context for proofID. Returns an error wrapping
// sql.ErrNoRows if absent.
func (s *Store) GetJob(ctx context.Context, proofID string) (*stage.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT context FROM stage_task WHERE proof_id = ?`, proofID)
	var ctxBytes []byte
	if err := row.Scan(&ctxBytes); err != nil {
		return nil, fmt.Errorf("get stage_task %s: %w", proofID, err)
	}
	return stage.UnmarshalJob(ctxBytes)
}

// UpdateJob persists job's current status/step/context and its final
// result blob (stored as NULL when job.Result is empty).
func (s *Store) UpdateJob(ctx context.Context, job *stage.Job) error {
	ctxBytes, err := job.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE stage_task SET status = ?, step = ?, context = ?, result = ?, updated_at = ?
		 WHERE proof_id = ?`,
		string(job.Status), string(job.Step), ctxBytes, nullableBytes(job.Result), nowUnix(), job.ProofID)
	if err != nil {
		return fmt.Errorf("update stage_task %s: %w", job.ProofID, err)
	}
	return nil
}

// NonTerminalJobs returns every Job whose status has not yet reached
// Success, Failed, or InvalidParameter: the orchestrator's scan set.
func (s *Store) NonTerminalJobs(ctx context.Context) ([]*stage.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT context FROM stage_task WHERE status = ?`, string(stage.StatusComputing))
	if err != nil {
		return nil, fmt.Errorf("query non-terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*stage.Job
	for rows.Next() {
		var ctxBytes []byte
		if err := rows.Scan(&ctxBytes); err != nil {
			return nil, fmt.Errorf("scan stage_task row: %w", err)
		}
		job, err := stage.UnmarshalJob(ctxBytes)
		if err != nil {
			s.log.Error().Err(err).Msg("dropping job with undeserializable context")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpsertSubTask persists a SubTask row, matching on (proof_id, kind, task_id).
func (s *Store) UpsertSubTask(ctx context.Context, proofID string, t *stage.SubTask, payload []byte) error {
	taskID := fmt.Sprintf("%d", t.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prove_task (proof_id, kind, task_id, state, node_info, retries, payload, start_ts, finish_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(proof_id, kind, task_id) DO UPDATE SET
		   state = excluded.state, node_info = excluded.node_info,
		   retries = excluded.retries, payload = excluded.payload,
		   finish_ts = excluded.finish_ts`,
		proofID, string(t.Kind), taskID, string(t.State), t.NodeID, t.Retries, payload,
		nowUnix(), finishTS(t.State))
	if err != nil {
		return fmt.Errorf("upsert prove_task %s/%s/%s: %w", proofID, t.Kind, taskID, err)
	}
	return nil
}

// SubTasksByKind returns every persisted SubTask of kind for proofID, along
// with its serialized payload, ordered by ascending task_id.
func (s *Store) SubTasksByKind(ctx context.Context, proofID string, kind stage.TaskKind) ([]*stage.SubTask, [][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, state, node_info, retries, payload FROM prove_task
		 WHERE proof_id = ? AND kind = ? ORDER BY CAST(task_id AS INTEGER) ASC`,
		proofID, string(kind))
	if err != nil {
		return nil, nil, fmt.Errorf("query prove_task %s/%s: %w", proofID, kind, err)
	}
	defer rows.Close()

	var tasks []*stage.SubTask
	var payloads [][]byte
	for rows.Next() {
		var taskID, state, nodeInfo string
		var retries int
		var payload []byte
		if err := rows.Scan(&taskID, &state, &nodeInfo, &retries, &payload); err != nil {
			return nil, nil, fmt.Errorf("scan prove_task row: %w", err)
		}
		var id int64
		fmt.Sscanf(taskID, "%d", &id)
		tasks = append(tasks, &stage.SubTask{
			ID:      id,
			ProofID: proofID,
			Kind:    kind,
			State:   stage.TaskState(state),
			NodeID:  nodeInfo,
			Retries: retries,
		})
		payloads = append(payloads, payload)
	}
	return tasks, payloads, rows.Err()
}

// UserExists reports whether address is present in the whitelist table.
func (s *Store) UserExists(ctx context.Context, address string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE address = ?`, address)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("lookup user %s: %w", address, err)
	}
}

// InsertUser adds address to the whitelist table; used by operator tooling
// and tests, not by the request-handling path.
func (s *Store) InsertUser(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (address, created_at) VALUES (?, ?)`, address, nowUnix())
	if err != nil {
		return fmt.Errorf("insert user %s: %w", address, err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func finishTS(state stage.TaskState) any {
	if state == stage.TaskSuccess || state == stage.TaskFailed {
		return nowUnix()
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
