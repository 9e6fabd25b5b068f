package store

const schema = `
CREATE TABLE IF NOT EXISTS stage_task (
	proof_id   TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	step       TEXT NOT NULL,
	context    BLOB NOT NULL,
	result     BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prove_task (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	proof_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	state      TEXT NOT NULL,
	node_info  TEXT NOT NULL DEFAULT '',
	retries    INTEGER NOT NULL DEFAULT 0,
	payload    BLOB NOT NULL,
	start_ts   INTEGER,
	finish_ts  INTEGER,
	UNIQUE(proof_id, kind, task_id)
);

CREATE INDEX IF NOT EXISTS idx_prove_task_proof_kind ON prove_task(proof_id, kind);

CREATE TABLE IF NOT EXISTS users (
	address    TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
`
