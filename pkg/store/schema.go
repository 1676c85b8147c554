package store

// schemaVersion is bumped whenever the DDL below changes shape. store.Open
// checks it against the value recorded in the metadata table and fails fast
// on mismatch.
const schemaVersion = 1

// schema is the full relational DDL: entities, commits, lineage, edges,
// top-K projection, runs, configs, cluster snapshots/members, plus the
// supplemented developer-coupling tables. Bulk per-commit
// change rows live in the bbolt sidecar (sidecar.go), not here.
const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	kind           TEXT NOT NULL,
	qualified_name TEXT NOT NULL,
	parent_id      INTEGER REFERENCES entities(id),
	present_at_head INTEGER NOT NULL DEFAULT 0,
	attributes     TEXT NOT NULL DEFAULT '{}',
	UNIQUE(qualified_name, kind)
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);

CREATE TABLE IF NOT EXISTS commits (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	vcs_object_id   TEXT NOT NULL UNIQUE,
	author_name     TEXT NOT NULL,
	author_email    TEXT NOT NULL,
	committer_name  TEXT NOT NULL,
	committer_email TEXT NOT NULL,
	author_time     DATETIME NOT NULL,
	committer_time  DATETIME NOT NULL,
	message         TEXT NOT NULL,
	is_merge        INTEGER NOT NULL,
	parent_count    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_author_time ON commits(author_time);

CREATE TABLE IF NOT EXISTS lineage (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id     INTEGER NOT NULL REFERENCES entities(id),
	path        TEXT NOT NULL,
	start_commit INTEGER NOT NULL REFERENCES commits(id),
	end_commit   INTEGER REFERENCES commits(id)
);
CREATE INDEX IF NOT EXISTS idx_lineage_file ON lineage(file_id);
CREATE INDEX IF NOT EXISTS idx_lineage_path ON lineage(path);
CREATE UNIQUE INDEX IF NOT EXISTS idx_lineage_open_path ON lineage(path) WHERE end_commit IS NULL;

CREATE TABLE IF NOT EXISTS edges (
	src_file_id         INTEGER NOT NULL REFERENCES entities(id),
	dst_file_id         INTEGER NOT NULL REFERENCES entities(id),
	pair_count          INTEGER NOT NULL,
	weighted_pair_count REAL NOT NULL,
	jaccard             REAL NOT NULL,
	weighted_jaccard     REAL NOT NULL,
	p_dst_given_src      REAL NOT NULL,
	p_src_given_dst      REAL NOT NULL,
	PRIMARY KEY (src_file_id, dst_file_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_file_id);
CREATE INDEX IF NOT EXISTS idx_edges_weighted_jaccard ON edges(weighted_jaccard);

CREATE TABLE IF NOT EXISTS topk_edges (
	file_id     INTEGER NOT NULL REFERENCES entities(id),
	rank        INTEGER NOT NULL,
	neighbor_id INTEGER NOT NULL REFERENCES entities(id),
	weighted_jaccard REAL NOT NULL,
	pair_count  INTEGER NOT NULL,
	PRIMARY KEY (file_id, rank)
);

CREATE TABLE IF NOT EXISTS configs (
	id       TEXT PRIMARY KEY,
	repo_id  TEXT NOT NULL,
	name     TEXT NOT NULL,
	version  INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	payload  TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_configs_repo ON configs(repo_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_configs_active ON configs(repo_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	repo_id          TEXT NOT NULL,
	config_id        TEXT NOT NULL,
	state            TEXT NOT NULL,
	stage            TEXT NOT NULL,
	processed_commits INTEGER NOT NULL DEFAULT 0,
	total_commits    INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME NOT NULL,
	finished_at      DATETIME,
	heartbeat_at     DATETIME NOT NULL,
	error_code       TEXT,
	error_message    TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_running ON runs(repo_id) WHERE state = 'running';

CREATE TABLE IF NOT EXISTS cluster_snapshots (
	id                TEXT PRIMARY KEY,
	repo_id           TEXT NOT NULL,
	algorithm         TEXT NOT NULL,
	parameters        TEXT NOT NULL,
	input_edge_filter TEXT NOT NULL,
	created_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_repo ON cluster_snapshots(repo_id);

CREATE TABLE IF NOT EXISTS cluster_metrics (
	snapshot_id  TEXT NOT NULL REFERENCES cluster_snapshots(id) ON DELETE CASCADE,
	cluster_id   INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	avg_coupling REAL NOT NULL,
	internal_churn REAL NOT NULL,
	top_files    TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, cluster_id)
);

CREATE TABLE IF NOT EXISTS cluster_members (
	snapshot_id TEXT NOT NULL REFERENCES cluster_snapshots(id) ON DELETE CASCADE,
	cluster_id  INTEGER NOT NULL,
	file_id     INTEGER NOT NULL REFERENCES entities(id),
	PRIMARY KEY (snapshot_id, cluster_id, file_id)
);
CREATE INDEX IF NOT EXISTS idx_cluster_members_snapshot ON cluster_members(snapshot_id);

CREATE TABLE IF NOT EXISTS file_stats (
	file_id              INTEGER PRIMARY KEY REFERENCES entities(id),
	total_commits        INTEGER NOT NULL DEFAULT 0,
	authors_count        INTEGER NOT NULL DEFAULT 0,
	first_commit_date    DATETIME,
	last_commit_date     DATETIME,
	lines_added          INTEGER NOT NULL DEFAULT 0,
	lines_deleted        INTEGER NOT NULL DEFAULT 0,
	commits_last_30_days INTEGER NOT NULL DEFAULT 0,
	churn_rate           REAL NOT NULL DEFAULT 0,
	max_coupling         REAL NOT NULL DEFAULT 0,
	coupled_files_count  INTEGER NOT NULL DEFAULT 0,
	risk_score           REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS developer_coupling (
	dev_a TEXT NOT NULL,
	dev_b TEXT NOT NULL,
	shared_files INTEGER NOT NULL,
	PRIMARY KEY (dev_a, dev_b)
);

CREATE TABLE IF NOT EXISTS file_ownership (
	file_id       INTEGER PRIMARY KEY REFERENCES entities(id),
	top_author    TEXT NOT NULL,
	top_author_commits INTEGER NOT NULL,
	total_commits INTEGER NOT NULL
);
`
