// Package repo holds the sqlx-backed repositories for sessions, kernels and
// agents: the durable tables statemachine.SQLStore, the scheduler and the
// reconciler all read and write. Grounded on the teacher's own
// repository/sqlite.go initSchema()/CREATE TABLE IF NOT EXISTS convention,
// generalized to the session/kernel/agent schema.
package repo

// Schema is the full set of DDL statements for a fresh database. Both the
// SQLite and Postgres drivers accept this verbatim: no dialect-specific
// syntax is used (TEXT/INTEGER/TIMESTAMP map cleanly onto pgx's type
// coercion, and AUTOINCREMENT is avoided in favor of externally-generated
// uuid ids, matching domain.Session/Kernel/Agent's string ID fields).
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	keypair TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	resource_group TEXT NOT NULL,
	requested_slots TEXT NOT NULL DEFAULT '{}',
	image_refs TEXT NOT NULL DEFAULT '{}',
	cluster_mode TEXT NOT NULL DEFAULT 'single-node',
	cluster_size INTEGER NOT NULL DEFAULT 1,
	session_type TEXT NOT NULL DEFAULT 'interactive',
	priority INTEGER NOT NULL DEFAULT 0,
	starts_at TIMESTAMP,
	vfolder_mounts TEXT NOT NULL DEFAULT '[]',
	env_vars TEXT NOT NULL DEFAULT '{}',
	bootstrap_script TEXT NOT NULL DEFAULT '',
	idle_timeout BIGINT NOT NULL DEFAULT 0,
	max_lifetime BIGINT NOT NULL DEFAULT 0,
	depends_on TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	status_version BIGINT NOT NULL DEFAULT 1,
	retries_to_skip INTEGER NOT NULL DEFAULT 0,
	result_success INTEGER,
	result_reason TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_resource_group_status ON sessions(resource_group, status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS kernels (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	cluster_idx INTEGER NOT NULL DEFAULT 0,
	image_ref TEXT NOT NULL DEFAULT '',
	allocated_slots TEXT NOT NULL DEFAULT '{}',
	agent_id TEXT,
	container_id TEXT,
	service_ports TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	last_attempt_seq BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kernels_session_id ON kernels(session_id);
CREATE INDEX IF NOT EXISTS idx_kernels_agent_id ON kernels(agent_id);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	address TEXT NOT NULL DEFAULT '',
	resource_group TEXT NOT NULL,
	architecture TEXT NOT NULL DEFAULT '',
	total_slots TEXT NOT NULL DEFAULT '{}',
	occupied_slots TEXT NOT NULL DEFAULT '{}',
	last_heartbeat TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	compute_plugins TEXT NOT NULL DEFAULT '[]',
	concurrency_budget INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_agents_resource_group ON agents(resource_group);

CREATE TABLE IF NOT EXISTS status_history (
	session_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_history_session_id ON status_history(session_id);

CREATE TABLE IF NOT EXISTS leader_lock_tokens (
	resource_group TEXT PRIMARY KEY,
	token BIGINT NOT NULL DEFAULT 0
);
`
