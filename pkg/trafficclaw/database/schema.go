package database

// migrations are applied in order; index i is schema version i+1. Never
// edit an applied migration, append a new one.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS clients (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		phone       TEXT NOT NULL DEFAULT '',
		email       TEXT NOT NULL DEFAULT '',
		company     TEXT NOT NULL DEFAULT '',
		monthly_fee TEXT NOT NULL DEFAULT '0',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clients_owner ON clients(owner_id, name);

	CREATE TABLE IF NOT EXISTS meetings (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		client_id    TEXT NOT NULL REFERENCES clients(id),
		title        TEXT NOT NULL,
		starts_at    TEXT NOT NULL,
		duration_min INTEGER NOT NULL DEFAULT 60,
		notes        TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'scheduled',
		UNIQUE (owner_id, client_id, starts_at)
	);
	CREATE INDEX IF NOT EXISTS idx_meetings_owner_start ON meetings(owner_id, starts_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		client_id  TEXT REFERENCES clients(id),
		title      TEXT NOT NULL,
		due_date   TEXT,
		done       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		client_id   TEXT NOT NULL REFERENCES clients(id),
		amount      TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date    TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS charges (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		client_id   TEXT NOT NULL REFERENCES clients(id),
		amount      TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date    TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_charges_owner_due ON charges(owner_id, status, due_date);

	CREATE TABLE IF NOT EXISTS message_log (
		id        TEXT PRIMARY KEY,
		owner_id  TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		phone     TEXT NOT NULL,
		body      TEXT NOT NULL,
		kind      TEXT NOT NULL,
		sent_at   TEXT NOT NULL,
		error     TEXT NOT NULL DEFAULT ''
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS confirmations (
		id          TEXT PRIMARY KEY,
		actor_id    TEXT NOT NULL,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		summary     TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL DEFAULT '{}',
		tool_name   TEXT NOT NULL,
		tool_params TEXT NOT NULL DEFAULT '{}',
		result      TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_confirmations_actor_status ON confirmations(actor_id, status, created_at);

	CREATE TABLE IF NOT EXISTS conversation_entries (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id           TEXT NOT NULL,
		user_message       TEXT NOT NULL,
		assistant_response TEXT NOT NULL,
		created_at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_actor ON conversation_entries(actor_id, id);
	`,
	`
	CREATE TABLE IF NOT EXISTS scheduler_jobs (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		schedule   TEXT NOT NULL,
		params     TEXT NOT NULL DEFAULT '{}',
		enabled    INTEGER NOT NULL DEFAULT 1,
		last_run   TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		run_count  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`,
}
