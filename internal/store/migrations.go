package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// Timestamps are stored as unix nanoseconds so that ORDER BY is exact
// even for sessions closed within the same second.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create closed sessions and messages",
		SQL: `
			CREATE TABLE closed_sessions (
				id                  TEXT PRIMARY KEY,
				customer_name       TEXT NOT NULL DEFAULT '',
				client_id           TEXT NOT NULL DEFAULT '',
				admin_name          TEXT NOT NULL DEFAULT '',
				close_reason        TEXT NOT NULL DEFAULT '',
				previous_session_id TEXT NOT NULL DEFAULT '',
				created_at          INTEGER NOT NULL,
				closed_at           INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_closed_client ON closed_sessions (client_id, closed_at);
			CREATE INDEX idx_closed_customer ON closed_sessions (customer_name);
			CREATE INDEX idx_closed_time ON closed_sessions (closed_at, created_at);

			CREATE TABLE closed_messages (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES closed_sessions(id) ON DELETE CASCADE,
				message_id  TEXT NOT NULL DEFAULT '',
				user        TEXT NOT NULL,
				body        TEXT NOT NULL,
				timestamp   INTEGER NOT NULL,
				is_admin    INTEGER NOT NULL DEFAULT 0,
				is_system   INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_closed_messages_session ON closed_messages (session_id, id);
		`,
	},
}
