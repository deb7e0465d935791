package store

type migration struct {
	Name string
	SQL  string
}

// migrations are applied in order; the schema version is the number applied.
// Append only.
var migrations = []migration{
	{
		Name: "create sessions and messages",
		SQL: `
			CREATE TABLE sessions (
				id          TEXT PRIMARY KEY,
				created_at  TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE messages (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role        TEXT NOT NULL,
				content     TEXT NOT NULL,
				timestamp   TEXT NOT NULL DEFAULT (datetime('now')),
				tool_calls  TEXT
			);

			CREATE INDEX idx_messages_session ON messages (session_id, id);
		`,
	},
	{
		Name: "create documents",
		SQL: `
			CREATE TABLE documents (
				id          TEXT PRIMARY KEY,
				session_id  TEXT NOT NULL,
				file_name   TEXT NOT NULL,
				kind        TEXT NOT NULL,
				chunks      INTEGER NOT NULL DEFAULT 0,
				bytes       INTEGER NOT NULL DEFAULT 0,
				uploaded_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_documents_session ON documents (session_id, uploaded_at);
		`,
	},
	{
		Name: "create chunks",
		SQL: `
			CREATE TABLE chunks (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL,
				file_name   TEXT NOT NULL DEFAULT '',
				metadata    TEXT NOT NULL,
				text        TEXT NOT NULL,
				embedding   BLOB NOT NULL,
				created_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_chunks_session ON chunks (session_id, id);
		`,
	},
}
