package database

// migrations is an ordered list of SQL migration groups. Each entry is a slice
// of SQL statements that are executed together in a single transaction. The
// version number is the 1-based index into this slice.
var migrations = [][]string{
	// Migration 1: upstream response cache
	{
		`CREATE TABLE response_cache (
			key TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			body BLOB NOT NULL,
			stored_at TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_response_cache_expires ON response_cache(expires_at)`,
	},

	// Migration 2: hit counters for cache stats
	{
		`ALTER TABLE response_cache ADD COLUMN hits INTEGER NOT NULL DEFAULT 0`,
	},
}
