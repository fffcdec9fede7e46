package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                    TEXT PRIMARY KEY,
	server_url            TEXT NOT NULL,
	username              TEXT NOT NULL,
	display_name          TEXT NOT NULL,
	email                 TEXT,
	auth_kind             TEXT NOT NULL DEFAULT 'basic',
	client_cert_alias     TEXT,
	calendar_enabled      INTEGER NOT NULL DEFAULT 1,
	contacts_enabled      INTEGER NOT NULL DEFAULT 1,
	tasks_enabled         INTEGER NOT NULL DEFAULT 0,
	sync_interval_sec     INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL,
	last_authenticated_at DATETIME,
	UNIQUE (server_url, username)
);

CREATE TABLE IF NOT EXISTS collections (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	kind              TEXT NOT NULL,
	url               TEXT NOT NULL,
	display_name      TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	color             INTEGER NOT NULL,
	enabled           INTEGER NOT NULL DEFAULT 1,
	visible           INTEGER NOT NULL DEFAULT 1,
	owner_principal   TEXT,
	server_writable   INTEGER NOT NULL DEFAULT 1,
	server_deletable  INTEGER NOT NULL DEFAULT 1,
	force_read_only   INTEGER NOT NULL DEFAULT 0,
	wifi_only         INTEGER NOT NULL DEFAULT 0,
	sync_interval_sec INTEGER,
	supports_vtodo    INTEGER NOT NULL DEFAULT 0,
	supports_vjournal INTEGER NOT NULL DEFAULT 0,
	source            TEXT,
	ctag              TEXT,
	last_synced_at    DATETIME,
	last_sync_outcome TEXT NOT NULL DEFAULT '',
	last_sync_error   TEXT NOT NULL DEFAULT '',
	vanished          INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	UNIQUE (account_id, kind, url)
);

CREATE INDEX IF NOT EXISTS idx_collections_account ON collections(account_id);
CREATE INDEX IF NOT EXISTS idx_collections_kind ON collections(account_id, kind);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS platform_identities (
	name          TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	collection_id TEXT,
	main_name     TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_identities_account ON platform_identities(account_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE accounts ADD COLUMN principal TEXT;

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
