package journal

// Account-wide lockouts are stored with symbol ''.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lockouts (
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	id TEXT NOT NULL,
	reason TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	source_rule_id TEXT NOT NULL,
	day_scoped BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS reset_records (
	account_id TEXT NOT NULL,
	period_key TEXT NOT NULL,
	fired_at DATETIME NOT NULL,
	PRIMARY KEY (account_id, period_key)
);

CREATE TABLE IF NOT EXISTS enforcement_actions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	rule_id TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_account ON enforcement_actions(account_id, created_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS lockouts (
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	id TEXT NOT NULL,
	reason TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	source_rule_id TEXT NOT NULL,
	day_scoped BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS reset_records (
	account_id TEXT NOT NULL,
	period_key TEXT NOT NULL,
	fired_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, period_key)
);

CREATE TABLE IF NOT EXISTS enforcement_actions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	rule_id TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_account ON enforcement_actions(account_id, created_at);
`

func schemaFor(driver string) string {
	if driver == DriverPostgres {
		return postgresSchema
	}
	return sqliteSchema
}
