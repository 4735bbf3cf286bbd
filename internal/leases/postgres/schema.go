package postgres

// term only moves forward; released leases keep their row with expires_at
// set to the release time.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS stake_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	term BIGINT NOT NULL DEFAULT 1 CHECK (term > 0),
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	renewed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
