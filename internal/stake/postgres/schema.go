package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS stakes (
	id BIGSERIAL PRIMARY KEY,
	client TEXT NOT NULL,
	token TEXT NOT NULL,
	amount BIGINT NOT NULL,
	kind TEXT NOT NULL,
	start BIGINT NOT NULL,
	due BIGINT NOT NULL,
	processed BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	block_start BIGINT NOT NULL,
	block_processed BIGINT NOT NULL,
	installment_number INTEGER NOT NULL DEFAULT 0,

	CONSTRAINT stakes_once UNIQUE (client, kind, installment_number, block_start, start),
	CONSTRAINT status_valid CHECK (status IN ('pending','processing','paid','premature','aborted')),
	CONSTRAINT installment_nonneg CHECK (installment_number >= 0),
	CONSTRAINT amount_sign CHECK (amount >= 0 OR kind = 'penalty')
);

CREATE INDEX IF NOT EXISTS stakes_status_due_idx ON stakes (status, due);
CREATE INDEX IF NOT EXISTS stakes_client_idx ON stakes (client);

CREATE TABLE IF NOT EXISTS receipts (
	seq BIGSERIAL PRIMARY KEY,
	nonce BIGINT NOT NULL,
	now BIGINT NOT NULL,
	msg TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS receipts_nonce_idx ON receipts (nonce);

CREATE TABLE IF NOT EXISTS block_num (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	block_num BIGINT NOT NULL,

	CONSTRAINT single_row CHECK (id = 1)
);
`
