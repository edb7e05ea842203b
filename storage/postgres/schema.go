package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the record tables and the indexes the query methods rely on.
// revocation_date is NULL while unset; the Go zero time maps to NULL.
const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	fingerprint        TEXT PRIMARY KEY,
	ca_fingerprint     TEXT NOT NULL,
	serial_number      TEXT NOT NULL,
	issuer_dn          TEXT NOT NULL,
	subject_dn         TEXT NOT NULL,
	status             INTEGER NOT NULL,
	cert_type          INTEGER NOT NULL,
	profile_id         INTEGER NOT NULL,
	username           TEXT NOT NULL,
	tag                TEXT NOT NULL DEFAULT '',
	expire_date        TIMESTAMPTZ NOT NULL,
	revocation_date    TIMESTAMPTZ,
	revocation_reason  INTEGER NOT NULL,
	update_time        TIMESTAMPTZ NOT NULL,
	raw                BYTEA,
	version            BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS certificates_issuer_serial_idx
	ON certificates (issuer_dn, serial_number);
CREATE INDEX IF NOT EXISTS certificates_subject_idx
	ON certificates (subject_dn);
CREATE INDEX IF NOT EXISTS certificates_username_idx
	ON certificates (username);
CREATE INDEX IF NOT EXISTS certificates_expire_idx
	ON certificates (expire_date);
CREATE INDEX IF NOT EXISTS certificates_issuer_status_idx
	ON certificates (issuer_dn, status);

CREATE TABLE IF NOT EXISTS crls (
	fingerprint     TEXT PRIMARY KEY,
	ca_fingerprint  TEXT NOT NULL,
	issuer_dn       TEXT NOT NULL,
	crl_number      BIGINT NOT NULL,
	this_update     TIMESTAMPTZ NOT NULL,
	next_update     TIMESTAMPTZ NOT NULL,
	delta_base      BIGINT NOT NULL,
	raw             BYTEA
);

CREATE INDEX IF NOT EXISTS crls_issuer_number_idx
	ON crls (issuer_dn, delta_base, crl_number);

CREATE TABLE IF NOT EXISTS request_histories (
	fingerprint    TEXT PRIMARY KEY,
	serial_number  TEXT NOT NULL,
	issuer_dn      TEXT NOT NULL,
	username       TEXT NOT NULL,
	password       TEXT NOT NULL DEFAULT '',
	subject_dn     TEXT NOT NULL,
	profile_id     INTEGER NOT NULL,
	added_at       TIMESTAMPTZ NOT NULL,
	extended_info  JSONB
);

CREATE INDEX IF NOT EXISTS request_histories_username_idx
	ON request_histories (username);
CREATE INDEX IF NOT EXISTS request_histories_issuer_serial_idx
	ON request_histories (issuer_dn, serial_number);

CREATE TABLE IF NOT EXISTS profiles (
	id                 INTEGER PRIMARY KEY,
	name               TEXT NOT NULL,
	cert_type          INTEGER NOT NULL,
	publisher_ids      INTEGER[] NOT NULL DEFAULT '{}',
	available_issuers  TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS seals (
	fingerprint  TEXT PRIMARY KEY,
	mac          BYTEA NOT NULL,
	sealed_at    TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
