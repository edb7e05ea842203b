// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Each record kind lives in its own table with the fingerprint as primary
// key, so the uniqueness invariants are enforced by the database itself.
// Compare-and-swap updates take a row lock (SELECT ... FOR UPDATE) inside a
// transaction; the CRL max-number read and insert share a transaction so
// concurrent issuance for one issuer serializes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/certledger/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// isUniqueViolation reports whether err is a primary-key collision.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullableTime maps the zero time to NULL on the way in.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func statusInts(statuses []storage.Status) []int {
	out := make([]int, len(statuses))
	for i, s := range statuses {
		out[i] = int(s)
	}
	return out
}

// ---------------------------------------------------------------------------
// CertificateRepository
// ---------------------------------------------------------------------------

const certColumns = `fingerprint, ca_fingerprint, serial_number, issuer_dn, subject_dn,
	status, cert_type, profile_id, username, tag, expire_date,
	revocation_date, revocation_reason, update_time, raw, version`

func scanCertificate(row pgx.Row) (*storage.CertificateRecord, error) {
	var rec storage.CertificateRecord
	var revocationDate *time.Time
	err := row.Scan(
		&rec.Fingerprint, &rec.CAFingerprint, &rec.SerialNumber, &rec.IssuerDN, &rec.SubjectDN,
		&rec.Status, &rec.Type, &rec.ProfileID, &rec.Username, &rec.Tag, &rec.ExpireDate,
		&revocationDate, &rec.RevocationReason, &rec.UpdateTime, &rec.Raw, &rec.Version)
	if err != nil {
		return nil, err
	}
	if revocationDate != nil {
		rec.RevocationDate = *revocationDate
	}
	return &rec, nil
}

func collectCertificates(rows pgx.Rows) ([]*storage.CertificateRecord, error) {
	defer rows.Close()
	var out []*storage.CertificateRecord
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertCertificate(ctx context.Context, rec *storage.CertificateRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (`+certColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
		rec.Fingerprint, rec.CAFingerprint, rec.SerialNumber, rec.IssuerDN, rec.SubjectDN,
		rec.Status, rec.Type, rec.ProfileID, rec.Username, rec.Tag, rec.ExpireDate,
		nullableTime(rec.RevocationDate), rec.RevocationReason, rec.UpdateTime, rec.Raw)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrAlreadyExists)
	}
	return err
}

func (s *Store) CertificateByFingerprint(ctx context.Context, fingerprint string) (*storage.CertificateRecord, error) {
	rec, err := scanCertificate(s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) CertificatesByIssuerAndSerial(ctx context.Context, issuerDN, serial string) ([]*storage.CertificateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE issuer_dn = $1 AND serial_number = $2`,
		issuerDN, serial)
	if err != nil {
		return nil, err
	}
	return collectCertificates(rows)
}

func (s *Store) CertificatesByIssuerAndSerials(ctx context.Context, issuerDN string, serials []string) ([]*storage.CertificateRecord, error) {
	if issuerDN == "" || len(serials) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE issuer_dn = $1 AND serial_number = ANY($2)`,
		issuerDN, serials)
	if err != nil {
		return nil, err
	}
	return collectCertificates(rows)
}

func (s *Store) CertificatesBySubject(ctx context.Context, subjectDN, issuerDN string) ([]*storage.CertificateRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if issuerDN == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+certColumns+` FROM certificates WHERE subject_dn = $1`, subjectDN)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+certColumns+` FROM certificates WHERE subject_dn = $1 AND issuer_dn = $2`,
			subjectDN, issuerDN)
	}
	if err != nil {
		return nil, err
	}
	return collectCertificates(rows)
}

func (s *Store) CertificatesByOwner(ctx context.Context, username string, statuses []storage.Status) ([]*storage.CertificateRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if statuses == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+certColumns+` FROM certificates
			 WHERE username = $1 ORDER BY expire_date DESC`, username)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+certColumns+` FROM certificates
			 WHERE username = $1 AND status = ANY($2) ORDER BY expire_date DESC`,
			username, statusInts(statuses))
	}
	if err != nil {
		return nil, err
	}
	return collectCertificates(rows)
}

func (s *Store) CertificatesByExpiryWindow(ctx context.Context, from, to time.Time, statuses []storage.Status, limit int) ([]*storage.CertificateRecord, error) {
	query := `SELECT ` + certColumns + ` FROM certificates
		 WHERE expire_date >= $1 AND expire_date <= $2`
	args := []any{from, to}
	if statuses != nil {
		query += ` AND status = ANY($3)`
		args = append(args, statusInts(statuses))
	}
	query += ` ORDER BY expire_date ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectCertificates(rows)
}

func (s *Store) FingerprintsByIssuer(ctx context.Context, issuerDN string) ([]storage.FingerprintExpiry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, expire_date FROM certificates
		 WHERE issuer_dn = $1 ORDER BY expire_date DESC`, issuerDN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.FingerprintExpiry
	for rows.Next() {
		var fe storage.FingerprintExpiry
		if err := rows.Scan(&fe.Fingerprint, &fe.ExpireDate); err != nil {
			return nil, err
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCertificateCAS(ctx context.Context, expectedVersion uint64, rec *storage.CertificateRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var currentVersion uint64
	err = tx.QueryRow(ctx,
		`SELECT version FROM certificates WHERE fingerprint = $1 FOR UPDATE`,
		rec.Fingerprint).Scan(&currentVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE certificates SET
			ca_fingerprint = $2, serial_number = $3, issuer_dn = $4, subject_dn = $5,
			status = $6, cert_type = $7, profile_id = $8, username = $9, tag = $10,
			expire_date = $11, revocation_date = $12, revocation_reason = $13,
			update_time = $14, raw = $15, version = $16
		 WHERE fingerprint = $1`,
		rec.Fingerprint, rec.CAFingerprint, rec.SerialNumber, rec.IssuerDN, rec.SubjectDN,
		rec.Status, rec.Type, rec.ProfileID, rec.Username, rec.Tag,
		rec.ExpireDate, nullableTime(rec.RevocationDate), rec.RevocationReason,
		rec.UpdateTime, rec.Raw, expectedVersion+1)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) RevokeAllByIssuer(ctx context.Context, issuerDN string, reason storage.Reason, now time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Phase 1: temp-revoked records become revoked, date and reason as set
	// by the earlier temporary revocation.
	tag1, err := tx.Exec(ctx,
		`UPDATE certificates SET status = $1, version = version + 1
		 WHERE issuer_dn = $2 AND status = $3`,
		storage.StatusRevoked, issuerDN, storage.StatusTempRevoked)
	if err != nil {
		return 0, err
	}

	// Phase 2: everything still not revoked.
	tag2, err := tx.Exec(ctx,
		`UPDATE certificates
		 SET status = $1, revocation_date = $2, revocation_reason = $3,
		     update_time = $2, version = version + 1
		 WHERE issuer_dn = $4 AND status <> $1`,
		storage.StatusRevoked, now, reason, issuerDN)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag1.RowsAffected() + tag2.RowsAffected(), nil
}

func (s *Store) RevokedCertificates(ctx context.Context, issuerDN string, sinceBase time.Time) ([]storage.RevokedInfo, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if sinceBase.IsZero() {
		rows, err = s.pool.Query(ctx,
			`SELECT fingerprint, serial_number, expire_date, revocation_date, revocation_reason
			 FROM certificates WHERE issuer_dn = $1 AND status = $2`,
			issuerDN, storage.StatusRevoked)
	} else {
		// Delta content: newly revoked plus hold-released records that carry
		// the remove-from-CRL marker.
		rows, err = s.pool.Query(ctx,
			`SELECT fingerprint, serial_number, expire_date, revocation_date, revocation_reason
			 FROM certificates
			 WHERE issuer_dn = $1 AND revocation_date > $2
			   AND (status = $3 OR (status = $4 AND revocation_reason = $5))`,
			issuerDN, sinceBase, storage.StatusRevoked, storage.StatusActive, storage.ReasonRemoveFromCRL)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.RevokedInfo
	for rows.Next() {
		var info storage.RevokedInfo
		var revocationDate *time.Time
		if err := rows.Scan(&info.Fingerprint, &info.SerialNumber, &info.ExpireDate,
			&revocationDate, &info.Reason); err != nil {
			return nil, err
		}
		if revocationDate != nil {
			info.RevocationDate = *revocationDate
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// CRLRepository
// ---------------------------------------------------------------------------

const crlColumns = `fingerprint, ca_fingerprint, issuer_dn, crl_number, this_update, next_update, delta_base, raw`

func scanCRL(row pgx.Row) (*storage.CRLRecord, error) {
	var rec storage.CRLRecord
	err := row.Scan(&rec.Fingerprint, &rec.CAFingerprint, &rec.IssuerDN, &rec.Number,
		&rec.ThisUpdate, &rec.NextUpdate, &rec.DeltaBase, &rec.Raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// deltaCond selects full or delta CRL rows by the sign of delta_base.
func deltaCond(delta bool) string {
	if delta {
		return `delta_base >= 0`
	}
	return `delta_base < 0`
}

func (s *Store) InsertCRL(ctx context.Context, rec *storage.CRLRecord) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// READ COMMITTED alone does not serialize the max-read against a
	// concurrent insert for the same issuer, so take a transaction-scoped
	// advisory lock on the issuer DN first.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, rec.IssuerDN); err != nil {
		return 0, err
	}

	var prevMax int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(crl_number), 0) FROM crls
		 WHERE issuer_dn = $1 AND `+deltaCond(rec.IsDelta()),
		rec.IssuerDN).Scan(&prevMax)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO crls (`+crlColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Fingerprint, rec.CAFingerprint, rec.IssuerDN, rec.Number,
		rec.ThisUpdate, rec.NextUpdate, rec.DeltaBase, rec.Raw)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrAlreadyExists)
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return prevMax, nil
}

func (s *Store) CRLByFingerprint(ctx context.Context, fingerprint string) (*storage.CRLRecord, error) {
	rec, err := scanCRL(s.pool.QueryRow(ctx,
		`SELECT `+crlColumns+` FROM crls WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) LatestCRL(ctx context.Context, issuerDN string, delta bool) (*storage.CRLRecord, error) {
	rec, err := scanCRL(s.pool.QueryRow(ctx,
		`SELECT `+crlColumns+` FROM crls
		 WHERE issuer_dn = $1 AND `+deltaCond(delta)+`
		 ORDER BY crl_number DESC LIMIT 1`, issuerDN))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", issuerDN, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) LastCRLNumber(ctx context.Context, issuerDN string, delta bool) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(crl_number), 0) FROM crls
		 WHERE issuer_dn = $1 AND `+deltaCond(delta), issuerDN).Scan(&max)
	return max, err
}

// ---------------------------------------------------------------------------
// HistoryRepository
// ---------------------------------------------------------------------------

const historyColumns = `fingerprint, serial_number, issuer_dn, username, password, subject_dn, profile_id, added_at, extended_info`

func scanHistory(row pgx.Row) (*storage.RequestHistoryRecord, error) {
	var rec storage.RequestHistoryRecord
	err := row.Scan(&rec.Fingerprint, &rec.SerialNumber, &rec.IssuerDN, &rec.Username,
		&rec.Password, &rec.SubjectDN, &rec.ProfileID, &rec.Timestamp, &rec.ExtendedInfo)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) InsertHistory(ctx context.Context, rec *storage.RequestHistoryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO request_histories (`+historyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Fingerprint, rec.SerialNumber, rec.IssuerDN, rec.Username,
		rec.Password, rec.SubjectDN, rec.ProfileID, rec.Timestamp, rec.ExtendedInfo)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", rec.Fingerprint, storage.ErrAlreadyExists)
	}
	return err
}

func (s *Store) HistoryByFingerprint(ctx context.Context, fingerprint string) (*storage.RequestHistoryRecord, error) {
	rec, err := scanHistory(s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM request_histories WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) HistoryByIssuerAndSerial(ctx context.Context, issuerDN, serial string) (*storage.RequestHistoryRecord, error) {
	rec, err := scanHistory(s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM request_histories
		 WHERE issuer_dn = $1 AND serial_number = $2 LIMIT 1`, issuerDN, serial))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", issuerDN, serial, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) HistoriesByOwner(ctx context.Context, username string) ([]*storage.RequestHistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM request_histories
		 WHERE username = $1 ORDER BY added_at DESC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.RequestHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteHistory(ctx context.Context, fingerprint string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM request_histories WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ProfileRepository
// ---------------------------------------------------------------------------

func (s *Store) ProfileByID(ctx context.Context, id int) (*storage.ProfileRecord, error) {
	var rec storage.ProfileRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, cert_type, publisher_ids, available_issuers
		 FROM profiles WHERE id = $1`, id).Scan(
		&rec.ID, &rec.Name, &rec.Type, &rec.PublisherIDs, &rec.AvailableIssuers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpsertProfile(ctx context.Context, rec *storage.ProfileRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, name, cert_type, publisher_ids, available_issuers)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id)
		 DO UPDATE SET name = $2, cert_type = $3, publisher_ids = $4, available_issuers = $5`,
		rec.ID, rec.Name, rec.Type, rec.PublisherIDs, rec.AvailableIssuers)
	return err
}

// ---------------------------------------------------------------------------
// SealRepository
// ---------------------------------------------------------------------------

func (s *Store) PutSeal(ctx context.Context, rec *storage.SealRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seals (fingerprint, mac, sealed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (fingerprint) DO UPDATE SET mac = $2, sealed_at = $3`,
		rec.Fingerprint, rec.MAC, rec.SealedAt)
	return err
}

func (s *Store) SealByFingerprint(ctx context.Context, fingerprint string) (*storage.SealRecord, error) {
	var rec storage.SealRecord
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, mac, sealed_at FROM seals WHERE fingerprint = $1`,
		fingerprint).Scan(&rec.Fingerprint, &rec.MAC, &rec.SealedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fingerprint, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
