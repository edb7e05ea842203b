package api

import "time"

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CertificateResponse is the JSON view of a stored certificate record. The
// raw encoding is omitted; callers fetch it separately if needed.
type CertificateResponse struct {
	Fingerprint      string     `json:"fingerprint"`
	CAFingerprint    string     `json:"ca_fingerprint"`
	SerialNumber     string     `json:"serial_number"`
	IssuerDN         string     `json:"issuer_dn"`
	SubjectDN        string     `json:"subject_dn"`
	Status           string     `json:"status"`
	Type             int        `json:"type"`
	ProfileID        int        `json:"profile_id"`
	Username         string     `json:"username"`
	Tag              string     `json:"tag,omitempty"`
	ExpireDate       time.Time  `json:"expire_date"`
	RevocationDate   *time.Time `json:"revocation_date,omitempty"`
	RevocationReason string     `json:"revocation_reason"`
	UpdateTime       time.Time  `json:"update_time"`
}

// StatusResponse answers a revocation-status query.
type StatusResponse struct {
	Fingerprint    string     `json:"fingerprint"`
	Revoked        bool       `json:"revoked"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason"`
	RevocationDate *time.Time `json:"revocation_date,omitempty"`
	ExpireDate     time.Time  `json:"expire_date"`
}

// CRLResponse is the JSON view of a stored CRL.
type CRLResponse struct {
	Fingerprint   string    `json:"fingerprint"`
	CAFingerprint string    `json:"ca_fingerprint"`
	IssuerDN      string    `json:"issuer_dn"`
	Number        int64     `json:"number"`
	ThisUpdate    time.Time `json:"this_update"`
	NextUpdate    time.Time `json:"next_update"`
	Delta         bool      `json:"delta"`
	DeltaBase     int64     `json:"delta_base,omitempty"`
}

// HistoryResponse is the JSON view of a request-history snapshot. The
// stored credential material is never exposed.
type HistoryResponse struct {
	Fingerprint  string    `json:"fingerprint"`
	SerialNumber string    `json:"serial_number"`
	IssuerDN     string    `json:"issuer_dn"`
	Username     string    `json:"username"`
	SubjectDN    string    `json:"subject_dn"`
	ProfileID    int       `json:"profile_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// AllRevokedResponse answers the owner-wide revocation check.
type AllRevokedResponse struct {
	Username   string `json:"username"`
	AllRevoked bool   `json:"all_revoked"`
}
