package storage

import "time"

// Status is the lifecycle state of a stored certificate record.
type Status int

const (
	// StatusActive marks a certificate that is valid and in use.
	StatusActive Status = 20
	// StatusNotifiedAboutExpiration marks an active certificate whose owner
	// has been told it is about to expire.
	StatusNotifiedAboutExpiration Status = 21
	// StatusTempRevoked marks a certificate swept up in a CA-wide
	// decommission before the bulk transition normalizes it to revoked.
	StatusTempRevoked Status = 30
	// StatusRevoked is terminal except for certificate-hold release.
	StatusRevoked Status = 40
	// StatusArchived marks a record kept for history only.
	StatusArchived Status = 60
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusNotifiedAboutExpiration:
		return "notified_about_expiration"
	case StatusTempRevoked:
		return "temp_revoked"
	case StatusRevoked:
		return "revoked"
	case StatusArchived:
		return "archived"
	}
	return "unknown"
}

// Reason is an RFC 5280 CRL reason code, extended with the not-revoked
// sentinel and the internal remove-from-CRL marker used for delta CRLs.
type Reason int

const (
	ReasonNotRevoked           Reason = -1
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonRemoveFromCRL        Reason = 8
	ReasonPrivilegesWithdrawn  Reason = 9
	ReasonAACompromise         Reason = 10
)

// Revokes reports whether r is a genuine revocation reason, as opposed to
// the not-revoked sentinel or the remove-from-CRL marker.
func (r Reason) Revokes() bool {
	return r != ReasonNotRevoked && r != ReasonRemoveFromCRL
}

func (r Reason) String() string {
	switch r {
	case ReasonNotRevoked:
		return "not_revoked"
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "key_compromise"
	case ReasonCACompromise:
		return "ca_compromise"
	case ReasonAffiliationChanged:
		return "affiliation_changed"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessation_of_operation"
	case ReasonCertificateHold:
		return "certificate_hold"
	case ReasonRemoveFromCRL:
		return "remove_from_crl"
	case ReasonPrivilegesWithdrawn:
		return "privileges_withdrawn"
	case ReasonAACompromise:
		return "aa_compromise"
	}
	return "unknown"
}

// CertType is a bitmask classifying a certificate.
type CertType int

const (
	TypeEndEntity CertType = 1 << 0
	TypeSubCA     CertType = 1 << 1
	TypeRootCA    CertType = 1 << 3
	TypeHardToken CertType = 1 << 4
)

// CertificateRecord is the durable state of one issued certificate, keyed by
// the content fingerprint of its encoding. Records are created once and never
// deleted; status, reason and revocation date change only through the
// revocation state machine.
type CertificateRecord struct {
	Fingerprint      string
	CAFingerprint    string
	SerialNumber     string // decimal string form of the big-integer serial
	IssuerDN         string
	SubjectDN        string
	Status           Status
	Type             CertType
	ProfileID        int
	Username         string
	Tag              string
	ExpireDate       time.Time
	RevocationDate   time.Time // zero unless Status == StatusRevoked
	RevocationReason Reason
	UpdateTime       time.Time
	Raw              []byte

	// Version is the compare-and-swap counter. It starts at 1 on insert and
	// is bumped by every successful UpdateCertificateCAS.
	Version uint64
}

// CRLRecord is one issued CRL, keyed by the fingerprint of its encoding.
// CRL records are immutable.
type CRLRecord struct {
	Fingerprint   string
	CAFingerprint string
	IssuerDN      string
	Number        int64
	ThisUpdate    time.Time
	NextUpdate    time.Time
	// DeltaBase is -1 for a full CRL; a non-negative value marks a delta CRL
	// and names the base CRL number it builds on.
	DeltaBase int64
	Raw       []byte
}

// IsDelta reports whether the record is a delta CRL.
func (c *CRLRecord) IsDelta() bool {
	return c.DeltaBase >= 0
}

// RequestHistoryRecord is the frozen snapshot of the identity data used at
// issuance time, kept so a certificate can be republished after a hold is
// lifted. It shares its fingerprint with the certificate record it was
// created alongside, and may be deleted independently of it.
type RequestHistoryRecord struct {
	Fingerprint  string
	SerialNumber string
	IssuerDN     string
	Username     string
	Password     string
	SubjectDN    string
	ProfileID    int
	Timestamp    time.Time
	ExtendedInfo map[string]string
}

// ProfileRecord is a dynamically defined certificate profile. The fixed
// well-known profiles live in the certstore package and are resolved before
// this table is consulted.
type ProfileRecord struct {
	ID               int
	Name             string
	Type             CertType
	PublisherIDs     []int
	AvailableIssuers []string
}

// SealRecord is one tamper-evidence entry: a keyed MAC over the canonical
// snapshot of a certificate record at a given update time.
type SealRecord struct {
	Fingerprint string
	MAC         []byte
	SealedAt    time.Time
}

// RevokedInfo is the per-certificate tuple CRL content generation consumes.
type RevokedInfo struct {
	Fingerprint    string
	SerialNumber   string
	ExpireDate     time.Time
	RevocationDate time.Time
	Reason         Reason
}

// FingerprintExpiry pairs a certificate fingerprint with its expire date,
// used by the full-scan listing.
type FingerprintExpiry struct {
	Fingerprint string
	ExpireDate  time.Time
}

// CloneCertificate returns a deep copy of rec so callers can't mutate stored
// state through a returned pointer.
func CloneCertificate(rec *CertificateRecord) *CertificateRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Raw = append([]byte(nil), rec.Raw...)
	return &out
}

// CloneHistory returns a deep copy of rec.
func CloneHistory(rec *RequestHistoryRecord) *RequestHistoryRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.ExtendedInfo != nil {
		out.ExtendedInfo = make(map[string]string, len(rec.ExtendedInfo))
		for k, v := range rec.ExtendedInfo {
			out.ExtendedInfo[k] = v
		}
	}
	return &out
}

// CloneCRL returns a deep copy of rec.
func CloneCRL(rec *CRLRecord) *CRLRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Raw = append([]byte(nil), rec.Raw...)
	return &out
}

// CloneProfile returns a deep copy of rec.
func CloneProfile(rec *ProfileRecord) *ProfileRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.PublisherIDs = append([]int(nil), rec.PublisherIDs...)
	out.AvailableIssuers = append([]string(nil), rec.AvailableIssuers...)
	return &out
}
