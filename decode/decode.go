// Package decode extracts the record fields the ledger stores from encoded
// certificates and CRLs. The store itself treats both as opaque blobs; this
// package is the only place encodings are parsed.
package decode

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEncoding is returned when input bytes are neither valid DER nor
// a PEM block of the expected type.
var ErrInvalidEncoding = errors.New("invalid certificate or CRL encoding")

// Certificate holds the fields extracted from an encoded certificate.
// Fingerprint is the lowercase hex SHA-256 of the DER encoding; SerialNumber
// is the decimal string form of the serial.
type Certificate struct {
	Raw          []byte
	Fingerprint  string
	IssuerDN     string
	SubjectDN    string
	SerialNumber string
	NotAfter     time.Time
}

// CRL holds the fields extracted from an encoded CRL.
type CRL struct {
	Raw         []byte
	Fingerprint string
	IssuerDN    string
	Number      int64
	ThisUpdate  time.Time
	NextUpdate  time.Time
}

// derBytes returns the DER payload of data, unwrapping a single PEM block of
// the given type if present.
func derBytes(data []byte, pemType string) ([]byte, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemType {
			return nil, fmt.Errorf("unexpected PEM type %q: %w", block.Type, ErrInvalidEncoding)
		}
		return block.Bytes, nil
	}
	return data, nil
}

// ParseCertificate extracts record fields from a DER or PEM encoded
// certificate.
func ParseCertificate(data []byte) (*Certificate, error) {
	der, err := derBytes(data, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	fingerprint := sha256.Sum256(der)
	return &Certificate{
		Raw:          der,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
		IssuerDN:     DNString(cert.Issuer),
		SubjectDN:    DNString(cert.Subject),
		SerialNumber: cert.SerialNumber.String(),
		NotAfter:     cert.NotAfter.UTC(),
	}, nil
}

// ParseCRL extracts record fields from a DER or PEM encoded CRL.
func ParseCRL(data []byte) (*CRL, error) {
	der, err := derBytes(data, "X509 CRL")
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	fingerprint := sha256.Sum256(der)
	out := &CRL{
		Raw:         der,
		Fingerprint: hex.EncodeToString(fingerprint[:]),
		IssuerDN:    DNString(crl.Issuer),
		ThisUpdate:  crl.ThisUpdate.UTC(),
		NextUpdate:  crl.NextUpdate.UTC(),
	}
	if crl.Number != nil {
		out.Number = crl.Number.Int64()
	}
	return out, nil
}

// DNString formats a pkix.Name as a readable DN string, most specific
// attribute first.
func DNString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ",")
}
