package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/certledger/storage"
)

func certificateResponse(rec *storage.CertificateRecord) CertificateResponse {
	resp := CertificateResponse{
		Fingerprint:      rec.Fingerprint,
		CAFingerprint:    rec.CAFingerprint,
		SerialNumber:     rec.SerialNumber,
		IssuerDN:         rec.IssuerDN,
		SubjectDN:        rec.SubjectDN,
		Status:           rec.Status.String(),
		Type:             int(rec.Type),
		ProfileID:        rec.ProfileID,
		Username:         rec.Username,
		Tag:              rec.Tag,
		ExpireDate:       rec.ExpireDate,
		RevocationReason: rec.RevocationReason.String(),
		UpdateTime:       rec.UpdateTime,
	}
	if !rec.RevocationDate.IsZero() {
		d := rec.RevocationDate
		resp.RevocationDate = &d
	}
	return resp
}

// GetCertificate returns one certificate record by fingerprint.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	rec, err := a.registry.ByFingerprint(r.Context(), fingerprint)
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(rec))
}

// GetRevocationStatus answers "is this certificate revoked" for an
// issuer/serial pair given as query parameters.
func (a *API) GetRevocationStatus(w http.ResponseWriter, r *http.Request) {
	issuer := r.URL.Query().Get("issuer")
	serial := r.URL.Query().Get("serial")
	if issuer == "" || serial == "" {
		writeError(w, http.StatusBadRequest, "issuer and serial query parameters are required")
		return
	}
	info, err := a.registry.RevocationStatus(r.Context(), issuer, serial)
	if err != nil {
		a.mapError(w, err)
		return
	}
	resp := StatusResponse{
		Fingerprint: info.Fingerprint,
		Revoked:     info.Revoked(),
		Status:      info.Status.String(),
		Reason:      info.Reason.String(),
		ExpireDate:  info.ExpireDate,
	}
	if !info.RevocationDate.IsZero() {
		d := info.RevocationDate
		resp.RevocationDate = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListByOwner returns the owner's certificates, newest expiry first. An
// optional status query parameter filters by numeric status code.
func (a *API) ListByOwner(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var statuses []storage.Status
	if s := r.URL.Query().Get("status"); s != "" {
		code, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "status must be a numeric status code")
			return
		}
		statuses = append(statuses, storage.Status(code))
	}
	recs, err := a.registry.ByOwner(r.Context(), username, statuses...)
	if err != nil {
		a.mapError(w, err)
		return
	}
	out := make([]CertificateResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, certificateResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAllRevoked reports whether every certificate of the owner is revoked.
func (a *API) GetAllRevoked(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	all, err := a.machine.IsAllRevoked(r.Context(), username)
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AllRevokedResponse{Username: username, AllRevoked: all})
}

func crlResponse(rec *storage.CRLRecord) CRLResponse {
	return CRLResponse{
		Fingerprint:   rec.Fingerprint,
		CAFingerprint: rec.CAFingerprint,
		IssuerDN:      rec.IssuerDN,
		Number:        rec.Number,
		ThisUpdate:    rec.ThisUpdate,
		NextUpdate:    rec.NextUpdate,
		Delta:         rec.IsDelta(),
		DeltaBase:     rec.DeltaBase,
	}
}

// GetLatestCRL returns the newest CRL for an issuer. The delta query
// parameter selects the delta sequence; raw=1 returns the encoded CRL bytes
// instead of JSON metadata.
func (a *API) GetLatestCRL(w http.ResponseWriter, r *http.Request) {
	issuer := r.URL.Query().Get("issuer")
	if issuer == "" {
		writeError(w, http.StatusBadRequest, "issuer query parameter is required")
		return
	}
	delta := r.URL.Query().Get("delta") == "1" || r.URL.Query().Get("delta") == "true"
	rec, err := a.ledger.Latest(r.Context(), issuer, delta)
	if err != nil {
		a.mapError(w, err)
		return
	}
	if r.URL.Query().Get("raw") == "1" {
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.WriteHeader(http.StatusOK)
		w.Write(rec.Raw)
		return
	}
	writeJSON(w, http.StatusOK, crlResponse(rec))
}

// GetCRL returns one stored CRL by fingerprint.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	rec, err := a.ledger.ByFingerprint(r.Context(), fingerprint)
	if err != nil {
		a.mapError(w, err)
		return
	}
	if r.URL.Query().Get("raw") == "1" {
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.WriteHeader(http.StatusOK)
		w.Write(rec.Raw)
		return
	}
	writeJSON(w, http.StatusOK, crlResponse(rec))
}

// GetHistory returns the request-history snapshot of a certificate. The
// stored credential material stays server side.
func (a *API) GetHistory(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	rec, err := a.history.ByFingerprint(r.Context(), fingerprint)
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Fingerprint:  rec.Fingerprint,
		SerialNumber: rec.SerialNumber,
		IssuerDN:     rec.IssuerDN,
		Username:     rec.Username,
		SubjectDN:    rec.SubjectDN,
		ProfileID:    rec.ProfileID,
		Timestamp:    rec.Timestamp,
	})
}
