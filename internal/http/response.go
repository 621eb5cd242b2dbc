package http

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/tenant-idp/internal/clientauth"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// errorResponse is the OAuth 2.0 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func tenantID(r *http.Request) string {
	return chi.URLParam(r, "tenant")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeNoStore writes a JSON body that carries credentials.
func writeNoStore(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, v)
}

// writeError writes err as an OAuth error body. Server errors log their cause
// and expose only server_error. challenge names the WWW-Authenticate scheme
// sent with a 401; empty sends none.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, challenge string) {
	e := idperrors.OAuth(err)
	if e.Code == idperrors.CodeServerError {
		logger.Error("request failed",
			"tenant_id", tenantID(r), "path", r.URL.Path, "error", err)
	}

	status := e.HTTPStatus()
	if status == http.StatusFound {
		status = http.StatusBadRequest
	}
	switch {
	case challenge == "Bearer" && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q, error_description=%q`, e.Code, e.Message))
	case challenge != "" && status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", challenge+` realm="`+tenantID(r)+`"`)
	}
	writeNoStore(w, status, errorResponse{Error: e.Code, ErrorDescription: e.Message})
}

// clientInput collects the client authentication material of a request.
// The form must be parsed.
func clientInput(r *http.Request) clientauth.Input {
	in := clientauth.Input{
		ClientID:            r.PostForm.Get("client_id"),
		ClientSecret:        r.PostForm.Get("client_secret"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
		Certificate:         certificateFrom(r.Context()),
	}
	if user, pass, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1 form-encodes the credentials before encoding them.
		in.BasicUser = formDecode(user)
		in.BasicPassword = formDecode(pass)
		in.HasBasic = true
	}
	return in
}

func formDecode(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

func parseForm(w http.ResponseWriter, r *http.Request, logger *slog.Logger) bool {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, logger, idperrors.ClientError("", "malformed request body"), "")
		return false
	}
	return true
}

// certificateOf returns the verified TLS client certificate of r, if any.
func certificateOf(r *http.Request) *x509.Certificate {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0]
	}
	return nil
}
