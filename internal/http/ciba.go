package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/ciba"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// backchannelView is what an authentication device sees of a request.
type backchannelView struct {
	AuthReqID            string                 `json:"auth_req_id"`
	ClientID             string                 `json:"client_id"`
	Status               domain.CibaGrantStatus `json:"status"`
	Scopes               []string               `json:"scopes"`
	BindingMessage       string                 `json:"binding_message,omitempty"`
	AuthorizationDetails json.RawMessage        `json:"authorization_details,omitempty"`
	ACR                  string                 `json:"acr,omitempty"`
	ExpiresAt            time.Time              `json:"expires_at"`
}

func newBackchannelView(g *domain.CibaGrant) backchannelView {
	return backchannelView{
		AuthReqID:            g.AuthReqID,
		ClientID:             g.ClientID,
		Status:               g.Status,
		Scopes:               g.Grant.Scopes,
		BindingMessage:       g.BindingMessage,
		AuthorizationDetails: g.Grant.AuthorizationDetails,
		ACR:                  g.Grant.ACR,
		ExpiresAt:            g.ExpiresAt,
	}
}

// CIBAHandler handles the backchannel authentication endpoint and the
// decision API of the authentication device.
type CIBAHandler struct {
	cibaService *ciba.Service
	authService *auth.Service
	logger      *slog.Logger
}

// NewCIBAHandler creates a new CIBAHandler.
func NewCIBAHandler(cibaService *ciba.Service, authService *auth.Service, logger *slog.Logger) *CIBAHandler {
	return &CIBAHandler{cibaService: cibaService, authService: authService, logger: logger}
}

// BackchannelAuthentication handles POST /{tenant}/v1/backchannel/authentications.
func (h *CIBAHandler) BackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, h.logger) {
		return
	}
	resp, err := h.cibaService.Request(r.Context(), tenantID(r), r.PostForm, clientInput(r))
	if err != nil {
		writeError(w, r, h.logger, err, "Basic")
		return
	}
	writeNoStore(w, http.StatusOK, resp)
}

// deviceUser reads the end-user credentials of a decision call from HTTP
// Basic authentication or a JSON {username, password} body.
func deviceUser(r *http.Request) (credentials, bool) {
	if username, password, ok := r.BasicAuth(); ok {
		return credentials{Username: username, Password: password}, username != ""
	}
	var body credentials
	if r.Body == nil || r.ContentLength == 0 {
		return body, false
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, false
	}
	return body, body.Username != ""
}

// authenticateDevice loads the request and checks that the user it names
// presented valid credentials. It writes the error response and returns nil
// otherwise.
func (h *CIBAHandler) authenticateDevice(w http.ResponseWriter, r *http.Request, tenant, id string) *domain.CibaGrant {
	body, ok := deviceUser(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+tenant+`"`)
		writeNoStore(w, http.StatusUnauthorized, errorResponse{Error: "invalid_credentials", ErrorDescription: "username and password are required"})
		return nil
	}

	pending, err := h.cibaService.Get(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return nil
	}
	user, err := h.authService.Authenticate(r.Context(), tenant, body.Username, body.Password)
	switch {
	case idperrors.IsCode(err, idperrors.CodeUnauthorized):
		writeNoStore(w, http.StatusUnauthorized, errorResponse{Error: "invalid_credentials", ErrorDescription: "invalid username or password"})
		return nil
	case idperrors.IsCode(err, idperrors.CodeRateLimited):
		writeNoStore(w, http.StatusTooManyRequests, errorResponse{Error: "account_locked", ErrorDescription: "too many failed attempts"})
		return nil
	case err != nil:
		writeError(w, r, h.logger, err, "")
		return nil
	}
	if user.Sub != pending.Grant.UserSub {
		h.logger.Warn("backchannel decision by another user",
			"tenant_id", tenant, "auth_req_id", id, "sub", user.Sub)
		writeNoStore(w, http.StatusForbidden, errorResponse{Error: idperrors.CodeAccessDenied, ErrorDescription: "the request was issued for another user"})
		return nil
	}
	return pending
}

// Get handles GET /{tenant}/v1/backchannel/authentications/{id}. Only the
// user the request names may read it.
func (h *CIBAHandler) Get(w http.ResponseWriter, r *http.Request) {
	grant := h.authenticateDevice(w, r, tenantID(r), chi.URLParam(r, "id"))
	if grant == nil {
		return
	}
	writeNoStore(w, http.StatusOK, newBackchannelView(grant))
}

// Authorize handles POST /{tenant}/v1/backchannel/authentications/{id}/authorize.
// The user the request names must authenticate with their password.
func (h *CIBAHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	tenant, id := tenantID(r), chi.URLParam(r, "id")
	if h.authenticateDevice(w, r, tenant, id) == nil {
		return
	}

	grant, err := h.cibaService.Authorize(r.Context(), tenant, id, []string{"pwd"})
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	writeNoStore(w, http.StatusOK, newBackchannelView(grant))
}

// Deny handles POST /{tenant}/v1/backchannel/authentications/{id}/deny, with
// the same credentials as Authorize.
func (h *CIBAHandler) Deny(w http.ResponseWriter, r *http.Request) {
	tenant, id := tenantID(r), chi.URLParam(r, "id")
	if h.authenticateDevice(w, r, tenant, id) == nil {
		return
	}

	grant, err := h.cibaService.Deny(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	writeNoStore(w, http.StatusOK, newBackchannelView(grant))
}
