package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/oidc"
)

// credentials is the body of the interaction authorize calls.
type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// redirectResponse tells the interaction UI where to send the browser.
type redirectResponse struct {
	RedirectURI string `json:"redirect_uri"`
}

// InteractionHandler is the JSON API an interaction UI drives a pending
// authorization request with.
type InteractionHandler struct {
	authorizeService *oidc.AuthorizeService
	logger           *slog.Logger
}

// NewInteractionHandler creates a new InteractionHandler.
func NewInteractionHandler(authorizeService *oidc.AuthorizeService, logger *slog.Logger) *InteractionHandler {
	return &InteractionHandler{authorizeService: authorizeService, logger: logger}
}

// ViewData handles GET /{tenant}/v1/authorizations/{id}/view-data.
func (h *InteractionHandler) ViewData(w http.ResponseWriter, r *http.Request) {
	data, err := h.authorizeService.ViewData(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	writeNoStore(w, http.StatusOK, data)
}

// Authorize handles POST /{tenant}/v1/authorizations/{id}/authorize.
// Wrong credentials answer 401 and leave the request pending.
func (h *InteractionHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, r, h.logger, idperrors.ClientError("", "username and password are required"), "")
		return
	}

	redirect, err := h.authorizeService.Authorize(r.Context(), tenantID(r), chi.URLParam(r, "id"), body.Username, body.Password)
	if err != nil {
		h.decisionError(w, r, err)
		return
	}
	writeNoStore(w, http.StatusOK, redirectResponse{RedirectURI: redirect})
}

// Deny handles POST /{tenant}/v1/authorizations/{id}/deny.
func (h *InteractionHandler) Deny(w http.ResponseWriter, r *http.Request) {
	redirect, err := h.authorizeService.Deny(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.decisionError(w, r, err)
		return
	}
	writeNoStore(w, http.StatusOK, redirectResponse{RedirectURI: redirect})
}

func (h *InteractionHandler) decisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case idperrors.IsCode(err, idperrors.CodeUnauthorized):
		writeNoStore(w, http.StatusUnauthorized, errorResponse{Error: "invalid_credentials", ErrorDescription: "invalid username or password"})
		return
	case idperrors.IsCode(err, idperrors.CodeRateLimited):
		writeNoStore(w, http.StatusTooManyRequests, errorResponse{Error: "account_locked", ErrorDescription: "too many failed attempts"})
		return
	}

	e := idperrors.OAuth(err)
	if e.IsRedirectable() {
		writeNoStore(w, http.StatusOK, redirectResponse{
			RedirectURI: oidc.BuildErrorResponse(e.Redirect.URI, e.Code, e.Message, e.Redirect.State),
		})
		return
	}
	writeError(w, r, h.logger, e, "")
}
