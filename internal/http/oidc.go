package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/oidc"
)

// OIDCHandler handles the authorization, token and userinfo endpoints.
type OIDCHandler struct {
	authorizeService *oidc.AuthorizeService
	tokenService     *oidc.TokenService
	userInfoService  *oidc.UserInfoService
	interactionURL   string
	logger           *slog.Logger
}

// NewOIDCHandler creates a new OIDCHandler. interactionURL receives the
// browser after an accepted authorization request; empty answers with JSON.
func NewOIDCHandler(
	authorizeService *oidc.AuthorizeService,
	tokenService *oidc.TokenService,
	userInfoService *oidc.UserInfoService,
	interactionURL string,
	logger *slog.Logger,
) *OIDCHandler {
	return &OIDCHandler{
		authorizeService: authorizeService,
		tokenService:     tokenService,
		userInfoService:  userInfoService,
		interactionURL:   interactionURL,
		logger:           logger,
	}
}

// pendingAuthorization is the JSON answer of an accepted authorization
// request when no interaction URL is configured.
type pendingAuthorization struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authorize handles GET|POST /{tenant}/v1/authorizations.
func (h *OIDCHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, h.logger) {
		return
	}
	tenant := tenantID(r)

	req, err := h.authorizeService.Request(r.Context(), tenant, r.Form)
	if err != nil {
		h.authorizationError(w, r, err)
		return
	}

	if h.interactionURL == "" {
		writeJSON(w, http.StatusOK, pendingAuthorization{ID: req.ID(), ExpiresAt: req.ExpiresAt()})
		return
	}
	u, err := url.Parse(h.interactionURL)
	if err != nil {
		writeError(w, r, h.logger, idperrors.ServerError(err), "")
		return
	}
	q := u.Query()
	q.Set("tenant_id", tenant)
	q.Set("id", req.ID())
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// authorizationError redirects errors with a trusted redirect_uri back to
// the client; the rest are answered directly.
func (h *OIDCHandler) authorizationError(w http.ResponseWriter, r *http.Request, err error) {
	e := idperrors.OAuth(err)
	if e.IsRedirectable() {
		http.Redirect(w, r, oidc.BuildErrorResponse(e.Redirect.URI, e.Code, e.Message, e.Redirect.State), http.StatusFound)
		return
	}
	h.logger.Debug("authorization request rejected", "tenant_id", tenantID(r), "error", err)
	writeError(w, r, h.logger, e, "")
}

// Token handles POST /{tenant}/v1/tokens.
func (h *OIDCHandler) Token(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, h.logger) {
		return
	}
	form := r.PostForm

	resp, err := h.tokenService.Request(r.Context(), &oidc.TokenRequest{
		TenantID:     tenantID(r),
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		Assertion:    form.Get("assertion"),
		AuthReqID:    form.Get("auth_req_id"),
		Client:       clientInput(r),
	})
	if err != nil {
		writeError(w, r, h.logger, err, "Basic")
		return
	}
	writeNoStore(w, http.StatusOK, resp)
}

// Revoke handles POST /{tenant}/v1/tokens/revocation (RFC 7009).
func (h *OIDCHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, h.logger) {
		return
	}
	err := h.tokenService.Revoke(r.Context(), tenantID(r), clientInput(r),
		r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		writeError(w, r, h.logger, err, "Basic")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /{tenant}/v1/tokens/introspection (RFC 7662).
func (h *OIDCHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, h.logger) {
		return
	}
	resp, err := h.tokenService.Introspect(r.Context(), tenantID(r), clientInput(r),
		r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		writeError(w, r, h.logger, err, "Basic")
		return
	}
	writeNoStore(w, http.StatusOK, resp)
}

// UserInfo handles GET|POST /{tenant}/v1/userinfo. The access token comes
// from the Authorization header or, for form posts, the access_token parameter.
func (h *OIDCHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token, err := oidc.ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil && r.Method == http.MethodPost && r.Header.Get("Authorization") == "" {
		if perr := r.ParseForm(); perr == nil && r.PostForm.Get("access_token") != "" {
			token, err = r.PostForm.Get("access_token"), nil
		}
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Bearer")
		return
	}

	claims, err := h.userInfoService.UserInfo(r.Context(), tenantID(r), token, certificateFrom(r.Context()))
	if err != nil {
		h.logger.Debug("userinfo request failed", "tenant_id", tenantID(r), "error", err)
		writeError(w, r, h.logger, err, "Bearer")
		return
	}
	writeNoStore(w, http.StatusOK, claims)
}
