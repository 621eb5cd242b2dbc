package http

import (
	"log/slog"
	"net/http"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/store"
)

// JWKSHandler handles JWKS endpoints.
type JWKSHandler struct {
	servers    store.ServerConfigurationRepository
	keyService *crypto.KeyService
	logger     *slog.Logger
}

// NewJWKSHandler creates a new JWKSHandler.
func NewJWKSHandler(servers store.ServerConfigurationRepository, keyService *crypto.KeyService, logger *slog.Logger) *JWKSHandler {
	return &JWKSHandler{
		servers:    servers,
		keyService: keyService,
		logger:     logger,
	}
}

// JWKS handles GET /{tenant}/v1/jwks. Signing keys are shared by all
// tenants; the tenant must exist.
func (h *JWKSHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	if _, err := oidc.LoadServer(r.Context(), h.servers, tenantID(r)); err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}

	jwks, err := h.keyService.JWKS(r.Context())
	if err != nil {
		h.logger.Error("failed to get JWKS", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, jwks)
}
