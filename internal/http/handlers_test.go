package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store/memory"
)

func TestHealthHandler_Healthz(t *testing.T) {
	handler := NewHealthHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Healthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestHealthHandler_Readyz(t *testing.T) {
	handler := NewHealthHandler(nil)

	// Test when ready
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 when ready, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "ready" {
		t.Errorf("Expected status 'ready', got '%s'", response["status"])
	}

	// Test when not ready
	handler.SetReady(false)
	w = httptest.NewRecorder()
	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 when not ready, got %d", w.Code)
	}
}

func TestHealthHandler_ReadyzChecks(t *testing.T) {
	redisDown := errors.New("dial tcp: connection refused")
	handler := NewHealthHandler(map[string]ReadinessCheck{
		"config": func(context.Context) error { return nil },
		"grants": func(context.Context) error { return redisDown },
	})

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with a failing check, got %d", w.Code)
	}

	var response struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Checks["grants"] != redisDown.Error() {
		t.Errorf("Expected the failing check to be reported, got %v", response.Checks)
	}
	if _, ok := response.Checks["config"]; ok {
		t.Error("Passing checks should not be reported")
	}
}

func testServerConfiguration() domain.ServerConfiguration {
	issuer := "https://idp.example.com/acme"
	return domain.ServerConfiguration{
		TenantID:                          "acme",
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/v1/authorizations",
		TokenEndpoint:                     issuer + "/v1/tokens",
		UserinfoEndpoint:                  issuer + "/v1/userinfo",
		JWKSURI:                           issuer + "/v1/jwks",
		BackchannelAuthenticationEndpoint: issuer + "/v1/backchannel/authentications",
		ScopesSupported:                   []string{"openid", "profile"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "private_key_jwt"},
		TLSCertificateBoundTokens:         true,
	}
}

func TestNewDiscovery(t *testing.T) {
	cfg := testServerConfiguration()
	d := NewDiscovery(&cfg)

	if d.Issuer != cfg.Issuer {
		t.Errorf("Expected issuer '%s', got '%s'", cfg.Issuer, d.Issuer)
	}
	if d.JwksURI != cfg.JWKSURI {
		t.Errorf("Expected jwks_uri '%s', got '%s'", cfg.JWKSURI, d.JwksURI)
	}
	if !slices.Equal(d.IDTokenSigningAlgValuesSupported, []string{"RS256"}) {
		t.Errorf("Expected RS256 ID tokens, got %v", d.IDTokenSigningAlgValuesSupported)
	}
	if !slices.Contains(d.CodeChallengeMethodsSupported, "S256") {
		t.Error("CodeChallengeMethodsSupported should include S256")
	}
	if !slices.Contains(d.TokenEndpointAuthSigningAlgValuesSupported, "PS256") {
		t.Error("TokenEndpointAuthSigningAlgValuesSupported should include PS256")
	}
	if !d.TLSClientCertificateBoundAccessTokens {
		t.Error("Expected certificate bound access tokens to be advertised")
	}
	if d.RequestURIParameterSupported {
		t.Error("request_uri is not supported")
	}

	// Without the ciba grant the backchannel metadata is left out.
	if d.BackchannelAuthenticationEndpoint != "" || d.BackchannelTokenDeliveryModesSupported != nil {
		t.Errorf("Expected no backchannel metadata, got %+v", d)
	}

	cfg.GrantTypesSupported = append(cfg.GrantTypesSupported, string(domain.GrantTypeCIBA))
	cfg.BackchannelTokenDeliveryModesSupported = []string{domain.DeliveryModePoll, domain.DeliveryModePing}
	d = NewDiscovery(&cfg)
	if d.BackchannelAuthenticationEndpoint != cfg.BackchannelAuthenticationEndpoint {
		t.Errorf("Expected backchannel endpoint '%s', got '%s'", cfg.BackchannelAuthenticationEndpoint, d.BackchannelAuthenticationEndpoint)
	}
	if len(d.BackchannelTokenDeliveryModesSupported) != 2 {
		t.Errorf("Expected two delivery modes, got %v", d.BackchannelTokenDeliveryModesSupported)
	}
}

func TestDiscoveryHandler_OpenIDConfiguration(t *testing.T) {
	mem := memory.NewStore()
	mem.PutServer(testServerConfiguration())
	handler := NewDiscoveryHandler(mem.Servers(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Get("/{tenant}/.well-known/openid-configuration", handler.OpenIDConfiguration)

	req := httptest.NewRequest(http.MethodGet, "/acme/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Expected a cacheable response, got '%s'", cc)
	}

	var discovery OIDCDiscovery
	if err := json.NewDecoder(w.Body).Decode(&discovery); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if discovery.TokenEndpoint != "https://idp.example.com/acme/v1/tokens" {
		t.Errorf("Unexpected token endpoint '%s'", discovery.TokenEndpoint)
	}

	// Unknown tenant
	req = httptest.NewRequest(http.MethodGet, "/other/.well-known/openid-configuration", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an unknown tenant, got %d", w.Code)
	}
}

func TestWriteError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name          string
		err           error
		challenge     string
		wantStatus    int
		wantCode      string
		wantChallenge string
	}{
		{
			name:       "client error",
			err:        idperrors.ClientError("", "scope is required"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:          "invalid client with basic challenge",
			err:           idperrors.ClientUnauthorized("bad secret"),
			challenge:     "Basic",
			wantStatus:    http.StatusUnauthorized,
			wantCode:      "invalid_client",
			wantChallenge: `Basic realm="acme"`,
		},
		{
			name:          "invalid token with bearer challenge",
			err:           &idperrors.Error{Code: idperrors.CodeInvalidToken, Message: "expired", Status: http.StatusUnauthorized},
			challenge:     "Bearer",
			wantStatus:    http.StatusUnauthorized,
			wantCode:      "invalid_token",
			wantChallenge: `Bearer error="invalid_token", error_description="expired"`,
		},
		{
			name:       "redirectable answered directly",
			err:        idperrors.Redirectable("invalid_scope", "unknown scope", "https://app.example.com/cb", "xyz"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_scope",
		},
		{
			name:       "unknown error hides its cause",
			err:        errors.New("disk on fire"),
			challenge:  "Basic",
			wantStatus: http.StatusInternalServerError,
			wantCode:   "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			r := chi.NewRouter()
			r.Get("/{tenant}/x", func(rw http.ResponseWriter, req *http.Request) {
				writeError(rw, req, logger, tt.err, tt.challenge)
			})
			w = httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/acme/x", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if got := w.Header().Get("WWW-Authenticate"); got != tt.wantChallenge {
				t.Errorf("Expected WWW-Authenticate '%s', got '%s'", tt.wantChallenge, got)
			}
			if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
				t.Errorf("Expected Cache-Control 'no-store', got '%s'", cc)
			}

			var body errorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("Expected error '%s', got '%s'", tt.wantCode, body.Error)
			}
			if strings.Contains(body.ErrorDescription, "disk") {
				t.Error("Server error causes must not be exposed")
			}
		})
	}
}

func TestClientInput(t *testing.T) {
	form := url.Values{}
	form.Set("client_id", "web")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", "eyJ.x.y")

	req := httptest.NewRequest(http.MethodPost, "/acme/v1/tokens", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// "my client" / "p@ss:word" form-encoded before Basic encoding.
	req.SetBasicAuth(url.QueryEscape("my client"), url.QueryEscape("p@ss:word"))
	if err := req.ParseForm(); err != nil {
		t.Fatalf("Failed to parse form: %v", err)
	}

	in := clientInput(req)
	if in.ClientID != "web" {
		t.Errorf("Expected client_id 'web', got '%s'", in.ClientID)
	}
	if in.ClientAssertion != "eyJ.x.y" {
		t.Errorf("Expected the client assertion, got '%s'", in.ClientAssertion)
	}
	if !in.HasBasic {
		t.Fatal("Expected Basic credentials")
	}
	if in.BasicUser != "my client" || in.BasicPassword != "p@ss:word" {
		t.Errorf("Expected decoded Basic credentials, got '%s' / '%s'", in.BasicUser, in.BasicPassword)
	}
	if in.Certificate != nil {
		t.Error("Expected no client certificate")
	}
}
