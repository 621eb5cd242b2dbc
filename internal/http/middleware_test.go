package http

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	config := &CORSConfig{
		AllowedOrigins: []string{"https://example.com", "https://app.example.com"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}

	handler := CORSMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name         string
		origin       string
		expectOrigin string
	}{
		{
			name:         "allowed origin",
			origin:       "https://example.com",
			expectOrigin: "https://example.com",
		},
		{
			name:         "allowed subdomain origin",
			origin:       "https://app.example.com",
			expectOrigin: "https://app.example.com",
		},
		{
			name:         "disallowed origin",
			origin:       "https://evil.com",
			expectOrigin: "",
		},
		{
			name:         "no origin header",
			origin:       "",
			expectOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.expectOrigin {
				t.Errorf("Expected Access-Control-Allow-Origin '%s', got '%s'", tt.expectOrigin, got)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
				t.Errorf("Credentials must never be allowed, got '%s'", got)
			}
			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", w.Code)
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	handler := CORSMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/acme/v1/userinfo", nil)
	req.Header.Set("Origin", "https://spa.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://spa.example.com" {
		t.Errorf("Expected the origin to be echoed, got '%s'", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Expected allowed methods, got '%s'", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Expected max age 86400, got '%s'", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, value := range expected {
		if got := w.Header().Get(header); got != value {
			t.Errorf("Expected %s '%s', got '%s'", header, value, got)
		}
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS must not be sent over plain HTTP, got '%s'", got)
	}

	req = httptest.NewRequest(http.MethodGet, "https://idp.example.com/test", nil)
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("Expected HSTS over TLS")
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit("token", 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/acme/v1/tokens", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)

		if w.Code == http.StatusTooManyRequests && !strings.Contains(w.Body.String(), "temporarily_unavailable") {
			t.Errorf("Expected temporarily_unavailable body, got %s", w.Body.String())
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}

	// Other clients keep their own budget.
	req := httptest.NewRequest(http.MethodPost, "/acme/v1/tokens", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for another client, got %d", w.Code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	handler := RateLimit("token", 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200 with limit disabled, got %d", w.Code)
		}
	}
}

func TestRequireForm(t *testing.T) {
	handler := RequireForm(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name        string
		method      string
		contentType string
		want        int
	}{
		{"form", http.MethodPost, "application/x-www-form-urlencoded", http.StatusOK},
		{"form with charset", http.MethodPost, "application/x-www-form-urlencoded; charset=UTF-8", http.StatusOK},
		{"json", http.MethodPost, "application/json", http.StatusBadRequest},
		{"missing", http.MethodPost, "", http.StatusBadRequest},
		{"get", http.MethodGet, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/acme/v1/tokens", strings.NewReader("a=b"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func selfSignedCertificate(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

func TestClientCertificate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	forwarded := selfSignedCertificate(t, "forwarded")
	handshake := selfSignedCertificate(t, "handshake")

	var seen *x509.Certificate
	handler := ClientCertificate("X-Client-Cert", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = certificateFrom(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		tls    *x509.Certificate
		wantCN string
	}{
		{"none", "", nil, ""},
		{"forwarded", base64.StdEncoding.EncodeToString(forwarded.Raw), nil, "forwarded"},
		{"handshake wins", base64.StdEncoding.EncodeToString(forwarded.Raw), handshake, "handshake"},
		{"garbage header", "not a certificate", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/acme/v1/tokens", nil)
			if tt.header != "" {
				req.Header.Set("X-Client-Cert", tt.header)
			}
			if tt.tls != nil {
				req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{tt.tls}}
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			got := ""
			if seen != nil {
				got = seen.Subject.CommonName
			}
			if got != tt.wantCN {
				t.Errorf("Expected certificate '%s', got '%s'", tt.wantCN, got)
			}
		})
	}
}

func TestClientCertificate_HeaderDisabled(t *testing.T) {
	cert := selfSignedCertificate(t, "forwarded")
	handler := ClientCertificate("", slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if certificateFrom(r.Context()) != nil {
			t.Error("Forwarded certificates must be ignored without a configured header")
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Client-Cert", base64.StdEncoding.EncodeToString(cert.Raw))
	handler.ServeHTTP(httptest.NewRecorder(), req)
}
