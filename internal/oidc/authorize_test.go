package oidc

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

func TestBuildAuthorizationResponse(t *testing.T) {
	tests := []struct {
		name        string
		redirectURI string
		code        string
		state       string
		wantContain []string
	}{
		{
			name:        "with state",
			redirectURI: "http://localhost:3000/callback",
			code:        "test-code-123",
			state:       "test-state",
			wantContain: []string{"code=test-code-123", "state=test-state"},
		},
		{
			name:        "without state",
			redirectURI: "http://localhost:3000/callback",
			code:        "test-code-123",
			state:       "",
			wantContain: []string{"code=test-code-123"},
		},
		{
			name:        "preserves existing query params",
			redirectURI: "http://localhost:3000/callback?existing=param",
			code:        "test-code",
			state:       "",
			wantContain: []string{"code=test-code", "existing=param"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := BuildAuthorizationResponse(tt.redirectURI, tt.code, tt.state)

			for _, want := range tt.wantContain {
				if !strings.Contains(result, want) {
					t.Errorf("Response should contain '%s', got '%s'", want, result)
				}
			}
		})
	}
}

func TestBuildErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		redirectURI string
		errorCode   string
		errorDesc   string
		state       string
		wantContain []string
	}{
		{
			name:        "full error",
			redirectURI: "http://localhost:3000/callback",
			errorCode:   "access_denied",
			errorDesc:   "User denied the request",
			state:       "test-state",
			wantContain: []string{"error=access_denied", "error_description=", "state=test-state"},
		},
		{
			name:        "without description",
			redirectURI: "http://localhost:3000/callback",
			errorCode:   "invalid_request",
			errorDesc:   "",
			state:       "",
			wantContain: []string{"error=invalid_request"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := BuildErrorResponse(tt.redirectURI, tt.errorCode, tt.errorDesc, tt.state)

			for _, want := range tt.wantContain {
				if !strings.Contains(result, want) {
					t.Errorf("Response should contain '%s', got '%s'", want, result)
				}
			}
		})
	}
}

func webValues() url.Values {
	return url.Values{
		"client_id":     {"web"},
		"redirect_uri":  {testRedirect},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
		"state":         {"st-1"},
		"nonce":         {"nonce-1"},
	}
}

func TestAuthorizeCodesAreUnique(t *testing.T) {
	f := newFixture(t)

	code1 := f.login(t, webValues())
	code2 := f.login(t, webValues())

	if code1 == code2 {
		t.Error("Auth codes should be unique")
	}
}

func TestAuthorizeWrongPasswordKeepsRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.authz.Request(ctx, testTenant, webValues())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if _, err := f.authz.Authorize(ctx, testTenant, req.ID(), "alice", "wrong"); !idperrors.IsCode(err, idperrors.CodeUnauthorized) {
		t.Fatalf("Expected unauthorized, got %v", err)
	}
	if _, err := f.authz.ViewData(ctx, testTenant, req.ID()); err != nil {
		t.Errorf("Request should still be pending: %v", err)
	}
}

func TestAuthorizeConcurrentDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.authz.Request(ctx, testTenant, webValues())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var issued, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 3 {
				if _, err := f.authz.Deny(ctx, testTenant, req.ID()); err == nil {
					denied.Add(1)
				}
				return
			}
			if _, err := f.authz.Authorize(ctx, testTenant, req.ID(), "alice", testPassword); err == nil {
				issued.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := issued.Load() + denied.Load(); got != 1 {
		t.Errorf("Expected exactly one decision, got %d codes and %d denials", issued.Load(), denied.Load())
	}
	if _, err := f.authz.Authorize(ctx, testTenant, req.ID(), "alice", testPassword); err == nil {
		t.Error("A decided request should not issue another code")
	}
}

func TestAuthorizeDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.authz.Request(ctx, testTenant, webValues())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	redirect, err := f.authz.Deny(ctx, testTenant, req.ID())
	if err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	if !strings.HasPrefix(redirect, testRedirect) || !strings.Contains(redirect, "error=access_denied") || !strings.Contains(redirect, "state=st-1") {
		t.Errorf("Unexpected deny redirect: %s", redirect)
	}
	if _, err := f.authz.Deny(ctx, testTenant, req.ID()); err == nil {
		t.Error("A denied request should be gone")
	}
}

func TestAuthorizePromptNone(t *testing.T) {
	f := newFixture(t)
	values := webValues()
	values.Set("prompt", "none")

	_, err := f.authz.Request(context.Background(), testTenant, values)
	var e *idperrors.Error
	if !idperrors.IsCode(err, idperrors.CodeLoginRequired) {
		t.Fatalf("Expected login_required, got %v", err)
	}
	e = idperrors.OAuth(err)
	if !e.IsRedirectable() || e.Redirect.URI != testRedirect {
		t.Errorf("login_required should be redirected to the client, got %+v", e.Redirect)
	}
}

func TestAuthorizePolicyWithoutPassword(t *testing.T) {
	f := newFixture(t)
	f.st.PutPolicies(testTenant, domain.PolicyFlowOAuth, []domain.AuthenticationPolicy{
		{ID: "webauthn-only", AvailableMethods: []string{"webauthn"}},
	})
	ctx := context.Background()

	req, err := f.authz.Request(ctx, testTenant, webValues())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	view, err := f.authz.ViewData(ctx, testTenant, req.ID())
	if err != nil {
		t.Fatalf("ViewData failed: %v", err)
	}
	if len(view.AvailableMethods) != 1 || view.AvailableMethods[0] != "webauthn" {
		t.Errorf("Unexpected methods: %v", view.AvailableMethods)
	}

	if _, err := f.authz.Authorize(ctx, testTenant, req.ID(), "alice", testPassword); !idperrors.IsCode(err, idperrors.CodeAccessDenied) {
		t.Errorf("Expected access_denied, got %v", err)
	}
}
