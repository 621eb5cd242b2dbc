package oidc

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractBearerToken(tt.header)
		if tt.wantErr {
			requireCode(t, err, idperrors.CodeInvalidToken)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestUserInfoRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.userinfo.UserInfo(ctx, testTenant, "unknown", nil)
	e := requireCode(t, err, idperrors.CodeInvalidToken)
	assert.Equal(t, http.StatusUnauthorized, e.HTTPStatus())

	resp, err := f.tokens.Request(ctx, &TokenRequest{
		TenantID:  testTenant,
		GrantType: string(domain.GrantTypeClientCredentials),
		Scope:     "read",
		Client:    clientauth.Input{HasBasic: true, BasicUser: "svc", BasicPassword: "svc-secret"},
	})
	require.NoError(t, err)
	_, err = f.userinfo.UserInfo(ctx, testTenant, resp.AccessToken, nil)
	e = requireCode(t, err, CodeInsufficientScope)
	assert.Equal(t, http.StatusForbidden, e.HTTPStatus())

	register := func(id, sub string, expiresAt time.Time) {
		require.NoError(t, f.st.Tokens().Register(ctx, &domain.OAuthToken{
			ID:                   id,
			TenantID:             testTenant,
			AccessToken:          id,
			AccessTokenExpiresAt: expiresAt,
			Grant: domain.AuthorizationGrant{
				TenantID: testTenant, ClientID: "web", UserSub: sub, Scopes: domain.Scopes{"openid"},
			},
		}))
	}

	register("expired", "user-1", time.Now().Add(-time.Second))
	_, err = f.userinfo.UserInfo(ctx, testTenant, "expired", nil)
	requireCode(t, err, idperrors.CodeInvalidToken)

	f.st.PutUser(domain.User{Sub: "user-3", TenantID: testTenant, Username: "carol", Status: domain.UserStatusDisabled})
	register("disabled", "user-3", time.Now().Add(time.Minute))
	_, err = f.userinfo.UserInfo(ctx, testTenant, "disabled", nil)
	requireCode(t, err, idperrors.CodeInvalidToken)

	register("ghost", "user-404", time.Now().Add(time.Minute))
	_, err = f.userinfo.UserInfo(ctx, testTenant, "ghost", nil)
	requireCode(t, err, idperrors.CodeInvalidToken)
}
