package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/config"
	"github.com/tendant/tenant-idp/internal/domain"
	"github.com/tendant/tenant-idp/internal/store/file"
)

type rootOptions struct {
	dataDir string
	baseURL string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	defaults, err := config.Load()
	if err != nil {
		defaults = &config.Config{DataDir: "./data", BaseURL: "http://localhost:8080"}
	}

	cmd := &cobra.Command{
		Use:               "seed",
		Short:             "Write tenant configuration to the IdP data directory",
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", defaults.DataDir, "Data directory")
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", defaults.BaseURL, "Public base URL tenants are served under")

	cmd.AddCommand(
		newTenantCmd(opts),
		newClientCmd(opts),
		newUserCmd(opts),
		newPolicyCmd(opts),
		newDemoCmd(opts),
	)
	return cmd
}

func (o *rootOptions) open() (*file.Store, error) {
	s, err := file.NewStore(o.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return s, nil
}

func newTenantCmd(opts *rootOptions) *cobra.Command {
	var (
		fapiScopes     []string
		claims         []string
		strictIDToken  bool
		certBound      bool
		userCode       bool
		jwtBearer      bool
		noRotate       bool
		deliveryModes  []string
		accessTokenTTL string
	)

	cmd := &cobra.Command{
		Use:   "tenant <tenant-id>",
		Short: "Create or replace a tenant's server configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			server := domain.NewServerConfiguration(args[0], opts.baseURL)
			server.FAPIBaselineScopes = fapiScopes
			server.ClaimsSupported = claims
			server.IDTokenStrictMode = strictIDToken
			server.TLSCertificateBoundTokens = certBound
			server.BackchannelUserCodeParameterSupported = userCode
			server.RotateRefreshToken = !noRotate
			if len(deliveryModes) > 0 {
				server.BackchannelTokenDeliveryModesSupported = deliveryModes
			}
			if jwtBearer {
				server.GrantTypesSupported = append(server.GrantTypesSupported, string(domain.GrantTypeJWTBearer))
			}
			if accessTokenTTL != "" {
				var d domain.Duration
				if err := d.UnmarshalJSON([]byte(accessTokenTTL)); err != nil {
					return fmt.Errorf("invalid --access-token-ttl: %w", err)
				}
				server.AccessTokenTTL = d
			}

			if err := s.PutServer(cmd.Context(), server); err != nil {
				return err
			}
			cmd.Printf("Created tenant: %s (issuer: %s)\n", server.TenantID, server.Issuer)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&fapiScopes, "fapi-scope", nil, "Scope that promotes a request to FAPI Baseline (repeatable)")
	f.StringSliceVar(&claims, "claim", nil, "Supported claim; none means all standard claims (repeatable)")
	f.BoolVar(&strictIDToken, "strict-id-token", false, "Only put explicitly requested claims in ID tokens")
	f.BoolVar(&certBound, "cert-bound-tokens", false, "Bind access tokens to the client certificate")
	f.BoolVar(&userCode, "user-code", false, "Support the CIBA user_code parameter")
	f.BoolVar(&jwtBearer, "jwt-bearer", false, "Enable the jwt-bearer grant")
	f.BoolVar(&noRotate, "no-refresh-rotation", false, "Keep refresh tokens on refresh")
	f.StringSliceVar(&deliveryModes, "delivery-mode", nil, "CIBA token delivery mode: poll, ping or push (repeatable)")
	f.StringVar(&accessTokenTTL, "access-token-ttl", "", "Access token lifetime, e.g. 15m")
	return cmd
}

func newClientCmd(opts *rootOptions) *cobra.Command {
	var (
		client       domain.ClientConfiguration
		authMethod   string
		profile      string
		jwksFile     string
		redirectURIs []string
		grantTypes   []string
	)

	cmd := &cobra.Command{
		Use:   "client <tenant-id> <client-id>",
		Short: "Create or replace a client configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			client.TenantID = args[0]
			client.ClientID = args[1]
			client.RedirectURIs = redirectURIs
			client.GrantTypes = grantTypes
			client.ResponseTypes = []string{string(domain.ResponseTypeCode)}
			client.TokenEndpointAuthMethod = domain.ClientAuthMethod(authMethod)
			client.Profile = domain.Profile(profile)
			if client.ClientName == "" {
				client.ClientName = client.ClientID
			}

			// client_secret_jwt verifies with the plain secret.
			if client.ClientSecret != "" && client.AuthMethod().IsSecretBased() {
				hash, err := auth.HashPassword(client.ClientSecret)
				if err != nil {
					return fmt.Errorf("failed to hash client secret: %w", err)
				}
				client.ClientSecret = hash
			}
			if jwksFile != "" {
				b, err := os.ReadFile(jwksFile)
				if err != nil {
					return fmt.Errorf("failed to read JWKS: %w", err)
				}
				client.JWKS = string(b)
			}

			if err := s.PutClient(cmd.Context(), client); err != nil {
				return err
			}
			cmd.Printf("Created client: %s/%s\n", client.TenantID, client.ClientID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&client.ClientName, "name", "", "Display name")
	f.StringVar(&client.ClientSecret, "secret", "", "Client secret")
	f.StringSliceVar(&redirectURIs, "redirect-uri", nil, "Registered redirect URI (repeatable)")
	f.StringSliceVar(&grantTypes, "grant-type", []string{"authorization_code", "refresh_token"}, "Allowed grant type (repeatable)")
	f.StringVar(&client.Scope, "scope", "openid profile email", "Allowed scopes, space separated")
	f.StringVar(&authMethod, "auth-method", string(domain.ClientAuthSecretBasic), "token_endpoint_auth_method")
	f.StringVar(&profile, "profile", "", "Pin the client to a profile: oidc, fapi_baseline or fapi_ciba")
	f.StringVar(&jwksFile, "jwks-file", "", "File holding the client's public JWKS")
	f.BoolVar(&client.RequirePKCE, "require-pkce", false, "Require PKCE")
	f.BoolVar(&client.TLSClientCertificateBoundAccessTokens, "cert-bound-tokens", false, "Bind access tokens to the client certificate")
	f.StringVar(&client.TLSClientAuthSubjectDN, "tls-subject-dn", "", "Expected certificate subject DN for tls_client_auth")
	f.StringVar(&client.TLSClientAuthSANDNS, "tls-san-dns", "", "Expected certificate DNS SAN for tls_client_auth")
	f.StringVar(&client.BackchannelTokenDeliveryMode, "delivery-mode", "", "CIBA token delivery mode")
	f.StringVar(&client.BackchannelClientNotificationEndpoint, "notification-endpoint", "", "CIBA ping/push notification endpoint")
	f.BoolVar(&client.BackchannelUserCodeParameter, "user-code", false, "Send CIBA user codes")
	return cmd
}

func newUserCmd(opts *rootOptions) *cobra.Command {
	var (
		user     domain.User
		password string
		roles    []string
	)

	cmd := &cobra.Command{
		Use:   "user <tenant-id> <username>",
		Short: "Create or replace a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			user.TenantID = args[0]
			user.Username = args[1]
			user.PasswordHash = hash
			user.Status = domain.UserStatusRegistered
			if user.Sub == "" {
				user.Sub = uuid.NewString()
			}
			for _, r := range roles {
				user.Roles = append(user.Roles, domain.Role{ID: r, Name: r})
			}

			if err := s.PutUser(cmd.Context(), user); err != nil {
				return err
			}
			cmd.Printf("Created user: %s (sub: %s)\n", user.Username, user.Sub)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&password, "password", "", "Password")
	f.StringVar(&user.Sub, "sub", "", "Subject identifier; generated when empty")
	f.StringVar(&user.Email, "email", "", "Email address")
	f.StringVar(&user.Name, "name", "", "Full name")
	f.StringVar(&user.PhoneNumber, "phone", "", "Phone number")
	f.StringVar(&user.ExternalUserID, "external-id", "", "External user id")
	f.StringSliceVar(&roles, "role", nil, "Role name (repeatable)")
	return cmd
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	var (
		policy domain.AuthenticationPolicy
		flow   string
	)

	cmd := &cobra.Command{
		Use:   "policy <tenant-id> <policy-id>",
		Short: "Create or replace an authentication policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			policy.TenantID = args[0]
			policy.ID = args[1]
			policy.Flow = domain.PolicyFlow(flow)

			if err := s.PutPolicy(cmd.Context(), policy); err != nil {
				return err
			}
			cmd.Printf("Created policy: %s (%s)\n", policy.ID, policy.Flow)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flow, "flow", string(domain.PolicyFlowOAuth), "Flow: oauth or ciba")
	f.IntVar(&policy.Priority, "priority", 0, "Priority; higher wins")
	f.StringVar(&policy.ACR, "acr", "", "ACR asserted when the policy is satisfied")
	f.StringSliceVar(&policy.AvailableMethods, "method", nil, "Allowed authentication method (repeatable)")
	f.StringSliceVar(&policy.Conditions.ClientIDs, "client-id", nil, "Matching client id (repeatable)")
	f.StringSliceVar(&policy.Conditions.AcrValues, "acr-value", nil, "Matching requested acr value (repeatable)")
	f.StringSliceVar(&policy.Conditions.Scopes, "scope", nil, "Matching requested scope (repeatable)")
	return cmd
}

// newDemoCmd seeds a tenant with a confidential client, a public client,
// a CIBA client and a test user.
func newDemoCmd(opts *rootOptions) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Seed test data for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			server := domain.NewServerConfiguration(tenant, opts.baseURL)
			if err := s.PutServer(ctx, server); err != nil {
				return err
			}
			cmd.Printf("Created tenant: %s\n", tenant)

			secretHash, err := auth.HashPassword("test-secret")
			if err != nil {
				return err
			}
			redirects := []string{"http://localhost:3000/callback", "http://localhost:8081/callback"}
			clients := []domain.ClientConfiguration{
				{
					TenantID:                tenant,
					ClientID:                "test-client",
					ClientName:              "Test Application",
					ClientSecret:            secretHash,
					RedirectURIs:            redirects,
					GrantTypes:              []string{"authorization_code", "refresh_token"},
					ResponseTypes:           []string{"code"},
					Scope:                   "openid profile email offline_access",
					TokenEndpointAuthMethod: domain.ClientAuthSecretBasic,
				},
				{
					TenantID:                tenant,
					ClientID:                "test-public-client",
					ClientName:              "Test Public Application",
					RedirectURIs:            redirects,
					GrantTypes:              []string{"authorization_code", "refresh_token"},
					ResponseTypes:           []string{"code"},
					Scope:                   "openid profile email offline_access",
					TokenEndpointAuthMethod: domain.ClientAuthNone,
					RequirePKCE:             true,
				},
				{
					TenantID:                tenant,
					ClientID:                "test-ciba-client",
					ClientName:              "Test Decoupled Application",
					ClientSecret:            secretHash,
					GrantTypes:              []string{string(domain.GrantTypeCIBA)},
					Scope:                   "openid profile email",
					TokenEndpointAuthMethod: domain.ClientAuthSecretBasic,
				},
			}
			for _, c := range clients {
				if err := s.PutClient(ctx, c); err != nil {
					return err
				}
				cmd.Printf("Created client: %s\n", c.ClientID)
			}

			password := "password123"
			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			user := domain.User{
				Sub:          uuid.NewString(),
				TenantID:     tenant,
				Username:     "test",
				Email:        "test@example.com",
				Name:         "Test User",
				Status:       domain.UserStatusRegistered,
				PasswordHash: hash,
			}
			if existing, err := s.Users().FindBy(ctx, tenant, domain.UserAttributeUsername, user.Username); err == nil {
				user.Sub = existing.Sub
			}
			if err := s.PutUser(ctx, user); err != nil {
				return err
			}
			cmd.Printf("Created user: %s (password: %s)\n", user.Username, password)

			authorize := server.AuthorizationEndpoint + "?" + strings.Join([]string{
				"client_id=test-client",
				"redirect_uri=http://localhost:3000/callback",
				"response_type=code",
				"scope=openid%20profile%20email",
				"state=test123",
			}, "&")
			cmd.Println("\nSeed data created successfully!")
			cmd.Println("\nTest with:")
			cmd.Println("  1. Start server: go run ./cmd/idp")
			cmd.Printf("  2. Start a request: curl '%s'\n", authorize)
			cmd.Printf("  3. Authorize it: curl -X POST -d '{\"username\":\"test\",\"password\":\"%s\"}' %s/<id>/authorize\n",
				password, server.AuthorizationEndpoint)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "demo", "Tenant id")
	return cmd
}
