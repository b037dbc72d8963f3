// Package oauth implements the refresh-token exchange against Google and
// Microsoft token endpoints via golang.org/x/oauth2.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tminus-app/tminus/internal/account/application"
	"github.com/tminus-app/tminus/internal/account/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

const (
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	googleRevokeURL = "https://oauth2.googleapis.com/revoke"

	microsoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// Refresher exchanges refresh tokens for access tokens. Failures map onto
// the shared error codes: 4xx responses are REFRESH_FAILED, everything else
// (5xx, network, timeout) is PROVIDER_UNAVAILABLE.
type Refresher struct {
	configs    map[domain.ProviderType]*oauth2.Config
	revokeURLs map[domain.ProviderType]string
	client     *http.Client
}

// NewRefresher builds a refresher with the deployment's OAuth clients.
func NewRefresher(googleClientID, googleClientSecret, microsoftClientID, microsoftClientSecret string) *Refresher {
	return &Refresher{
		configs: map[domain.ProviderType]*oauth2.Config{
			domain.ProviderGoogle: {
				ClientID:     googleClientID,
				ClientSecret: googleClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
			},
			domain.ProviderMicrosoft: {
				ClientID:     microsoftClientID,
				ClientSecret: microsoftClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: microsoftTokenURL},
			},
		},
		revokeURLs: map[domain.ProviderType]string{
			domain.ProviderGoogle: googleRevokeURL,
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetEndpoints overrides the provider endpoints. Tests point this at an
// httptest server.
func (r *Refresher) SetEndpoints(provider domain.ProviderType, tokenURL, revokeURL string) {
	if cfg, ok := r.configs[provider]; ok {
		cfg.Endpoint = oauth2.Endpoint{TokenURL: tokenURL}
	}
	if revokeURL == "" {
		delete(r.revokeURLs, provider)
	} else {
		r.revokeURLs[provider] = revokeURL
	}
}

// Refresh mints an access token from a refresh token.
func (r *Refresher) Refresh(ctx context.Context, provider domain.ProviderType, refreshToken string) (application.RefreshedToken, error) {
	cfg, ok := r.configs[provider]
	if !ok {
		return application.RefreshedToken{}, sharedDomain.ErrValidation(
			"provider %s has no oauth configuration", provider)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return application.RefreshedToken{}, classify(provider, err)
	}

	minted := application.RefreshedToken{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	// Providers may rotate the refresh token; surface it only then.
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		minted.RefreshToken = token.RefreshToken
	}
	return minted, nil
}

// Revoke invalidates the refresh token at the provider. Providers without a
// revocation endpoint (Microsoft common tenant) are a no-op; tokens lapse
// on their own.
func (r *Refresher) Revoke(ctx context.Context, provider domain.ProviderType, refreshToken string) error {
	revokeURL, ok := r.revokeURLs[provider]
	if !ok {
		return nil
	}

	form := url.Values{"token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return sharedDomain.WrapCoded(sharedDomain.CodeUnavailable, err, "revoking %s token", provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return sharedDomain.NewCodedError(sharedDomain.CodeUnavailable,
			"%s revoke endpoint returned %d", provider, resp.StatusCode)
	}
	// 4xx means the token was already dead, which is the desired end state.
	return nil
}

// classify maps an oauth2 failure onto the coordinator's error taxonomy.
func classify(provider domain.ProviderType, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil {
		code := retrieve.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return sharedDomain.WrapCoded(sharedDomain.CodeRefreshFailed, err,
				"%s rejected the refresh token (%d)", provider, code)
		}
	}
	return sharedDomain.WrapCoded(sharedDomain.CodeUnavailable, err,
		"%s token endpoint unavailable", provider)
}
