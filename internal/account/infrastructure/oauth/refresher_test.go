package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tminus-app/tminus/internal/account/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

func newTestRefresher(handler http.HandlerFunc) (*Refresher, *httptest.Server) {
	server := httptest.NewServer(handler)
	r := NewRefresher("client-id", "client-secret", "ms-id", "ms-secret")
	r.SetEndpoints(domain.ProviderGoogle, server.URL+"/token", server.URL+"/revoke")
	return r, server
}

func TestRefresh_MintsAccessToken(t *testing.T) {
	var gotRefreshToken string
	r, server := newTestRefresher(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		gotRefreshToken = req.PostFormValue("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	defer server.Close()

	minted, err := r.Refresh(context.Background(), domain.ProviderGoogle, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", minted.AccessToken)
	assert.False(t, minted.ExpiresAt.IsZero())
	assert.Empty(t, minted.RefreshToken, "unrotated token is not echoed back")
	assert.Equal(t, "rt-1", gotRefreshToken)
}

func TestRefresh_SurfacesRotatedRefreshToken(t *testing.T) {
	r, server := newTestRefresher(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-2"}`))
	})
	defer server.Close()

	minted, err := r.Refresh(context.Background(), domain.ProviderGoogle, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-2", minted.RefreshToken)
}

func TestRefresh_ClassifiesRejectionAsTerminal(t *testing.T) {
	r, server := newTestRefresher(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	defer server.Close()

	_, err := r.Refresh(context.Background(), domain.ProviderGoogle, "rt-dead")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeRefreshFailed))
}

func TestRefresh_ClassifiesServerErrorAsTransient(t *testing.T) {
	r, server := newTestRefresher(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer server.Close()

	_, err := r.Refresh(context.Background(), domain.ProviderGoogle, "rt-1")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeUnavailable))
}

func TestRefresh_RateLimitIsTransient(t *testing.T) {
	r, server := newTestRefresher(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer server.Close()

	_, err := r.Refresh(context.Background(), domain.ProviderGoogle, "rt-1")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeUnavailable))
}

func TestRefresh_UnknownProvider(t *testing.T) {
	r := NewRefresher("", "", "", "")
	_, err := r.Refresh(context.Background(), domain.ProviderICS, "rt-1")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))
}

func TestRevoke(t *testing.T) {
	var revokedToken string
	r, server := newTestRefresher(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/revoke" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.NoError(t, req.ParseForm())
		revokedToken = req.PostFormValue("token")
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	require.NoError(t, r.Revoke(context.Background(), domain.ProviderGoogle, "rt-1"))
	assert.Equal(t, "rt-1", revokedToken)

	// Providers without a revoke endpoint are a silent no-op.
	require.NoError(t, r.Revoke(context.Background(), domain.ProviderMicrosoft, "rt-2"))
}
