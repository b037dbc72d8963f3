package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accountDomain "github.com/tminus-app/tminus/internal/account/domain"
)

// registerWatch connects a google account and stores a watch channel with
// a routable token.
func registerWatch(t *testing.T, env *apiEnv, remote string) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()

	account, err := env.accounts.Connect(
		ctx, uuid.New(), accountDomain.ProviderGoogle, remote, remote, "rt-1")
	require.NoError(t, err)
	token := account.ID().String() + "." + uuid.NewString()
	require.NoError(t, account.SetWatchChannel(accountDomain.WatchChannel{
		ChannelID: "chan-1",
		Token:     token,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}))
	require.NoError(t, env.repo.Save(ctx, account))
	return account.ID(), token
}

func popSignal(t *testing.T, env *apiEnv) uuid.UUID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	accountID, err := env.signals.Pop(ctx)
	require.NoError(t, err)
	return accountID
}

func TestWebhook_GoogleValidTokenSignalsThePoller(t *testing.T) {
	env := newAPIEnv(t)
	accountID, token := registerWatch(t, env, "alice@example.com")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-Token", token)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, accountID, popSignal(t, env))
}

func TestWebhook_GoogleUnknownTokenIsRejected(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-Token", uuid.NewString()+"."+uuid.NewString())
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_GoogleMissingTokenIsRejected(t *testing.T) {
	env := newAPIEnv(t)

	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/google", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_MicrosoftValidationHandshakeEchoes(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft?validationToken=probe-123", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "probe-123", rec.Body.String())
}

func TestWebhook_MicrosoftNotificationSignalsThePoller(t *testing.T) {
	env := newAPIEnv(t)
	accountID, token := registerWatch(t, env, "alice@example.com")

	body := `{"value":[{"clientState":"` + token + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, accountID, popSignal(t, env))
}

func TestWebhook_MicrosoftBadClientStateIsRejected(t *testing.T) {
	env := newAPIEnv(t)

	body := `{"value":[{"clientState":"garbage"}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
