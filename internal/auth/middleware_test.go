package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func serve(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	mw := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz"}, []string{"/api/v1/ingest/"}), nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func mustToken(t *testing.T, tenantID string, role Role) string {
	t.Helper()
	token, err := IssueJWT(testSecret, tenantID, role, "user-1", time.Hour)
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, serve(t, http.MethodGet, "/api/v1/alarms", "").Code)
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, http.MethodPost, "/api/v1/ingest/telemetry", "").Code)
}

func TestAuthMiddleware_RoleMatrix(t *testing.T) {
	viewer := mustToken(t, "tenant-a", RoleViewer)
	operator := mustToken(t, "tenant-a", RoleOperator)
	admin := mustToken(t, "tenant-a", RoleAdmin)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"viewer lists alarms", http.MethodGet, "/api/v1/alarms", viewer, http.StatusOK},
		{"viewer cannot ack", http.MethodPost, "/api/v1/alarms/a-1/ack", viewer, http.StatusForbidden},
		{"operator acks", http.MethodPost, "/api/v1/alarms/a-1/ack", operator, http.StatusOK},
		{"operator clears", http.MethodPost, "/api/v1/alarms/a-1/clear", operator, http.StatusOK},
		{"operator cannot create rules", http.MethodPost, "/api/v1/rules", operator, http.StatusForbidden},
		{"operator validates rules", http.MethodPost, "/api/v1/rules/validate", operator, http.StatusOK},
		{"admin creates rules", http.MethodPost, "/api/v1/rules", admin, http.StatusOK},
		{"admin binds channels", http.MethodPut, "/api/v1/rules/r-1/channels", admin, http.StatusOK},
		{"operator cannot create channels", http.MethodPost, "/api/v1/channels", operator, http.StatusForbidden},
		{"viewer saves own preferences", http.MethodPut, "/api/v1/preferences", viewer, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, serve(t, tc.method, tc.path, tc.token).Code)
		})
	}
}

func TestAuthMiddleware_RejectsWrongSecret(t *testing.T) {
	token, err := IssueJWT([]byte("other"), "tenant-a", RoleAdmin, "u", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(t, http.MethodGet, "/api/v1/alarms", token).Code)
}

func TestAuthMiddleware_AccessTokenQueryParam(t *testing.T) {
	token := mustToken(t, "tenant-a", RoleViewer)
	assert.Equal(t, http.StatusOK, serve(t, http.MethodGet, "/api/v1/alarms/stream?access_token="+token, "").Code)
}

func TestEnsureTenant(t *testing.T) {
	assert.NoError(t, EnsureTenant(context.Background(), "tenant-a"))
	ctx := WithIdentity(context.Background(), "tenant-a", RoleViewer, "u")
	assert.NoError(t, EnsureTenant(ctx, "tenant-a"))
	assert.ErrorIs(t, EnsureTenant(ctx, "tenant-b"), ErrTenantMismatch)
}

func TestIngestAuthMiddleware(t *testing.T) {
	secret := []byte("ingest-secret")
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	mw := NewIngestAuthMiddleware(secret, time.Minute)
	mw.now = func() time.Time { return now }

	var gotTenant string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = TenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	body := `{"device_id":"dev-1","values":{"temp":41}}`
	send := func(ts time.Time, signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/telemetry", strings.NewReader(body))
		stamp := strconv.FormatInt(ts.Unix(), 10)
		if signature == "" {
			signature = SignIngest(secret, stamp, []byte(body))
		}
		req.Header.Set(HeaderIngestTimestamp, stamp)
		req.Header.Set(HeaderIngestSignature, signature)
		req.Header.Set(HeaderIngestTenant, "tenant-a")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	assert.Equal(t, http.StatusAccepted, send(now, ""))
	assert.Equal(t, "tenant-a", gotTenant)
	assert.Equal(t, http.StatusUnauthorized, send(now, "deadbeef"))
	assert.Equal(t, http.StatusUnauthorized, send(now.Add(-2*time.Minute), ""), "outside max skew")
}
