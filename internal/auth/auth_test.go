package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-with-enough-entropy"

type recordingProvisioner struct {
	seen []types.Principal
	err  error
}

func (p *recordingProvisioner) EnsureUser(_ context.Context, pr types.Principal) (types.User, error) {
	p.seen = append(p.seen, pr)
	return types.User{ID: pr.UserID, Role: pr.Role}, p.err
}

func newVerifier(t *testing.T) (*Verifier, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	v, err := NewVerifier(secret, clock)
	require.NoError(t, err)
	return v, clock
}

func TestNewVerifierNeedsSecret(t *testing.T) {
	_, err := NewVerifier("", clockwork.NewRealClock())
	assert.Error(t, err)
}

func TestDeriveEncryptionKeyIsStable(t *testing.T) {
	a, err := DeriveEncryptionKey(secret)
	require.NoError(t, err)
	b, err := DeriveEncryptionKey(secret)
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)

	c, err := DeriveEncryptionKey("other")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSignAndParse(t *testing.T) {
	v, clock := newVerifier(t)

	raw, err := v.Sign(types.Principal{UserID: "u1", Email: "u1@example.com", Name: "U One", Role: types.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	p, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "u1@example.com", p.Email)
	assert.True(t, p.IsAdmin())

	clock.Advance(2 * time.Hour)
	_, err = v.Parse(raw)
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidToken, errors.CodeOf(err))
}

func TestParseRejectsForeignSignature(t *testing.T) {
	v, clock := newVerifier(t)
	other, err := NewVerifier("someone-else", clock)
	require.NoError(t, err)

	raw, err := other.Sign(types.Principal{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Parse(raw)
	assert.True(t, errors.IsAuthorization(err))
}

func TestUnknownRoleIsRenter(t *testing.T) {
	v, _ := newVerifier(t)
	raw, err := v.Sign(types.Principal{UserID: "u1", Role: "superuser"}, time.Hour)
	require.NoError(t, err)

	p, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, types.RoleRenter, p.Role)
}

func TestSessionCookie(t *testing.T) {
	v, clock := newVerifier(t)

	cookie, err := v.Encrypt(map[string]any{
		"sub":   "cookie-user",
		"email": "c@example.com",
		"exp":   clock.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: cookie})
	p, err := v.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "cookie-user", p.UserID)
	assert.Equal(t, types.RoleRenter, p.Role)

	req = httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "garbage"})
	_, err = v.Authenticate(req)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, _ := newVerifier(t)
	users := &recordingProvisioner{}

	var got types.Principal
	h := Middleware(v, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	raw, err := v.Sign(types.Principal{UserID: "u1", Role: types.RoleRenter}, time.Hour)
	require.NoError(t, err)

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "u1", got.UserID)
		require.Len(t, users.seen, 1)
	})

	t.Run("query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?"+TokenQueryParam+"="+raw, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":1001`)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("provisioning fails", func(t *testing.T) {
		users.err = errors.New(errors.ErrInternalServer, "db down")
		defer func() { users.err = nil }()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
