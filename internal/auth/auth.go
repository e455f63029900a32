// Package auth turns request credentials into a Principal. It accepts
// Auth.js session cookies (JWE) and HS256 bearer tokens signed with the same
// secret.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/crypto/hkdf"
)

const (
	SessionCookie = "authjs.session-token"
	// TokenQueryParam carries the bearer token for websocket upgrades,
	// where browsers cannot set headers.
	TokenQueryParam = "access_token"
)

type Verifier struct {
	secret []byte
	encKey []byte
	clock  clockwork.Clock
	logger *log.Logger
}

// DeriveEncryptionKey reproduces the key Auth.js encrypts its session
// cookie with.
func DeriveEncryptionKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New(errors.ErrInternalServer, "auth secret not set")
	}

	salt := SessionCookie
	info := fmt.Sprintf("Auth.js Generated Encryption Key (%s)", salt)

	kdf := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(info))
	key := make([]byte, 64)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return key, nil
}

func NewVerifier(secret string, clock clockwork.Clock) (*Verifier, error) {
	key, err := DeriveEncryptionKey(secret)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		secret: []byte(secret),
		encKey: key,
		clock:  clock,
		logger: log.WithPrefix("auth"),
	}, nil
}

// Sign issues an HS256 token for p.
func (v *Verifier) Sign(p types.Principal, ttl time.Duration) (string, error) {
	claims := map[string]any{
		jwt.SubjectKey:    p.UserID,
		jwt.IssuedAtKey:   v.clock.Now(),
		jwt.ExpirationKey: v.clock.Now().Add(ttl),
		"email":           p.Email,
		"name":            p.Name,
		"role":            string(p.Role),
	}
	return v.sign(claims)
}

func (v *Verifier) sign(claims map[string]any) (string, error) {
	token := jwt.New()
	for k, val := range claims {
		if err := token.Set(k, val); err != nil {
			return "", errors.Wrap(err, "failed to set claim "+k)
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), v.secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign JWT")
	}
	return string(signed), nil
}

// Encrypt builds an Auth.js style session cookie value. Only used to mint
// cookies for local testing.
func (v *Verifier) Encrypt(claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal claims")
	}
	out, err := jwe.Encrypt(payload,
		jwe.WithKey(jwa.DIRECT(), v.encKey),
		jwe.WithContentEncryption(jwa.A256CBC_HS512()))
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt session")
	}
	return string(out), nil
}

// jweToJWT decrypts a session cookie and re-signs its claims so both token
// kinds go through the same validation.
func (v *Verifier) jweToJWT(encrypted string) (string, error) {
	decrypted, err := jwe.Decrypt([]byte(encrypted), jwe.WithKey(jwa.DIRECT(), v.encKey))
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt JWE")
	}

	var payload map[string]any
	if err := json.Unmarshal(decrypted, &payload); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal decrypted payload")
	}
	return v.sign(payload)
}

// Parse validates an HS256 token and extracts its principal.
func (v *Verifier) Parse(raw string) (types.Principal, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256(), v.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.clock.Now)))
	if err != nil {
		return types.Principal{}, &errors.AppError{Kind: errors.KindAuthorization, Code: errors.ErrInvalidToken, Message: "invalid token", Err: err}
	}
	return PrincipalFromToken(token)
}

// PrincipalFromToken maps claims onto a Principal. Unknown roles are renters.
func PrincipalFromToken(token jwt.Token) (types.Principal, error) {
	var p types.Principal
	if sub, ok := token.Subject(); ok {
		p.UserID = sub
	}
	if p.UserID == "" {
		_ = token.Get("id", &p.UserID)
	}
	if p.UserID == "" {
		return types.Principal{}, errors.Unauthorized(errors.ErrInvalidToken, "token has no subject")
	}
	_ = token.Get("email", &p.Email)
	_ = token.Get("name", &p.Name)

	var role string
	_ = token.Get("role", &role)
	p.Role = types.RoleRenter
	if types.Role(role) == types.RoleAdmin {
		p.Role = types.RoleAdmin
	}
	return p, nil
}

// Authenticate reads the bearer header, then the access_token query
// parameter, then the session cookie.
func (v *Verifier) Authenticate(r *http.Request) (types.Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return types.Principal{}, errors.Unauthorized(errors.ErrInvalidToken, "malformed authorization header")
		}
		return v.Parse(raw)
	}
	if raw := r.URL.Query().Get(TokenQueryParam); raw != "" {
		return v.Parse(raw)
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return types.Principal{}, errors.Unauthorized(errors.ErrInvalidToken, "missing credentials")
	}
	raw, err := v.jweToJWT(cookie.Value)
	if err != nil {
		v.logger.Debug("Failed to decrypt session cookie", "error", err)
		return types.Principal{}, &errors.AppError{Kind: errors.KindAuthorization, Code: errors.ErrInvalidToken, Message: "invalid session", Err: err}
	}
	return v.Parse(raw)
}

// Provisioner makes sure an authenticated identity has a user record.
type Provisioner interface {
	EnsureUser(ctx context.Context, p types.Principal) (types.User, error)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(types.Principal)
	return p, ok
}

// Middleware authenticates every request and provisions its user before
// handing over.
func Middleware(v *Verifier, users Provisioner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Authenticate(r)
			if err == nil {
				_, err = users.EnsureUser(r.Context(), p)
			}
			if err != nil {
				v.logger.Debug("Unauthenticated request", "path", r.URL.Path, "error", err)
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Wrap(err, "authentication failed")
	}
	status := appErr.HTTPStatus()
	if appErr.Code == errors.ErrInvalidToken {
		status = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, appErr.ToJSON())
}
