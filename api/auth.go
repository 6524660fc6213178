package api

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"

	// sessionCookie is the http-only cookie set at login.
	sessionCookie = "token"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errBadAuthorization   = errors.New("bad auth header")
)

// Auth validates incoming session tokens. In JWKS mode tokens must be RS256
// and signed by the configured issuer; in local mode they are HS256 tokens
// signed with the shared secret the identity service issues against.
type Auth struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	LocalMode   bool
	LocalSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. LOCAL_AUTH_MODE=hs256 switches token
// validation to the shared-secret mode used with the built-in identity
// service.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}
	a.keyCacheTTL = parseCacheTTL()

	switch mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode {
	case "":
	case "hs256":
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			panic("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.LocalMode = true
		a.LocalSecret = []byte(secret)
	default:
		panic("unsupported LOCAL_AUTH_MODE value")
	}

	method := "RS256"
	if a.LocalMode {
		method = "HS256"
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{method}))
	return a
}

func parseCacheTTL() time.Duration {
	raw := os.Getenv(envJWKSCacheTTL)
	if raw == "" {
		return defaultJWKSCacheTTL
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		panic("invalid JWKS_CACHE_TTL")
	}
	return parsed
}

// UserIDFromRequest extracts the user identifier from the Authorization
// header or, failing that, the session cookie.
func (a *Auth) UserIDFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, err := bearerToken(h)
		if err != nil {
			return "", err
		}
		return a.UserIDFromToken(token)
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return a.UserIDFromToken(cookie.Value)
	}
	return "", errMissingCredentials
}

func bearerToken(header string) (string, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return "", errBadAuthorization
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// UserIDFromToken validates a raw token and returns its subject.
func (a *Auth) UserIDFromToken(token string) (string, error) {
	if token == "" {
		return "", errMissingCredentials
	}

	parsed, err := a.parser.Parse(token, a.signingKey)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	return a.verifyClaims(claims)
}

func (a *Auth) signingKey(token *jwt.Token) (any, error) {
	if a.LocalMode {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.LocalSecret, nil
	}
	return a.keyForToken(token)
}

// verifyClaims checks the registered claims with a minute of clock leeway and
// returns the subject.
func (a *Auth) verifyClaims(claims jwt.MapClaims) (string, error) {
	now := time.Now().Add(time.Minute).Unix()
	checks := []struct {
		ok  bool
		msg string
	}{
		{claims.VerifyExpiresAt(now, true), "token expired"},
		{claims.VerifyNotBefore(now, false), "token not valid yet"},
		{claims.VerifyIssuedAt(now, false), "token used before issued"},
		{a.Audience == "" || claims.VerifyAudience(a.Audience, false), "invalid audience"},
		{a.Issuer == "" || claims.VerifyIssuer(a.Issuer, false), "invalid issuer"},
	}
	for _, check := range checks {
		if !check.ok {
			return "", errors.New(check.msg)
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	cacheable := kid != "" && a.keyCacheTTL > 0

	if cacheable {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if cacheable {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
