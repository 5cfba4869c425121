// Package identity resolves inbound requests to stable caller identifiers.
//
// Authenticated callers are identified by the subject of their bearer token.
// Anonymous callers are identified by a keyed hash of their network address
// and a time-window salt, so quota accounting works without ever storing a
// raw address. Hash keys rotate when the salt window rolls over.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoCredentials is returned when a request carries no bearer token and
	// anonymous access is disabled.
	ErrNoCredentials = errors.New("no credentials")
	// ErrNoAddress is returned when the client address cannot be determined
	// for an anonymous request.
	ErrNoAddress = errors.New("client address unavailable")
)

// anonKeyBytes is how much of the HMAC digest survives into an anonymous
// identifier. 8 bytes keeps keys short while leaving collisions irrelevant
// at rate-limiting scale.
const anonKeyBytes = 8

// Identity is the resolved caller of a request.
type Identity struct {
	// Key is the quota identifier: "user:<subject>" for authenticated
	// callers, "anon:<hex>" for anonymous ones. Never empty.
	Key string
	// Subject is the token subject for authenticated callers, empty otherwise.
	Subject string
	// Authenticated reports whether the caller presented a valid token.
	Authenticated bool
}

// Config controls how a Resolver maps requests to identities.
type Config struct {
	// Secret signs bearer tokens and keys the anonymous address hash.
	Secret []byte
	// AllowAnonymous admits requests without credentials under hashed
	// address identities. When false such requests are rejected.
	AllowAnonymous bool
	// TrustProxy enables X-Real-IP / X-Forwarded-For when resolving the
	// client address. Only safe behind a proxy that sets these headers.
	TrustProxy bool
	// SaltPeriod is how long an anonymous salt window lasts. Hashes of the
	// same address agree within a window and diverge across windows.
	// Defaults to 24h.
	SaltPeriod time.Duration
}

// Resolver maps inbound HTTP requests to caller identities.
type Resolver struct {
	secret     []byte
	allowAnon  bool
	trustProxy bool
	saltPeriod time.Duration
	now        func() time.Time
}

func NewResolver(cfg Config) *Resolver {
	period := cfg.SaltPeriod
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &Resolver{
		secret:     cfg.Secret,
		allowAnon:  cfg.AllowAnonymous,
		trustProxy: cfg.TrustProxy,
		saltPeriod: period,
		now:        time.Now,
	}
}

// Resolve determines the caller identity for a request.
//
// A request with a bearer token resolves to the token's subject; a bad or
// expired token is an error, never a downgrade to anonymous. A request
// without a token resolves to a hashed-address identity when anonymous
// access is enabled, and ErrNoCredentials otherwise.
func (rv *Resolver) Resolve(r *http.Request) (Identity, error) {
	if raw := bearerToken(r); raw != "" {
		subject, err := VerifyToken(raw, rv.secret)
		if err != nil {
			return Identity{}, err
		}
		return Identity{
			Key:           "user:" + subject,
			Subject:       subject,
			Authenticated: true,
		}, nil
	}

	if !rv.allowAnon {
		return Identity{}, ErrNoCredentials
	}

	ip := ClientIP(r, rv.trustProxy)
	if ip == "" {
		return Identity{}, ErrNoAddress
	}
	return Identity{Key: rv.anonKey(ip)}, nil
}

// anonKey derives the anonymous identifier for an address within the current
// salt window. The address only ever passes through the HMAC; the identifier
// cannot be reversed to recover it.
func (rv *Resolver) anonKey(ip string) string {
	epoch := rv.now().Unix() / int64(rv.saltPeriod.Seconds())

	h := hmac.New(sha256.New, rv.secret)
	h.Write([]byte(strconv.FormatInt(epoch, 10)))
	h.Write([]byte{':'})
	h.Write([]byte(ip))
	return "anon:" + hex.EncodeToString(h.Sum(nil)[:anonKeyBytes])
}

// bearerToken extracts the token from an Authorization header.
// Returns empty string when the header is absent or not a Bearer scheme.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ClientIP extracts the client IP from the request.
//
// When trustProxy is true, checks X-Real-IP first (set by nginx/HAProxy),
// then X-Forwarded-For (first IP). Header values are validated with
// net.ParseIP so arbitrary strings cannot become identity inputs.
//
// When trustProxy is false, only uses RemoteAddr (safe default for direct
// exposure).
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
				return ip.String()
			}
		}

		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			raw := xff
			if first, _, ok := strings.Cut(xff, ","); ok {
				raw = first
			}
			if ip := net.ParseIP(strings.TrimSpace(raw)); ip != nil {
				return ip.String()
			}
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
