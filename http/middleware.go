package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/peoplepeeper/quota/metrics"
	"github.com/peoplepeeper/quota/service"
)

// Gate is the slice of the entitlement service the middleware needs
type Gate interface {
	Evaluate(ctx context.Context, identity service.Identity) (service.Decision, error)
	Consume(ctx context.Context, identity service.Identity) (bool, error)
}

// IdentityExtractor extracts the quota identity from the request
type IdentityExtractor func(r *http.Request) (service.Identity, error)

// MiddlewareConfig configures how the quota middleware behaves
type MiddlewareConfig struct {
	// Required configurations
	GetIdentity IdentityExtractor

	// Whether to return 429 Too Many Requests or let the request through
	// when the quota is exhausted
	EnforceQuota bool

	Logger zerolog.Logger
}

// DefaultMiddlewareConfig returns a configuration that reads an account
// identity from a bearer token signed with the given secret, falling back
// to a device fingerprint for anonymous callers.
func DefaultMiddlewareConfig(jwtSecret []byte) MiddlewareConfig {
	return MiddlewareConfig{
		GetIdentity:  BearerOrFingerprintExtractor(jwtSecret),
		EnforceQuota: true,
		Logger:       zerolog.Nop(),
	}
}

// Claims carried by PeoplePeeper access tokens. Role is decided at
// authentication time; the engine never re-derives it.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// BearerOrFingerprintExtractor builds the default identity extractor
func BearerOrFingerprintExtractor(jwtSecret []byte) IdentityExtractor {
	return func(r *http.Request) (service.Identity, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return service.GuestIdentity(DeviceFingerprint(r)), nil
		}

		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return service.Identity{}, errors.New("malformed authorization header")
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return jwtSecret, nil
		})
		if err != nil {
			return service.Identity{}, fmt.Errorf("parsing token: %w", err)
		}
		if !token.Valid || claims.Subject == "" {
			return service.Identity{}, errors.New("invalid token")
		}

		return service.AccountIdentity(claims.Subject, claims.Role == "admin"), nil
	}
}

// DeviceFingerprint derives an opaque device identifier from request
// signals. Not guaranteed unique or stable; collisions are acceptable for
// guest quota purposes.
func DeviceFingerprint(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	h := sha256.New()
	for _, signal := range []string{
		host,
		r.UserAgent(),
		r.Header.Get("Accept"),
		r.Header.Get("Accept-Language"),
	} {
		h.Write([]byte(signal))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

type denialBody struct {
	Error string `json:"error"`
	Scope string `json:"scope"`
	Hint  string `json:"hint"`
}

// writeDenial sends the quota-exhausted response, distinguishing guest and
// account context with an actionable next step.
func writeDenial(w http.ResponseWriter, identity service.Identity) {
	body := denialBody{Error: "request limit reached"}
	if identity.Kind == service.GuestIdentityKind {
		body.Scope = "guest"
		body.Hint = "sign in for a daily allowance"
	} else {
		body.Scope = "account"
		body.Hint = "upgrade your plan for a larger allowance"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(body)
}

// QuotaMiddleware creates middleware that gates requests on the
// entitlement engine. Store failures deny the request (fail closed).
func QuotaMiddleware(gate Gate, cfg MiddlewareConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			identity, err := cfg.GetIdentity(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			decision, err := gate.Evaluate(ctx, identity)
			if err != nil {
				// Fail closed: an unknown quota state denies.
				cfg.Logger.Error().Err(err).Msg("quota evaluation failed")
				metrics.RecordDecision("error", string(identity.Kind))
				http.Error(w, "quota check unavailable", http.StatusServiceUnavailable)
				return
			}

			if !decision.Unlimited {
				w.Header().Set("X-Quota-Limit", fmt.Sprintf("%d", decision.Limit))
				w.Header().Set("X-Quota-Remaining", fmt.Sprintf("%d", decision.Remaining))
				if decision.ResetIn > 0 {
					w.Header().Set("X-Quota-Reset", fmt.Sprintf("%d", int(decision.ResetIn.Seconds())))
				}
			}

			allowed, err := gate.Consume(ctx, identity)
			if err != nil {
				cfg.Logger.Error().Err(err).Msg("quota consumption failed")
				metrics.RecordDecision("error", string(identity.Kind))
				http.Error(w, "quota check unavailable", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				metrics.RecordDecision("denied", string(identity.Kind))
				if cfg.EnforceQuota {
					writeDenial(w, identity)
					return
				}
			} else {
				metrics.RecordDecision("allowed", string(identity.Kind))
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

type identityContextKey struct{}

// WithIdentity stores the quota identity on the context
func WithIdentity(ctx context.Context, identity service.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity placed by the middleware
func IdentityFromContext(ctx context.Context) (service.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(service.Identity)
	return identity, ok
}
