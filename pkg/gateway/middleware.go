package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/vigil/pkg/api"
	"github.com/Mindburn-Labs/vigil/pkg/kernel"
)

// Principal is the authenticated caller a handler sees after the
// gateway has let the request through.
type Principal struct {
	UserID    string
	Role      string
	SessionID string
	Trust     float64
}

type principalKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the principal the middleware injected.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// publicPaths bypass access evaluation: liveness probes and the login
// endpoint that mints sessions in the first place.
var publicPaths = map[string]bool{
	"/health":        true,
	"/readiness":     true,
	"/v1/auth/login": true,
}

// Middleware gates every request through the evaluator. resourceFor
// maps a request onto the dot-separated resource name checked against
// role permissions; a nil limiter store disables the distributed limit
// and leaves only the per-IP one upstream.
func Middleware(evaluator *Evaluator, limiter kernel.LimiterStore, resourceFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				api.WriteUnauthorized(w, "Missing or malformed Authorization header")
				return
			}
			if evaluator == nil {
				api.WriteUnauthorized(w, "Access evaluation not configured")
				return
			}

			req := AccessRequest{
				Token:             token,
				SourceIP:          api.ClientIP(r),
				Country:           r.Header.Get("X-Geo-Country"),
				State:             r.Header.Get("X-Geo-State"),
				DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
				DeviceManaged:     r.Header.Get("X-Device-Managed") == "true",
				Resource:          resourceFor(r),
			}

			decision := evaluator.Evaluate(r.Context(), req)

			switch decision.Verdict {
			case VerdictAllow:
			case VerdictChallenge:
				w.Header().Set("X-Verification-Required", strings.Join(decision.Outstanding, ","))
				api.WriteForbidden(w, decision.Reason)
				return
			case VerdictRequireMFA:
				api.WriteUnauthorized(w, "Multi-factor authentication required")
				return
			default:
				api.WriteForbidden(w, decision.Reason)
				return
			}

			if limiter != nil {
				burst := evaluator.cfg.RateLimitPerMin / 10
				if burst < 1 {
					burst = 1
				}
				policy := kernel.BackpressurePolicy{RPM: evaluator.cfg.RateLimitPerMin, Burst: burst}
				if err := kernel.EvaluateBackpressure(r.Context(), limiter, decision.UserID, policy); err != nil {
					api.WriteFault(w, err)
					return
				}
			}

			principal := Principal{
				UserID:    decision.UserID,
				Role:      decision.Role,
				SessionID: decision.SessionID,
				Trust:     decision.Trust,
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
