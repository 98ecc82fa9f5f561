package middleware

import (
	"context"
	"net/http"
	"strings"

	"pet-health-sync/internal/ports/auth"
)

type ctxKey string

const claimsKey ctxKey = "claims"

type AuthOptions struct {
	// Verifier valida "Authorization: Bearer" (puede ser nil).
	Verifier auth.AuthVerifier
	// Session se usa cuando el request no trae credenciales: el daemon es de un solo perfil.
	Session auth.SessionSource
	// Dev habilita X-Debug-User-ID.
	Dev bool
}

// AuthContext resuelve claims en este orden: Bearer verificado, X-Debug-User-ID (dev),
// sesión activa. Si no hay claims el request sigue igual; los handlers deciden si exigen auth.
func AuthContext(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := resolveClaims(r, opts); ok {
				ctx := context.WithValue(r.Context(), claimsKey, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resolveClaims(r *http.Request, opts AuthOptions) (auth.Claims, bool) {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" && opts.Verifier != nil {
		claims, err := opts.Verifier.Verify(r.Context(), token)
		if err != nil {
			// token inválido: no cae a la sesión
			return auth.Claims{}, false
		}
		return claims, true
	}

	if opts.Dev {
		if uid := strings.TrimSpace(r.Header.Get("X-Debug-User-ID")); uid != "" {
			return auth.Claims{UserID: uid}, true
		}
	}

	if opts.Session != nil {
		return opts.Session.Current(r.Context())
	}
	return auth.Claims{}, false
}

func GetClaims(ctx context.Context) (auth.Claims, bool) {
	v := ctx.Value(claimsKey)
	if v == nil {
		return auth.Claims{}, false
	}
	c, ok := v.(auth.Claims)
	return c, ok
}

// WithClaims inyecta claims en ctx (tests y comandos de la CLI).
func WithClaims(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func bearerToken(authHeader string) string {
	if strings.TrimSpace(authHeader) == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
