package middleware

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"

	"pet-health-sync/internal/platform/logger"
)

// OriginGuard bloquea mutaciones disparadas desde otro sitio del navegador.
// GET, HEAD y OPTIONS pasan siempre. Con Origin, el host debe ser el del request
// o coincidir con algún patrón (mismo formato que WS_ORIGIN_PATTERNS, p.ej. "localhost:*").
// Sin Origin se rechaza sólo si Sec-Fetch-Site declara cross-site; curl y la CLI no lo mandan.
func OriginGuard(patterns []string, log logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethod(r.Method) || originAllowed(r, patterns) {
				next.ServeHTTP(w, r)
				return
			}
			log.Warn("request_blocked", map[string]any{
				"reason": "origin_not_allowed",
				"origin": r.Header.Get("Origin"),
				"method": r.Method,
				"path":   r.URL.Path,
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "origin not allowed"})
		})
	}
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

func originAllowed(r *http.Request, patterns []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return r.Header.Get("Sec-Fetch-Site") != "cross-site"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		// "null" (sandbox, file://) cae aquí
		return false
	}
	host := strings.ToLower(u.Host)
	if strings.EqualFold(host, r.Host) {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(strings.ToLower(strings.TrimSpace(p)), host); err == nil && ok {
			return true
		}
	}
	return false
}
