package apiserver

import (
	"net/http"
	"strings"
)

// originPolicy is the CORS allow-list. An empty list, or one containing "*",
// allows every origin.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		switch trimmed := strings.TrimSpace(origin); trimmed {
		case "":
		case "*":
			policy.any = true
		default:
			policy.allowed[trimmed] = struct{}{}
		}
	}
	if len(policy.allowed) == 0 {
		policy.any = true
	}
	return policy
}

// allows reports whether a request from origin may be served. Requests
// without an Origin header are not cross-origin and always pass.
func (p originPolicy) allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

func withCORS(policy originPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && policy.allows(origin) {
			header := w.Header()
			if policy.any {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
				header.Add("Vary", "Origin")
			}
			header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type")
			header.Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
