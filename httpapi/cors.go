package httpapi

import (
	"net/http"
	"path"
	"strings"
)

// originMatcher checks request origins against the configured allow list.
// Entries may contain "*" wildcards, e.g. "http://localhost:*".
type originMatcher struct {
	any      bool
	patterns []string
}

func newOriginMatcher(origins []string) *originMatcher {
	m := &originMatcher{}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
			continue
		case "*":
			m.any = true
		default:
			m.patterns = append(m.patterns, strings.ToLower(origin))
		}
	}
	return m
}

func (m *originMatcher) allowed(origin string) bool {
	if m == nil || origin == "" {
		return false
	}
	if m.any {
		return true
	}
	origin = strings.ToLower(strings.TrimRight(origin, "/"))
	for _, pattern := range m.patterns {
		if pattern == origin {
			return true
		}
		if ok, err := path.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// checkOrigin is the websocket upgrade check. Clients that send no Origin
// header (terminals, scripts) are not browsers and are accepted.
func (m *originMatcher) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return m.allowed(origin)
}

func withCORS(next http.Handler, origins *originMatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origins.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, url, port")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
