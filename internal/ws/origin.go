package ws

import (
	"net/http"
	"strings"
)

// OriginChecker returns a CheckOrigin function for a gorilla/websocket
// Upgrader that admits the given origins. Requests without an Origin header
// are accepted.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Same-origin request or non-browser client.
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
