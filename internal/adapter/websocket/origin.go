package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
)

// OriginPolicy decides which browser origins may open a relay connection.
// Requests without an Origin header come from non-browser clients and are
// always accepted.
type OriginPolicy struct {
	appOrigin     string
	allowLoopback bool
	onReject      func(origin string)
}

// NewOriginPolicy accepts the origin of appURL, plus loopback origins when
// allowLoopback is set. onReject, if non-nil, is told about every refusal.
func NewOriginPolicy(appURL string, allowLoopback bool, onReject func(origin string)) *OriginPolicy {
	return &OriginPolicy{
		appOrigin:     extractOrigin(appURL),
		allowLoopback: allowLoopback,
		onReject:      onReject,
	}
}

// Allows reports whether origin may connect.
func (p *OriginPolicy) Allows(origin string) bool {
	switch {
	case origin == "":
		return true
	case p.appOrigin != "" && origin == p.appOrigin:
		return true
	case p.allowLoopback && isLoopbackOrigin(origin):
		return true
	}
	return false
}

// CheckOrigin plugs the policy into the upgrader.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.Allows(origin) {
		return true
	}

	slog.WarnContext(r.Context(), "WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr, "channel", r.URL.Path)
	if p.onReject != nil {
		p.onReject(origin)
	}
	return false
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
