// Package route classifies inbound requests into the gateway's four kinds.
package route

import (
	"net/http"
	"strings"

	"webgate/internal/config"
)

const (
	apiPrefix       = "/api/"
	messagingPrefix = "/socket.io/"
)

// Kind is the classification of one inbound request.
type Kind int

const (
	// KindStatic requests are served from the document root.
	KindStatic Kind = iota
	// KindAPI requests are forwarded to the backend, optionally with the
	// /api prefix stripped.
	KindAPI
	// KindMessagingPoll requests are the messaging endpoint's plain HTTP
	// transport (long-polling), forwarded like API calls.
	KindMessagingPoll
	// KindMessagingUpgrade requests are connection-upgrade handshakes,
	// bridged to the backend as a raw duplex socket.
	KindMessagingUpgrade
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindMessagingPoll:
		return "messaging-poll"
	case KindMessagingUpgrade:
		return "messaging-upgrade"
	default:
		return "static"
	}
}

// Decision is the outcome of classifying one request. Path is the path to
// forward to the backend; for static requests it equals the original path.
type Decision struct {
	Kind Kind
	Path string
}

// Matcher classifies request paths. It is immutable after construction and
// deterministic: identical inputs always produce identical decisions.
type Matcher struct {
	stripAPIPrefix bool
}

// NewMatcher creates a Matcher from the backend configuration.
func NewMatcher(cfg *config.Config) *Matcher {
	return &Matcher{stripAPIPrefix: cfg.Backend.StripAPIPrefix}
}

// Match classifies one request. Precedence, first match wins:
//
//  1. an upgrade handshake, regardless of path — handshakes are intercepted
//     before path routing ever sees them
//  2. the API prefix
//  3. the messaging prefix with a GET or POST method
//  4. static fallback
//
// The API check runs before the messaging check, so /api/socket.io/... is an
// API call, not messaging traffic.
func (m *Matcher) Match(method, path string, upgrade bool) Decision {
	if upgrade {
		return Decision{Kind: KindMessagingUpgrade, Path: path}
	}
	if strings.HasPrefix(path, apiPrefix) {
		p := path
		if m.stripAPIPrefix {
			p = path[len(apiPrefix)-1:] // drop the leading "/api"
		}
		return Decision{Kind: KindAPI, Path: p}
	}
	if strings.HasPrefix(path, messagingPrefix) && (method == http.MethodGet || method == http.MethodPost) {
		return Decision{Kind: KindMessagingPoll, Path: path}
	}
	return Decision{Kind: KindStatic, Path: path}
}

// IsUpgrade reports whether r is a connection-upgrade handshake.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
