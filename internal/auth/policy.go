package auth

import "net/http"

// ConnectionPolicy decides how much trust an incoming websocket gets before
// any application frames flow.
type ConnectionPolicy string

const (
	// PolicyLocalUnrestricted is a direct connection with remote access
	// disabled; no auth gate at all.
	PolicyLocalUnrestricted ConnectionPolicy = "local_unrestricted"

	// PolicyLocalCookieTrusted is a direct connection that already carries a
	// valid cookie session or desktop token.
	PolicyLocalCookieTrusted ConnectionPolicy = "local_cookie_trusted"

	// PolicySRPRequired demands a full SRP handshake before any application
	// frame is accepted.
	PolicySRPRequired ConnectionPolicy = "srp_required"
)

// RelayHeader marks requests forwarded by the off-host relay. Anything
// carrying it is treated as remote regardless of source address.
const RelayHeader = "X-Warden-Relay"

// DesktopTokenHeader carries the desktop app's auth token, accepted as a
// cookie equivalent.
const DesktopTokenHeader = "X-Warden-Desktop-Token"

// Trusted reports whether the policy allows internal HTTP without SRP.
func (p ConnectionPolicy) Trusted() bool {
	return p == PolicyLocalUnrestricted || p == PolicyLocalCookieTrusted
}

// Policer classifies incoming connections.
type Policer struct {
	remoteEnabled    bool
	desktopAuthToken string
	sessions         *SessionManager
}

// NewPolicer builds a classifier. sessions may be nil when local auth is not
// configured.
func NewPolicer(remoteEnabled bool, desktopAuthToken string, sessions *SessionManager) *Policer {
	return &Policer{
		remoteEnabled:    remoteEnabled,
		desktopAuthToken: desktopAuthToken,
		sessions:         sessions,
	}
}

// Classify assigns a connection policy to an incoming upgrade request.
//
// Relay-forwarded traffic always requires SRP: the cookie jar belongs to the
// local browser and means nothing coming through the tunnel.
func (p *Policer) Classify(r *http.Request) ConnectionPolicy {
	if r.Header.Get(RelayHeader) != "" {
		return PolicySRPRequired
	}
	if !p.remoteEnabled {
		return PolicyLocalUnrestricted
	}
	if p.hasLocalCredential(r) {
		return PolicyLocalCookieTrusted
	}
	return PolicySRPRequired
}

func (p *Policer) hasLocalCredential(r *http.Request) bool {
	if p.desktopAuthToken != "" && r.Header.Get(DesktopTokenHeader) == p.desktopAuthToken {
		return true
	}
	if p.sessions == nil {
		return false
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}
	return p.sessions.Validate(cookie.Value)
}
