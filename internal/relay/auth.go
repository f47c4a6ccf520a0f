package relay

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/zsprackett/pi-control/internal/events"
)

// Authenticator checks a caller-supplied secret against the process secret.
// A plaintext secret is compared exactly. When only a bcrypt hash is set the
// hash is checked instead.
type Authenticator struct {
	secret string
	hash   []byte
}

func NewAuthenticator(secret, hash string) *Authenticator {
	a := &Authenticator{secret: secret}
	if secret == "" && hash != "" {
		a.hash = []byte(hash)
	}
	return a
}

// Check reports whether secret is authorized. An unconfigured authenticator
// denies everything, including the empty secret.
func (a *Authenticator) Check(secret string) bool {
	if a == nil {
		return false
	}
	if a.secret != "" {
		return subtle.ConstantTimeCompare([]byte(a.secret), []byte(secret)) == 1
	}
	if len(a.hash) > 0 {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(secret)) == nil
	}
	return false
}

// handlerFunc handles an inbound event from a peer.
type handlerFunc func(p Peer, e events.Event)

// requireSecret wraps next so it only runs when Args[0] is the secret. The
// secret is stripped before delegating. Failures are dropped silently.
func (r *Relay) requireSecret(next handlerFunc) handlerFunc {
	return func(p Peer, e events.Event) {
		var secret string
		if err := e.Arg(0, &secret); err != nil || !r.auth.Check(secret) {
			r.logger.Debug("dropping unauthorized event", "peer", p.ID(), "event", e.Name)
			return
		}
		next(p, e.Shift(1))
	}
}
