package apiclient

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/brightloom/skywatch/internal/models"
)

// sessionStore holds the active Session behind a read-write lock:
// writes (refresh, re-authenticate) are serialized, reads are
// concurrent (spec.md §5, "Session store: read-write lock").
type sessionStore struct {
	mu      sync.RWMutex
	session models.Session
}

func (s *sessionStore) get() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *sessionStore) set(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

// shouldRefresh reports whether the current session's access token has
// no known expiry or expires in under an hour (spec.md §4.4).
func (s *sessionStore) shouldRefresh() bool {
	sess := s.get()
	if sess.Expiry == nil {
		return true
	}
	return time.Until(*sess.Expiry) < time.Hour
}

// expiryFromJWT parses the unverified "exp" claim of a JWT-shaped
// access token. The upstream issues real JWTs for accessJwt/refreshJwt
// (spec.md §6); we never verify the signature since the token is
// opaque to us and verification is the issuer's concern, we only read
// our own bearer token's expiry to decide whether to refresh.
func expiryFromJWT(token string) *time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	expVal, ok := claims["exp"]
	if !ok {
		return nil
	}
	expFloat, ok := expVal.(float64)
	if !ok {
		return nil
	}
	t := time.Unix(int64(expFloat), 0)
	return &t
}
