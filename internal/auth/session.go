package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/gorilla/securecookie"
)

// TokenLength is the number of random bytes behind a session token.
const TokenLength = 32

// ErrEntropy is returned when the system random source fails.
var ErrEntropy = errors.New("failed to generate session token")

// Session holds the bridge's trust token. The token is minted on the first
// manual approval, lives for the rest of the process and is never written
// anywhere durable.
type Session struct {
	mu    sync.RWMutex
	token string

	// generate is swapped in tests
	generate func() ([]byte, error)
}

// NewSession returns a session with no token yet.
func NewSession() *Session {
	return &Session{generate: randomKey}
}

func randomKey() ([]byte, error) {
	key := securecookie.GenerateRandomKey(TokenLength)
	if key == nil {
		return nil, ErrEntropy
	}
	return key, nil
}

// Validate reports whether presented matches the current token. It is
// always false before a token exists.
func (s *Session) Validate(presented string) bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1
}

// IssueIfAbsent returns the session token, generating it on the first call.
// issued is true only for the call that created it.
func (s *Session) IssueIfAbsent() (token string, issued bool, err error) {
	s.mu.RLock()
	token = s.token
	s.mu.RUnlock()
	if token != "" {
		return token, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, false, nil
	}

	key, err := s.generate()
	if err != nil {
		return "", false, err
	}
	s.token = hex.EncodeToString(key)
	return s.token, true, nil
}

// Token returns the current token, if one has been issued.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}
