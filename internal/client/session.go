package client

import "sync/atomic"

// SessionState is the authentication state of a client instance
type SessionState int32

const (
	SessionUnauthenticated SessionState = iota
	SessionAuthenticating
	SessionAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case SessionUnauthenticated:
		return "unauthenticated"
	case SessionAuthenticating:
		return "authenticating"
	case SessionAuthenticated:
		return "authenticated"
	default:
		return "invalid"
	}
}

// session holds the credential of one client instance. Concurrent refreshes
// are not serialized: they may both hit the daemon, and the last credential
// stored wins. Both are valid, so the state never becomes inconsistent.
type session struct {
	state      atomic.Int32
	credential atomic.Pointer[string]
}

func (s *session) State() SessionState {
	return SessionState(s.state.Load())
}

// Credential returns the last stored credential, or "" if there is none
func (s *session) Credential() string {
	if c := s.credential.Load(); c != nil {
		return *c
	}
	return ""
}

func (s *session) begin() {
	s.state.Store(int32(SessionAuthenticating))
}

func (s *session) establish(credential string) {
	s.credential.Store(&credential)
	s.state.Store(int32(SessionAuthenticated))
}

func (s *session) invalidate() {
	s.credential.Store(nil)
	s.state.Store(int32(SessionUnauthenticated))
}
