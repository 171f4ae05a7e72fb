// Package socks5 implements the SOCKS5 (RFC 1928/1929) protocol handler:
// method negotiation, optional username/password subnegotiation, CONNECT
// request parsing, and reply framing.
package socks5

import (
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Authenticator handles SOCKS5 authentication for one selected method.
type Authenticator interface {
	// Authenticate performs authentication and returns the username if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code this authenticator handles.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates a single username/password pair.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores a username to bcrypt hash mapping.
type HashedCredentials map[string]string

// Valid checks if the username/password combination is valid, using bcrypt
// comparison which is inherently constant-time per-call.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		// Dummy comparison so an unknown username takes the same time as a
		// wrong password for a known one.
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// dummyHash is a pre-computed bcrypt hash compared against when the
// username doesn't exist, for timing consistency.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// StaticCredentials is a plaintext username to password mapping.
type StaticCredentials map[string]string

// Valid checks the username/password combination using constant-time
// comparison.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword creates a bcrypt hash of password, for config files that
// want to store a hash instead of plaintext.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator creates a username/password authenticator backed
// by creds.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs username/password subnegotiation.
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 0 to 255 |
//	+----+------+----------+------+----------+
//
// Response: VER, STATUS (0x00 success, 0x01 failure).
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", err
	}
	if header[0] != 0x01 {
		writer.Write([]byte{header[0], AuthStatusFailure})
		return "", errors.New("unsupported auth version")
	}

	username := make([]byte, int(header[1]))
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}
	password := make([]byte, int(pLenBuf[0]))
	if len(password) > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}

// AuthConfig describes the optional username/password pair a SOCKS5
// listener is configured with. When Username is empty, the listener
// accepts unauthenticated clients; otherwise authentication is required.
type AuthConfig struct {
	Username string
	Password string
	// HashedPassword, if set, is a bcrypt hash compared against instead of
	// Password.
	HashedPassword string
}

// CreateAuthenticator builds the single authenticator a listener uses for
// method selection: NoAuthAuthenticator when cfg.Username is empty, otherwise a
// UserPassAuthenticator bound to the configured credential.
func CreateAuthenticator(cfg AuthConfig) Authenticator {
	if cfg.Username == "" {
		return &NoAuthAuthenticator{}
	}
	if cfg.HashedPassword != "" {
		return NewUserPassAuthenticator(HashedCredentials{cfg.Username: cfg.HashedPassword})
	}
	return NewUserPassAuthenticator(StaticCredentials{cfg.Username: cfg.Password})
}
