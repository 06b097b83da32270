// Package management implements the HTTP client for the CLIProxyAPI
// management API. It handles connection-mode aware authentication (local
// management key versus remote bearer token) and the OAuth login endpoints
// used by the shell.
package management

import "net/http"

// Mode identifies how the management backend is reached.
type Mode int

const (
	// ModeLocal reaches the backend over 127.0.0.1 using the management key
	// from the local config file.
	ModeLocal Mode = iota

	// ModeRemote reaches a backend elsewhere using a stored bearer token.
	ModeRemote
)

// String returns the lowercase mode name used in logs.
func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// Credential applies an authentication scheme to an outgoing request. The two
// implementations correspond to the two connection modes; call sites never
// compare mode strings to decide which header to send.
type Credential interface {
	Apply(header http.Header)
}

// ManagementKey authenticates local-mode requests via the X-Management-Key
// header.
type ManagementKey string

// Apply sets the management key header.
func (k ManagementKey) Apply(header http.Header) {
	header.Set("X-Management-Key", string(k))
}

// BearerToken authenticates remote-mode requests via the Authorization header.
type BearerToken string

// Apply sets the bearer token header.
func (t BearerToken) Apply(header http.Header) {
	header.Set("Authorization", "Bearer "+string(t))
}

// Connection describes a resolved management backend endpoint.
type Connection struct {
	// Mode records whether the backend is local or remote.
	Mode Mode

	// BaseURL is the backend origin, e.g. "http://127.0.0.1:8317" or a
	// remote URL that may carry a trailing slash.
	BaseURL string

	// Credential carries the authentication scheme for this connection.
	Credential Credential

	// LocalPort is the management port in local mode; zero otherwise.
	LocalPort int
}

// ConnectionSource resolves the current connection on demand. Implementations
// must re-read live configuration on every call so that a config change
// between two requests is picked up without restarting the client.
type ConnectionSource interface {
	Connection() (Connection, error)
}
