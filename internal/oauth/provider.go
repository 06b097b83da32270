// Package oauth implements the shell's OAuth login orchestration against the
// CLIProxyAPI management API: fetching provider authorization URLs, running
// the local callback redirector for providers that need one, and polling the
// backend until the login resolves.
package oauth

import "strings"

// Provider describes one OAuth-capable upstream provider: which management
// route hands out its authorization URL, which backend route receives its
// callback, and whether the shell must run a local redirector on a fixed port
// to catch that callback.
type Provider struct {
	// ID is the canonical provider identifier.
	ID string

	// DisplayName is the human-readable provider name.
	DisplayName string

	// AuthURLPath is the management route (under /v0/management/) that
	// returns {url, state} for this provider.
	AuthURLPath string

	// CallbackPath is the backend route the provider's OAuth redirect must
	// reach, e.g. "/codex/callback".
	CallbackPath string

	// CallbackPort is the fixed local port the provider redirects to, or
	// zero when the provider uses a backend-generated redirect URL and needs
	// no local listener.
	CallbackPort int

	// SupportsProject marks providers accepting an optional project_id
	// query parameter on the auth-url route.
	SupportsProject bool
}

// NeedsRedirector reports whether a local callback redirector must be bound
// before starting a login for this provider.
func (p Provider) NeedsRedirector() bool {
	return p.CallbackPort != 0
}

// Provider identifiers.
const (
	Codex       = "codex"
	Claude      = "claude"
	GeminiCLI   = "gemini-cli"
	Qwen        = "qwen"
	IFlow       = "iflow"
	Antigravity = "antigravity"
)

// providers is the fixed registry; the ports and callback routes match the
// backend's OAuth handlers.
var providers = []Provider{
	{
		ID:           Codex,
		DisplayName:  "Codex",
		AuthURLPath:  "codex-auth-url",
		CallbackPath: "/codex/callback",
		CallbackPort: 1455,
	},
	{
		ID:           Claude,
		DisplayName:  "Claude",
		AuthURLPath:  "claude-auth-url",
		CallbackPath: "/anthropic/callback",
		CallbackPort: 54545,
	},
	{
		ID:              GeminiCLI,
		DisplayName:     "Gemini CLI",
		AuthURLPath:     "gemini-cli-auth-url",
		CallbackPath:    "/google/callback",
		CallbackPort:    8085,
		SupportsProject: true,
	},
	{
		ID:          Qwen,
		DisplayName: "Qwen",
		AuthURLPath: "qwen-auth-url",
	},
	{
		ID:           IFlow,
		DisplayName:  "iFlow",
		AuthURLPath:  "iflow-auth-url",
		CallbackPath: "/iflow/callback",
		CallbackPort: 11451,
	},
	{
		ID:          Antigravity,
		DisplayName: "Antigravity",
		AuthURLPath: "antigravity-auth-url",
	},
}

// Providers returns the registry in display order.
func Providers() []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

// Lookup resolves a provider by identifier, accepting the aliases the
// backend accepts.
func Lookup(id string) (Provider, bool) {
	canonical := ""
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "codex", "openai":
		canonical = Codex
	case "claude", "anthropic":
		canonical = Claude
	case "gemini-cli", "gemini", "google":
		canonical = GeminiCLI
	case "qwen":
		canonical = Qwen
	case "iflow", "i-flow":
		canonical = IFlow
	case "antigravity", "anti-gravity":
		canonical = Antigravity
	default:
		return Provider{}, false
	}
	for _, p := range providers {
		if p.ID == canonical {
			return p, true
		}
	}
	return Provider{}, false
}
