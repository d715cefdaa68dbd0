// Package model holds the data types shared across Cargo Bay's components:
// registry descriptors, repository mappings, and token claims. None of it
// is specific to any one component's storage or transport concerns.
package model

import "time"

// RegistryDescriptor identifies one upstream registry and how to reach it.
type RegistryDescriptor struct {
	ID       string
	BaseURL  string
	Username string
	Password string
}

// HasCredentials reports whether a username/password pair is configured for
// this registry's Basic auth / token exchange.
func (d RegistryDescriptor) HasCredentials() bool {
	return d.Username != "" || d.Password != ""
}

// RepoMapping binds a locally-exposed repository name to an upstream
// registry and the repository path within it.
type RepoMapping struct {
	LocalName    string
	RegistryID   string
	UpstreamName string
}

// AnyRepository is the sentinel value for Claims.Repositories meaning the
// token is not restricted to a fixed set of repositories.
const AnyRepository = "*"

// Claims is the decoded content of a verified bearer token.
type Claims struct {
	Subject      string
	Repositories []string // nil/empty means unrestricted (ANY)
	Expiry       time.Time
}

// Allows reports whether the claims permit access to localName.
func (c Claims) Allows(localName string) bool {
	if len(c.Repositories) == 0 {
		return true
	}
	for _, r := range c.Repositories {
		if r == localName || r == AnyRepository {
			return true
		}
	}
	return false
}
