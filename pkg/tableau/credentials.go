package tableau

import (
	"os"
	"strings"
)

// Credentials is a personal-access-token pair for one site.
type Credentials struct {
	Name   string
	Secret string
}

// CredentialSource resolves the personal access token to use for a site.
type CredentialSource interface {
	Resolve(site string) Credentials
}

// EnvCredentials resolves per-site tokens from the environment, falling
// back to a global pair. For a site "political-reporting" it consults
// POLITICAL_REPORTING_PAT_NAME / POLITICAL_REPORTING_PAT_SECRET.
type EnvCredentials struct {
	// DefaultName and DefaultSecret are the global PAT_NAME / PAT_SECRET.
	DefaultName   string
	DefaultSecret string
}

// Resolve implements CredentialSource.
func (e EnvCredentials) Resolve(site string) Credentials {
	prefix := siteEnvPrefix(site)
	name := os.Getenv(prefix + "_PAT_NAME")
	secret := os.Getenv(prefix + "_PAT_SECRET")
	if name != "" && secret != "" {
		return Credentials{Name: name, Secret: secret}
	}
	return Credentials{Name: e.DefaultName, Secret: e.DefaultSecret}
}

// siteEnvPrefix maps a site content URL to its env var prefix: hyphens
// become underscores and the result is upper-cased.
func siteEnvPrefix(site string) string {
	return strings.ToUpper(strings.ReplaceAll(site, "-", "_"))
}
