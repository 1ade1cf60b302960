package routing

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultSessionCookie       = "session"
	DefaultLoginPath           = "/login"
	DefaultTenantRewritePrefix = "/mp"
	DefaultRolesHeader         = "X-User-Roles"
	DefaultTenantHeader        = "X-Tenant-Id"
)

// Config is the static routing snapshot. It is built once at startup and
// only read afterwards.
type Config struct {
	RBACEnabled        bool
	MultitenantEnabled bool

	// checked in order by plain prefix match, first match wins
	PublicRoutePrefixes    []string
	ProtectedRoutePrefixes []string

	SessionCookie       string
	LoginPath           string
	TenantRewritePrefix string
	RolesHeader         string
	TenantHeader        string
}

// WithDefaults returns a copy of c with empty knobs set to their defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.SessionCookie == "" {
		out.SessionCookie = DefaultSessionCookie
	}
	if out.LoginPath == "" {
		out.LoginPath = DefaultLoginPath
	}
	if out.TenantRewritePrefix == "" {
		out.TenantRewritePrefix = DefaultTenantRewritePrefix
	}
	if out.RolesHeader == "" {
		out.RolesHeader = DefaultRolesHeader
	}
	if out.TenantHeader == "" {
		out.TenantHeader = DefaultTenantHeader
	}
	return out
}

// IsProtected reports whether path falls under a protected prefix. It is
// informational only, decisions never depend on it.
func (c Config) IsProtected(path string) bool {
	return matchPrefix(path, c.ProtectedRoutePrefixes)
}

// Validate checks the snapshot for inconsistencies the engine itself does not
// guard against. Returns every problem found joined into one error.
func (c Config) Validate() error {
	var errs []error

	errs = append(errs, checkPrefixes("public", c.PublicRoutePrefixes)...)
	errs = append(errs, checkPrefixes("protected", c.ProtectedRoutePrefixes)...)

	for _, pub := range c.PublicRoutePrefixes {
		for _, prot := range c.ProtectedRoutePrefixes {
			if strings.HasPrefix(pub, prot) || strings.HasPrefix(prot, pub) {
				errs = append(errs, fmt.Errorf("public route %q overlaps protected route %q", pub, prot))
			}
		}
	}

	if c.RBACEnabled {
		if c.SessionCookie == "" {
			errs = append(errs, errors.New("session cookie name is required when rbac is enabled"))
		}
		if !strings.HasPrefix(c.LoginPath, "/") {
			errs = append(errs, fmt.Errorf("login path %q must start with /", c.LoginPath))
		} else if Classify(c.LoginPath, c) != Public {
			// otherwise the login page redirects to itself
			errs = append(errs, fmt.Errorf("login path %q must be covered by a public route when rbac is enabled", c.LoginPath))
		}
		if c.RolesHeader == "" {
			errs = append(errs, errors.New("roles header is required when rbac is enabled"))
		}
	}

	if c.MultitenantEnabled {
		p := c.TenantRewritePrefix
		if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
			errs = append(errs, fmt.Errorf("tenant rewrite prefix %q must start with / and not end with /", p))
		}
		if c.TenantHeader == "" {
			errs = append(errs, errors.New("tenant header is required when multitenancy is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkPrefixes(kind string, prefixes []string) []error {
	var errs []error
	seen := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s route %q must start with /", kind, p))
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("duplicate %s route %q", kind, p))
		}
		seen[p] = true
	}
	return errs
}
