package routecfg

import (
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/keithlinneman/tenantgate/internal/routing"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

// DefaultEnvPrefix marks environment overrides for document keys.
const DefaultEnvPrefix = "TENANTGATE_ROUTES_"

// document is the on-disk shape. JSON documents parse too, YAML being a
// superset.
type document struct {
	RBACEnabled         bool     `koanf:"rbac_enabled"`
	MultitenantEnabled  bool     `koanf:"multitenant_enabled"`
	PublicRoutes        []string `koanf:"public_routes"`
	ProtectedRoutes     []string `koanf:"protected_routes"`
	SessionCookie       string   `koanf:"session_cookie"`
	LoginPath           string   `koanf:"login_path"`
	TenantRewritePrefix string   `koanf:"tenant_rewrite_prefix"`
	RolesHeader         string   `koanf:"roles_header"`
	TenantHeader        string   `koanf:"tenant_header"`
}

var knownKeys = map[string]bool{
	"rbac_enabled":          true,
	"multitenant_enabled":   true,
	"public_routes":         true,
	"protected_routes":      true,
	"session_cookie":        true,
	"login_path":            true,
	"tenant_rewrite_prefix": true,
	"roles_header":          true,
	"tenant_header":         true,
}

// listKeys are comma separated when set from the environment.
var listKeys = map[string]bool{
	"public_routes":    true,
	"protected_routes": true,
}

// envOverride maps TENANTGATE_ROUTES_PUBLIC_ROUTES=/login,/assets onto
// public_routes: [/login, /assets]. Empty list entries are dropped.
func envOverride(prefix string) func(key, value string) (string, any) {
	return func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, prefix))
		if !listKeys[key] {
			return key, value
		}
		items := []string{}
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
}

func (d document) config() routing.Config {
	return routing.Config{
		RBACEnabled:            d.RBACEnabled,
		MultitenantEnabled:     d.MultitenantEnabled,
		PublicRoutePrefixes:    d.PublicRoutes,
		ProtectedRoutePrefixes: d.ProtectedRoutes,
		SessionCookie:          d.SessionCookie,
		LoginPath:              d.LoginPath,
		TenantRewritePrefix:    d.TenantRewritePrefix,
		RolesHeader:            d.RolesHeader,
		TenantHeader:           d.TenantHeader,
	}.WithDefaults()
}

// Parse decodes a routing document, applies environment overrides under
// envPrefix ("" disables them), fills defaults and validates the result.
func Parse(data []byte, envPrefix string) (routing.Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return routing.Config{}, xerrors.New("routing document is empty")
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return routing.Config{}, xerrors.Wrap(err, "parse routing document")
	}
	if envPrefix != "" {
		if err := k.Load(env.ProviderWithValue(envPrefix, ".", envOverride(envPrefix)), nil); err != nil {
			return routing.Config{}, xerrors.Wrap(err, "load routing env overrides")
		}
	}

	var unknown []string
	for _, key := range k.Keys() {
		if !knownKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return routing.Config{}, xerrors.Newf("unknown routing keys %v", unknown)
	}

	var doc document
	if err := k.Unmarshal("", &doc); err != nil {
		return routing.Config{}, xerrors.Wrap(err, "decode routing document")
	}

	cfg := doc.config()
	if err := cfg.Validate(); err != nil {
		return routing.Config{}, xerrors.Wrap(err, "invalid routing config")
	}
	return cfg, nil
}
