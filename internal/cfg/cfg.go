package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/tenantgate/internal/log"
)

const EnvPrefix = "TENANTGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort      int
	AdminPort     int
	UpstreamURL   string
	ShutdownDrain time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	RateLimitRPS   float64
	RateLimitBurst int
	TrustedHops    int

	EnableRBAC          bool
	EnableMultitenant   bool
	PublicRoutes        List
	ProtectedRoutes     List
	SessionCookie       string
	LoginPath           string
	TenantRewritePrefix string
	RolesHeader         string
	TenantHeader        string
	// file path, s3://bucket/key or ssm:/name; overrides the routing flags
	RoutesSource string
}

// List is a comma separated flag value. Empty items are dropped.
type List []string

func (l *List) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *List) Set(s string) error {
	var out List
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*l = out
	return nil
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include the error chain in error log records")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "application every allowed request is forwarded to")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 15*time.Second, "how long readiness fails before listeners close on shutdown")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 0, "per client IP requests per second, 0 disables")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 20, "per client IP burst size")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the gate whose X-Forwarded-For is trusted")

	fs.BoolVar(&c.EnableRBAC, "enable-rbac", false, "Decode session tokens and forward roles upstream")
	fs.BoolVar(&c.EnableMultitenant, "enable-multitenant", false, "Rewrite requests under the tenant taken from the subdomain")
	fs.Var(&c.PublicRoutes, "public-routes", "comma separated path prefixes that skip all checks")
	fs.Var(&c.ProtectedRoutes, "protected-routes", "comma separated path prefixes that require a session")
	fs.StringVar(&c.SessionCookie, "session-cookie", "session", "cookie holding the session token")
	fs.StringVar(&c.LoginPath, "login-path", "/login", "redirect target for protected requests without a session")
	fs.StringVar(&c.TenantRewritePrefix, "tenant-rewrite-prefix", "/mp", "path prefix tenant requests are rewritten under")
	fs.StringVar(&c.RolesHeader, "roles-header", "X-User-Roles", "header carrying the decoded roles upstream")
	fs.StringVar(&c.TenantHeader, "tenant-header", "X-Tenant-Id", "header carrying the resolved tenant upstream")
	fs.StringVar(&c.RoutesSource, "routes-source", "", "routing config file, s3://bucket/key or ssm:/parameter (replaces the routing flags)")
}

// LoadDotEnv loads each existing file into the process environment.
// Variables that are already set win over the files. Missing files are
// skipped.
func LoadDotEnv(logf func(string, ...any), files ...string) error {
	var found []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if !errors.Is(err, os.ErrNotExist) && logf != nil {
				logf("skipping env file %s: %v", f, err)
			}
			continue
		}
		found = append(found, f)
	}
	if len(found) == 0 {
		return nil
	}
	if err := godotenv.Load(found...); err != nil {
		return fmt.Errorf("load env files %v: %w", found, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// LogOptions translates the logging flags. Levels must already be valid.
func (c App) LogOptions(app, version string) log.Options {
	lvl, _ := log.ParseLevel(c.LogLevel)
	st, err := log.ParseLevel(c.StacktraceLevel)
	if err != nil {
		st, _ = log.ParseLevel("error")
	}
	o := log.Options{App: app, Version: version, Level: lvl, StacktraceLevel: st, JSON: c.LogJSON}
	if c.IncludeErrorLinks {
		o.MaxErrorChain = c.MaxErrorLinks
	}
	return o
}

// Validate checks the process level settings. Routing settings are
// checked by routecfg once the snapshot is built.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}

	if c.ShutdownDrain < 0 || c.ShutdownDrain > 5*time.Minute {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_DRAIN %s (must be 0..5m)", c.ShutdownDrain))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_RPS %.2f (must be >= 0)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting is on (got %d)", c.RateLimitBurst))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..10)", c.TrustedHops))
	}

	return errors.Join(errs...)
}
