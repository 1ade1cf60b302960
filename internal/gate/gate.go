package gate

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/tenantgate/internal/httpmw"
	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/metrics"
	"github.com/keithlinneman/tenantgate/internal/routing"
)

// ForwardedURIHeader carries the client-visible request URI on rewritten requests.
const ForwardedURIHeader = "X-Forwarded-Uri"

// Source supplies the routing config for each request.
type Source interface {
	Routing() routing.Config
}

// Static is a Source that always returns the same config.
type Static routing.Config

func (s Static) Routing() routing.Config { return routing.Config(s) }

type Gate struct {
	src        Source
	onDecision func(routing.Evaluation, routing.Config)
}

type Option func(*Gate)

// WithOnDecision is called once per request with the evaluation and the
// config it ran against.
func WithOnDecision(fn func(routing.Evaluation, routing.Config)) Option {
	return func(g *Gate) { g.onDecision = fn }
}

func New(src Source, opts ...Option) *Gate {
	g := &Gate{src: src}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Middleware evaluates each request once and applies the resulting
// decision. A rewrite is terminal: the rewritten request goes to next
// without another evaluation. next only sees requests that are allowed
// through.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cfg := g.src.Routing().WithDefaults()

		r = stripIdentityHeaders(r, cfg)
		ev := g.evaluate(ctx, r, cfg)
		g.annotate(ctx, r.Method, ev, cfg, r.URL.Path)

		d := ev.Decision
		switch d.Kind {
		case routing.Redirect:
			w.Header().Set("Cache-Control", "no-store")
			http.Redirect(w, r, d.Location, http.StatusTemporaryRedirect)
			return
		case routing.Rewrite:
			r = rewriteRequest(r, d.Path)
		case routing.PassThroughWithHeaders:
			r = r.Clone(ctx)
			for k, v := range d.Headers {
				r.Header.Set(k, v)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) evaluate(ctx context.Context, r *http.Request, cfg routing.Config) routing.Evaluation {
	ev := routing.Evaluate(routing.RequestFromHTTP(r), cfg)
	if g.onDecision != nil {
		g.onDecision(ev, cfg)
	}
	g.noteRoleError(ctx, ev)
	return ev
}

// noteRoleError logs why roles were unavailable. The client only ever sees
// the login redirect.
func (g *Gate) noteRoleError(ctx context.Context, ev routing.Evaluation) {
	if ev.RoleErr == nil {
		return
	}
	L := log.FromContext(ctx)
	if errors.Is(ev.RoleErr, routing.ErrNoSession) {
		L.Debug(ctx, "no session cookie, redirecting to login")
		return
	}
	L.Warn(ctx, "session token unreadable, redirecting to login",
		"gate.decode_reason", ev.DecodeFailure(),
		"error", ev.RoleErr.Error(),
	)
}

func (g *Gate) annotate(ctx context.Context, method string, ev routing.Evaluation, cfg routing.Config, path string) {
	kind := ev.Decision.Kind.String()
	reason := ev.Decision.Reason

	route := "gate:" + reason
	metrics.SetRouteLabel(ctx, route)

	kv := []any{"gate.decision", kind, "gate.reason", reason}
	if ev.TenantResolved {
		kv = append(kv, "gate.tenant", ev.Tenant)
	}
	if ev.Decision.Kind == routing.Rewrite {
		kv = append(kv, "gate.rewritten", true)
	}
	httpmw.Annotate(ctx, kv...)

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("gate.decision", kind),
		attribute.String("gate.reason", reason),
		attribute.Bool("gate.route.public", ev.Class == routing.Public),
		attribute.Bool("gate.route.protected", cfg.IsProtected(path)),
	}
	if ev.TenantResolved {
		attrs = append(attrs, attribute.String("gate.tenant", ev.Tenant))
	}
	span.SetAttributes(attrs...)
	span.SetName(method + " " + route)
}

// stripIdentityHeaders drops client-supplied copies of the headers the
// gate sets, so only the gate can vouch for roles and tenant upstream.
func stripIdentityHeaders(r *http.Request, cfg routing.Config) *http.Request {
	names := []string{cfg.RolesHeader, cfg.TenantHeader}
	forged := false
	for _, n := range names {
		if _, ok := r.Header[http.CanonicalHeaderKey(n)]; ok {
			forged = true
			break
		}
	}
	if !forged {
		return r
	}
	r = r.Clone(r.Context())
	for _, n := range names {
		r.Header.Del(n)
	}
	return r
}

// rewriteRequest points a copy of r at path. The client-visible URI goes
// along in ForwardedURIHeader, replacing any copy the client sent.
func rewriteRequest(r *http.Request, path string) *http.Request {
	out := r.Clone(r.Context())
	out.Header.Set(ForwardedURIHeader, r.URL.RequestURI())
	out.URL.Path = path
	out.URL.RawPath = ""
	return out
}
