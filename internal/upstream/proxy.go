// Package upstream forwards requests the gate lets through to the
// application behind it.
package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

type Options struct {
	// Target is the application base URL, e.g. http://127.0.0.1:3000
	Target string
	// PreserveHost forwards the client's Host header instead of the target's.
	// Tenant-aware upstreams usually need it.
	PreserveHost bool
	// Transport overrides the default instrumented transport, mostly for tests.
	Transport http.RoundTripper
	// OnError is called once per request answered with 502.
	OnError func()
	// FlushInterval for streamed responses; negative flushes after every write.
	FlushInterval time.Duration
}

// New returns a reverse proxy to opts.Target. Upstream failures are logged
// through the request-scoped logger and answered with 502.
func New(opts Options) (*httputil.ReverseProxy, error) {
	target, err := parseTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(defaultTransport())
	}

	preserveHost := opts.PreserveHost
	onError := opts.OnError

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if preserveHost {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport:     transport,
		FlushInterval: opts.FlushInterval,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			if errors.Is(err, context.Canceled) {
				// client went away, nothing to answer
				log.FromContext(ctx).Debug(ctx, "upstream request canceled by client")
				w.WriteHeader(499)
				return
			}
			log.FromContext(ctx).Error(ctx, xerrors.Wrap(err, "upstream request failed"), "upstream unavailable",
				"upstream.host", target.Host,
			)
			if onError != nil {
				onError()
			}
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		},
	}, nil
}

func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, xerrors.New("upstream target is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream target %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Newf("upstream target %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, xerrors.Newf("upstream target %q: missing host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, xerrors.Newf("upstream target %q: query and fragment are not allowed", raw)
	}
	return u, nil
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}
