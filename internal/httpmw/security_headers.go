package httpmw

import "net/http"

// defaultSecurityHeaders are applied to every response that does not
// already carry the header. Content policies (CSP, COEP, CORP) belong to
// the upstream application and are not set here.
var defaultSecurityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
}

// SecurityHeaders fills in security headers the upstream left unset, just
// before the response header is written.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hw := &beforeHeaderWriter{ResponseWriter: w, hook: applySecurityDefaults}
		next.ServeHTTP(hw, r)
		// handler wrote nothing, net/http will send the header after we return
		hw.fire()
	})
}

func applySecurityDefaults(h http.Header) {
	for _, kv := range defaultSecurityHeaders {
		if h.Get(kv[0]) == "" {
			h.Set(kv[0], kv[1])
		}
	}
}
