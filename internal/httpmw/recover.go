package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if
// set, runs after logging (metrics). http.ErrAbortHandler is re-raised so
// the proxy can still abort a response mid-stream.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				ctx := r.Context()
				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(ctx),
				).Error(ctx, panicError(rec), "handler panic recovered",
					"panic_stack", string(debug.Stack()),
				)

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// panicError keeps an error value in the chain so callers can errors.Is it.
func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return xerrors.Wrap(err, "panic")
	}
	return xerrors.Newf("panic: %v", rec)
}
