package httpmw

import "net/http"

// beforeHeaderWriter runs hook once, right before the status line goes out.
// Proxied responses copy upstream headers in before that point, so the hook
// sees (and may override) what the upstream sent.
type beforeHeaderWriter struct {
	http.ResponseWriter
	hook  func(http.Header)
	fired bool
}

func (w *beforeHeaderWriter) fire() {
	if w.fired {
		return
	}
	w.fired = true
	w.hook(w.Header())
}

func (w *beforeHeaderWriter) WriteHeader(code int) {
	w.fire()
	w.ResponseWriter.WriteHeader(code)
}

func (w *beforeHeaderWriter) Write(p []byte) (int, error) {
	w.fire()
	return w.ResponseWriter.Write(p)
}

func (w *beforeHeaderWriter) Flush() {
	w.fire()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *beforeHeaderWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
