package opshttp

import (
	"net/http"
	"net/http/pprof"
)

// RegisterPprof mounts the runtime profiling handlers under /debug/pprof/.
// The named profiles (heap, goroutine, ...) are served by pprof.Index.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
