package config

import (
	"net/http"
	"net/http/pprof"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
)

// StartProfiling begins the profile mode named by RunArgs.Profile ("cpu",
// "mem", or "block"), returning a stop function the caller defers. An
// empty name disables profiling and returns a no-op stop.
func StartProfiling(name string) (stop func()) {
	switch name {
	case "cpu":
		p := profile.Start(profile.CPUProfile, profile.NoShutdownHook)
		return p.Stop
	case "mem":
		p := profile.Start(profile.MemProfile, profile.NoShutdownHook)
		return p.Stop
	case "block":
		p := profile.Start(profile.BlockProfile, profile.NoShutdownHook)
		return p.Stop
	default:
		return func() {}
	}
}

// ServeDebug starts a debug HTTP listener exposing net/http/pprof's index
// alongside fgprof's continuous sampling profile, returning immediately;
// the listener runs until the process exits.
func ServeDebug(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/fgprof", fgprof.Handler())

	go http.ListenAndServe(addr, mux) //nolint:errcheck
}
