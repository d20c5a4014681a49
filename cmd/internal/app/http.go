package app

import (
	"net"
	"net/http"
	"strings"

	"gabriel/cmd/internal/counsel"
	"gabriel/cmd/internal/scripture"
	"gabriel/cmd/internal/sermon"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dep, err := a.ready(r.Context()); err != nil {
			a.log.Info("readyz.not_ready", "dependency", dep, "err", err)
			http.Error(w, dep+" not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))

	a.auth.Register(mux)
	counsel.NewHandler(a.log, a.relay).Register(mux, a.auth.RequireAuth)
	sermon.NewHandler(a.log, a.sermons).Register(mux, a.auth.RequireAuth)
	scripture.NewHandler(a.log, a.scripture).Register(mux, a.auth.RequireAuth)
	a.admin.Register(mux, a.auth.RequireAdmin)
	a.invites.Register(mux, a.auth.RequireAdmin)

	mux.Handle("/ws", a.ws)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
