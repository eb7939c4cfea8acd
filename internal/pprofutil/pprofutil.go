package pprofutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"loopmvp/internal/metrics"
)

const defaultAddr = "127.0.0.1:6060"

// Server exposes the runtime profiles plus the node's live metrics on a
// loopback HTTP listener.
type Server struct {
	Addr string
	srv  *http.Server
}

// StartFromEnv starts the debug server when LOOP_PPROF=1. It returns nil
// without error when profiling is off.
func StartFromEnv(logw io.Writer, snap func() metrics.Snapshot) (*Server, error) {
	if strings.TrimSpace(os.Getenv("LOOP_PPROF")) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv("LOOP_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	s, err := Start(addr, strings.TrimSpace(os.Getenv("LOOP_PPROF_ALLOW_PUBLIC")) == "1", snap)
	if err != nil {
		return nil, err
	}
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", s.Addr)
	}
	return s, nil
}

// Start listens on addr, refusing a non-loopback bind unless allowPublic.
func Start(addr string, allowPublic bool, snap func() metrics.Snapshot) (*Server, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof addr must be loopback unless LOOP_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/loop/metrics", func(w http.ResponseWriter, _ *http.Request) {
		var s metrics.Snapshot
		if snap != nil {
			s = snap()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	})
	s := &Server{
		Addr: ln.Addr().String(),
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.srv.Close()
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
