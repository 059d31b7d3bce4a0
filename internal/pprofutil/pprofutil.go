// Package pprofutil starts an opt-in profiling endpoint.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshvpn/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
	started   string
)

// StartFromEnv starts a pprof HTTP server when MESHVPN_PPROF=1 and returns
// the bound address, or "" when profiling is off.
func StartFromEnv() (string, error) {
	if strings.TrimSpace(os.Getenv("MESHVPN_PPROF")) != "1" {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("MESHVPN_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("MESHVPN_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !IsLoopbackBind(addr) {
			startErr = fmt.Errorf("MESHVPN_PPROF_ADDR must be loopback unless MESHVPN_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		started = ln.Addr().String()
		debuglog.Named("pprof").Info("pprof enabled", zap.String("url", "http://"+started+"/debug/pprof/"))
		srv := &http.Server{
			Addr:              started,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return started, startErr
}

// IsLoopbackBind reports whether addr only listens on a loopback interface.
func IsLoopbackBind(addr string) bool {
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
