// Package daemon runs the packet path of a node: workers moving packets
// between the tunnel device and the transport through the shared table,
// crypto map and traffic counters.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshvpn/internal/config"
	"meshvpn/internal/crypto"
	"meshvpn/internal/debuglog"
	"meshvpn/internal/engine"
	"meshvpn/internal/metrics"
	"meshvpn/internal/pprofutil"
	"meshvpn/internal/ranges"
	"meshvpn/internal/tun"
)

const (
	defaultReadBuffer = 65535
	queueFactor       = 8
)

// Transport is what the runner needs from the network layer.
type Transport interface {
	Sender
	Serve(ctx context.Context) error
	LocalAddr() netip.AddrPort
	// Forget drops any connection state held for peer.
	Forget(peer netip.AddrPort)
	Close() error
}

// ErrAlreadyRun is returned by a second call to Runner.Run.
var ErrAlreadyRun = errors.New("daemon: runner already run")

type Options struct {
	Workers      int
	SyncInterval time.Duration
	// StatsFile receives a JSON traffic snapshot on every sync tick.
	StatsFile   string
	MetricsAddr string
	ReadBuffer  int
	Clock       clock.Clock
}

type Runner struct {
	opts      Options
	fwd       Forwarder
	dev       tun.Device
	inbox     *Inbox
	transport Transport
	clock     clock.Clock
	log       *zap.Logger

	started     atomic.Bool
	ready       chan struct{}
	metricsMu   sync.RWMutex
	metricsAddr string
}

func NewRunner(fwd Forwarder, dev tun.Device, inbox *Inbox, transport Transport, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = config.DefaultWorkers
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = config.DefaultSyncInterval
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = defaultReadBuffer
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		opts:      opts,
		fwd:       fwd,
		dev:       dev,
		inbox:     inbox,
		transport: transport,
		clock:     clk,
		log:       debuglog.Named("daemon"),
		ready:     make(chan struct{}),
	}
}

// AddPeer registers p for the packet path: a PSK session when p has a key,
// plaintext otherwise, and its claims in the table.
func (r *Runner) AddPeer(p config.ResolvedPeer) error {
	var session engine.Session
	if len(p.PSK) > 0 {
		core, err := crypto.NewCoreFromPSK(p.PSK)
		if err != nil {
			return fmt.Errorf("peer %s: %w", p.Endpoint, err)
		}
		session = core
	}
	r.fwd.Crypto.Register(p.Endpoint, session)
	r.fwd.Table.SetClaims(p.Endpoint, p.Claims)
	r.log.Info("peer added",
		zap.Stringer("peer", p.Endpoint),
		zap.Stringer("claims", p.Claims),
		zap.Bool("encrypted", session != nil))
	return nil
}

// UpdateClaims replaces the claims of an already registered peer.
func (r *Runner) UpdateClaims(peer netip.AddrPort, claims ranges.List) {
	r.fwd.Table.SetClaims(peer, claims)
}

// RemovePeer forgets everything about peer, including learned addresses
// and its transport connection.
func (r *Runner) RemovePeer(peer netip.AddrPort) {
	r.fwd.Table.RemoveClaims(peer)
	r.fwd.Crypto.Unregister(peer)
	r.transport.Forget(peer)
	r.log.Info("peer removed", zap.Stringer("peer", peer))
}

func (r *Runner) Forwarder() Forwarder { return r.fwd.Clone() }

func (r *Runner) LocalAddr() netip.AddrPort { return r.transport.LocalAddr() }

// Ready is closed once every listener is bound.
func (r *Runner) Ready() <-chan struct{} { return r.ready }

// MetricsAddr is the bound metrics address, valid after Ready.
func (r *Runner) MetricsAddr() string {
	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()
	return r.metricsAddr
}

// Run blocks until ctx is done or a component fails. The device and the
// transport are closed on return, so a Runner runs once.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	var metricsLn net.Listener
	if r.opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", r.opts.MetricsAddr)
		if err != nil {
			_ = r.transport.Close()
			_ = r.dev.Close()
			return fmt.Errorf("metrics listen: %w", err)
		}
		metricsLn = ln
		r.metricsMu.Lock()
		r.metricsAddr = ln.Addr().String()
		r.metricsMu.Unlock()
		if !pprofutil.IsLoopbackBind(r.metricsAddr) {
			r.log.Warn("metrics endpoint is not loopback", zap.String("addr", r.metricsAddr))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	outbound := make(chan []byte, r.opts.Workers*queueFactor)
	g.Go(func() error { return r.transport.Serve(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		_ = r.dev.Close()
		return nil
	})
	g.Go(func() error { return r.readDevice(ctx, outbound) })
	for i := 0; i < r.opts.Workers; i++ {
		out := r.fwd.Clone()
		in := r.fwd.Clone()
		g.Go(func() error {
			r.outboundWorker(ctx, out, outbound)
			return nil
		})
		g.Go(func() error {
			r.inboundWorker(ctx, in)
			return nil
		})
	}
	g.Go(func() error { return r.maintain(ctx) })
	if metricsLn != nil {
		g.Go(func() error { return r.serveMetrics(ctx, metricsLn) })
	}
	r.log.Info("running",
		zap.Stringer("listen", r.transport.LocalAddr()),
		zap.String("device", r.dev.Name()),
		zap.Int("workers", r.opts.Workers))
	close(r.ready)

	err := g.Wait()
	if cerr := r.transport.Close(); err == nil {
		err = cerr
	}
	r.sync()
	return err
}

func (r *Runner) readDevice(ctx context.Context, out chan<- []byte) error {
	buf := make([]byte, r.opts.ReadBuffer)
	for {
		n, err := r.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", r.dev.Name(), err)
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case out <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) outboundWorker(ctx context.Context, fwd Forwarder, in <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-in:
			if err := fwd.Outbound(ctx, pkt); err != nil {
				logDrop("outbound", err)
			}
		}
	}
}

func (r *Runner) inboundWorker(ctx context.Context, fwd Forwarder) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.inbox.ch:
			if err := fwd.Inbound(f.from, f.payload); err != nil {
				logDrop("inbound", err)
			}
		}
	}
}

func (r *Runner) maintain(ctx context.Context) error {
	ticker := r.clock.Ticker(r.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sync()
		}
	}
}

// sync runs every facade's maintenance hook and refreshes the stats file.
func (r *Runner) sync() {
	if expired := r.fwd.Table.Sync(); expired > 0 {
		r.log.Debug("cache entries expired", zap.Int("count", expired))
	}
	r.fwd.Crypto.Sync()
	r.fwd.Traffic.Sync()
	if r.opts.StatsFile == "" {
		return
	}
	if err := metrics.WriteSnapshot(r.opts.StatsFile, r.fwd.Traffic.Snapshot()); err != nil {
		debuglog.RateLimitedf("stats-write", time.Minute, "daemon: write stats %s: %v", r.opts.StatsFile, err)
	}
}

func (r *Runner) serveMetrics(ctx context.Context, ln net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(r.fwd.Traffic),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func logDrop(dir string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrNoRoute):
		reason = "no-route"
	case errors.Is(err, ErrMalformed):
		reason = "malformed"
	case errors.Is(err, ErrSpoofed):
		reason = "spoofed"
	case errors.Is(err, engine.ErrNoCryptoSession):
		reason = "no-session"
	case errors.Is(err, crypto.ErrDecrypt):
		reason = "decrypt"
	}
	debuglog.RateLimitedf(dir+":"+reason, 5*time.Second, "daemon: %s drop (%s): %v", dir, reason, err)
}
