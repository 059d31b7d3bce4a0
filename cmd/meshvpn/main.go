package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"meshvpn/internal/config"
	"meshvpn/internal/daemon"
	"meshvpn/internal/debuglog"
	"meshvpn/internal/metrics"
	"meshvpn/internal/network"
	"meshvpn/internal/pprofutil"
	"meshvpn/internal/table"
	"meshvpn/internal/tun"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "lookup":
		return runLookup(args[1:], stdout, stderr)
	case "table":
		return runTable(args[1:], stdout, stderr)
	case "stats":
		return runStats(args[1:], stdout, stderr)
	case "genkey":
		return runGenKey(args[1:], stdout, stderr)
	case "devca":
		return runDevCA(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshvpn <run|lookup|table|stats|genkey|devca> [args]")
	fmt.Fprintln(w, "  run    --config <file> [--tun <name>] [--listen <ip:port>] [--debug]")
	fmt.Fprintln(w, "  lookup --config <file> <addr>...")
	fmt.Fprintln(w, "  table  --config <file>")
	fmt.Fprintln(w, "  stats  --file <stats.json> [--json]")
	fmt.Fprintln(w, "  genkey")
	fmt.Fprintln(w, "  devca  --out <file>")
}

func loadConfig(path string, stderr io.Writer) (config.Config, bool) {
	if path == "" {
		fmt.Fprintln(stderr, "missing --config")
		return config.Config{}, false
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (TOML)")
	tunName := fs.String("tun", "", "tunnel device name (overrides config)")
	listen := fs.String("listen", "", "listen addr ip:port (overrides config)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	if *tunName != "" {
		cfg.Tun = *tunName
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	debuglog.Configure(debuglog.Options{Debug: cfg.Debug || *debug, File: cfg.LogFile})
	defer func() { _ = debuglog.Sync() }()
	if _, err := pprofutil.StartFromEnv(); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	if cfg.InsecureTLS {
		fmt.Fprintln(stderr, "WARNING: QUIC server certificates are not verified")
	}

	dev, err := tun.Open(cfg.Tun)
	if err != nil {
		fmt.Fprintf(stderr, "open tun failed: %v\n", err)
		return 1
	}
	runner, err := daemon.Build(cfg, dev)
	if err != nil {
		_ = dev.Close()
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-runner.Ready():
			fmt.Fprintf(stdout, "READY addr=%s tun=%s peers=%d\n", runner.LocalAddr(), dev.Name(), runner.Forwarder().Crypto.Count())
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

// staticTable resolves the configured claims the way a node would at
// startup, without the cache.
func staticTable(cfg config.Config) (*table.Table, error) {
	peers, err := cfg.ResolvePeers()
	if err != nil {
		return nil, err
	}
	t := table.New(table.Options{CacheTTL: cfg.CacheTTL.Duration, CacheSize: cfg.CacheSize})
	for _, p := range peers {
		t.SetClaims(p.Endpoint, p.Claims)
	}
	return t, nil
}

func runLookup(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (TOML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "lookup: need at least one address")
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	t, err := staticTable(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "lookup: %v\n", err)
		return 1
	}
	code := 0
	for _, s := range fs.Args() {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			fmt.Fprintf(stderr, "lookup: %q: %v\n", s, err)
			code = 1
			continue
		}
		if peer, ok := t.Lookup(addr); ok {
			fmt.Fprintf(stdout, "%s -> %s\n", addr.Unmap(), peer)
		} else {
			fmt.Fprintf(stdout, "%s -> none\n", addr.Unmap())
		}
	}
	return code
}

func runTable(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("table", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (TOML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	t, err := staticTable(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "table: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANGE\tPEER")
	for _, seg := range t.Segments() {
		fmt.Fprintf(tw, "%s\t%s\n", seg.Range, seg.Peer)
	}
	_ = tw.Flush()
	fmt.Fprintf(stdout, "%d peers, %d segments\n", t.Peers(), len(t.Segments()))
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("file", "", "stats snapshot written by run")
	asJSON := fs.Bool("json", false, "print the raw snapshot")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --file")
		return 1
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "stats: decode %s: %v\n", *path, err)
		return 1
	}
	if *asJSON {
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Fprintln(stdout, string(out))
		return 0
	}
	fmt.Fprintf(stdout, "Traffic snapshot at %s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tOUT BYTES\tOUT PKTS\tIN BYTES\tIN PKTS")
	for _, p := range snap.Peers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", p.Peer, p.Out.Bytes, p.Out.Packets, p.In.Bytes, p.In.Packets)
	}
	_ = tw.Flush()
	fmt.Fprintf(stdout, "  address pairs: %d\n", len(snap.Payload))
	fmt.Fprintf(stdout, "  dropped: %d packets (%d bytes)\n", snap.Dropped.Packets, snap.Dropped.Bytes)
	fmt.Fprintf(stdout, "  invalid protocol: %d frames (%d bytes)\n", snap.InvalidProtocol.Packets, snap.InvalidProtocol.Bytes)
	return 0
}

func runGenKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("genkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key := make([]byte, config.PSKSize)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(stderr, "genkey: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hex.EncodeToString(key))
	return 0
}

func runDevCA(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devca", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "PEM output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *out == "" {
		fmt.Fprintln(stderr, "missing --out")
		return 1
	}
	if err := network.WriteDevCA(*out); err != nil {
		fmt.Fprintf(stderr, "devca: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return 0
}
