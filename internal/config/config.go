// Package config loads the node configuration from a TOML file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"meshvpn/internal/ranges"
	"meshvpn/internal/table"
)

const (
	DefaultListen       = "0.0.0.0:51820"
	DefaultWorkers      = 4
	DefaultSyncInterval = time.Second
	DefaultTun          = "mesh0"
	PSKSize             = 32
)

var ErrInvalid = errors.New("config: invalid")

// Duration decodes from strings such as "90s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Peer is one statically configured peer.
type Peer struct {
	Endpoint string   `toml:"endpoint"`
	Claims   []string `toml:"claims"`
	// Key is a hex pre-shared key. Empty means plaintext.
	Key string `toml:"key"`
}

// ResolvedPeer is a Peer after parsing.
type ResolvedPeer struct {
	Endpoint netip.AddrPort
	Claims   ranges.List
	PSK      []byte
}

type Config struct {
	Listen        string   `toml:"listen"`
	Tun           string   `toml:"tun"`
	Workers       int      `toml:"workers"`
	CacheTTL      Duration `toml:"cache_ttl"`
	CacheSize     int      `toml:"cache_size"`
	SyncInterval  Duration `toml:"sync_interval"`
	StatsFile     string   `toml:"stats_file"`
	MetricsAddr   string   `toml:"metrics_addr"`
	LogFile       string   `toml:"log_file"`
	Debug         bool     `toml:"debug"`
	InsecureTLS   bool     `toml:"insecure_tls"`
	CAPath        string   `toml:"ca_path"`
	MaxConnsPerIP int      `toml:"max_conns_per_ip"`
	Peers         []Peer   `toml:"peer"`
}

// Default returns a config with every optional field filled in.
func Default() Config {
	return Config{
		Listen:       DefaultListen,
		Tun:          DefaultTun,
		Workers:      DefaultWorkers,
		CacheTTL:     Duration{table.DefaultCacheTTL},
		CacheSize:    table.DefaultCacheSize,
		SyncInterval: Duration{DefaultSyncInterval},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(doc, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalid, c.Listen, err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalid)
	}
	if c.CacheTTL.Duration <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive", ErrInvalid)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("%w: cache_size must be at least 1", ErrInvalid)
	}
	if c.SyncInterval.Duration <= 0 {
		return fmt.Errorf("%w: sync_interval must be positive", ErrInvalid)
	}
	if c.MaxConnsPerIP < 0 {
		return fmt.Errorf("%w: max_conns_per_ip is negative", ErrInvalid)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr %q: %v", ErrInvalid, c.MetricsAddr, err)
		}
	}
	seen := make(map[netip.AddrPort]bool, len(c.Peers))
	for i, p := range c.Peers {
		rp, err := p.Resolve()
		if err != nil {
			return fmt.Errorf("peer %d: %w", i, err)
		}
		if seen[rp.Endpoint] {
			return fmt.Errorf("%w: peer %d: duplicate endpoint %s", ErrInvalid, i, rp.Endpoint)
		}
		seen[rp.Endpoint] = true
	}
	return nil
}

// Resolve parses the endpoint, claims and key of p.
func (p Peer) Resolve() (ResolvedPeer, error) {
	ep, err := netip.ParseAddrPort(strings.TrimSpace(p.Endpoint))
	if err != nil {
		return ResolvedPeer{}, fmt.Errorf("%w: endpoint %q: %v", ErrInvalid, p.Endpoint, err)
	}
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
	claims, err := ranges.ParseList(p.Claims)
	if err != nil {
		return ResolvedPeer{}, fmt.Errorf("%w: claims: %v", ErrInvalid, err)
	}
	var psk []byte
	if p.Key != "" {
		psk, err = hex.DecodeString(strings.TrimSpace(p.Key))
		if err != nil {
			return ResolvedPeer{}, fmt.Errorf("%w: key: %v", ErrInvalid, err)
		}
		if len(psk) != PSKSize {
			return ResolvedPeer{}, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalid, PSKSize, len(psk))
		}
	}
	return ResolvedPeer{Endpoint: ep, Claims: claims.Normalize(), PSK: psk}, nil
}

// ResolvePeers resolves every peer. Call Validate first.
func (c Config) ResolvePeers() ([]ResolvedPeer, error) {
	out := make([]ResolvedPeer, 0, len(c.Peers))
	for i, p := range c.Peers {
		rp, err := p.Resolve()
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		out = append(out, rp)
	}
	return out, nil
}
