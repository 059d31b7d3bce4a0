package daemon

import (
	"meshvpn/internal/config"
	"meshvpn/internal/engine"
	"meshvpn/internal/metrics"
	"meshvpn/internal/network"
	"meshvpn/internal/table"
	"meshvpn/internal/tun"
)

const inboxFactor = 64

// Build wires a runner for cfg on top of dev: the shared states, the QUIC
// transport and the statically configured peers. The caller owns dev until
// Run is called.
func Build(cfg config.Config, dev tun.Device) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	peers, err := cfg.ResolvePeers()
	if err != nil {
		return nil, err
	}
	tbl := engine.NewSharedTable(table.New(table.Options{
		CacheTTL:  cfg.CacheTTL.Duration,
		CacheSize: cfg.CacheSize,
	}))
	pc := engine.NewSharedPeerCrypto()
	tr := engine.NewSharedTraffic(metrics.NewTraffic())
	inbox := NewInbox(cfg.Workers*inboxFactor, tr)

	transport, err := network.Listen(cfg.Listen, network.Options{
		Insecure:      cfg.InsecureTLS,
		CAPath:        cfg.CAPath,
		MaxConnsPerIP: cfg.MaxConnsPerIP,
	}, inbox.Push)
	if err != nil {
		return nil, err
	}
	r := NewRunner(NewForwarder(tbl, pc, tr, transport, dev), dev, inbox, transport, Options{
		Workers:      cfg.Workers,
		SyncInterval: cfg.SyncInterval.Duration,
		StatsFile:    cfg.StatsFile,
		MetricsAddr:  cfg.MetricsAddr,
	})
	for _, p := range peers {
		if err := r.AddPeer(p); err != nil {
			_ = transport.Close()
			return nil, err
		}
	}
	return r, nil
}
