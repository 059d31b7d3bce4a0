package metrics

import (
	"encoding/json"
	"net/netip"
	"os"
	"sort"
	"time"
)

// Counter is a monotonically increasing byte and packet total.
type Counter struct {
	Bytes   uint64 `json:"bytes"`
	Packets uint64 `json:"packets"`
}

func (c *Counter) add(bytes int) {
	if bytes < 0 {
		bytes = 0
	}
	c.Bytes += uint64(bytes)
	c.Packets++
}

// Entry is the inbound and outbound total for one key.
type Entry struct {
	Out Counter `json:"out"`
	In  Counter `json:"in"`
}

type PayloadKey struct {
	Remote netip.Addr
	Local  netip.Addr
}

type PeerTraffic struct {
	Peer netip.AddrPort `json:"peer"`
	Entry
}

type PayloadTraffic struct {
	Remote netip.Addr `json:"remote"`
	Local  netip.Addr `json:"local"`
	Entry
}

type Snapshot struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Peers           []PeerTraffic    `json:"peers"`
	Payload         []PayloadTraffic `json:"payload"`
	Dropped         Counter          `json:"dropped"`
	InvalidProtocol Counter          `json:"invalid_protocol"`
}

// Traffic accumulates byte counts. It is not synchronized; engine.SharedTraffic
// guards it.
type Traffic struct {
	peers   map[netip.AddrPort]*Entry
	payload map[PayloadKey]*Entry
	dropped Counter
	invalid Counter
}

func NewTraffic() *Traffic {
	return &Traffic{
		peers:   make(map[netip.AddrPort]*Entry),
		payload: make(map[PayloadKey]*Entry),
	}
}

func (t *Traffic) CountOutTraffic(peer netip.AddrPort, bytes int) {
	t.peer(peer).Out.add(bytes)
}

func (t *Traffic) CountInTraffic(peer netip.AddrPort, bytes int) {
	t.peer(peer).In.add(bytes)
}

func (t *Traffic) CountOutPayload(remote, local netip.Addr, bytes int) {
	t.pair(remote, local).Out.add(bytes)
}

func (t *Traffic) CountInPayload(remote, local netip.Addr, bytes int) {
	t.pair(remote, local).In.add(bytes)
}

func (t *Traffic) CountDroppedPayload(bytes int) {
	t.dropped.add(bytes)
}

func (t *Traffic) CountInvalidProtocol(bytes int) {
	t.invalid.add(bytes)
}

func (t *Traffic) peer(p netip.AddrPort) *Entry {
	e, ok := t.peers[p]
	if !ok {
		e = &Entry{}
		t.peers[p] = e
	}
	return e
}

func (t *Traffic) pair(remote, local netip.Addr) *Entry {
	key := PayloadKey{Remote: remote.Unmap(), Local: local.Unmap()}
	e, ok := t.payload[key]
	if !ok {
		e = &Entry{}
		t.payload[key] = e
	}
	return e
}

// Snapshot copies every counter, sorted by key.
func (t *Traffic) Snapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt:     time.Now().UTC(),
		Peers:           make([]PeerTraffic, 0, len(t.peers)),
		Payload:         make([]PayloadTraffic, 0, len(t.payload)),
		Dropped:         t.dropped,
		InvalidProtocol: t.invalid,
	}
	for p, e := range t.peers {
		snap.Peers = append(snap.Peers, PeerTraffic{Peer: p, Entry: *e})
	}
	for k, e := range t.payload {
		snap.Payload = append(snap.Payload, PayloadTraffic{Remote: k.Remote, Local: k.Local, Entry: *e})
	}
	sort.Slice(snap.Peers, func(i, j int) bool {
		return snap.Peers[i].Peer.Compare(snap.Peers[j].Peer) < 0
	})
	sort.Slice(snap.Payload, func(i, j int) bool {
		a, b := snap.Payload[i], snap.Payload[j]
		if c := a.Remote.Compare(b.Remote); c != 0 {
			return c < 0
		}
		return a.Local.Compare(b.Local) < 0
	})
	return snap
}

// WriteSnapshot writes snap as indented JSON. An empty path is a no-op.
func WriteSnapshot(path string, snap Snapshot) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
