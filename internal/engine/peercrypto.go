package engine

import (
	"net/netip"
	"sort"
	"sync"

	"meshvpn/internal/debuglog"
	"meshvpn/internal/msgbuf"
)

// Session is an established crypto session with one peer. crypto.Core is
// the production implementation.
type Session interface {
	Encrypt(buf *msgbuf.Buffer) error
	Decrypt(buf *msgbuf.Buffer) error
}

// CryptoState tells apart a peer we do not know from a peer we talk to in
// plaintext.
type CryptoState uint8

const (
	Unregistered CryptoState = iota
	Unencrypted
	Encrypted
)

func (s CryptoState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Unencrypted:
		return "unencrypted"
	case Encrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// PeerSession is one registered peer as seen by ForEach. Session is nil
// when State is Unencrypted.
type PeerSession struct {
	Peer    netip.AddrPort
	State   CryptoState
	Session Session
}

// cryptoEntry exists only for registered peers; a nil session means
// plaintext.
type cryptoEntry struct {
	session Session
}

func (e cryptoEntry) state() CryptoState {
	if e.session == nil {
		return Unencrypted
	}
	return Encrypted
}

type lockedPeerCrypto struct {
	mu    sync.Mutex
	peers map[netip.AddrPort]cryptoEntry
}

// SharedPeerCrypto guards the per-peer crypto sessions.
type SharedPeerCrypto struct {
	s *lockedPeerCrypto
}

func NewSharedPeerCrypto() SharedPeerCrypto {
	return SharedPeerCrypto{s: &lockedPeerCrypto{peers: make(map[netip.AddrPort]cryptoEntry)}}
}

func (h SharedPeerCrypto) Clone() SharedPeerCrypto {
	return h
}

// Sync has nothing to do yet; sessions are replaced by re-registering.
func (h SharedPeerCrypto) Sync() {}

// Register records peer, replacing any previous session. A nil session
// registers the peer for plaintext.
func (h SharedPeerCrypto) Register(peer netip.AddrPort, session Session) {
	h.s.mu.Lock()
	h.s.peers[peer] = cryptoEntry{session: session}
	h.s.mu.Unlock()
	debuglog.Debugf("crypto: registered peer=%s encrypted=%t", peer, session != nil)
}

func (h SharedPeerCrypto) Unregister(peer netip.AddrPort) {
	h.s.mu.Lock()
	delete(h.s.peers, peer)
	h.s.mu.Unlock()
}

func (h SharedPeerCrypto) State(peer netip.AddrPort) CryptoState {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	ent, ok := h.s.peers[peer]
	if !ok {
		return Unregistered
	}
	return ent.state()
}

// EncryptFor prepares buf for transmission to peer. Unregistered peers get a
// *CryptoStateError; plaintext peers leave buf untouched.
func (h SharedPeerCrypto) EncryptFor(peer netip.AddrPort, buf *msgbuf.Buffer) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	ent, ok := h.s.peers[peer]
	if !ok {
		return &CryptoStateError{Peer: peer}
	}
	if ent.session == nil {
		return nil
	}
	return ent.session.Encrypt(buf)
}

// DecryptFrom is the inbound mirror of EncryptFor.
func (h SharedPeerCrypto) DecryptFrom(peer netip.AddrPort, buf *msgbuf.Buffer) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	ent, ok := h.s.peers[peer]
	if !ok {
		return &CryptoStateError{Peer: peer}
	}
	if ent.session == nil {
		return nil
	}
	return ent.session.Decrypt(buf)
}

// ForEach calls fn for every registered peer in endpoint order and stops at
// the first error. fn runs on a snapshot taken under the lock and is called
// after the lock is released, so it may call back into h.
func (h SharedPeerCrypto) ForEach(fn func(PeerSession) error) error {
	h.s.mu.Lock()
	snap := make([]PeerSession, 0, len(h.s.peers))
	for peer, ent := range h.s.peers {
		snap = append(snap, PeerSession{Peer: peer, State: ent.state(), Session: ent.session})
	}
	h.s.mu.Unlock()
	sort.Slice(snap, func(i, j int) bool {
		return snap[i].Peer.Compare(snap[j].Peer) < 0
	})
	for _, ps := range snap {
		if err := fn(ps); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of registered peers.
func (h SharedPeerCrypto) Count() int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return len(h.s.peers)
}
