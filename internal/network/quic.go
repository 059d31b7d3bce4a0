// Package network carries tunnel packets between peers as QUIC datagrams.
//
// A Transport owns one UDP socket. It accepts connections on it and dials
// out of it, so a peer always sees us at our listen address and the
// endpoint a packet arrives from is the endpoint replies go to.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshvpn/internal/debuglog"
)

const (
	alpn                 = "meshvpn"
	devServerName        = "localhost"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second

	codeRefused quic.ApplicationErrorCode = 1
)

var ErrClosed = errors.New("network: transport closed")

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is the same for every node. Peer authentication happens in the
// packet crypto layer; TLS only gives us the QUIC handshake.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshvpn-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{devServerName},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// clientTLSConfig trusts the CA in caPath (or MESHVPN_DEVTLS_CA_PATH), and
// the built-in dev certificate when neither is set.
func clientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	if env := os.Getenv("MESHVPN_DEVTLS_CA_PATH"); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: devServerName,
		NextProtos: []string{alpn},
	}, nil
}

// WriteDevCA writes the built-in certificate as PEM, for peers that want to
// pin it through a CA path.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
}

// Handler receives one datagram. payload belongs to the callee.
type Handler func(from netip.AddrPort, payload []byte)

type Options struct {
	// Insecure skips server certificate verification.
	Insecure bool
	CAPath   string
	// MaxConnsPerIP caps accepted connections per remote address; 0 means
	// no cap.
	MaxConnsPerIP int
	IdleTimeout   time.Duration
}

type Transport struct {
	udp      *net.UDPConn
	qt       *quic.Transport
	ln       *quic.Listener
	quicConf *quic.Config
	pool     *clientPool
	limiter  *ipLimiter
	handle   Handler
	log      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds addr and starts accepting QUIC handshakes. Call Serve to
// deliver datagrams from inbound connections.
func Listen(addr string, opts Options, handle Handler) (*Transport, error) {
	if handle == nil {
		return nil, errors.New("network: nil handler")
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	clientTLS, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
		EnableDatagrams:      true,
	}
	qt := &quic.Transport{Conn: udp}
	ln, err := qt.Listen(serverTLS, quicConf)
	if err != nil {
		_ = qt.Close()
		_ = udp.Close()
		return nil, fmt.Errorf("listen quic: %w", err)
	}
	t := &Transport{
		udp:      udp,
		qt:       qt,
		ln:       ln,
		quicConf: quicConf,
		limiter:  newIPLimiter(opts.MaxConnsPerIP),
		handle:   handle,
		log:      debuglog.Named("network"),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.pool = newClientPool(opts.IdleTimeout, func(ctx context.Context, peer netip.AddrPort) (*quic.Conn, error) {
		return qt.Dial(ctx, net.UDPAddrFromAddrPort(peer), clientTLS, quicConf)
	})
	t.log.Info("quic listen ready", zap.Stringer("addr", t.LocalAddr()))
	return t, nil
}

func (t *Transport) LocalAddr() netip.AddrPort {
	return unmapAddrPort(t.udp.LocalAddr())
}

// Serve accepts connections until ctx is done or the transport is closed.
func (t *Transport) Serve(ctx context.Context) error {
	for {
		conn, err := t.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || t.ctx.Err() != nil {
				return nil
			}
			t.log.Info("quic accept error", zap.Error(err))
			return err
		}
		from := unmapAddrPort(conn.RemoteAddr())
		if !t.limiter.acquireConn(from.Addr()) {
			debuglog.RateLimitedf("conn-cap:"+from.Addr().String(), time.Minute, "network: refusing %s: too many connections", from)
			_ = conn.CloseWithError(codeRefused, "too many connections")
			continue
		}
		t.log.Debug("accepted connection", zap.Stringer("from", from))
		t.pool.adopt(from, conn)
		t.receive(from, conn, true)
	}
}

// receive delivers every datagram arriving on conn until it dies.
func (t *Transport) receive(from netip.AddrPort, conn *quic.Conn, accepted bool) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if accepted {
			defer t.limiter.releaseConn(from.Addr())
		}
		defer t.pool.forget(from, conn)
		for {
			data, err := conn.ReceiveDatagram(t.ctx)
			if err != nil {
				t.log.Debug("connection done", zap.Stringer("peer", from), zap.Error(err))
				return
			}
			t.pool.touch(from, conn)
			t.handle(from, data)
		}
	}()
}

// Close stops accepting, tears down every connection and waits for the
// receive loops to return.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.ln.Close()
		t.pool.closeAll("shutdown")
		if cerr := t.qt.Close(); err == nil {
			err = cerr
		}
		if cerr := t.udp.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		t.wg.Wait()
	})
	return err
}

func unmapAddrPort(a net.Addr) netip.AddrPort {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
