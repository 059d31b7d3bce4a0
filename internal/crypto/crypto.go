// Package crypto builds per-peer tunnel sessions: XChaCha20-Poly1305 packet
// sealing keyed by a labelled SHA3-256 KDF, from either a pre-shared key or
// an X25519 exchange. The handshake that carries public keys lives outside
// this package.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
	TagSize    = chacha20poly1305.Overhead   // 16

	// Overhead is what Core.Encrypt adds to every packet.
	Overhead = XNonceSize + TagSize
)

var ErrKeyDestroyed = errors.New("ephemeral key destroyed")

// KDF hashes label and parts into a 32-byte key. Every part is length
// prefixed, so moving bytes between parts changes the output.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	var n [4]byte
	h.Write([]byte(label))
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// Ephemeral is a one-shot X25519 key for establishing a single session.
type Ephemeral struct {
	priv *ecdh.PrivateKey
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv}, nil
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

// Public returns a copy of the public half.
func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.priv == nil {
		return nil, ErrKeyDestroyed
	}
	return e.priv.PublicKey().Bytes(), nil
}

// Shared computes the X25519 secret with the peer's public key.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.priv == nil {
		return nil, ErrKeyDestroyed
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// Destroy drops the private key; later calls fail with ErrKeyDestroyed.
func (e *Ephemeral) Destroy() {
	if e != nil {
		e.priv = nil
	}
}
