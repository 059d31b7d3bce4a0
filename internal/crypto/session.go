package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"meshvpn/internal/msgbuf"
)

const (
	labelKDFMaster = "meshvpn:kdf:v1"
	labelSendKey   = "meshvpn:send:v1"
	labelRecvKey   = "meshvpn:recv:v1"
	labelPSK       = "meshvpn:psk:v1"
)

var ErrDecrypt = errors.New("decrypt failed")

type SessionKeys struct {
	Master  []byte
	SendKey []byte
	RecvKey []byte
}

// DeriveSessionKeys derives the initiator's view; the responder swaps
// SendKey and RecvKey.
func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	master := KDF(labelKDFMaster, ss, transcript)
	return SessionKeys{
		Master:  master,
		SendKey: KDF(labelSendKey, master),
		RecvKey: KDF(labelRecvKey, master),
	}, nil
}

// Core is an established session with one peer. Every packet carries a
// fresh random nonce, so one Core may be used from many goroutines.
type Core struct {
	send cipher.AEAD
	recv cipher.AEAD
}

func NewCore(sendKey, recvKey []byte) (*Core, error) {
	send, err := chacha20poly1305.NewX(sendKey)
	if err != nil {
		return nil, fmt.Errorf("send key: %w", err)
	}
	recv, err := chacha20poly1305.NewX(recvKey)
	if err != nil {
		return nil, fmt.Errorf("recv key: %w", err)
	}
	return &Core{send: send, recv: recv}, nil
}

// NewCoreFromPSK builds a session from a pre-shared key. Both directions use
// the same derived key.
func NewCoreFromPSK(psk []byte) (*Core, error) {
	if len(psk) < XKeySize {
		return nil, fmt.Errorf("psk too short: need %d bytes", XKeySize)
	}
	key := KDF(labelPSK, psk)
	return NewCore(key, key)
}

// NewCoreFromShared builds a session from an X25519 shared secret and the
// handshake transcript.
func NewCoreFromShared(ss, transcript []byte, initiator bool) (*Core, error) {
	keys, err := DeriveSessionKeys(ss, transcript)
	if err != nil {
		return nil, err
	}
	if initiator {
		return NewCore(keys.SendKey, keys.RecvKey)
	}
	return NewCore(keys.RecvKey, keys.SendKey)
}

// Encrypt replaces the buffer content with nonce || ciphertext || tag.
func (c *Core) Encrypt(buf *msgbuf.Buffer) error {
	plainLen := buf.Len()
	if _, err := rand.Read(buf.Prepend(XNonceSize)); err != nil {
		return err
	}
	buf.Append(TagSize)
	data := buf.Bytes()
	nonce := data[:XNonceSize]
	plain := data[XNonceSize : XNonceSize+plainLen]
	c.send.Seal(plain[:0], nonce, plain, nil)
	return nil
}

// Decrypt reverses Encrypt in place.
func (c *Core) Decrypt(buf *msgbuf.Buffer) error {
	data := buf.Bytes()
	if len(data) < Overhead {
		return fmt.Errorf("%w: short packet (%d bytes)", ErrDecrypt, len(data))
	}
	nonce := data[:XNonceSize]
	sealed := data[XNonceSize:]
	if _, err := c.recv.Open(sealed[:0], nonce, sealed, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if _, err := buf.TakeHead(XNonceSize); err != nil {
		return err
	}
	return buf.TrimTail(TagSize)
}
