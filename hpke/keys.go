package hpke

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/oliy/daphne/messages"
)

// Receiver is an HPKE config together with its private key. A party that can
// decrypt holds one Receiver per advertised config ID.
type Receiver struct {
	Config     messages.HpkeConfig
	PrivateKey []byte
}

// GenerateReceiver creates a fresh X25519 receiver with the given config ID
// and AEAD.
func GenerateReceiver(id uint8, aead messages.HpkeAeadID) (*Receiver, error) {
	if !aead.Supported() {
		return nil, ErrUnsupported
	}
	sk := make([]byte, x25519KeyLen)
	if _, err := rand.Read(sk); err != nil {
		return nil, fmt.Errorf("hpke: keygen: %w", err)
	}
	pk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("hpke: keygen: %w", err)
	}
	return &Receiver{
		Config: messages.HpkeConfig{
			ID:        id,
			KemID:     messages.KemX25519HkdfSha256,
			KdfID:     messages.KdfHkdfSha256,
			AeadID:    aead,
			PublicKey: pk,
		},
		PrivateKey: sk,
	}, nil
}

// Open decrypts a ciphertext addressed to this receiver.
func (r *Receiver) Open(info, aad, enc, ciphertext []byte) ([]byte, error) {
	return Open(&r.Config, r.PrivateKey, info, aad, enc, ciphertext)
}
