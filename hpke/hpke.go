// Package hpke implements the HPKE (RFC 9180) base-mode, single-shot
// seal/open operations used to protect input shares and aggregate shares.
//
// Supported suite: DHKEM(X25519, HKDF-SHA256), HKDF-SHA256, and either
// AES-128-GCM or ChaCha20-Poly1305. Unknown algorithm identifiers are a
// receiver-configuration problem, not a codec problem; callers translate
// ErrUnsupported into the appropriate protocol failure.
package hpke

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/oliy/daphne/messages"
)

var (
	// ErrDecrypt is returned for any authentication or decryption failure.
	// It deliberately carries no detail about what went wrong.
	ErrDecrypt = errors.New("hpke: decrypt error")

	// ErrUnsupported is returned when a config names an algorithm this
	// implementation does not carry.
	ErrUnsupported = errors.New("hpke: unsupported algorithm")
)

const (
	modeBase uint8 = 0x00

	kemSharedSecretLen = 32
	x25519KeyLen       = 32
)

func labeledExtract(suiteID, salt []byte, label string, ikm []byte) []byte {
	labeledIKM := make([]byte, 0, 7+len(suiteID)+len(label)+len(ikm))
	labeledIKM = append(labeledIKM, "HPKE-v1"...)
	labeledIKM = append(labeledIKM, suiteID...)
	labeledIKM = append(labeledIKM, label...)
	labeledIKM = append(labeledIKM, ikm...)
	return hkdf.Extract(sha256.New, labeledIKM, salt)
}

func labeledExpand(suiteID, prk []byte, label string, info []byte, length int) ([]byte, error) {
	labeledInfo := make([]byte, 0, 2+7+len(suiteID)+len(label)+len(info))
	labeledInfo = append(labeledInfo, byte(length>>8), byte(length))
	labeledInfo = append(labeledInfo, "HPKE-v1"...)
	labeledInfo = append(labeledInfo, suiteID...)
	labeledInfo = append(labeledInfo, label...)
	labeledInfo = append(labeledInfo, info...)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, labeledInfo), out); err != nil {
		return nil, err
	}
	return out, nil
}

func kemSuiteID(kem messages.HpkeKemID) []byte {
	return []byte{'K', 'E', 'M', byte(kem >> 8), byte(kem)}
}

func hpkeSuiteID(cfg *messages.HpkeConfig) []byte {
	return []byte{
		'H', 'P', 'K', 'E',
		byte(cfg.KemID >> 8), byte(cfg.KemID),
		byte(cfg.KdfID >> 8), byte(cfg.KdfID),
		byte(cfg.AeadID >> 8), byte(cfg.AeadID),
	}
}

// extractAndExpand derives the KEM shared secret from the raw Diffie-Hellman
// output and the KEM context (enc || pkR).
func extractAndExpand(kem messages.HpkeKemID, dh, kemContext []byte) ([]byte, error) {
	suiteID := kemSuiteID(kem)
	prk := labeledExtract(suiteID, nil, "eae_prk", dh)
	return labeledExpand(suiteID, prk, "shared_secret", kemContext, kemSharedSecretLen)
}

func encap(cfg *messages.HpkeConfig) (sharedSecret, enc []byte, err error) {
	skE := make([]byte, x25519KeyLen)
	if _, err := rand.Read(skE); err != nil {
		return nil, nil, err
	}
	return encapDeterministic(cfg, skE)
}

func encapDeterministic(cfg *messages.HpkeConfig, skE []byte) (sharedSecret, enc []byte, err error) {
	enc, err = curve25519.X25519(skE, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	dh, err := curve25519.X25519(skE, cfg.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	kemContext := make([]byte, 0, len(enc)+len(cfg.PublicKey))
	kemContext = append(kemContext, enc...)
	kemContext = append(kemContext, cfg.PublicKey...)
	sharedSecret, err = extractAndExpand(cfg.KemID, dh, kemContext)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecret, enc, nil
}

func decap(cfg *messages.HpkeConfig, privateKey, enc []byte) ([]byte, error) {
	if len(enc) != x25519KeyLen {
		return nil, ErrDecrypt
	}
	dh, err := curve25519.X25519(privateKey, enc)
	if err != nil {
		return nil, ErrDecrypt
	}
	kemContext := make([]byte, 0, len(enc)+len(cfg.PublicKey))
	kemContext = append(kemContext, enc...)
	kemContext = append(kemContext, cfg.PublicKey...)
	return extractAndExpand(cfg.KemID, dh, kemContext)
}

func newAEAD(id messages.HpkeAeadID, key []byte) (cipher.AEAD, error) {
	switch id {
	case messages.AeadAes128Gcm:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case messages.AeadChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrUnsupported
	}
}

func aeadKeyLen(id messages.HpkeAeadID) (int, error) {
	switch id {
	case messages.AeadAes128Gcm:
		return 16, nil
	case messages.AeadChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	default:
		return 0, ErrUnsupported
	}
}

// keySchedule derives the AEAD and the base nonce for base mode.
func keySchedule(cfg *messages.HpkeConfig, sharedSecret, info []byte) (cipher.AEAD, []byte, error) {
	suiteID := hpkeSuiteID(cfg)

	pskIDHash := labeledExtract(suiteID, nil, "psk_id_hash", nil)
	infoHash := labeledExtract(suiteID, nil, "info_hash", info)
	context := make([]byte, 0, 1+len(pskIDHash)+len(infoHash))
	context = append(context, modeBase)
	context = append(context, pskIDHash...)
	context = append(context, infoHash...)

	secret := labeledExtract(suiteID, sharedSecret, "secret", nil)

	keyLen, err := aeadKeyLen(cfg.AeadID)
	if err != nil {
		return nil, nil, err
	}
	key, err := labeledExpand(suiteID, secret, "key", context, keyLen)
	if err != nil {
		return nil, nil, err
	}
	aead, err := newAEAD(cfg.AeadID, key)
	if err != nil {
		return nil, nil, err
	}
	baseNonce, err := labeledExpand(suiteID, secret, "base_nonce", context, aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return aead, baseNonce, nil
}

// Seal encrypts plaintext to the receiver described by cfg. The returned enc
// is the encapsulated KEM share; both values ride in an HpkeCiphertext.
func Seal(cfg *messages.HpkeConfig, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	if !cfg.Supported() {
		return nil, nil, ErrUnsupported
	}
	sharedSecret, enc, err := encap(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: encap: %w", err)
	}
	aead, baseNonce, err := keySchedule(cfg, sharedSecret, info)
	if err != nil {
		return nil, nil, err
	}
	// Single-shot: sequence number zero, so the nonce is the base nonce.
	return enc, aead.Seal(nil, baseNonce, plaintext, aad), nil
}

// Open decrypts a ciphertext sealed with Seal. Decapsulation and
// authentication failures are ErrDecrypt; a config naming an unsupported
// algorithm is ErrUnsupported.
func Open(cfg *messages.HpkeConfig, privateKey, info, aad, enc, ciphertext []byte) ([]byte, error) {
	if !cfg.Supported() {
		return nil, ErrUnsupported
	}
	sharedSecret, err := decap(cfg, privateKey, enc)
	if err != nil {
		return nil, ErrDecrypt
	}
	aead, baseNonce, err := keySchedule(cfg, sharedSecret, info)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, baseNonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
