package hpke

import (
	"bytes"
	"errors"
	"testing"

	"github.com/oliy/daphne/messages"
)

func TestSealOpenRoundTrip(t *testing.T) {
	for _, aead := range []messages.HpkeAeadID{messages.AeadAes128Gcm, messages.AeadChaCha20Poly1305} {
		receiver, err := GenerateReceiver(23, aead)
		if err != nil {
			t.Fatalf("keygen: %v", err)
		}
		info := []byte("dap-07 input share\x01\x02")
		aad := []byte("some associated data")
		plaintext := []byte("this is an input share")

		enc, ciphertext, err := Seal(&receiver.Config, info, aad, plaintext)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		got, err := receiver.Open(info, aad, enc, ciphertext)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestOpenBitFlipFails(t *testing.T) {
	receiver, err := GenerateReceiver(1, messages.AeadAes128Gcm)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	info := []byte("info")
	aad := []byte("aad")
	enc, ciphertext, err := Seal(&receiver.Config, info, aad, []byte("plaintext"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	flipped := append([]byte(nil), ciphertext...)
	flipped[0] ^= 1
	if _, err := receiver.Open(info, aad, enc, flipped); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("flipped ciphertext: got %v, want ErrDecrypt", err)
	}
}

func TestOpenWrongAadFails(t *testing.T) {
	receiver, err := GenerateReceiver(1, messages.AeadAes128Gcm)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	enc, ciphertext, err := Seal(&receiver.Config, []byte("info"), []byte("aad"), []byte("plaintext"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := receiver.Open([]byte("info"), []byte("other aad"), enc, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong aad: got %v, want ErrDecrypt", err)
	}
}

func TestOpenWrongInfoFails(t *testing.T) {
	receiver, err := GenerateReceiver(1, messages.AeadChaCha20Poly1305)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	enc, ciphertext, err := Seal(&receiver.Config, []byte("info"), []byte("aad"), []byte("plaintext"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := receiver.Open([]byte("other info"), []byte("aad"), enc, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong info: got %v, want ErrDecrypt", err)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	receiver, err := GenerateReceiver(1, messages.AeadAes128Gcm)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	other, err := GenerateReceiver(1, messages.AeadAes128Gcm)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	enc, ciphertext, err := Seal(&receiver.Config, []byte("info"), []byte("aad"), []byte("plaintext"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := other.Open([]byte("info"), []byte("aad"), enc, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong key: got %v, want ErrDecrypt", err)
	}
}

func TestSealUnsupportedSuite(t *testing.T) {
	cfg := messages.HpkeConfig{
		ID:        9,
		KemID:     messages.HpkeKemID(99),
		KdfID:     messages.HpkeKdfID(99),
		AeadID:    messages.HpkeAeadID(99),
		PublicKey: []byte("this is a public key"),
	}
	if _, _, err := Seal(&cfg, nil, nil, []byte("plaintext")); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unsupported suite: got %v, want ErrUnsupported", err)
	}
}

func TestOpenMalformedEncFails(t *testing.T) {
	receiver, err := GenerateReceiver(1, messages.AeadAes128Gcm)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if _, err := receiver.Open([]byte("info"), []byte("aad"), []byte("short"), []byte("junk")); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("malformed enc: got %v, want ErrDecrypt", err)
	}
}
