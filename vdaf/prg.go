package vdaf

import (
	"crypto/sha256"
	"encoding/binary"
)

const seedLen = 16

// prgStream is a deterministic byte stream: SHA-256 over the seed, the
// report nonce, and a block counter. Unlike an HKDF expansion it has no
// output-length ceiling, which matters for large Prio2 dimensions.
type prgStream struct {
	prefix  []byte
	counter uint32
	buf     []byte
}

func newPrgStream(seed []byte, nonce [16]byte) *prgStream {
	prefix := make([]byte, 0, len("dap share expand")+len(seed)+len(nonce))
	prefix = append(prefix, "dap share expand"...)
	prefix = append(prefix, seed...)
	prefix = append(prefix, nonce[:]...)
	return &prgStream{prefix: prefix}
}

func (s *prgStream) next8() [8]byte {
	if len(s.buf) < 8 {
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], s.counter)
		s.counter++
		block := sha256.Sum256(append(s.prefix, ctr[:]...))
		s.buf = append(s.buf, block[:]...)
	}
	var out [8]byte
	copy(out[:], s.buf[:8])
	s.buf = s.buf[8:]
	return out
}

// expandShare deterministically expands a share seed into a field vector of
// length n. Out-of-range draws are rejected and the stream advanced, so the
// mapping is uniform.
func expandShare(seed []byte, nonce [16]byte, n int) []uint64 {
	s := newPrgStream(seed, nonce)
	out := make([]uint64, n)
	for i := range out {
		for {
			b := s.next8()
			e := binary.BigEndian.Uint64(b[:])
			if e < fieldPrime {
				out[i] = e
				break
			}
		}
	}
	return out
}
