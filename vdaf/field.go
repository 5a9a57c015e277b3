package vdaf

import "encoding/binary"

// Arithmetic over the 64-bit prime field used by every variant's share and
// aggregate encodings.
const fieldPrime uint64 = 18446744069414584321 // 2^64 - 2^32 + 1

func fieldAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a || sum >= fieldPrime {
		sum -= fieldPrime
	}
	return sum
}

func fieldSub(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return a + (fieldPrime - b)
}

func addVec(dst, src []uint64) {
	for i := range dst {
		dst[i] = fieldAdd(dst[i], src[i])
	}
}

// encodeVec appends each element as 8 bytes big-endian.
func encodeVec(dst []byte, v []uint64) []byte {
	for _, e := range v {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], e)
		dst = append(dst, buf[:]...)
	}
	return dst
}

// decodeVec parses exactly n field elements and rejects out-of-range values
// and trailing bytes.
func decodeVec(b []byte, n int) ([]uint64, error) {
	if len(b) != 8*n {
		return nil, prepErrf("field vector length %d, want %d", len(b), 8*n)
	}
	out := make([]uint64, n)
	for i := range out {
		e := binary.BigEndian.Uint64(b[8*i:])
		if e >= fieldPrime {
			return nil, prepErrf("field element out of range")
		}
		out[i] = e
	}
	return out, nil
}
