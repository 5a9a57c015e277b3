package store

import (
	"encoding/binary"
	"errors"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
)

// bucketKey serializes a batch bucket for use as a KV key suffix.
func bucketKey(bucket dap.BatchBucket) []byte {
	switch bucket.Kind {
	case messages.QueryTimeInterval:
		out := make([]byte, 0, 9)
		out = append(out, 0x01)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bucket.BatchWindow)
		return append(out, buf[:]...)
	case messages.QueryFixedSizeByBatchID:
		out := make([]byte, 0, 33)
		out = append(out, 0x02)
		return append(out, bucket.BatchID[:]...)
	default:
		// Buckets are produced by the core; an invalid kind cannot reach here
		// through the public API.
		panic("store: invalid batch bucket kind")
	}
}

const deltaHeaderLen = 1 + 8 + 8 + 8 + 32

// encodeDelta serializes an aggregate-share delta together with the bucket's
// collected flag.
func encodeDelta(d *dap.AggregateShareDelta, collected bool) []byte {
	out := make([]byte, 0, deltaHeaderLen+8*len(d.Data))
	flag := byte(0)
	if collected {
		flag = 1
	}
	out = append(out, flag)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], d.ReportCount)
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], d.MinTime)
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], d.MaxTime)
	out = append(out, buf[:]...)
	out = append(out, d.Checksum[:]...)
	for _, e := range d.Data {
		binary.BigEndian.PutUint64(buf[:], e)
		out = append(out, buf[:]...)
	}
	return out
}

func decodeDelta(b []byte) (dap.AggregateShareDelta, bool, error) {
	if len(b) < deltaHeaderLen || (len(b)-deltaHeaderLen)%8 != 0 {
		return dap.AggregateShareDelta{}, false, errors.New("store: malformed aggregate share record")
	}
	collected := b[0] != 0
	var d dap.AggregateShareDelta
	d.ReportCount = binary.BigEndian.Uint64(b[1:9])
	d.MinTime = binary.BigEndian.Uint64(b[9:17])
	d.MaxTime = binary.BigEndian.Uint64(b[17:25])
	copy(d.Checksum[:], b[25:57])
	rest := b[deltaHeaderLen:]
	if len(rest) > 0 {
		d.Data = make([]uint64, len(rest)/8)
		for i := range d.Data {
			d.Data[i] = binary.BigEndian.Uint64(rest[8*i:])
		}
	}
	return d, collected, nil
}

// collect-job record: state byte, u32-framed request, u32-framed collection.
func encodeCollectJob(state CollectJobState, req, collection []byte) []byte {
	out := make([]byte, 0, 1+4+len(req)+4+len(collection))
	out = append(out, byte(state))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(req)))
	out = append(out, buf[:]...)
	out = append(out, req...)
	binary.BigEndian.PutUint32(buf[:], uint32(len(collection)))
	out = append(out, buf[:]...)
	return append(out, collection...)
}

func decodeCollectJob(b []byte) (CollectJobState, []byte, []byte, error) {
	malformed := errors.New("store: malformed collect job record")
	if len(b) < 5 {
		return 0, nil, nil, malformed
	}
	state := CollectJobState(b[0])
	b = b[1:]
	reqLen := int(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	if len(b) < reqLen+4 {
		return 0, nil, nil, malformed
	}
	req := append([]byte(nil), b[:reqLen]...)
	b = b[reqLen:]
	colLen := int(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	if len(b) != colLen {
		return 0, nil, nil, malformed
	}
	collection := append([]byte(nil), b...)
	return state, req, collection, nil
}
