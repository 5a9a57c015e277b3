// Package vdaf provides a uniform interface over the VDAF variants used for
// DAP aggregation: sharding a measurement into per-Aggregator input shares,
// the two-step interactive preparation that validates shares without exposing
// them, and unsharding aggregate shares into a result.
//
// The construction behind the interface is a share-integrity scheme over a
// 64-bit prime field: the client commits to both shares in the public share,
// each Aggregator re-derives the commitment for its own share during
// preparation, and the commitments are cross-checked during the finish step.
// A share that does not match its commitment surfaces as a preparation error
// on the Aggregator that performs the joint check.
package vdaf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrPrep classifies any preparation failure: undecodable shares, commitment
// mismatches, and malformed peer messages. Callers map it to the
// vdaf_prep_error report rejection.
var ErrPrep = errors.New("vdaf: prep error")

func prepErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrep, fmt.Sprintf(format, args...))
}

// Type enumerates the supported VDAF variants.
type Type uint8

const (
	Prio3Count Type = iota + 1
	Prio3Sum
	Prio3Histogram
	Prio2
)

func (t Type) String() string {
	switch t {
	case Prio3Count:
		return "Prio3Count"
	case Prio3Sum:
		return "Prio3Sum"
	case Prio3Histogram:
		return "Prio3Histogram"
	case Prio2:
		return "Prio2"
	default:
		return "unknown"
	}
}

// Verify key widths.
const (
	VerifyKeySizePrio3 = 16
	VerifyKeySizePrio2 = 32
)

// Config selects a VDAF variant and its parameters.
type Config struct {
	Type            Type
	SumBits         int // Prio3Sum: measurements are in [0, 2^SumBits)
	HistogramLength int // Prio3Histogram: number of buckets
	Dimension       int // Prio2: vector length
}

// dimension returns the length of the field vector a measurement encodes to.
func (c *Config) dimension() (int, error) {
	switch c.Type {
	case Prio3Count, Prio3Sum:
		return 1, nil
	case Prio3Histogram:
		if c.HistogramLength <= 0 {
			return 0, fmt.Errorf("vdaf: invalid histogram length %d", c.HistogramLength)
		}
		return c.HistogramLength, nil
	case Prio2:
		if c.Dimension <= 0 {
			return 0, fmt.Errorf("vdaf: invalid dimension %d", c.Dimension)
		}
		return c.Dimension, nil
	default:
		return 0, fmt.Errorf("vdaf: invalid type %d", c.Type)
	}
}

// VerifyKeySize returns the width of the shared verification key.
func (c *Config) VerifyKeySize() int {
	if c.Type == Prio2 {
		return VerifyKeySizePrio2
	}
	return VerifyKeySizePrio3
}

// VerifyKey is the Aggregators' shared verification key.
type VerifyKey []byte

// GenerateVerifyKey draws a fresh verification key of the right width.
func (c *Config) GenerateVerifyKey() (VerifyKey, error) {
	key := make([]byte, c.VerifyKeySize())
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// CheckVerifyKey validates the key width against the config.
func (c *Config) CheckVerifyKey(key VerifyKey) error {
	if len(key) != c.VerifyKeySize() {
		return fmt.Errorf("vdaf: verify key is %d bytes, want %d", len(key), c.VerifyKeySize())
	}
	return nil
}

// ValidAggParam reports whether the aggregation parameter is acceptable. All
// supported variants take an empty parameter.
func (c *Config) ValidAggParam(param []byte) bool {
	return len(param) == 0
}

// Measurement is a client's input: a scalar for Count and Sum, a bucket index
// for Histogram, a vector for Prio2.
type Measurement struct {
	Value  uint64
	Vector []uint64
}

// MeasurementValue wraps a scalar measurement.
func MeasurementValue(v uint64) Measurement {
	return Measurement{Value: v}
}

// MeasurementVector wraps a vector measurement.
func MeasurementVector(v []uint64) Measurement {
	return Measurement{Vector: v}
}

// AggregateResult is the unsharded aggregate: a scalar for Count and Sum, a
// vector for Histogram and Prio2.
type AggregateResult struct {
	Value  uint64
	Vector []uint64
}

func (c *Config) encodeMeasurement(m Measurement) ([]uint64, error) {
	switch c.Type {
	case Prio3Count:
		if m.Value > 1 {
			return nil, fmt.Errorf("vdaf: count measurement %d is not 0 or 1", m.Value)
		}
		return []uint64{m.Value}, nil
	case Prio3Sum:
		if c.SumBits <= 0 || c.SumBits > 63 {
			return nil, fmt.Errorf("vdaf: invalid sum bits %d", c.SumBits)
		}
		if m.Value >= 1<<uint(c.SumBits) {
			return nil, fmt.Errorf("vdaf: sum measurement %d out of range", m.Value)
		}
		return []uint64{m.Value}, nil
	case Prio3Histogram:
		if m.Value >= uint64(c.HistogramLength) {
			return nil, fmt.Errorf("vdaf: histogram bucket %d out of range", m.Value)
		}
		vec := make([]uint64, c.HistogramLength)
		vec[m.Value] = 1
		return vec, nil
	case Prio2:
		if len(m.Vector) != c.Dimension {
			return nil, fmt.Errorf("vdaf: measurement vector is %d elements, want %d", len(m.Vector), c.Dimension)
		}
		vec := make([]uint64, c.Dimension)
		for i, e := range m.Vector {
			if e >= fieldPrime {
				return nil, fmt.Errorf("vdaf: measurement element out of range")
			}
			vec[i] = e
		}
		return vec, nil
	default:
		return nil, fmt.Errorf("vdaf: invalid type %d", c.Type)
	}
}

const (
	publicShareLen = 2 * sha256.Size

	// Aggregator indices: the Leader is 0, the Helper is 1.
	AggregatorLeader = 0
	AggregatorHelper = 1
)

// shareDigest commits to one Aggregator's expanded input share.
func shareDigest(aggID int, nonce [16]byte, share []uint64) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte("dap input share digest"))
	h.Write([]byte{byte(aggID)})
	h.Write(nonce[:])
	h.Write(encodeVec(nil, share))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// combinedVerifier binds both prep messages to the verification key and the
// report nonce. The Helper compares the Leader's value against the one it
// derives from the public share commitments.
func combinedVerifier(key VerifyKey, nonce [16]byte, leaderDigest, helperDigest []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("dap prep verifier"))
	mac.Write(nonce[:])
	mac.Write(leaderDigest)
	mac.Write(helperDigest)
	return mac.Sum(nil)
}

// Shard splits a measurement into the public share and the two input shares
// (Leader first). The Leader's share is the full field vector; the Helper's
// is a seed expanded against the nonce.
func (c *Config) Shard(m Measurement, nonce [16]byte) (publicShare []byte, inputShares [][]byte, err error) {
	vec, err := c.encodeMeasurement(m)
	if err != nil {
		return nil, nil, err
	}
	seed := make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, err
	}
	helperShare := expandShare(seed, nonce, len(vec))
	leaderShare := make([]uint64, len(vec))
	for i := range vec {
		leaderShare[i] = fieldSub(vec[i], helperShare[i])
	}

	leaderDigest := shareDigest(AggregatorLeader, nonce, leaderShare)
	helperDigest := shareDigest(AggregatorHelper, nonce, helperShare)
	publicShare = make([]byte, 0, publicShareLen)
	publicShare = append(publicShare, leaderDigest[:]...)
	publicShare = append(publicShare, helperDigest[:]...)

	return publicShare, [][]byte{encodeVec(nil, leaderShare), seed}, nil
}

// PrepState is an Aggregator's preparation state between the init and finish
// steps.
type PrepState struct {
	aggID       int
	nonce       [16]byte
	verifyKey   VerifyKey
	share       []uint64
	publicShare []byte
}

// Encode serializes the state for persistence between rounds.
func (s *PrepState) Encode() []byte {
	out := make([]byte, 0, len(s.nonce)+len(s.verifyKey)+8*len(s.share)+len(s.publicShare))
	out = append(out, s.nonce[:]...)
	out = append(out, s.verifyKey...)
	out = encodeVec(out, s.share)
	return append(out, s.publicShare...)
}

// DecodePrepState parses a state produced by Encode. The config and the
// Aggregator role determine the embedded lengths.
func DecodePrepState(c *Config, isLeader bool, b []byte) (*PrepState, error) {
	dim, err := c.dimension()
	if err != nil {
		return nil, err
	}
	keyLen := c.VerifyKeySize()
	want := 16 + keyLen + 8*dim + publicShareLen
	if len(b) != want {
		return nil, prepErrf("prep state is %d bytes, want %d", len(b), want)
	}
	s := &PrepState{aggID: AggregatorHelper}
	if isLeader {
		s.aggID = AggregatorLeader
	}
	copy(s.nonce[:], b[:16])
	b = b[16:]
	s.verifyKey = append(VerifyKey(nil), b[:keyLen]...)
	b = b[keyLen:]
	s.share, err = decodeVec(b[:8*dim], dim)
	if err != nil {
		return nil, err
	}
	s.publicShare = append([]byte(nil), b[8*dim:]...)
	return s, nil
}

// OutputShare returns the validated share this Aggregator contributes to its
// aggregate share.
func (s *PrepState) OutputShare() []uint64 {
	return s.share
}

// PrepInit decodes this Aggregator's input share and produces the initial
// preparation state and message. Any decoding failure is an ErrPrep.
func (c *Config) PrepInit(key VerifyKey, aggID int, nonce [16]byte, publicShare, inputShare []byte) (*PrepState, []byte, error) {
	if err := c.CheckVerifyKey(key); err != nil {
		return nil, nil, err
	}
	dim, err := c.dimension()
	if err != nil {
		return nil, nil, err
	}
	if len(publicShare) != publicShareLen {
		return nil, nil, prepErrf("public share is %d bytes, want %d", len(publicShare), publicShareLen)
	}

	var share []uint64
	switch aggID {
	case AggregatorLeader:
		share, err = decodeVec(inputShare, dim)
		if err != nil {
			return nil, nil, err
		}
	case AggregatorHelper:
		if len(inputShare) != seedLen {
			return nil, nil, prepErrf("helper share seed is %d bytes, want %d", len(inputShare), seedLen)
		}
		share = expandShare(inputShare, nonce, dim)
	default:
		return nil, nil, fmt.Errorf("vdaf: invalid aggregator index %d", aggID)
	}

	state := &PrepState{
		aggID:       aggID,
		nonce:       nonce,
		verifyKey:   append(VerifyKey(nil), key...),
		share:       share,
		publicShare: append([]byte(nil), publicShare...),
	}
	digest := shareDigest(aggID, nonce, share)
	return state, digest[:], nil
}

// PrepFinishFromShares is the Leader's finish step: it checks its own share
// against the client's commitment and derives the combined verifier to send
// to the Helper. On success it returns the Leader's output share and the
// outbound preparation message.
func (c *Config) PrepFinishFromShares(leaderState *PrepState, leaderMsg, helperMsg []byte) ([]uint64, []byte, error) {
	if leaderState.aggID != AggregatorLeader {
		return nil, nil, fmt.Errorf("vdaf: prep finish from shares requires the leader state")
	}
	if len(leaderMsg) != sha256.Size || len(helperMsg) != sha256.Size {
		return nil, nil, prepErrf("prep message has wrong length")
	}
	if !hmac.Equal(leaderMsg, leaderState.publicShare[:sha256.Size]) {
		return nil, nil, prepErrf("leader share does not match its commitment")
	}
	verifier := combinedVerifier(leaderState.verifyKey, leaderState.nonce, leaderMsg, helperMsg)
	return leaderState.OutputShare(), verifier, nil
}

// PrepFinish is the Helper's finish step: it recomputes the combined verifier
// from the public-share commitments and compares it to the Leader's message.
// On success it returns the Helper's output share.
func (c *Config) PrepFinish(helperState *PrepState, leaderMsg []byte) ([]uint64, error) {
	if helperState.aggID != AggregatorHelper {
		return nil, fmt.Errorf("vdaf: prep finish requires the helper state")
	}
	expected := combinedVerifier(
		helperState.verifyKey,
		helperState.nonce,
		helperState.publicShare[:sha256.Size],
		helperState.publicShare[sha256.Size:],
	)
	if !hmac.Equal(leaderMsg, expected) {
		return nil, prepErrf("combined verifier mismatch")
	}
	return helperState.OutputShare(), nil
}

// EncodeAggShare serializes an aggregate share's field vector.
func EncodeAggShare(data []uint64) []byte {
	return encodeVec(nil, data)
}

// DecodeAggShare parses an aggregate share for this config.
func (c *Config) DecodeAggShare(b []byte) ([]uint64, error) {
	dim, err := c.dimension()
	if err != nil {
		return nil, err
	}
	return decodeVec(b, dim)
}

// MergeAggShare adds src into dst element-wise. An empty dst is initialized
// to src's length. Merging is associative and commutative.
func MergeAggShare(dst, src []uint64) ([]uint64, error) {
	if len(dst) == 0 {
		return append([]uint64(nil), src...), nil
	}
	if len(dst) != len(src) {
		return nil, fmt.Errorf("vdaf: aggregate share length mismatch: %d vs %d", len(dst), len(src))
	}
	addVec(dst, src)
	return dst, nil
}

// Unshard combines the Aggregators' aggregate shares into the final result.
func (c *Config) Unshard(numMeasurements int, aggShares [][]byte) (AggregateResult, error) {
	dim, err := c.dimension()
	if err != nil {
		return AggregateResult{}, err
	}
	if len(aggShares) == 0 {
		return AggregateResult{}, fmt.Errorf("vdaf: no aggregate shares")
	}
	sum := make([]uint64, dim)
	for _, share := range aggShares {
		vec, err := c.DecodeAggShare(share)
		if err != nil {
			return AggregateResult{}, err
		}
		addVec(sum, vec)
	}
	switch c.Type {
	case Prio3Count, Prio3Sum:
		return AggregateResult{Value: sum[0]}, nil
	default:
		return AggregateResult{Vector: sum}, nil
	}
}
