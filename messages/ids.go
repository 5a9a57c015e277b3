package messages

import (
	"encoding/base64"
	"encoding/hex"
)

// Fixed-width protocol identifiers. Each is encoded on the wire as its raw
// bytes with no length prefix, displays as lowercase hex, and converts to and
// from unpadded URL-safe base64.

type TaskID [32]byte

type BatchID [32]byte

type AggregationJobID [16]byte

type Draft02AggregationJobID [32]byte

type CollectionJobID [16]byte

type ReportID [16]byte

// EncodeBase64URL returns the URL-safe, unpadded base64 encoding of b.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes a URL-safe, unpadded base64 string of any length.
func DecodeBase64URL(s string) ([]byte, bool) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func decodeBase64URLFixed(s string, out []byte) bool {
	b, ok := DecodeBase64URL(s)
	if !ok || len(b) != len(out) {
		return false
	}
	copy(out, b)
	return true
}

func (id TaskID) Hex() string       { return hex.EncodeToString(id[:]) }
func (id TaskID) String() string    { return id.Hex() }
func (id TaskID) Base64URL() string { return EncodeBase64URL(id[:]) }

func TaskIDFromBase64URL(s string) (TaskID, bool) {
	var id TaskID
	ok := decodeBase64URLFixed(s, id[:])
	return id, ok
}

func (id BatchID) Hex() string       { return hex.EncodeToString(id[:]) }
func (id BatchID) String() string    { return id.Hex() }
func (id BatchID) Base64URL() string { return EncodeBase64URL(id[:]) }

func BatchIDFromBase64URL(s string) (BatchID, bool) {
	var id BatchID
	ok := decodeBase64URLFixed(s, id[:])
	return id, ok
}

func (id AggregationJobID) Hex() string       { return hex.EncodeToString(id[:]) }
func (id AggregationJobID) String() string    { return id.Hex() }
func (id AggregationJobID) Base64URL() string { return EncodeBase64URL(id[:]) }

func AggregationJobIDFromBase64URL(s string) (AggregationJobID, bool) {
	var id AggregationJobID
	ok := decodeBase64URLFixed(s, id[:])
	return id, ok
}

func (id Draft02AggregationJobID) Hex() string       { return hex.EncodeToString(id[:]) }
func (id Draft02AggregationJobID) String() string    { return id.Hex() }
func (id Draft02AggregationJobID) Base64URL() string { return EncodeBase64URL(id[:]) }

func Draft02AggregationJobIDFromBase64URL(s string) (Draft02AggregationJobID, bool) {
	var id Draft02AggregationJobID
	ok := decodeBase64URLFixed(s, id[:])
	return id, ok
}

func (id CollectionJobID) Hex() string       { return hex.EncodeToString(id[:]) }
func (id CollectionJobID) String() string    { return id.Hex() }
func (id CollectionJobID) Base64URL() string { return EncodeBase64URL(id[:]) }

func CollectionJobIDFromBase64URL(s string) (CollectionJobID, bool) {
	var id CollectionJobID
	ok := decodeBase64URLFixed(s, id[:])
	return id, ok
}

func (id ReportID) Hex() string       { return hex.EncodeToString(id[:]) }
func (id ReportID) String() string    { return id.Hex() }
func (id ReportID) Base64URL() string { return EncodeBase64URL(id[:]) }

func ReportIDFromBase64URL(s string) (ReportID, bool) {
	var id ReportID
	ok := decodeBase64URLFixed(s, id[:])
	return id, ok
}

func (c *cursor) readTaskID() (TaskID, error) {
	var id TaskID
	b, err := c.readExact(len(id))
	if err != nil {
		return id, errTruncated("task id")
	}
	copy(id[:], b)
	return id, nil
}

func (c *cursor) readBatchID() (BatchID, error) {
	var id BatchID
	b, err := c.readExact(len(id))
	if err != nil {
		return id, errTruncated("batch id")
	}
	copy(id[:], b)
	return id, nil
}

func (c *cursor) readReportID() (ReportID, error) {
	var id ReportID
	b, err := c.readExact(len(id))
	if err != nil {
		return id, errTruncated("report id")
	}
	copy(id[:], b)
	return id, nil
}

func (c *cursor) readDraft02AggregationJobID() (Draft02AggregationJobID, error) {
	var id Draft02AggregationJobID
	b, err := c.readExact(len(id))
	if err != nil {
		return id, errTruncated("aggregation job id")
	}
	copy(id[:], b)
	return id, nil
}
