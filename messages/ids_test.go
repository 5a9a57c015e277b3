package messages

import (
	"strings"
	"testing"
)

func TestIDBase64URLRoundTrip(t *testing.T) {
	aggJobID := AggregationJobID{7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7}
	if got, ok := AggregationJobIDFromBase64URL(aggJobID.Base64URL()); !ok || got != aggJobID {
		t.Fatalf("aggregation job ID round trip failed: %v %v", got, ok)
	}

	batchID := BatchID{7}
	if got, ok := BatchIDFromBase64URL(batchID.Base64URL()); !ok || got != batchID {
		t.Fatalf("batch ID round trip failed")
	}

	collectionJobID := CollectionJobID{7}
	if got, ok := CollectionJobIDFromBase64URL(collectionJobID.Base64URL()); !ok || got != collectionJobID {
		t.Fatalf("collection job ID round trip failed")
	}

	draft02AggJobID := Draft02AggregationJobID{13}
	if got, ok := Draft02AggregationJobIDFromBase64URL(draft02AggJobID.Base64URL()); !ok || got != draft02AggJobID {
		t.Fatalf("draft02 aggregation job ID round trip failed")
	}

	reportID := ReportID{7}
	if got, ok := ReportIDFromBase64URL(reportID.Base64URL()); !ok || got != reportID {
		t.Fatalf("report ID round trip failed")
	}

	taskID := TaskID{7}
	if got, ok := TaskIDFromBase64URL(taskID.Base64URL()); !ok || got != taskID {
		t.Fatalf("task ID round trip failed")
	}
}

func TestIDBase64URLWrongLength(t *testing.T) {
	// A 16-byte encoding must not decode into a 32-byte ID and vice versa.
	short := ReportID{1}.Base64URL()
	if _, ok := TaskIDFromBase64URL(short); ok {
		t.Fatal("decoding a 16-byte string into a task ID should fail")
	}
	long := TaskID{1}.Base64URL()
	if _, ok := ReportIDFromBase64URL(long); ok {
		t.Fatal("decoding a 32-byte string into a report ID should fail")
	}
	if _, ok := TaskIDFromBase64URL("not!valid!base64!"); ok {
		t.Fatal("decoding invalid base64 should fail")
	}
}

func TestIDBase64URLNoPadding(t *testing.T) {
	if s := (TaskID{255}).Base64URL(); strings.ContainsRune(s, '=') {
		t.Fatalf("base64url encoding must be unpadded, got %q", s)
	}
}

func TestIDHexDisplay(t *testing.T) {
	id := ReportID{0xab, 0xcd}
	want := "abcd0000000000000000000000000000"
	if id.Hex() != want {
		t.Fatalf("hex display: got %q want %q", id.Hex(), want)
	}
	if id.String() != want {
		t.Fatalf("String should match hex display")
	}
}
