package messages

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var bothVersions = []Version{Draft02, Draft07}

func testReport(v Version) *Report {
	report := &Report{
		Metadata: ReportMetadata{
			ID:   ReportID{23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23},
			Time: 1637364244,
		},
		PublicShare: []byte("public share"),
		EncryptedInputShares: []HpkeCiphertext{
			{ConfigID: 23, Enc: []byte("leader encapsulated key"), Payload: []byte("leader ciphertext")},
			{ConfigID: 119, Enc: []byte("helper encapsulated key"), Payload: []byte("helper ciphertext")},
		},
	}
	if v == Draft02 {
		taskID := TaskID{}
		for i := range taskID {
			taskID[i] = 1
		}
		report.Draft02TaskID = &taskID
	}
	return report
}

func TestReportRoundTrip(t *testing.T) {
	for _, v := range bothVersions {
		t.Run(v.String(), func(t *testing.T) {
			want := testReport(v)
			encoded, err := want.Encode(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeReport(v, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("report mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReportUnknownExtensionFatalDraft02(t *testing.T) {
	report := testReport(Draft02)
	report.Metadata.Extensions = []Extension{{Type: 0xfff, Payload: []byte("some extension")}}
	encoded, err := report.Encode(Draft02)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeReport(Draft02, encoded); err == nil {
		t.Fatal("decoding a report with an unknown extension should fail")
	}
}

func TestReportDuplicateExtensionFatalDraft02(t *testing.T) {
	report := testReport(Draft02)
	report.Metadata.Extensions = []Extension{
		{Type: ExtensionTypeTaskprov, Payload: []byte("a")},
		{Type: ExtensionTypeTaskprov, Payload: []byte("b")},
	}
	encoded, err := report.Encode(Draft02)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeReport(Draft02, encoded); err == nil {
		t.Fatal("decoding a report with duplicate extensions should fail")
	}
}

func TestExtensionsOutsideDraft02FailLoudly(t *testing.T) {
	md := ReportMetadata{
		ID:         ReportID{1},
		Time:       1637364244,
		Extensions: []Extension{{Type: ExtensionTypeTaskprov, Payload: []byte("x")}},
	}
	if _, err := md.Encode(Draft07); err == nil {
		t.Fatal("encoding extensions on metadata outside Draft02 should fail")
	}
}

func TestReportEncodeDeterministic(t *testing.T) {
	for _, v := range bothVersions {
		report := testReport(v)
		first, err := report.Encode(v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		second, err := report.Encode(v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("%s: encoding is not deterministic", v)
		}
	}
}

func TestDecodeReportUnknownVersion(t *testing.T) {
	if _, err := DecodeReport(VersionUnknown, nil); err == nil {
		t.Fatal("decoding with an unknown version should fail")
	}
}

// Golden test: the Draft02 AggregationJobInitReq byte layout is pinned by the
// prior art test suite.
func TestReadAggregationJobInitReqDraft02(t *testing.T) {
	testData := []byte{
		23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 23,
		23, 23, 23, 23, 23, 23, 23, 23, 23, 23, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
		1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 32, 116, 104, 105, 115, 32, 105,
		115, 32, 97, 110, 32, 97, 103, 103, 114, 101, 103, 97, 116, 105, 111, 110, 32, 112, 97,
		114, 97, 109, 101, 116, 101, 114, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 134, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99, 99, 0, 0, 0, 0, 97, 152, 38, 185, 0, 0, 0, 0, 0, 12,
		112, 117, 98, 108, 105, 99, 32, 115, 104, 97, 114, 101, 23, 0, 16, 101, 110, 99, 97,
		112, 115, 117, 108, 97, 116, 101, 100, 32, 107, 101, 121, 0, 0, 0, 10, 99, 105, 112,
		104, 101, 114, 116, 101, 120, 116, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17,
		17, 17, 17, 0, 0, 0, 0, 9, 194, 107, 103, 0, 0, 0, 0, 0, 12, 112, 117, 98, 108, 105,
		99, 32, 115, 104, 97, 114, 101, 0, 0, 0, 0, 0, 0, 10, 99, 105, 112, 104, 101, 114, 116,
		101, 120, 116,
	}

	got, err := DecodeAggregationJobInitReq(Draft02, testData)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	taskID := TaskID{}
	for i := range taskID {
		taskID[i] = 23
	}
	aggJobID := Draft02AggregationJobID{}
	for i := range aggJobID {
		aggJobID[i] = 1
	}
	want := &AggregationJobInitReq{
		Draft02TaskID:   &taskID,
		Draft02AggJobID: &aggJobID,
		AggParam:        []byte("this is an aggregation parameter"),
		PartBatchSel:    PartialBatchSelector{Kind: QueryFixedSizeByBatchID},
		ReportShares: []ReportShare{
			{
				Metadata: ReportMetadata{
					ID:   ReportID{99, 99, 99, 99, 99, 99, 99, 99, 99, 99, 99, 99, 99, 99, 99, 99},
					Time: 1637361337,
				},
				PublicShare: []byte("public share"),
				EncryptedInputShare: HpkeCiphertext{
					ConfigID: 23,
					Enc:      []byte("encapsulated key"),
					Payload:  []byte("ciphertext"),
				},
			},
			{
				Metadata: ReportMetadata{
					ID:   ReportID{17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17},
					Time: 163736423,
				},
				PublicShare: []byte("public share"),
				EncryptedInputShare: HpkeCiphertext{
					ConfigID: 0,
					Enc:      []byte{},
					Payload:  []byte("ciphertext"),
				},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	reencoded, err := got.Encode(Draft02)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(reencoded, testData) {
		t.Fatalf("re-encoding does not reproduce the input bytes")
	}
}

func TestAggregationJobInitReqRoundTrip(t *testing.T) {
	for _, v := range bothVersions {
		t.Run(v.String(), func(t *testing.T) {
			want := &AggregationJobInitReq{
				AggParam:     []byte("this is an aggregation parameter"),
				PartBatchSel: PartialBatchSelector{Kind: QueryFixedSizeByBatchID},
				ReportShares: []ReportShare{
					{
						Metadata:    ReportMetadata{ID: ReportID{99}, Time: 1637361337},
						PublicShare: []byte("public share"),
						EncryptedInputShare: HpkeCiphertext{
							ConfigID: 23,
							Enc:      []byte("encapsulated key"),
							Payload:  []byte("ciphertext"),
						},
					},
				},
			}
			if v == Draft02 {
				taskID := TaskID{23}
				aggJobID := Draft02AggregationJobID{1}
				want.Draft02TaskID = &taskID
				want.Draft02AggJobID = &aggJobID
			}
			encoded, err := want.Encode(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeAggregationJobInitReq(v, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAggregationJobContinueReqRoundTrip(t *testing.T) {
	for _, v := range bothVersions {
		t.Run(v.String(), func(t *testing.T) {
			want := &AggregationJobContinueReq{
				Transitions: []Transition{
					{ReportID: ReportID{0}, Var: Continued([]byte("this is a VDAF-specific message"))},
					{ReportID: ReportID{1}, Var: Continued([]byte("believe it or not this is *also* a VDAF-specific message"))},
					{ReportID: ReportID{2}, Var: Finished()},
					{ReportID: ReportID{3}, Var: Failed(ReportReplayed)},
				},
			}
			if v == Draft02 {
				taskID := TaskID{23}
				aggJobID := Draft02AggregationJobID{1}
				want.Draft02TaskID = &taskID
				want.Draft02AggJobID = &aggJobID
			} else {
				round := uint16(1)
				want.Round = &round
			}
			encoded, err := want.Encode(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeAggregationJobContinueReq(v, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundOutsideDraft07FailsLoudly(t *testing.T) {
	round := uint16(1)
	taskID := TaskID{23}
	aggJobID := Draft02AggregationJobID{1}
	req := &AggregationJobContinueReq{
		Draft02TaskID:   &taskID,
		Draft02AggJobID: &aggJobID,
		Round:           &round,
	}
	if _, err := req.Encode(Draft02); err == nil {
		t.Fatal("encoding a round field in Draft02 should fail")
	}
}

// Golden test: Draft02 AggregationJobResp bytes from the prior art test
// suite.
func TestReadAggregationJobRespDraft02(t *testing.T) {
	testData := []byte{
		0, 0, 0, 147, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 0, 0, 0,
		0, 31, 116, 104, 105, 115, 32, 105, 115, 32, 97, 32, 86, 68, 65, 70, 45, 115, 112, 101,
		99, 105, 102, 105, 99, 32, 109, 101, 115, 115, 97, 103, 101, 255, 255, 255, 255, 255,
		255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 0, 0, 0, 0, 56, 98, 101, 108,
		105, 101, 118, 101, 32, 105, 116, 32, 111, 114, 32, 110, 111, 116, 32, 116, 104, 105,
		115, 32, 105, 115, 32, 42, 97, 108, 115, 111, 42, 32, 97, 32, 86, 68, 65, 70, 45, 115,
		112, 101, 99, 105, 102, 105, 99, 32, 109, 101, 115, 115, 97, 103, 101, 17, 17, 17, 17,
		17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 17, 2, 7,
	}

	got, err := DecodeAggregationJobResp(testData)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	id22 := ReportID{}
	id255 := ReportID{}
	id17 := ReportID{}
	for i := range id22 {
		id22[i], id255[i], id17[i] = 22, 255, 17
	}
	want := &AggregationJobResp{
		Transitions: []Transition{
			{ReportID: id22, Var: Continued([]byte("this is a VDAF-specific message"))},
			{ReportID: id255, Var: Continued([]byte("believe it or not this is *also* a VDAF-specific message"))},
			{ReportID: id17, Var: Failed(TaskExpired)},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateShareReqRoundTrip(t *testing.T) {
	for _, v := range bothVersions {
		t.Run(v.String(), func(t *testing.T) {
			want := &AggregateShareReq{
				BatchSel:    BatchSelector{Kind: QueryFixedSizeByBatchID, BatchID: BatchID{23}},
				AggParam:    []byte("this is an aggregation parameter"),
				ReportCount: 100,
			}
			if v == Draft02 {
				taskID := TaskID{23}
				want.Draft02TaskID = &taskID
			}
			encoded, err := want.Encode(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeAggregateShareReq(v, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCollectionReqRoundTrip(t *testing.T) {
	for _, v := range bothVersions {
		t.Run(v.String(), func(t *testing.T) {
			want := &CollectionReq{
				Query: Query{
					Kind:          QueryTimeInterval,
					BatchInterval: Interval{Start: 1637360000, Duration: 7200},
				},
				AggParam: []byte{},
			}
			if v == Draft02 {
				taskID := TaskID{23}
				want.Draft02TaskID = &taskID
			}
			encoded, err := want.Encode(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeCollectionReq(v, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	for _, v := range bothVersions {
		t.Run(v.String(), func(t *testing.T) {
			want := &Collection{
				PartBatchSel: PartialBatchSelector{Kind: QueryTimeInterval},
				ReportCount:  12,
				EncryptedAggShares: []HpkeCiphertext{
					{ConfigID: 1, Enc: []byte("leader enc"), Payload: []byte("leader share")},
					{ConfigID: 1, Enc: []byte("helper enc"), Payload: []byte("helper share")},
				},
			}
			if v == Draft07 {
				want.Interval = &Interval{Start: 1637360000, Duration: 7200}
			}
			encoded, err := want.Encode(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeCollection(v, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("collection mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIntervalOnCollectionDraft02FailsLoudly(t *testing.T) {
	collection := &Collection{
		PartBatchSel: PartialBatchSelector{Kind: QueryTimeInterval},
		Interval:     &Interval{Start: 0, Duration: 1},
	}
	if _, err := collection.Encode(Draft02); err == nil {
		t.Fatal("encoding an interval in Draft02 should fail")
	}
}

func TestQueryRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		version Version
		query   Query
	}{
		{"time_interval_v02", Draft02, Query{Kind: QueryTimeInterval, BatchInterval: Interval{Start: 100, Duration: 200}}},
		{"time_interval_v07", Draft07, Query{Kind: QueryTimeInterval, BatchInterval: Interval{Start: 100, Duration: 200}}},
		{"by_batch_id_v02", Draft02, Query{Kind: QueryFixedSizeByBatchID, BatchID: BatchID{7}}},
		{"by_batch_id_v07", Draft07, Query{Kind: QueryFixedSizeByBatchID, BatchID: BatchID{7}}},
		{"current_batch_v07", Draft07, Query{Kind: QueryFixedSizeCurrentBatch}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := appendQuery(nil, tc.version, &tc.query)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			c := newCursor(encoded)
			got, err := c.readQuery(tc.version)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(tc.query, got); diff != "" {
				t.Fatalf("query mismatch (-want +got):\n%s", diff)
			}
			if err := c.finish(); err != nil {
				t.Fatalf("trailing bytes: %v", err)
			}
		})
	}
}

func TestCurrentBatchQueryDraft02FailsLoudly(t *testing.T) {
	query := Query{Kind: QueryFixedSizeCurrentBatch}
	if _, err := appendQuery(nil, Draft02, &query); err == nil {
		t.Fatal("encoding a current-batch query in Draft02 should fail")
	}
}

func TestTransitionFailureCodesStable(t *testing.T) {
	want := map[TransitionFailure]uint8{
		BatchCollected:      0,
		ReportReplayed:      1,
		ReportDropped:       2,
		HpkeUnknownConfigID: 3,
		HpkeDecryptError:    4,
		VdafPrepError:       5,
		BatchSaturated:      6,
		TaskExpired:         7,
		UnrecognizedMessage: 8,
		ReportTooEarly:      9,
	}
	for failure, code := range want {
		if uint8(failure) != code {
			t.Fatalf("failure %s has code %d, want %d", failure, uint8(failure), code)
		}
	}
}

func TestTransitionFailureOutOfRangeRejected(t *testing.T) {
	encoded, err := appendTransition(nil, &Transition{ReportID: ReportID{1}, Var: Failed(TaskExpired)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded[len(encoded)-1] = 99
	c := newCursor(encoded)
	if _, err := c.readTransition(); err == nil {
		t.Fatal("decoding an out-of-range transition failure should fail")
	}
}
