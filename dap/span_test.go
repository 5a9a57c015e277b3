package dap

import (
	"testing"

	"github.com/oliy/daphne/messages"
)

func timeIntervalTask() *TaskConfig {
	return &TaskConfig{
		Version:       messages.Draft07,
		TimePrecision: 3600,
		Expiration:    1700000000,
		MinBatchSize:  1,
		Query:         QueryConfig{Kind: messages.QueryTimeInterval},
	}
}

func TestBucketForReportTimeInterval(t *testing.T) {
	taskCfg := timeIntervalTask()
	sel := messages.PartialBatchSelector{Kind: messages.QueryTimeInterval}

	for _, ts := range []messages.Time{1637364244, 1637363000, 1637362801} {
		bucket, err := taskCfg.BucketForReport(sel, ts)
		if err != nil {
			t.Fatalf("bucket: %v", err)
		}
		if bucket.Kind != messages.QueryTimeInterval {
			t.Fatalf("bucket kind: got %v", bucket.Kind)
		}
		if want := ts - (ts % 3600); bucket.BatchWindow != want {
			t.Fatalf("window: got %d want %d", bucket.BatchWindow, want)
		}
	}

	// Reports in the same window share a bucket.
	first, _ := taskCfg.BucketForReport(sel, 1637362800)
	second, _ := taskCfg.BucketForReport(sel, 1637362800+3599)
	if first != second {
		t.Fatal("reports in the same window should map to the same bucket")
	}
	third, _ := taskCfg.BucketForReport(sel, 1637362800+3600)
	if first == third {
		t.Fatal("reports in different windows should map to different buckets")
	}
}

func TestBucketForReportFixedSize(t *testing.T) {
	taskCfg := timeIntervalTask()
	taskCfg.Query = QueryConfig{Kind: messages.QueryFixedSizeByBatchID, MaxBatchSize: 10}
	batchID := messages.BatchID{42}
	sel := messages.PartialBatchSelector{Kind: messages.QueryFixedSizeByBatchID, BatchID: batchID}

	bucket, err := taskCfg.BucketForReport(sel, 1637364244)
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if bucket.Kind != messages.QueryFixedSizeByBatchID || bucket.BatchID != batchID {
		t.Fatalf("bucket: got %+v", bucket)
	}
}

func TestBatchSpanForSel(t *testing.T) {
	taskCfg := timeIntervalTask()
	sel := messages.BatchSelector{
		Kind:          messages.QueryTimeInterval,
		BatchInterval: messages.Interval{Start: 7200, Duration: 3 * 3600},
	}
	buckets, err := taskCfg.BatchSpanForSel(&sel)
	if err != nil {
		t.Fatalf("span: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("span size: got %d want 3", len(buckets))
	}
	for i, bucket := range buckets {
		if want := messages.Time(7200 + i*3600); bucket.BatchWindow != want {
			t.Fatalf("bucket %d: got window %d want %d", i, bucket.BatchWindow, want)
		}
	}
}

func TestBatchSpanForSelMisaligned(t *testing.T) {
	taskCfg := timeIntervalTask()
	for _, iv := range []messages.Interval{
		{Start: 7201, Duration: 3600},
		{Start: 7200, Duration: 3601},
		{Start: 7200, Duration: 0},
	} {
		sel := messages.BatchSelector{Kind: messages.QueryTimeInterval, BatchInterval: iv}
		if _, err := taskCfg.BatchSpanForSel(&sel); err == nil {
			t.Fatalf("interval %+v should be rejected", iv)
		}
	}
}

func TestAggregateShareMergeAccounting(t *testing.T) {
	taskCfg := timeIntervalTask()
	sel := messages.PartialBatchSelector{Kind: messages.QueryTimeInterval}

	span := &AggregateShareSpan{}
	outShares := []OutputShare{
		{ReportID: messages.ReportID{1}, Time: 7300, Data: []uint64{1}},
		{ReportID: messages.ReportID{2}, Time: 7400, Data: []uint64{0}},
		{ReportID: messages.ReportID{3}, Time: 11000, Data: []uint64{1}},
	}
	for _, out := range outShares {
		if err := span.AddOutputShare(taskCfg, sel, out); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if span.ReportCount() != 3 {
		t.Fatalf("report count: got %d want 3", span.ReportCount())
	}
	if len(span.Buckets()) != 2 {
		t.Fatalf("bucket count: got %d want 2", len(span.Buckets()))
	}

	collapsed, err := span.Collapsed()
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if collapsed.ReportCount != 3 || collapsed.MinTime != 7300 || collapsed.MaxTime != 11000 {
		t.Fatalf("collapsed accounting: %+v", collapsed)
	}
	if collapsed.Data[0] != 2 {
		t.Fatalf("collapsed data: got %d want 2", collapsed.Data[0])
	}

	// The checksum is the XOR fold of the per-report digests, so it must not
	// depend on merge order.
	reversed := &AggregateShareSpan{}
	for i := len(outShares) - 1; i >= 0; i-- {
		if err := reversed.AddOutputShare(taskCfg, sel, outShares[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	reversedCollapsed, err := reversed.Collapsed()
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if collapsed.Checksum != reversedCollapsed.Checksum {
		t.Fatal("checksum should be order-independent")
	}
}

func TestAggregateShareMergeCommutes(t *testing.T) {
	a := AggregateShareDelta{Data: []uint64{1, 2}, ReportCount: 1, MinTime: 100, MaxTime: 100, Checksum: [32]byte{1}}
	b := AggregateShareDelta{Data: []uint64{3, 4}, ReportCount: 2, MinTime: 50, MaxTime: 200, Checksum: [32]byte{2}}

	ab := AggregateShareDelta{}
	if err := ab.Merge(a); err != nil {
		t.Fatal(err)
	}
	if err := ab.Merge(b); err != nil {
		t.Fatal(err)
	}
	ba := AggregateShareDelta{}
	if err := ba.Merge(b); err != nil {
		t.Fatal(err)
	}
	if err := ba.Merge(a); err != nil {
		t.Fatal(err)
	}

	if ab.ReportCount != ba.ReportCount || ab.MinTime != ba.MinTime || ab.MaxTime != ba.MaxTime ||
		ab.Checksum != ba.Checksum || ab.Data[0] != ba.Data[0] || ab.Data[1] != ba.Data[1] {
		t.Fatalf("merge is not commutative: %+v vs %+v", ab, ba)
	}
	if ab.MinTime != 50 || ab.MaxTime != 200 || ab.ReportCount != 3 {
		t.Fatalf("merged accounting: %+v", ab)
	}
}

func TestMergeEmptyDeltaIsIdentity(t *testing.T) {
	a := AggregateShareDelta{Data: []uint64{5}, ReportCount: 2, MinTime: 10, MaxTime: 20, Checksum: [32]byte{7}}
	before := a
	if err := a.Merge(AggregateShareDelta{}); err != nil {
		t.Fatal(err)
	}
	if a.ReportCount != before.ReportCount || a.MinTime != before.MinTime ||
		a.MaxTime != before.MaxTime || a.Checksum != before.Checksum {
		t.Fatalf("merging the empty delta changed the share: %+v", a)
	}
}
