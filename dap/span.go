package dap

import (
	"crypto/sha256"
	"fmt"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

// BatchBucket is the storage granularity of aggregate shares: one bucket per
// quantized time window for time-interval tasks, one per batch ID for
// fixed-size tasks. The zero BatchWindow/BatchID of the unused variant keeps
// the type usable as a map key.
type BatchBucket struct {
	Kind        messages.QueryKind // QueryTimeInterval or QueryFixedSizeByBatchID
	BatchWindow messages.Time      // time-interval: window start
	BatchID     messages.BatchID   // fixed-size
}

func (b BatchBucket) String() string {
	switch b.Kind {
	case messages.QueryTimeInterval:
		return fmt.Sprintf("window/%d", b.BatchWindow)
	case messages.QueryFixedSizeByBatchID:
		return fmt.Sprintf("batch/%s", b.BatchID.Hex())
	default:
		return "invalid"
	}
}

// BucketForReport maps a report to its bucket under the given partial batch
// selector.
func (t *TaskConfig) BucketForReport(partBatchSel messages.PartialBatchSelector, reportTime messages.Time) (BatchBucket, error) {
	switch partBatchSel.Kind {
	case messages.QueryTimeInterval:
		return BatchBucket{
			Kind:        messages.QueryTimeInterval,
			BatchWindow: t.QuantizedTimeLowerBound(reportTime),
		}, nil
	case messages.QueryFixedSizeByBatchID:
		return BatchBucket{
			Kind:    messages.QueryFixedSizeByBatchID,
			BatchID: partBatchSel.BatchID,
		}, nil
	default:
		return BatchBucket{}, fmt.Errorf("dap: invalid partial batch selector kind %d", partBatchSel.Kind)
	}
}

// BatchSpanForSel enumerates the buckets a batch selector covers: every time
// window inside the interval, or the single fixed-size bucket.
func (t *TaskConfig) BatchSpanForSel(batchSel *messages.BatchSelector) ([]BatchBucket, error) {
	switch batchSel.Kind {
	case messages.QueryTimeInterval:
		iv := batchSel.BatchInterval
		if iv.Duration == 0 || iv.Start%t.TimePrecision != 0 || iv.Duration%t.TimePrecision != 0 {
			return nil, abortf(AbortBatchMismatch, nil, "batch interval is not aligned to the time precision")
		}
		var buckets []BatchBucket
		for window := iv.Start; window < iv.End(); window += t.TimePrecision {
			buckets = append(buckets, BatchBucket{
				Kind:        messages.QueryTimeInterval,
				BatchWindow: window,
			})
		}
		return buckets, nil
	case messages.QueryFixedSizeByBatchID:
		return []BatchBucket{{
			Kind:    messages.QueryFixedSizeByBatchID,
			BatchID: batchSel.BatchID,
		}}, nil
	default:
		return nil, fmt.Errorf("dap: invalid batch selector kind %d", batchSel.Kind)
	}
}

// BatchSpanForConsumed groups consumed reports by bucket.
func (t *TaskConfig) BatchSpanForConsumed(partBatchSel messages.PartialBatchSelector, consumed []*ConsumedReport) (map[BatchBucket][]*ConsumedReport, error) {
	span := make(map[BatchBucket][]*ConsumedReport)
	for _, report := range consumed {
		bucket, err := t.BucketForReport(partBatchSel, report.Metadata.Time)
		if err != nil {
			return nil, err
		}
		span[bucket] = append(span[bucket], report)
	}
	return span, nil
}

// AggregateShareDelta is one bucket's accumulated aggregate share: the field
// data plus the accounting needed for collection (count, time range,
// checksum). Merge is associative and commutative.
type AggregateShareDelta struct {
	Data        []uint64
	ReportCount uint64
	MinTime     messages.Time
	MaxTime     messages.Time
	Checksum    [32]byte
}

// Empty reports whether the share has no contributions.
func (a *AggregateShareDelta) Empty() bool {
	return a.ReportCount == 0
}

// Merge folds other into a.
func (a *AggregateShareDelta) Merge(other AggregateShareDelta) error {
	if other.Empty() {
		return nil
	}
	data, err := vdaf.MergeAggShare(a.Data, other.Data)
	if err != nil {
		return err
	}
	a.Data = data
	if a.Empty() || other.MinTime < a.MinTime {
		a.MinTime = other.MinTime
	}
	if a.Empty() || other.MaxTime > a.MaxTime {
		a.MaxTime = other.MaxTime
	}
	a.ReportCount += other.ReportCount
	for i := range a.Checksum {
		a.Checksum[i] ^= other.Checksum[i]
	}
	return nil
}

// checksumForReport is the per-report term of the batch checksum: the SHA-256
// digest of the report ID, XOR-folded across the batch.
func checksumForReport(id messages.ReportID) [32]byte {
	return sha256.Sum256(id[:])
}

// OutputShare is one validated report's contribution.
type OutputShare struct {
	ReportID messages.ReportID
	Time     messages.Time
	Data     []uint64
}

// AggregateShareSpan maps buckets to their accumulated deltas plus the
// reports that produced them. The report list drives replay marking at commit
// time.
type AggregateShareSpan struct {
	buckets map[BatchBucket]*spanEntry
}

type spanEntry struct {
	delta   AggregateShareDelta
	reports []ReportRef
}

// ReportRef names a report within a committed span.
type ReportRef struct {
	ID   messages.ReportID
	Time messages.Time
}

// AddOutputShare materializes an output share into its bucket.
func (s *AggregateShareSpan) AddOutputShare(taskCfg *TaskConfig, partBatchSel messages.PartialBatchSelector, out OutputShare) error {
	bucket, err := taskCfg.BucketForReport(partBatchSel, out.Time)
	if err != nil {
		return err
	}
	if s.buckets == nil {
		s.buckets = make(map[BatchBucket]*spanEntry)
	}
	entry := s.buckets[bucket]
	if entry == nil {
		entry = &spanEntry{}
		s.buckets[bucket] = entry
	}
	delta := AggregateShareDelta{
		Data:        out.Data,
		ReportCount: 1,
		MinTime:     out.Time,
		MaxTime:     out.Time,
		Checksum:    checksumForReport(out.ReportID),
	}
	if err := entry.delta.Merge(delta); err != nil {
		return err
	}
	entry.reports = append(entry.reports, ReportRef{ID: out.ReportID, Time: out.Time})
	return nil
}

// ReportCount is the number of output shares in the span.
func (s *AggregateShareSpan) ReportCount() uint64 {
	var n uint64
	for _, entry := range s.buckets {
		n += entry.delta.ReportCount
	}
	return n
}

// Buckets iterates the span.
func (s *AggregateShareSpan) Buckets() map[BatchBucket]*spanEntry {
	return s.buckets
}

// Delta returns the accumulated delta for a bucket of the span.
func (e *spanEntry) Delta() AggregateShareDelta { return e.delta }

// Reports returns the reports contributing to a bucket of the span.
func (e *spanEntry) Reports() []ReportRef { return e.reports }

// Collapsed merges every bucket of the span into one aggregate share.
func (s *AggregateShareSpan) Collapsed() (AggregateShareDelta, error) {
	var out AggregateShareDelta
	for _, entry := range s.buckets {
		if err := out.Merge(entry.delta); err != nil {
			return AggregateShareDelta{}, err
		}
	}
	return out, nil
}
