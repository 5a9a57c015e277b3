package node

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/hpke"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/node/store"
)

// Aggregator is the storage-aware half shared by the Leader and the Helper:
// HPKE decryption, report initialization with replay and collected-batch
// rejection, and the atomic span commit.
type Aggregator struct {
	Role      Role
	Store     store.Store
	Tasks     *TaskRegistry
	Receivers map[uint8]*hpke.Receiver
	Counters  *dap.Counters
	Log       *slog.Logger

	// Now is the clock; overridable in tests.
	Now func() messages.Time

	// ReportStorageEpoch and MaxFutureTimeSkew bound report timestamps
	// accepted into aggregation. Zero disables the bound.
	ReportStorageEpoch messages.Duration
	MaxFutureTimeSkew  messages.Duration
}

func (a *Aggregator) now() messages.Time {
	if a.Now != nil {
		return a.Now()
	}
	return messages.Time(time.Now().Unix())
}

func (a *Aggregator) isLeader() bool {
	return a.Role == RoleLeader
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// leastValidReportTime is the oldest report timestamp accepted into a job.
func (a *Aggregator) leastValidReportTime(now messages.Time) messages.Time {
	if a.ReportStorageEpoch == 0 || now < a.ReportStorageEpoch {
		return 0
	}
	return now - a.ReportStorageEpoch
}

// greatestValidReportTime is the newest report timestamp accepted into a job.
func (a *Aggregator) greatestValidReportTime(now messages.Time) messages.Time {
	if a.MaxFutureTimeSkew == 0 {
		return math.MaxUint64
	}
	return now + a.MaxFutureTimeSkew
}

// HpkeDecrypt implements dap.Decrypter against the receiver set.
func (a *Aggregator) HpkeDecrypt(taskID messages.TaskID, info, aad []byte, ct *messages.HpkeCiphertext) ([]byte, error) {
	receiver, ok := a.Receivers[ct.ConfigID]
	if !ok {
		return nil, dap.ErrUnknownHpkeConfig
	}
	return receiver.Open(info, aad, ct.Enc, ct.Payload)
}

// CanHpkeDecrypt implements dap.Decrypter.
func (a *Aggregator) CanHpkeDecrypt(taskID messages.TaskID, configID uint8) (bool, error) {
	_, ok := a.Receivers[configID]
	return ok, nil
}

// HpkeConfigList returns the advertised receiver configs.
func (a *Aggregator) HpkeConfigList() *messages.HpkeConfigList {
	var list messages.HpkeConfigList
	for _, receiver := range a.Receivers {
		list.Configs = append(list.Configs, receiver.Config)
	}
	return &list
}

// InitializeReports implements dap.ReportInitializer: it layers the
// storage-derived rejections (replay, collected batch, timestamp bounds) on
// top of the pure VDAF initialization.
func (a *Aggregator) InitializeReports(
	isLeader bool,
	taskID messages.TaskID,
	taskCfg *dap.TaskConfig,
	partBatchSel messages.PartialBatchSelector,
	consumed []*dap.ConsumedReport,
) ([]*dap.InitializedReport, error) {
	now := a.now()
	minTime := a.leastValidReportTime(now)
	maxTime := a.greatestValidReportTime(now)

	span, err := taskCfg.BatchSpanForConsumed(partBatchSel, consumed)
	if err != nil {
		return nil, err
	}
	collectedByBucket := make(map[dap.BatchBucket]bool, len(span))
	for bucket := range span {
		collected, err := a.Store.CheckCollected(taskID, bucket)
		if err != nil {
			return nil, err
		}
		collectedByBucket[bucket] = collected
	}

	out := make([]*dap.InitializedReport, 0, len(consumed))
	for _, report := range consumed {
		initialized, err := dap.InitializeReport(isLeader, taskCfg.VerifyKey, &taskCfg.Vdaf, report)
		if err != nil {
			return nil, err
		}
		if !initialized.Rejected {
			bucket, err := taskCfg.BucketForReport(partBatchSel, report.Metadata.Time)
			if err != nil {
				return nil, err
			}
			processed, err := a.Store.IsAggregated(taskID, report.Metadata.ID)
			if err != nil {
				return nil, err
			}
			if failure, ok := dap.EarlyMetadataCheck(&report.Metadata, processed, collectedByBucket[bucket], minTime, maxTime); !ok {
				initialized.Reject(failure)
			}
		}
		out = append(out, initialized)
	}
	return out, nil
}

// CommitAggShareSpan commits one aggregation job's output shares: mark every
// report aggregated first (atomically surfacing the replay set), then merge
// the bucket deltas only if nothing was replayed. The all-or-nothing shape is
// what keeps a report from ever contributing twice.
func (a *Aggregator) CommitAggShareSpan(taskID messages.TaskID, taskCfg *dap.TaskConfig, span *dap.AggregateShareSpan) (map[messages.ReportID]struct{}, error) {
	var ids []messages.ReportID
	for _, entry := range span.Buckets() {
		for _, ref := range entry.Reports() {
			ids = append(ids, ref.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	replayed, err := a.Store.MarkAggregated(taskID, ids)
	if err != nil {
		return nil, err
	}
	if len(replayed) > 0 {
		return replayed, nil
	}

	for bucket, entry := range span.Buckets() {
		if err := a.Store.MergeAggShare(taskID, bucket, entry.Delta()); err != nil {
			if errors.Is(err, store.ErrBatchCollected) {
				// The bucket was collected between the job's early check and
				// the commit. The contribution is dropped; the reports stay
				// marked so they cannot be re-aggregated.
				a.logger().Warn("dropping contribution to collected bucket",
					"task_id", taskID, "bucket", bucket.String())
				continue
			}
			return nil, err
		}
	}
	return nil, nil
}

// AggShareForSelector merges every bucket the selector spans into one
// aggregate share.
func (a *Aggregator) AggShareForSelector(taskID messages.TaskID, taskCfg *dap.TaskConfig, batchSel *messages.BatchSelector) (dap.AggregateShareDelta, error) {
	buckets, err := taskCfg.BatchSpanForSel(batchSel)
	if err != nil {
		return dap.AggregateShareDelta{}, err
	}
	var out dap.AggregateShareDelta
	for _, bucket := range buckets {
		delta, err := a.Store.GetAggShare(taskID, bucket)
		if err != nil {
			return dap.AggregateShareDelta{}, err
		}
		if err := out.Merge(delta); err != nil {
			return dap.AggregateShareDelta{}, err
		}
	}
	return out, nil
}

// IsBatchOverlapping reports whether any bucket the selector spans is already
// collected.
func (a *Aggregator) IsBatchOverlapping(taskID messages.TaskID, taskCfg *dap.TaskConfig, batchSel *messages.BatchSelector) (bool, error) {
	buckets, err := taskCfg.BatchSpanForSel(batchSel)
	if err != nil {
		return false, err
	}
	for _, bucket := range buckets {
		collected, err := a.Store.CheckCollected(taskID, bucket)
		if err != nil {
			return false, err
		}
		if collected {
			return true, nil
		}
	}
	return false, nil
}

// MarkCollected marks every bucket the selector spans as collected.
func (a *Aggregator) MarkCollected(taskID messages.TaskID, taskCfg *dap.TaskConfig, batchSel *messages.BatchSelector) error {
	buckets, err := taskCfg.BatchSpanForSel(batchSel)
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		if err := a.Store.MarkCollected(taskID, bucket); err != nil {
			return err
		}
	}
	return nil
}

// BatchExists reports whether a fixed-size batch has any contributions.
func (a *Aggregator) BatchExists(taskID messages.TaskID, batchID messages.BatchID) (bool, error) {
	delta, err := a.Store.GetAggShare(taskID, dap.BatchBucket{
		Kind:    messages.QueryFixedSizeByBatchID,
		BatchID: batchID,
	})
	if err != nil {
		return false, err
	}
	return !delta.Empty(), nil
}

// CheckBatch validates a batch selector at collection time: agg param, batch
// boundaries, overlap with collected batches, and (for fixed-size queries)
// that the batch is real.
func (a *Aggregator) CheckBatch(taskID messages.TaskID, taskCfg *dap.TaskConfig, batchSel *messages.BatchSelector, aggParam []byte) error {
	if !taskCfg.Vdaf.ValidAggParam(aggParam) {
		return dap.AbortUnrecognizedMessagef(&taskID, "invalid aggregation parameter")
	}

	switch batchSel.Kind {
	case messages.QueryTimeInterval:
		if taskCfg.Query.Kind != messages.QueryTimeInterval {
			return &dap.Abort{Kind: dap.AbortBatchMismatch, TaskID: &taskID, Detail: "task does not use time-interval queries"}
		}
	case messages.QueryFixedSizeByBatchID:
		if taskCfg.Query.Kind != messages.QueryFixedSizeByBatchID {
			return &dap.Abort{Kind: dap.AbortBatchMismatch, TaskID: &taskID, Detail: "task does not use fixed-size queries"}
		}
		exists, err := a.BatchExists(taskID, batchSel.BatchID)
		if err != nil {
			return err
		}
		if !exists {
			return &dap.Abort{Kind: dap.AbortBatchMismatch, TaskID: &taskID,
				Detail: fmt.Sprintf("batch %s does not exist", batchSel.BatchID.Base64URL())}
		}
	}

	overlapping, err := a.IsBatchOverlapping(taskID, taskCfg, batchSel)
	if err != nil {
		return err
	}
	if overlapping {
		return &dap.Abort{Kind: dap.AbortBatchOverlap, TaskID: &taskID,
			Detail: "batch overlaps a previously collected batch"}
	}
	return nil
}
