// Package store provides the durable state behind the aggregation core: the
// pending-report queue, the processed-report replay index, the per-bucket
// aggregate store, the helper-state blobs, the collect-job queue, and the
// fixed-size batch queue. Two backends exist: a bbolt-backed store for
// persistent deployments and an in-memory store for tests and in-band task
// state.
package store

import (
	"errors"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
)

var (
	// ErrBatchCollected is returned by MergeAggShare for a bucket already
	// marked collected.
	ErrBatchCollected = errors.New("store: batch already collected")

	// ErrReportExists is returned by PutPendingReport when the report ID is
	// already queued or already aggregated for the task (best-effort upload
	// dedup).
	ErrReportExists = errors.New("store: report already stored")
)

// ReportSelector bounds how much work one driver pass drains.
type ReportSelector struct {
	// MaxReports caps the reports drained per task. Zero means no cap.
	MaxReports int
}

// CollectJobState is the lifecycle of a collect job.
type CollectJobState uint8

const (
	CollectJobUnknown CollectJobState = iota
	CollectJobPending
	CollectJobProcessed
)

// PendingCollectJob is one entry of the collect-job queue.
type PendingCollectJob struct {
	TaskID messages.TaskID
	JobID  messages.CollectionJobID
	Req    *messages.CollectionReq
}

// Store is the storage interface the aggregation core is written against.
//
// MarkAggregated is the replay guard: it atomically records the given report
// IDs as aggregated and returns the subset that were already present. For a
// given report ID at most one caller ever gets it back absent from the
// returned set, which is what makes concurrent aggregation jobs mutually
// exclusive per report. Callers must merge bucket deltas only when the
// returned set is empty; a partial commit (some IDs marked, nothing merged)
// cannot happen because marking is one atomic operation and merging is a
// separate step that is simply skipped on replay.
type Store interface {
	// PutPendingReport appends a report to the task's pending queue.
	PutPendingReport(taskCfg *dap.TaskConfig, taskID messages.TaskID, report *messages.Report) error

	// DrainPendingReports removes up to sel.MaxReports reports from the
	// task's pending queue and groups them by partial batch selector. For
	// fixed-size tasks this is where reports are assigned to batches.
	DrainPendingReports(taskCfg *dap.TaskConfig, taskID messages.TaskID, sel ReportSelector) (map[messages.PartialBatchSelector][]*messages.Report, error)

	// MarkAggregated records ids as aggregated and returns the replayed
	// subset.
	MarkAggregated(taskID messages.TaskID, ids []messages.ReportID) (map[messages.ReportID]struct{}, error)

	// IsAggregated is the Helper's replay check during the continue round.
	IsAggregated(taskID messages.TaskID, id messages.ReportID) (bool, error)

	// MergeAggShare folds a delta into a bucket. A collected bucket refuses
	// the merge with ErrBatchCollected.
	MergeAggShare(taskID messages.TaskID, bucket dap.BatchBucket, delta dap.AggregateShareDelta) error

	// GetAggShare reads a bucket's accumulated share. A missing bucket reads
	// as the empty share.
	GetAggShare(taskID messages.TaskID, bucket dap.BatchBucket) (dap.AggregateShareDelta, error)

	// CheckCollected reports whether the bucket is marked collected.
	CheckCollected(taskID messages.TaskID, bucket dap.BatchBucket) (bool, error)

	// MarkCollected marks the bucket collected.
	MarkCollected(taskID messages.TaskID, bucket dap.BatchBucket) error

	// PutHelperStateIfNotExists stores a helper-state blob keyed by task and
	// aggregation job. It returns false if an entry already exists.
	PutHelperStateIfNotExists(taskID messages.TaskID, aggJobKey string, state []byte) (bool, error)

	// TakeHelperState removes and returns the helper-state blob, if any.
	TakeHelperState(taskID messages.TaskID, aggJobKey string) ([]byte, bool, error)

	// PutCollectJob enqueues a collect job. jobID is nil for Draft02, where
	// the Leader assigns one.
	PutCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID *messages.CollectionJobID, req *messages.CollectionReq) (messages.CollectionJobID, error)

	// PollCollectJob reports a job's state, with the Collection once
	// processed.
	PollCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID messages.CollectionJobID) (CollectJobState, *messages.Collection, error)

	// ListPendingCollectJobs returns the pending jobs across tasks, oldest
	// first.
	ListPendingCollectJobs(lookup TaskConfigLookup) ([]PendingCollectJob, error)

	// FinishCollectJob transitions a job to processed with its result.
	FinishCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID messages.CollectionJobID, collection *messages.Collection) error

	// CurrentBatch returns the oldest uncollected fixed-size batch for the
	// task, if one exists.
	CurrentBatch(taskID messages.TaskID) (messages.BatchID, bool, error)
}

// TaskConfigLookup resolves a task config; ListPendingCollectJobs needs it to
// decode stored requests with the right version.
type TaskConfigLookup func(taskID messages.TaskID) (*dap.TaskConfig, bool)
