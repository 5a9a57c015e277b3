package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/node/store"
)

// Leader drives reports through upload, aggregation with the Helper, and
// collection.
type Leader struct {
	*Aggregator
	Peer PeerClient
}

func NewLeader(agg *Aggregator, peer PeerClient) *Leader {
	return &Leader{Aggregator: agg, Peer: peer}
}

// ProcessTelemetry summarizes one driver pass.
type ProcessTelemetry struct {
	ReportsProcessed  uint64
	ReportsAggregated uint64
	ReportsCollected  uint64
}

// HandleUploadReq accepts a client report: structural checks, then into the
// pending queue.
func (l *Leader) HandleUploadReq(version messages.Version, taskID messages.TaskID, body []byte) error {
	report, err := messages.DecodeReport(version, body)
	if err != nil {
		return dap.AbortFromCodecError(err, &taskID)
	}
	if version == messages.Draft02 {
		if report.Draft02TaskID == nil {
			return dap.AbortUnrecognizedMessagef(nil, "missing task ID in request body")
		}
		taskID = *report.Draft02TaskID
	}
	taskCfg, ok := l.Tasks.Get(taskID)
	if !ok {
		return &dap.Abort{Kind: dap.AbortUnrecognizedTask, TaskID: &taskID}
	}
	if taskCfg.Version != version {
		return &dap.Abort{Kind: dap.AbortBadRequest, TaskID: &taskID,
			Detail: "request version does not match the task"}
	}

	if len(report.EncryptedInputShares) != 2 {
		return dap.AbortUnrecognizedMessagef(&taskID,
			"expected exactly two encrypted input shares; got %d", len(report.EncryptedInputShares))
	}

	canDecrypt, err := l.CanHpkeDecrypt(taskID, report.EncryptedInputShares[0].ConfigID)
	if err != nil {
		return err
	}
	if !canDecrypt {
		return &dap.Abort{Kind: dap.AbortReportRejected, TaskID: &taskID,
			Detail: "no current HPKE configuration matches the indicated ID"}
	}

	if report.Metadata.Time >= taskCfg.Expiration {
		return &dap.Abort{Kind: dap.AbortReportTooLate, TaskID: &taskID}
	}

	if err := l.Store.PutPendingReport(taskCfg, taskID, report); err != nil {
		if errors.Is(err, store.ErrReportExists) {
			return &dap.Abort{Kind: dap.AbortReportRejected, TaskID: &taskID,
				Detail: "report was already uploaded"}
		}
		return err
	}
	return nil
}

// HandleCollectJobReq accepts a collect request, resolving a current-batch
// query to a concrete batch before validation.
func (l *Leader) HandleCollectJobReq(version messages.Version, taskID messages.TaskID, jobID *messages.CollectionJobID, body []byte) (messages.CollectionJobID, error) {
	req, err := messages.DecodeCollectionReq(version, body)
	if err != nil {
		return messages.CollectionJobID{}, dap.AbortFromCodecError(err, &taskID)
	}
	if version == messages.Draft02 {
		if req.Draft02TaskID == nil {
			return messages.CollectionJobID{}, dap.AbortUnrecognizedMessagef(nil, "missing task ID in request body")
		}
		taskID = *req.Draft02TaskID
	}
	taskCfg, ok := l.Tasks.Get(taskID)
	if !ok {
		return messages.CollectionJobID{}, &dap.Abort{Kind: dap.AbortUnrecognizedTask, TaskID: &taskID}
	}
	if taskCfg.Version != version {
		return messages.CollectionJobID{}, &dap.Abort{Kind: dap.AbortBadRequest, TaskID: &taskID,
			Detail: "request version does not match the task"}
	}

	// Resolve the current batch. Assignment is serial per task: the batch
	// queue hands out the oldest uncollected batch.
	if req.Query.Kind == messages.QueryFixedSizeCurrentBatch {
		batchID, found, err := l.Store.CurrentBatch(taskID)
		if err != nil {
			return messages.CollectionJobID{}, err
		}
		if !found {
			return messages.CollectionJobID{}, &dap.Abort{Kind: dap.AbortBatchMismatch, TaskID: &taskID,
				Detail: "no batch is currently available"}
		}
		req.Query = messages.Query{Kind: messages.QueryFixedSizeByBatchID, BatchID: batchID}
	}

	batchSel, err := messages.BatchSelectorFromQuery(req.Query)
	if err != nil {
		return messages.CollectionJobID{}, dap.AbortFromCodecError(err, &taskID)
	}
	if err := l.CheckBatch(taskID, taskCfg, &batchSel, req.AggParam); err != nil {
		return messages.CollectionJobID{}, err
	}

	return l.Store.PutCollectJob(taskCfg, taskID, jobID, req)
}

// PollCollectJob reports the state of a collect job.
func (l *Leader) PollCollectJob(taskID messages.TaskID, jobID messages.CollectionJobID) (store.CollectJobState, *messages.Collection, error) {
	taskCfg, ok := l.Tasks.Get(taskID)
	if !ok {
		return store.CollectJobUnknown, nil, &dap.Abort{Kind: dap.AbortUnrecognizedTask, TaskID: &taskID}
	}
	return l.Store.PollCollectJob(taskCfg, taskID, jobID)
}

func aggregationJobPath(version messages.Version, taskID messages.TaskID, jobRef AggJobRef) string {
	if version == messages.Draft02 {
		return "/v02/aggregate"
	}
	return fmt.Sprintf("/v07/tasks/%s/aggregation_jobs/%s", taskID.Base64URL(), jobRef.Key())
}

func aggregateSharePath(version messages.Version, taskID messages.TaskID) string {
	if version == messages.Draft02 {
		return "/v02/aggregate_share"
	}
	return fmt.Sprintf("/v07/tasks/%s/aggregate_shares", taskID.Base64URL())
}

// RunAggJob drives one batch of reports through the init and continue rounds
// with the Helper and commits the surviving output shares. It returns the
// number of reports aggregated.
func (l *Leader) RunAggJob(ctx context.Context, taskID messages.TaskID, taskCfg *dap.TaskConfig, partBatchSel messages.PartialBatchSelector, reports []*messages.Report) (uint64, error) {
	jobRef, err := newAggJobRef(taskCfg.Version)
	if err != nil {
		return 0, err
	}

	state, initReq, err := dap.ProduceAggJobInitReq(
		l.Aggregator, l.Aggregator, taskID, taskCfg, jobRef.Draft02, partBatchSel, reports, l.Counters)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, nil // nothing to aggregate
	}

	encodedInit, err := initReq.Encode(taskCfg.Version)
	if err != nil {
		return 0, err
	}
	path := aggregationJobPath(taskCfg.Version, taskID, jobRef)
	mediaType := MediaTypeAggregationJobInitReq.String(taskCfg.Version)
	var respBytes []byte
	if taskCfg.Version == messages.Draft02 {
		respBytes, err = l.Peer.Post(ctx, path, mediaType, encodedInit)
	} else {
		respBytes, err = l.Peer.Put(ctx, path, mediaType, encodedInit)
	}
	if err != nil {
		return 0, err
	}
	resp, err := messages.DecodeAggregationJobResp(respBytes)
	if err != nil {
		return 0, dap.AbortFromCodecError(err, &taskID)
	}

	uncommitted, contReq, err := dap.HandleAggJobResp(taskID, taskCfg, jobRef.Draft02, state, resp, l.Counters)
	if err != nil {
		return 0, err
	}
	if uncommitted == nil {
		return 0, nil
	}

	encodedCont, err := contReq.Encode(taskCfg.Version)
	if err != nil {
		return 0, err
	}
	respBytes, err = l.Peer.Post(ctx, path, MediaTypeAggregationJobContinueReq.String(taskCfg.Version), encodedCont)
	if err != nil {
		return 0, err
	}
	resp, err = messages.DecodeAggregationJobResp(respBytes)
	if err != nil {
		return 0, dap.AbortFromCodecError(err, &taskID)
	}

	span, err := dap.HandleFinalAggJobResp(taskCfg, uncommitted, resp, l.Counters)
	if err != nil {
		return 0, err
	}
	count := span.ReportCount()

	// Committed from here: replays detected at this stage were aggregated by
	// a concurrent job, so this job's whole contribution is discarded.
	replayed, err := l.CommitAggShareSpan(taskID, taskCfg, span)
	if err != nil {
		return 0, err
	}
	if len(replayed) > 0 {
		l.logger().Warn("tried to aggregate replayed reports",
			"task_id", taskID, "replay_count", len(replayed))
		return 0, nil
	}

	l.Counters.AddAggregated(count)
	return count, nil
}

func newAggJobRef(version messages.Version) (AggJobRef, error) {
	if version == messages.Draft02 {
		var id messages.Draft02AggregationJobID
		if _, err := rand.Read(id[:]); err != nil {
			return AggJobRef{}, err
		}
		return AggJobRef{Draft02: &id}, nil
	}
	var id messages.AggregationJobID
	if _, err := rand.Read(id[:]); err != nil {
		return AggJobRef{}, err
	}
	return AggJobRef{Draft07: &id}, nil
}

// RunCollectJob serves one pending collect job. If the batch is not yet big
// enough the job stays pending and 0 is returned.
func (l *Leader) RunCollectJob(ctx context.Context, taskID messages.TaskID, jobID messages.CollectionJobID, taskCfg *dap.TaskConfig, req *messages.CollectionReq) (uint64, error) {
	batchSel, err := messages.BatchSelectorFromQuery(req.Query)
	if err != nil {
		return 0, dap.AbortFromCodecError(err, &taskID)
	}

	leaderShare, err := l.AggShareForSelector(taskID, taskCfg, &batchSel)
	if err != nil {
		return 0, err
	}
	if !taskCfg.IsReportCountCompatible(leaderShare.ReportCount) {
		return 0, nil // not ready yet
	}

	leaderEncrypted, err := dap.ProduceLeaderEncryptedAggShare(
		&taskCfg.CollectorHpkeConfig, taskID, &batchSel, &leaderShare, taskCfg.Version)
	if err != nil {
		return 0, err
	}

	shareReq := &messages.AggregateShareReq{
		BatchSel:    batchSel,
		AggParam:    req.AggParam,
		ReportCount: leaderShare.ReportCount,
		Checksum:    leaderShare.Checksum,
	}
	if taskCfg.Version == messages.Draft02 {
		id := taskID
		shareReq.Draft02TaskID = &id
	}
	encodedShareReq, err := shareReq.Encode(taskCfg.Version)
	if err != nil {
		return 0, err
	}
	respBytes, err := l.Peer.Post(ctx,
		aggregateSharePath(taskCfg.Version, taskID),
		MediaTypeAggregateShareReq.String(taskCfg.Version),
		encodedShareReq)
	if err != nil {
		return 0, err
	}
	helperShare, err := messages.DecodeAggregateShare(respBytes)
	if err != nil {
		return 0, dap.AbortFromCodecError(err, &taskID)
	}

	// Draft07 and later include the smallest quantized interval containing
	// every report in the batch, never narrower than the time precision.
	var interval *messages.Interval
	if taskCfg.Version != messages.Draft02 {
		low := taskCfg.QuantizedTimeLowerBound(leaderShare.MinTime)
		high := taskCfg.QuantizedTimeUpperBound(leaderShare.MaxTime)
		duration := taskCfg.TimePrecision
		if high > low {
			duration = high - low
		}
		interval = &messages.Interval{Start: low, Duration: duration}
	}

	collection := &messages.Collection{
		PartBatchSel: batchSel.PartialBatchSelector(),
		ReportCount:  leaderShare.ReportCount,
		Interval:     interval,
		EncryptedAggShares: []messages.HpkeCiphertext{
			*leaderEncrypted,
			helperShare.EncryptedAggShare,
		},
	}
	if err := l.Store.FinishCollectJob(taskCfg, taskID, jobID, collection); err != nil {
		return 0, err
	}
	if err := l.MarkCollected(taskID, taskCfg, &batchSel); err != nil {
		return 0, err
	}
	l.Counters.AddCollected(leaderShare.ReportCount)
	return leaderShare.ReportCount, nil
}

// Process is the driver loop body: drain pending reports and run one
// aggregation job per (task, batch) group, then serve pending collect jobs.
// Aggregation completes before collection so a collect job never races the
// output shares of a job in flight.
func (l *Leader) Process(ctx context.Context, sel store.ReportSelector) (ProcessTelemetry, error) {
	var telem ProcessTelemetry

	group, groupCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, taskID := range l.Tasks.IDs() {
		taskCfg, ok := l.Tasks.Get(taskID)
		if !ok {
			continue
		}
		grouped, err := l.Store.DrainPendingReports(taskCfg, taskID, sel)
		if err != nil {
			return telem, err
		}
		for partBatchSel, reports := range grouped {
			if len(reports) == 0 {
				continue
			}
			taskID, partBatchSel, reports := taskID, partBatchSel, reports
			group.Go(func() error {
				aggregated, err := l.RunAggJob(groupCtx, taskID, taskCfg, partBatchSel, reports)
				if err != nil {
					return err
				}
				mu.Lock()
				telem.ReportsProcessed += uint64(len(reports))
				telem.ReportsAggregated += aggregated
				mu.Unlock()
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return telem, err
	}

	pending, err := l.Store.ListPendingCollectJobs(l.Tasks.Get)
	if err != nil {
		return telem, err
	}
	for _, job := range pending {
		taskCfg, ok := l.Tasks.Get(job.TaskID)
		if !ok {
			continue
		}
		collected, err := l.RunCollectJob(ctx, job.TaskID, job.JobID, taskCfg, job.Req)
		if err != nil {
			return telem, err
		}
		telem.ReportsCollected += collected
	}
	return telem, nil
}
