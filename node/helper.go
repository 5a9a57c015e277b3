package node

import (
	"bytes"
	"errors"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
)

// AggJobRef names an aggregation job the way the wire does: in the body for
// Draft02, in the request path for Draft07.
type AggJobRef struct {
	Draft02 *messages.Draft02AggregationJobID
	Draft07 *messages.AggregationJobID
}

// Key is the stable storage key for the job.
func (r AggJobRef) Key() string {
	if r.Draft02 != nil {
		return r.Draft02.Base64URL()
	}
	if r.Draft07 != nil {
		return r.Draft07.Base64URL()
	}
	return ""
}

// Helper serves the Helper's half of the aggregation sub-protocol.
type Helper struct {
	*Aggregator
}

func NewHelper(agg *Aggregator) *Helper {
	return &Helper{Aggregator: agg}
}

func (h *Helper) resolveTask(version messages.Version, taskID messages.TaskID) (*dap.TaskConfig, *dap.Abort) {
	taskCfg, ok := h.Tasks.Get(taskID)
	if !ok {
		return nil, &dap.Abort{Kind: dap.AbortUnrecognizedTask, TaskID: &taskID}
	}
	if taskCfg.Version != version {
		return nil, &dap.Abort{Kind: dap.AbortBadRequest, TaskID: &taskID,
			Detail: "request version does not match the task"}
	}
	return taskCfg, nil
}

// HandleAggJobInitReq runs the Helper's init round over an encoded request
// and returns the encoded response. The retained state is persisted keyed by
// the job; a duplicate init for the same job is a fatal condition.
func (h *Helper) HandleAggJobInitReq(version messages.Version, taskID messages.TaskID, jobRef AggJobRef, body []byte) ([]byte, error) {
	req, err := messages.DecodeAggregationJobInitReq(version, body)
	if err != nil {
		return nil, dap.AbortFromCodecError(err, &taskID)
	}
	if version == messages.Draft02 {
		if req.Draft02TaskID == nil {
			return nil, dap.AbortUnrecognizedMessagef(nil, "missing task ID in request body")
		}
		taskID = *req.Draft02TaskID
		jobRef = AggJobRef{Draft02: req.Draft02AggJobID}
	}
	taskCfg, abort := h.resolveTask(version, taskID)
	if abort != nil {
		return nil, abort
	}

	state, resp, err := dap.HandleAggJobInitReq(h.Aggregator, h.Aggregator, taskID, taskCfg, req, h.Counters)
	if err != nil {
		return nil, err
	}

	encodedState, err := state.Encode()
	if err != nil {
		return nil, err
	}
	stored, err := h.Store.PutHelperStateIfNotExists(taskID, jobRef.Key(), encodedState)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, errors.New("node: helper state already exists for aggregation job " + jobRef.Key())
	}

	return resp.Encode()
}

// HandleAggJobContReq runs the Helper's continue round: take the retained
// state exactly once, finish preparation, and commit the resulting span.
func (h *Helper) HandleAggJobContReq(version messages.Version, taskID messages.TaskID, jobRef AggJobRef, body []byte) ([]byte, error) {
	req, err := messages.DecodeAggregationJobContinueReq(version, body)
	if err != nil {
		return nil, dap.AbortFromCodecError(err, &taskID)
	}
	if version == messages.Draft02 {
		if req.Draft02TaskID == nil {
			return nil, dap.AbortUnrecognizedMessagef(nil, "missing task ID in request body")
		}
		taskID = *req.Draft02TaskID
		jobRef = AggJobRef{Draft02: req.Draft02AggJobID}
	}
	taskCfg, abort := h.resolveTask(version, taskID)
	if abort != nil {
		return nil, abort
	}

	encodedState, found, err := h.Store.TakeHelperState(taskID, jobRef.Key())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dap.AbortUnrecognizedMessagef(&taskID, "unrecognized aggregation job %s", jobRef.Key())
	}
	state, err := dap.DecodeHelperState(&taskCfg.Vdaf, encodedState)
	if err != nil {
		return nil, err
	}

	isReplay := func(id messages.ReportID) (bool, error) {
		return h.Store.IsAggregated(taskID, id)
	}
	span, resp, err := dap.HandleAggJobContReq(taskID, taskCfg, state, isReplay, jobRef.Key(), req, h.Counters)
	if err != nil {
		return nil, err
	}

	replayed, err := h.CommitAggShareSpan(taskID, taskCfg, span)
	if err != nil {
		return nil, err
	}
	if len(replayed) > 0 {
		h.logger().Warn("dropped replayed contribution at commit",
			"task_id", taskID, "replay_count", len(replayed))
	} else {
		h.Counters.AddAggregated(span.ReportCount())
	}

	return resp.Encode()
}

// HandleAggShareReq serves the Leader's aggregate-share request: validate the
// batch against what was aggregated, seal the Helper's share to the
// Collector, and mark the batch collected.
func (h *Helper) HandleAggShareReq(version messages.Version, taskID messages.TaskID, body []byte) ([]byte, error) {
	req, err := messages.DecodeAggregateShareReq(version, body)
	if err != nil {
		return nil, dap.AbortFromCodecError(err, &taskID)
	}
	if version == messages.Draft02 {
		if req.Draft02TaskID == nil {
			return nil, dap.AbortUnrecognizedMessagef(nil, "missing task ID in request body")
		}
		taskID = *req.Draft02TaskID
	}
	taskCfg, abort := h.resolveTask(version, taskID)
	if abort != nil {
		return nil, abort
	}

	if err := h.CheckBatch(taskID, taskCfg, &req.BatchSel, req.AggParam); err != nil {
		return nil, err
	}

	aggShare, err := h.AggShareForSelector(taskID, taskCfg, &req.BatchSel)
	if err != nil {
		return nil, err
	}
	if aggShare.ReportCount != req.ReportCount || !bytes.Equal(aggShare.Checksum[:], req.Checksum[:]) {
		return nil, &dap.Abort{Kind: dap.AbortBatchMismatch, TaskID: &taskID,
			Detail: "report count or checksum does not match the aggregated batch"}
	}
	if !taskCfg.IsReportCountCompatible(aggShare.ReportCount) {
		return nil, &dap.Abort{Kind: dap.AbortInvalidBatchSize, TaskID: &taskID,
			Detail: "batch is smaller than the task's minimum batch size"}
	}

	encrypted, err := dap.ProduceHelperEncryptedAggShare(&taskCfg.CollectorHpkeConfig, taskID, &req.BatchSel, &aggShare, version)
	if err != nil {
		return nil, err
	}

	if err := h.MarkCollected(taskID, taskCfg, &req.BatchSel); err != nil {
		return nil, err
	}
	h.Counters.AddCollected(aggShare.ReportCount)

	resp := &messages.AggregateShare{EncryptedAggShare: *encrypted}
	return resp.Encode()
}
