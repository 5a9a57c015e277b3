package dap

import (
	"errors"
	"fmt"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

// LeaderState is the Leader's per-job state between the init request and the
// Helper's first response: one entry per report kept, in request order.
type LeaderState struct {
	PartBatchSel messages.PartialBatchSelector
	Seq          []LeaderReportState
}

// LeaderReportState is the Leader's prepared state for one report.
type LeaderReportState struct {
	State    *vdaf.PrepState
	Message  []byte
	Time     messages.Time
	ReportID messages.ReportID
}

// LeaderUncommitted is the Leader's state between the continue request and
// the Helper's final response: output shares not yet committed to storage.
type LeaderUncommitted struct {
	PartBatchSel messages.PartialBatchSelector
	Seq          []OutputShare
}

// ProduceAggJobInitReq consumes and initializes the Leader's shares of a
// report batch and builds the init request for the Helper. A nil state with a
// nil error means the job is skipped: nothing survived early rejection.
//
// Report IDs must be unique within the batch; the Leader controls batching,
// so a duplicate is a programming error, not a protocol condition.
func ProduceAggJobInitReq(
	decrypter Decrypter,
	initializer ReportInitializer,
	taskID messages.TaskID,
	taskCfg *TaskConfig,
	aggJobID *messages.Draft02AggregationJobID,
	partBatchSel messages.PartialBatchSelector,
	reports []*messages.Report,
	counters *Counters,
) (*LeaderState, *messages.AggregationJobInitReq, error) {
	seen := make(map[messages.ReportID]struct{}, len(reports))
	consumed := make([]*ConsumedReport, 0, len(reports))
	helperShares := make([]messages.HpkeCiphertext, 0, len(reports))
	for _, report := range reports {
		if _, dup := seen[report.Metadata.ID]; dup {
			return nil, nil, fmt.Errorf("dap: report ID %s appears twice in the batch", report.Metadata.ID)
		}
		seen[report.Metadata.ID] = struct{}{}

		if len(report.EncryptedInputShares) != 2 {
			return nil, nil, fmt.Errorf("dap: report %s has %d encrypted input shares, want 2",
				report.Metadata.ID, len(report.EncryptedInputShares))
		}
		leaderShare := report.EncryptedInputShares[0]
		helperShares = append(helperShares, report.EncryptedInputShares[1])

		c, err := ConsumeReport(decrypter, true, taskID, taskCfg, report.Metadata, report.PublicShare, &leaderShare)
		if err != nil {
			return nil, nil, err
		}
		consumed = append(consumed, c)
	}

	initialized, err := initializer.InitializeReports(true, taskID, taskCfg, partBatchSel, consumed)
	if err != nil {
		return nil, nil, err
	}
	if len(initialized) != len(helperShares) {
		return nil, nil, errors.New("dap: initializer returned the wrong number of reports")
	}

	state := &LeaderState{PartBatchSel: partBatchSel}
	var shares []messages.ReportShare
	for i, report := range initialized {
		if report.Rejected {
			counters.IncRejected(report.Failure)
			continue
		}
		state.Seq = append(state.Seq, LeaderReportState{
			State:    report.State,
			Message:  report.Message,
			Time:     report.Metadata.Time,
			ReportID: report.Metadata.ID,
		})
		shares = append(shares, messages.ReportShare{
			Metadata:            report.Metadata,
			PublicShare:         report.PublicShare,
			EncryptedInputShare: helperShares[i],
		})
	}

	if len(shares) == 0 {
		return nil, nil, nil
	}

	req := &messages.AggregationJobInitReq{
		AggParam:     nil,
		PartBatchSel: partBatchSel,
		ReportShares: shares,
	}
	if taskCfg.Version == messages.Draft02 {
		req.Draft02TaskID = &taskID
		req.Draft02AggJobID = aggJobID
	}
	return state, req, nil
}

// HandleAggJobResp processes the Helper's response to the init request and
// builds the continue request. A nil uncommitted state with a nil error means
// the job is skipped.
func HandleAggJobResp(
	taskID messages.TaskID,
	taskCfg *TaskConfig,
	aggJobID *messages.Draft02AggregationJobID,
	state *LeaderState,
	resp *messages.AggregationJobResp,
	counters *Counters,
) (*LeaderUncommitted, *messages.AggregationJobContinueReq, error) {
	if len(resp.Transitions) != len(state.Seq) {
		return nil, nil, AbortUnrecognizedMessagef(&taskID,
			"aggregation job response has %d reports; expected %d", len(resp.Transitions), len(state.Seq))
	}

	uncommitted := &LeaderUncommitted{PartBatchSel: state.PartBatchSel}
	var transitions []messages.Transition
	for i, helper := range resp.Transitions {
		leader := state.Seq[i]
		if helper.ReportID != leader.ReportID {
			return nil, nil, AbortUnrecognizedMessagef(&taskID,
				"report ID %s appears out of order in aggregation job response", helper.ReportID.Base64URL())
		}

		var helperMsg []byte
		switch helper.Var.Kind {
		case messages.TransitionContinued:
			helperMsg = helper.Var.Payload
		case messages.TransitionFailed:
			counters.IncRejected(helper.Var.Failure)
			continue
		case messages.TransitionFinished:
			return nil, nil, AbortUnrecognizedMessagef(&taskID, "helper sent unexpected Finished message")
		default:
			return nil, nil, AbortUnrecognizedMessagef(&taskID, "invalid transition")
		}

		data, msg, err := taskCfg.Vdaf.PrepFinishFromShares(leader.State, leader.Message, helperMsg)
		switch {
		case err == nil:
		case errors.Is(err, vdaf.ErrPrep):
			counters.IncRejected(messages.VdafPrepError)
			continue
		default:
			return nil, nil, err
		}

		uncommitted.Seq = append(uncommitted.Seq, OutputShare{
			ReportID: leader.ReportID,
			Time:     leader.Time,
			Data:     data,
		})
		transitions = append(transitions, messages.Transition{
			ReportID: leader.ReportID,
			Var:      messages.Continued(msg),
		})
	}

	if len(transitions) == 0 {
		return nil, nil, nil
	}

	req := &messages.AggregationJobContinueReq{Transitions: transitions}
	if taskCfg.Version == messages.Draft02 {
		req.Draft02TaskID = &taskID
		req.Draft02AggJobID = aggJobID
	} else {
		round := uint16(1)
		req.Round = &round
	}
	return uncommitted, req, nil
}

// HandleFinalAggJobResp processes the Helper's final response and
// materializes the surviving output shares into an aggregate-share span, the
// Leader's uncommitted contribution to storage.
func HandleFinalAggJobResp(
	taskCfg *TaskConfig,
	uncommitted *LeaderUncommitted,
	resp *messages.AggregationJobResp,
	counters *Counters,
) (*AggregateShareSpan, error) {
	if len(resp.Transitions) != len(uncommitted.Seq) {
		return nil, AbortUnrecognizedMessagef(nil,
			"the Leader has %d reports, but it received %d reports from the Helper",
			len(uncommitted.Seq), len(resp.Transitions))
	}

	span := &AggregateShareSpan{}
	for i, helper := range resp.Transitions {
		out := uncommitted.Seq[i]
		if helper.ReportID != out.ReportID {
			return nil, AbortUnrecognizedMessagef(nil,
				"report ID %s appears out of order in aggregation job response", helper.ReportID.Base64URL())
		}

		switch helper.Var.Kind {
		case messages.TransitionContinued:
			return nil, AbortUnrecognizedMessagef(nil, "helper sent unexpected Continued message")
		case messages.TransitionFailed:
			counters.IncRejected(helper.Var.Failure)
			continue
		case messages.TransitionFinished:
			if err := span.AddOutputShare(taskCfg, uncommitted.PartBatchSel, out); err != nil {
				return nil, err
			}
		default:
			return nil, AbortUnrecognizedMessagef(nil, "invalid transition")
		}
	}
	return span, nil
}
