package dap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

// HelperState is the Helper's per-job state between the init and continue
// rounds. It is persisted keyed by (task ID, aggregation job ID) and taken
// back exactly once when the continue request arrives.
type HelperState struct {
	PartBatchSel messages.PartialBatchSelector
	Seq          []HelperReportState
}

// HelperReportState is the Helper's prepared state for one report, in the
// order the Leader sent them.
type HelperReportState struct {
	State    *vdaf.PrepState
	Time     messages.Time
	ReportID messages.ReportID
}

// Encode serializes the state for the helper-state store.
func (s *HelperState) Encode() ([]byte, error) {
	out, err := s.PartBatchSel.Encode()
	if err != nil {
		return nil, err
	}
	for i := range s.Seq {
		entry := &s.Seq[i]
		out = append(out, entry.ReportID[:]...)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], entry.Time)
		out = append(out, buf[:]...)
		stateBytes := entry.State.Encode()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(stateBytes)))
		out = append(out, lenBuf[:]...)
		out = append(out, stateBytes...)
	}
	return out, nil
}

// DecodeHelperState parses a state produced by Encode. The VDAF config
// determines the embedded prepare-state lengths.
func DecodeHelperState(cfg *vdaf.Config, b []byte) (*HelperState, error) {
	sel, n, err := messages.DecodePartialBatchSelector(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	state := &HelperState{PartBatchSel: *sel}
	for len(b) > 0 {
		if len(b) < 16+8+4 {
			return nil, errors.New("dap: truncated helper state")
		}
		var entry HelperReportState
		copy(entry.ReportID[:], b[:16])
		entry.Time = binary.BigEndian.Uint64(b[16:24])
		stateLen := int(binary.BigEndian.Uint32(b[24:28]))
		b = b[28:]
		if len(b) < stateLen {
			return nil, errors.New("dap: truncated helper state")
		}
		entry.State, err = vdaf.DecodePrepState(cfg, false, b[:stateLen])
		if err != nil {
			return nil, err
		}
		b = b[stateLen:]
		state.Seq = append(state.Seq, entry)
	}
	return state, nil
}

// HandleAggJobInitReq consumes and initializes the Helper's shares from the
// Leader's init request, producing the retained state and the response. Every
// report gets a transition: Continued for the initialized, Failed for the
// rejected.
func HandleAggJobInitReq(
	decrypter Decrypter,
	initializer ReportInitializer,
	taskID messages.TaskID,
	taskCfg *TaskConfig,
	req *messages.AggregationJobInitReq,
	counters *Counters,
) (*HelperState, *messages.AggregationJobResp, error) {
	if !taskCfg.Vdaf.ValidAggParam(req.AggParam) {
		return nil, nil, AbortUnrecognizedMessagef(&taskID, "invalid aggregation parameter")
	}

	seen := make(map[messages.ReportID]struct{}, len(req.ReportShares))
	consumed := make([]*ConsumedReport, 0, len(req.ReportShares))
	for i := range req.ReportShares {
		share := &req.ReportShares[i]
		if _, dup := seen[share.Metadata.ID]; dup {
			return nil, nil, AbortUnrecognizedMessagef(&taskID,
				"report ID %s appears twice in the same aggregation job", share.Metadata.ID.Base64URL())
		}
		seen[share.Metadata.ID] = struct{}{}

		c, err := ConsumeReport(decrypter, false, taskID, taskCfg, share.Metadata, share.PublicShare, &share.EncryptedInputShare)
		if err != nil {
			return nil, nil, err
		}
		consumed = append(consumed, c)
	}

	initialized, err := initializer.InitializeReports(false, taskID, taskCfg, req.PartBatchSel, consumed)
	if err != nil {
		return nil, nil, err
	}

	state := &HelperState{PartBatchSel: req.PartBatchSel}
	resp := &messages.AggregationJobResp{}
	for _, report := range initialized {
		if report.Rejected {
			counters.IncRejected(report.Failure)
			resp.Transitions = append(resp.Transitions, messages.Transition{
				ReportID: report.Metadata.ID,
				Var:      messages.Failed(report.Failure),
			})
			continue
		}
		state.Seq = append(state.Seq, HelperReportState{
			State:    report.State,
			Time:     report.Metadata.Time,
			ReportID: report.Metadata.ID,
		})
		resp.Transitions = append(resp.Transitions, messages.Transition{
			ReportID: report.Metadata.ID,
			Var:      messages.Continued(report.Message),
		})
	}
	return state, resp, nil
}

// ReplayOracle reports whether a report has already been aggregated by some
// job. The storage layer backs it with the reports-processed index.
type ReplayOracle func(id messages.ReportID) (bool, error)

// HandleAggJobContReq runs the Helper's continue round: validate the round
// and transition ordering, finish preparation for each matched report, and
// collect the output shares into an aggregate-share span for the caller to
// commit.
func HandleAggJobContReq(
	taskID messages.TaskID,
	taskCfg *TaskConfig,
	state *HelperState,
	isReplay ReplayOracle,
	aggJobIDBase64 string,
	req *messages.AggregationJobContinueReq,
	counters *Counters,
) (*AggregateShareSpan, *messages.AggregationJobResp, error) {
	switch {
	case req.Round == nil:
		// Draft02 has no round field.
	case *req.Round == 1:
	case *req.Round == 0:
		return nil, nil, AbortUnrecognizedMessagef(&taskID, "request shouldn't indicate round 0")
	default:
		return nil, nil, &Abort{
			Kind:   AbortRoundMismatch,
			TaskID: &taskID,
			Detail: fmt.Sprintf("the request indicates round %d of aggregation job %s; round 1 was expected",
				*req.Round, aggJobIDBase64),
		}
	}

	recognized := make(map[messages.ReportID]struct{}, len(state.Seq))
	for i := range state.Seq {
		recognized[state.Seq[i].ReportID] = struct{}{}
	}

	processed := make(map[messages.ReportID]struct{}, len(state.Seq))
	span := &AggregateShareSpan{}
	resp := &messages.AggregationJobResp{}
	next := 0
	for i := range req.Transitions {
		leader := &req.Transitions[i]
		if _, ok := recognized[leader.ReportID]; !ok {
			return nil, nil, AbortUnrecognizedMessagef(&taskID,
				"report ID %s does not appear in the Helper's reports", leader.ReportID.Base64URL())
		}
		if _, dup := processed[leader.ReportID]; dup {
			return nil, nil, AbortUnrecognizedMessagef(&taskID,
				"report ID %s appears twice in the same aggregation job", leader.ReportID.Base64URL())
		}

		// Advance to the Helper entry matching the Leader's report. Entries
		// skipped along the way were dropped by the Leader and are recorded as
		// processed, so a report sent after its position has been passed
		// aborts at the repeat check above.
		var entry *HelperReportState
		for next < len(state.Seq) {
			candidate := &state.Seq[next]
			next++
			processed[candidate.ReportID] = struct{}{}
			if candidate.ReportID == leader.ReportID {
				entry = candidate
				break
			}
		}
		if entry == nil {
			return nil, nil, AbortUnrecognizedMessagef(&taskID,
				"report ID %s appears out of order in aggregation job request", leader.ReportID.Base64URL())
		}

		if leader.Var.Kind != messages.TransitionContinued {
			return nil, nil, AbortUnrecognizedMessagef(&taskID, "leader sent unexpected message instead of Continued")
		}

		var outVar messages.TransitionVar
		replayed, err := isReplay(leader.ReportID)
		if err != nil {
			return nil, nil, err
		}
		if replayed {
			counters.IncRejected(messages.ReportReplayed)
			outVar = messages.Failed(messages.ReportReplayed)
		} else {
			data, err := taskCfg.Vdaf.PrepFinish(entry.State, leader.Var.Payload)
			switch {
			case err == nil:
				if err := span.AddOutputShare(taskCfg, state.PartBatchSel, OutputShare{
					ReportID: entry.ReportID,
					Time:     entry.Time,
					Data:     data,
				}); err != nil {
					return nil, nil, err
				}
				outVar = messages.Finished()
			case errors.Is(err, vdaf.ErrPrep):
				counters.IncRejected(messages.VdafPrepError)
				outVar = messages.Failed(messages.VdafPrepError)
			default:
				return nil, nil, err
			}
		}

		resp.Transitions = append(resp.Transitions, messages.Transition{
			ReportID: entry.ReportID,
			Var:      outVar,
		})
	}

	return span, resp, nil
}
