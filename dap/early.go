package dap

import (
	"errors"

	"github.com/oliy/daphne/hpke"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

// ErrUnknownHpkeConfig is returned by a Decrypter when no key matches the
// ciphertext's config ID.
var ErrUnknownHpkeConfig = errors.New("dap: unknown HPKE config id")

// Decrypter opens HPKE ciphertexts addressed to this Aggregator.
type Decrypter interface {
	// HpkeDecrypt opens ct. It returns ErrUnknownHpkeConfig if no key matches
	// ct's config ID and hpke.ErrDecrypt if authentication fails; any other
	// error is fatal.
	HpkeDecrypt(taskID messages.TaskID, info, aad []byte, ct *messages.HpkeCiphertext) ([]byte, error)

	// CanHpkeDecrypt reports whether a key with the given config ID exists.
	CanHpkeDecrypt(taskID messages.TaskID, configID uint8) (bool, error)
}

// ConsumedReport is a report share after envelope removal: either the
// decrypted input share or an early rejection.
type ConsumedReport struct {
	Metadata    messages.ReportMetadata
	PublicShare []byte
	InputShare  []byte

	Rejected bool
	Failure  messages.TransitionFailure
}

func rejectedConsumed(md messages.ReportMetadata, f messages.TransitionFailure) *ConsumedReport {
	return &ConsumedReport{Metadata: md, Rejected: true, Failure: f}
}

// ConsumeReport removes the HPKE envelope from one Aggregator's report share
// and validates the plaintext framing. Early-rejection classes come back as a
// rejected ConsumedReport; only unexpected conditions are errors.
func ConsumeReport(
	decrypter Decrypter,
	isLeader bool,
	taskID messages.TaskID,
	taskCfg *TaskConfig,
	md messages.ReportMetadata,
	publicShare []byte,
	encryptedInputShare *messages.HpkeCiphertext,
) (*ConsumedReport, error) {
	if md.Time >= taskCfg.Expiration {
		return rejectedConsumed(md, messages.TaskExpired), nil
	}

	receiverRole := RoleHelper
	if isLeader {
		receiverRole = RoleLeader
	}
	info, err := inputShareInfo(taskCfg.Version, receiverRole)
	if err != nil {
		return nil, err
	}
	aad, err := inputShareAad(taskCfg.Version, taskID, &md, publicShare)
	if err != nil {
		return nil, err
	}

	plaintext, err := decrypter.HpkeDecrypt(taskID, info, aad, encryptedInputShare)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownHpkeConfig):
		return rejectedConsumed(md, messages.HpkeUnknownConfigID), nil
	case errors.Is(err, hpke.ErrDecrypt):
		return rejectedConsumed(md, messages.HpkeDecryptError), nil
	default:
		return nil, err
	}

	var inputShare []byte
	switch taskCfg.Version {
	case messages.Draft02:
		// The plaintext is the raw VDAF input share.
		inputShare = plaintext
	case messages.Draft07:
		pis, err := messages.DecodePlaintextInputShare(plaintext)
		if err != nil {
			return rejectedConsumed(md, messages.UnrecognizedMessage), nil
		}
		inputShare = pis.Payload
	default:
		return nil, errUnimplementedVersion(taskCfg.Version)
	}

	return &ConsumedReport{Metadata: md, PublicShare: publicShare, InputShare: inputShare}, nil
}

// InitializedReport is a report share after VDAF preparation begins: either
// the prepare state and outbound message, or a rejection.
type InitializedReport struct {
	Metadata    messages.ReportMetadata
	PublicShare []byte
	State       *vdaf.PrepState
	Message     []byte

	Rejected bool
	Failure  messages.TransitionFailure
}

// Reject marks the report rejected with the given failure, discarding any
// prepared state.
func (r *InitializedReport) Reject(f messages.TransitionFailure) {
	r.Rejected = true
	r.Failure = f
	r.State = nil
	r.Message = nil
	r.PublicShare = nil
}

// InitializeReport runs the VDAF preparation-init step over a consumed
// report. Rejections pass through; VDAF and codec failures become
// vdaf_prep_error rejections.
func InitializeReport(isLeader bool, verifyKey vdaf.VerifyKey, cfg *vdaf.Config, consumed *ConsumedReport) (*InitializedReport, error) {
	if consumed.Rejected {
		return &InitializedReport{
			Metadata: consumed.Metadata,
			Rejected: true,
			Failure:  consumed.Failure,
		}, nil
	}

	aggID := vdaf.AggregatorHelper
	if isLeader {
		aggID = vdaf.AggregatorLeader
	}
	state, msg, err := cfg.PrepInit(verifyKey, aggID, [16]byte(consumed.Metadata.ID), consumed.PublicShare, consumed.InputShare)
	switch {
	case err == nil:
	case errors.Is(err, vdaf.ErrPrep):
		return &InitializedReport{
			Metadata: consumed.Metadata,
			Rejected: true,
			Failure:  messages.VdafPrepError,
		}, nil
	default:
		return nil, err
	}

	return &InitializedReport{
		Metadata:    consumed.Metadata,
		PublicShare: consumed.PublicShare,
		State:       state,
		Message:     msg,
	}, nil
}

// ReportInitializer turns consumed reports into initialized reports. The
// storage-aware implementation layers replay and collected-batch rejection on
// top of InitializeReport.
type ReportInitializer interface {
	InitializeReports(
		isLeader bool,
		taskID messages.TaskID,
		taskCfg *TaskConfig,
		partBatchSel messages.PartialBatchSelector,
		consumed []*ConsumedReport,
	) ([]*InitializedReport, error)
}

// EarlyMetadataCheck applies the storage-derived rejection classes in their
// canonical order. ok is false when the report must be rejected.
func EarlyMetadataCheck(md *messages.ReportMetadata, processed, collected bool, minTime, maxTime messages.Time) (messages.TransitionFailure, bool) {
	switch {
	case processed:
		return messages.ReportReplayed, false
	case collected:
		return messages.BatchCollected, false
	case md.Time < minTime:
		return messages.ReportDropped, false
	case md.Time > maxTime:
		return messages.ReportTooEarly, false
	default:
		return 0, true
	}
}
