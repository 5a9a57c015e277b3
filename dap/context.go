package dap

import (
	"errors"

	"github.com/oliy/daphne/messages"
)

// HPKE application context labels and role bytes. The info string is
// CTX_LABEL || senderRole || receiverRole.
const (
	ctxInputShareDraft02 = "dap-02 input share"
	ctxInputShareDraft07 = "dap-07 input share"
	ctxAggShareDraft02   = "dap-02 aggregate share"
	ctxAggShareDraft07   = "dap-07 aggregate share"

	RoleCollector uint8 = 0
	RoleClient    uint8 = 1
	RoleLeader    uint8 = 2
	RoleHelper    uint8 = 3
)

func inputShareContext(v messages.Version) (string, error) {
	switch v {
	case messages.Draft02:
		return ctxInputShareDraft02, nil
	case messages.Draft07:
		return ctxInputShareDraft07, nil
	default:
		return "", errUnimplementedVersion(v)
	}
}

func aggShareContext(v messages.Version) (string, error) {
	switch v {
	case messages.Draft02:
		return ctxAggShareDraft02, nil
	case messages.Draft07:
		return ctxAggShareDraft07, nil
	default:
		return "", errUnimplementedVersion(v)
	}
}

func errUnimplementedVersion(v messages.Version) error {
	return abortf(AbortBadRequest, nil, "unimplemented version %q", v)
}

// inputShareInfo builds the HPKE info for an input share addressed to the
// given receiver role.
func inputShareInfo(v messages.Version, receiverRole uint8) ([]byte, error) {
	label, err := inputShareContext(v)
	if err != nil {
		return nil, err
	}
	info := make([]byte, 0, len(label)+2)
	info = append(info, label...)
	info = append(info, RoleClient, receiverRole)
	return info, nil
}

// inputShareAad binds the ciphertext to the task, the metadata, and the
// public share.
func inputShareAad(v messages.Version, taskID messages.TaskID, md *messages.ReportMetadata, publicShare []byte) ([]byte, error) {
	aad := make([]byte, 0, 64+len(publicShare))
	aad = append(aad, taskID[:]...)
	encodedMd, err := md.Encode(v)
	if err != nil {
		return nil, err
	}
	aad = append(aad, encodedMd...)
	return appendU32Prefixed(aad, publicShare)
}

// aggShareInfo builds the HPKE info for an aggregate share sent by the given
// Aggregator role to the Collector.
func aggShareInfo(v messages.Version, senderRole uint8) ([]byte, error) {
	label, err := aggShareContext(v)
	if err != nil {
		return nil, err
	}
	info := make([]byte, 0, len(label)+2)
	info = append(info, label...)
	info = append(info, senderRole, RoleCollector)
	return info, nil
}

// aggShareAad binds an aggregate share to the task and the batch it covers.
func aggShareAad(taskID messages.TaskID, batchSel *messages.BatchSelector) ([]byte, error) {
	aad := make([]byte, 0, 73)
	aad = append(aad, taskID[:]...)
	encodedSel, err := batchSel.Encode()
	if err != nil {
		return nil, err
	}
	return append(aad, encodedSel...), nil
}

func appendU32Prefixed(dst, b []byte) ([]byte, error) {
	if len(b) > 1<<32-1 {
		return nil, errors.New("dap: public share too long")
	}
	dst = append(dst, byte(len(b)>>24), byte(len(b)>>16), byte(len(b)>>8), byte(len(b)))
	return append(dst, b...), nil
}
