package dap

import (
	"crypto/rand"
	"fmt"

	"github.com/oliy/daphne/hpke"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

// ProduceReport shards a measurement and seals the shares to the two
// Aggregators (Leader first). This is the Client's side of the protocol; the
// repo carries it so aggregation can be exercised end to end.
func ProduceReport(
	cfg *vdaf.Config,
	hpkeConfigs []messages.HpkeConfig,
	time messages.Time,
	taskID messages.TaskID,
	measurement vdaf.Measurement,
	extensions []messages.Extension,
	version messages.Version,
) (*messages.Report, error) {
	var reportID messages.ReportID
	if _, err := rand.Read(reportID[:]); err != nil {
		return nil, err
	}
	publicShare, inputShares, err := cfg.Shard(measurement, [16]byte(reportID))
	if err != nil {
		return nil, err
	}
	return ProduceReportForShares(publicShare, inputShares, hpkeConfigs, time, taskID, reportID, extensions, version)
}

// ProduceReportForShares builds and seals a report from already-computed
// shares. Split out so tests can corrupt a share before sealing.
func ProduceReportForShares(
	publicShare []byte,
	inputShares [][]byte,
	hpkeConfigs []messages.HpkeConfig,
	time messages.Time,
	taskID messages.TaskID,
	reportID messages.ReportID,
	extensions []messages.Extension,
	version messages.Version,
) (*messages.Report, error) {
	if len(hpkeConfigs) != len(inputShares) {
		return nil, fmt.Errorf("dap: %d HPKE configs for %d input shares", len(hpkeConfigs), len(inputShares))
	}

	md := messages.ReportMetadata{ID: reportID, Time: time}
	if version == messages.Draft02 {
		md.Extensions = extensions
	}

	// For Draft07 and later, extensions ride inside the encrypted payload.
	plaintexts := inputShares
	if version != messages.Draft02 {
		plaintexts = make([][]byte, len(inputShares))
		for i, share := range inputShares {
			pis := messages.PlaintextInputShare{Extensions: extensions, Payload: share}
			encoded, err := pis.Encode()
			if err != nil {
				return nil, err
			}
			plaintexts[i] = encoded
		}
	}

	aad, err := inputShareAad(version, taskID, &md, publicShare)
	if err != nil {
		return nil, err
	}

	encrypted := make([]messages.HpkeCiphertext, 0, len(plaintexts))
	for i, plaintext := range plaintexts {
		receiverRole := RoleHelper
		if i == 0 {
			receiverRole = RoleLeader
		}
		info, err := inputShareInfo(version, receiverRole)
		if err != nil {
			return nil, err
		}
		enc, payload, err := hpke.Seal(&hpkeConfigs[i], info, aad, plaintext)
		if err != nil {
			return nil, fmt.Errorf("dap: seal input share: %w", err)
		}
		encrypted = append(encrypted, messages.HpkeCiphertext{
			ConfigID: hpkeConfigs[i].ID,
			Enc:      enc,
			Payload:  payload,
		})
	}

	report := &messages.Report{
		Metadata:             md,
		PublicShare:          publicShare,
		EncryptedInputShares: encrypted,
	}
	if version == messages.Draft02 {
		id := taskID
		report.Draft02TaskID = &id
	}
	return report, nil
}
