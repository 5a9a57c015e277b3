package dap

import (
	"fmt"

	"github.com/oliy/daphne/hpke"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

func produceEncryptedAggShare(
	isLeader bool,
	collectorCfg *messages.HpkeConfig,
	taskID messages.TaskID,
	batchSel *messages.BatchSelector,
	aggShare *AggregateShareDelta,
	version messages.Version,
) (*messages.HpkeCiphertext, error) {
	if aggShare.Empty() {
		return nil, fmt.Errorf("dap: empty aggregate share")
	}

	senderRole := RoleHelper
	if isLeader {
		senderRole = RoleLeader
	}
	info, err := aggShareInfo(version, senderRole)
	if err != nil {
		return nil, err
	}
	aad, err := aggShareAad(taskID, batchSel)
	if err != nil {
		return nil, err
	}

	enc, payload, err := hpke.Seal(collectorCfg, info, aad, vdaf.EncodeAggShare(aggShare.Data))
	if err != nil {
		return nil, fmt.Errorf("dap: seal aggregate share: %w", err)
	}
	return &messages.HpkeCiphertext{
		ConfigID: collectorCfg.ID,
		Enc:      enc,
		Payload:  payload,
	}, nil
}

// ProduceLeaderEncryptedAggShare seals the Leader's aggregate share to the
// Collector.
func ProduceLeaderEncryptedAggShare(
	collectorCfg *messages.HpkeConfig,
	taskID messages.TaskID,
	batchSel *messages.BatchSelector,
	aggShare *AggregateShareDelta,
	version messages.Version,
) (*messages.HpkeCiphertext, error) {
	return produceEncryptedAggShare(true, collectorCfg, taskID, batchSel, aggShare, version)
}

// ProduceHelperEncryptedAggShare seals the Helper's aggregate share to the
// Collector.
func ProduceHelperEncryptedAggShare(
	collectorCfg *messages.HpkeConfig,
	taskID messages.TaskID,
	batchSel *messages.BatchSelector,
	aggShare *AggregateShareDelta,
	version messages.Version,
) (*messages.HpkeCiphertext, error) {
	return produceEncryptedAggShare(false, collectorCfg, taskID, batchSel, aggShare, version)
}

// ConsumeEncryptedAggShares is the Collector's side of collection: decrypt
// the pair of aggregate shares (Leader first) and unshard them into the
// aggregate result.
func ConsumeEncryptedAggShares(
	receiver *hpke.Receiver,
	taskID messages.TaskID,
	batchSel *messages.BatchSelector,
	reportCount uint64,
	encryptedAggShares []messages.HpkeCiphertext,
	cfg *vdaf.Config,
	version messages.Version,
) (vdaf.AggregateResult, error) {
	aad, err := aggShareAad(taskID, batchSel)
	if err != nil {
		return vdaf.AggregateResult{}, err
	}

	aggShares := make([][]byte, 0, len(encryptedAggShares))
	for i := range encryptedAggShares {
		senderRole := RoleHelper
		if i == 0 {
			senderRole = RoleLeader
		}
		info, err := aggShareInfo(version, senderRole)
		if err != nil {
			return vdaf.AggregateResult{}, err
		}
		ct := &encryptedAggShares[i]
		if ct.ConfigID != receiver.Config.ID {
			return vdaf.AggregateResult{}, fmt.Errorf("dap: aggregate share uses unknown HPKE config %d", ct.ConfigID)
		}
		share, err := receiver.Open(info, aad, ct.Enc, ct.Payload)
		if err != nil {
			return vdaf.AggregateResult{}, fmt.Errorf("dap: open aggregate share %d: %w", i, err)
		}
		aggShares = append(aggShares, share)
	}

	return cfg.Unshard(int(reportCount), aggShares)
}
