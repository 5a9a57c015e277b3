// Package dap implements the aggregation core of the Distributed Aggregation
// Protocol: the early-report pipeline, the Leader and Helper aggregation
// state machines, the batch-span data model, and the collection pipeline.
// External collaborators (storage, HTTP transport, auth) are reached through
// narrow interfaces.
package dap

import (
	"crypto/sha256"
	"fmt"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

// QueryConfig describes how a task's reports are grouped into batches.
type QueryConfig struct {
	Kind         messages.QueryKind // QueryTimeInterval or QueryFixedSizeByBatchID
	MaxBatchSize uint64             // fixed-size only: target batch size
}

// TaskConfig carries everything an Aggregator needs to run a task.
type TaskConfig struct {
	Version       messages.Version
	LeaderURL     string
	HelperURL     string
	TimePrecision messages.Duration
	Expiration    messages.Time
	MinBatchSize  uint64
	Query         QueryConfig
	Vdaf          vdaf.Config
	VerifyKey     vdaf.VerifyKey

	// CollectorHpkeConfig is the key aggregate shares are sealed to.
	CollectorHpkeConfig messages.HpkeConfig
}

// Validate rejects configs this implementation cannot run.
func (t *TaskConfig) Validate() error {
	if !t.Version.Known() {
		return fmt.Errorf("task: unsupported version %q", t.Version)
	}
	if t.TimePrecision == 0 {
		return fmt.Errorf("task: time precision must be positive")
	}
	if t.MinBatchSize == 0 {
		return fmt.Errorf("task: min batch size must be positive")
	}
	switch t.Query.Kind {
	case messages.QueryTimeInterval:
	case messages.QueryFixedSizeByBatchID:
		if t.Query.MaxBatchSize == 0 {
			return fmt.Errorf("task: fixed-size task needs a max batch size")
		}
	default:
		return fmt.Errorf("task: invalid query kind %d", t.Query.Kind)
	}
	return t.Vdaf.CheckVerifyKey(t.VerifyKey)
}

// QuantizedTimeLowerBound rounds t down to the task's time precision.
func (t *TaskConfig) QuantizedTimeLowerBound(ts messages.Time) messages.Time {
	return messages.QuantizedTimeLowerBound(ts, t.TimePrecision)
}

// QuantizedTimeUpperBound rounds t up to the next time-precision boundary
// after t.
func (t *TaskConfig) QuantizedTimeUpperBound(ts messages.Time) messages.Time {
	return messages.QuantizedTimeUpperBound(ts, t.TimePrecision)
}

// IsReportCountCompatible reports whether a batch of the given size may be
// collected.
func (t *TaskConfig) IsReportCountCompatible(reportCount uint64) bool {
	return reportCount >= t.MinBatchSize
}

// ComputeTaskID derives a task ID from an encoded task configuration, as done
// for in-band provisioned tasks.
func ComputeTaskID(encodedConfig []byte) messages.TaskID {
	return messages.TaskID(sha256.Sum256(encodedConfig))
}
