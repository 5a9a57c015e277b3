package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
)

var (
	bucketReportsPending   = []byte("reports_pending")
	bucketPendingIDs       = []byte("reports_pending_ids")
	bucketPendingSeq       = []byte("reports_pending_seq")
	bucketReportsProcessed = []byte("reports_processed")
	bucketAggStore         = []byte("agg_store_by_bucket")
	bucketHelperState      = []byte("helper_state_by_job")
	bucketCollectJobs      = []byte("collect_jobs")
	bucketCollectOrder     = []byte("collect_jobs_order")
	bucketCollectSeq       = []byte("collect_jobs_seq")
	bucketBatchQueue       = []byte("batch_queue")
	bucketBatchCurrent     = []byte("batch_current")
	bucketTaskConfigs      = []byte("task_configs")
)

var allBuckets = [][]byte{
	bucketReportsPending, bucketPendingIDs, bucketPendingSeq,
	bucketReportsProcessed, bucketAggStore, bucketHelperState,
	bucketCollectJobs, bucketCollectOrder, bucketCollectSeq,
	bucketBatchQueue, bucketBatchCurrent, bucketTaskConfigs,
}

// BoltStore is the bbolt-backed Store.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// Open opens (creating if needed) the aggregator database under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("store: datadir required")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "db"), 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, "db", "kv.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func taskKey(taskID messages.TaskID, suffix []byte) []byte {
	out := make([]byte, 0, len(taskID)+len(suffix))
	out = append(out, taskID[:]...)
	return append(out, suffix...)
}

func u64Key(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func (s *BoltStore) PutPendingReport(taskCfg *dap.TaskConfig, taskID messages.TaskID, report *messages.Report) error {
	encoded, err := report.Encode(taskCfg.Version)
	if err != nil {
		return err
	}
	idKey := taskKey(taskID, report.Metadata.ID[:])
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketPendingIDs)
		if ids.Get(idKey) != nil {
			return ErrReportExists
		}
		if tx.Bucket(bucketReportsProcessed).Get(idKey) != nil {
			return ErrReportExists
		}
		if err := ids.Put(idKey, []byte{1}); err != nil {
			return err
		}

		seqBucket := tx.Bucket(bucketPendingSeq)
		var seq uint64
		if raw := seqBucket.Get(taskID[:]); raw != nil {
			seq = binary.BigEndian.Uint64(raw)
		}
		if err := seqBucket.Put(taskID[:], u64Key(seq+1)); err != nil {
			return err
		}
		return tx.Bucket(bucketReportsPending).Put(taskKey(taskID, u64Key(seq)), encoded)
	})
}

func (s *BoltStore) DrainPendingReports(taskCfg *dap.TaskConfig, taskID messages.TaskID, sel ReportSelector) (map[messages.PartialBatchSelector][]*messages.Report, error) {
	out := make(map[messages.PartialBatchSelector][]*messages.Report)
	err := s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketReportsPending)
		ids := tx.Bucket(bucketPendingIDs)

		var drained []*messages.Report
		var keys [][]byte
		c := pending.Cursor()
		for k, v := c.Seek(taskID[:]); k != nil && bytes.HasPrefix(k, taskID[:]); k, v = c.Next() {
			if sel.MaxReports > 0 && len(drained) >= sel.MaxReports {
				break
			}
			report, err := messages.DecodeReport(taskCfg.Version, v)
			if err != nil {
				return fmt.Errorf("store: corrupt pending report: %w", err)
			}
			drained = append(drained, report)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := pending.Delete(k); err != nil {
				return err
			}
		}
		for _, report := range drained {
			if err := ids.Delete(taskKey(taskID, report.Metadata.ID[:])); err != nil {
				return err
			}
		}

		switch taskCfg.Query.Kind {
		case messages.QueryTimeInterval:
			if len(drained) > 0 {
				out[messages.PartialBatchSelector{Kind: messages.QueryTimeInterval}] = drained
			}
			return nil
		case messages.QueryFixedSizeByBatchID:
			return s.assignToBatches(tx, taskCfg, taskID, drained, out)
		default:
			return fmt.Errorf("store: invalid query kind %d", taskCfg.Query.Kind)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// batch_queue values: batch ID followed by the number of reports assigned.
func encodeBatchEntry(id messages.BatchID, count uint64) []byte {
	out := make([]byte, 0, 40)
	out = append(out, id[:]...)
	return append(out, u64Key(count)...)
}

func decodeBatchEntry(b []byte) (messages.BatchID, uint64, error) {
	var id messages.BatchID
	if len(b) != 40 {
		return id, 0, fmt.Errorf("store: malformed batch queue entry")
	}
	copy(id[:], b[:32])
	return id, binary.BigEndian.Uint64(b[32:]), nil
}

// assignToBatches distributes drained reports into fixed-size batches,
// rotating to a fresh batch whenever the current one reaches the task's max
// batch size. Assignment is serial per task by construction: it runs inside
// the store's write transaction.
func (s *BoltStore) assignToBatches(tx *bolt.Tx, taskCfg *dap.TaskConfig, taskID messages.TaskID, drained []*messages.Report, out map[messages.PartialBatchSelector][]*messages.Report) error {
	queue := tx.Bucket(bucketBatchQueue)
	current := tx.Bucket(bucketBatchCurrent)

	var curSeq uint64
	haveCur := false
	if raw := current.Get(taskID[:]); raw != nil {
		curSeq = binary.BigEndian.Uint64(raw)
		haveCur = true
	}

	var curID messages.BatchID
	var curCount uint64
	if haveCur {
		raw := queue.Get(taskKey(taskID, u64Key(curSeq)))
		if raw == nil {
			haveCur = false
		} else {
			var err error
			curID, curCount, err = decodeBatchEntry(raw)
			if err != nil {
				return err
			}
		}
	}

	nextSeq := func() (uint64, error) {
		c := queue.Cursor()
		var seq uint64
		for k, _ := c.Seek(taskID[:]); k != nil && bytes.HasPrefix(k, taskID[:]); k, _ = c.Next() {
			seq = binary.BigEndian.Uint64(k[len(taskID):]) + 1
		}
		return seq, nil
	}

	for _, report := range drained {
		if !haveCur || curCount >= taskCfg.Query.MaxBatchSize {
			if haveCur {
				if err := queue.Put(taskKey(taskID, u64Key(curSeq)), encodeBatchEntry(curID, curCount)); err != nil {
					return err
				}
			}
			seq, err := nextSeq()
			if err != nil {
				return err
			}
			curSeq = seq
			curCount = 0
			if _, err := rand.Read(curID[:]); err != nil {
				return err
			}
			if err := current.Put(taskID[:], u64Key(curSeq)); err != nil {
				return err
			}
			haveCur = true
		}
		curCount++
		sel := messages.PartialBatchSelector{Kind: messages.QueryFixedSizeByBatchID, BatchID: curID}
		out[sel] = append(out[sel], report)
	}
	if haveCur {
		return queue.Put(taskKey(taskID, u64Key(curSeq)), encodeBatchEntry(curID, curCount))
	}
	return nil
}

func (s *BoltStore) MarkAggregated(taskID messages.TaskID, ids []messages.ReportID) (map[messages.ReportID]struct{}, error) {
	replayed := make(map[messages.ReportID]struct{})
	err := s.db.Update(func(tx *bolt.Tx) error {
		processed := tx.Bucket(bucketReportsProcessed)
		for _, id := range ids {
			key := taskKey(taskID, id[:])
			if processed.Get(key) != nil {
				replayed[id] = struct{}{}
				continue
			}
			if err := processed.Put(key, []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replayed, nil
}

func (s *BoltStore) IsAggregated(taskID messages.TaskID, id messages.ReportID) (bool, error) {
	var aggregated bool
	err := s.db.View(func(tx *bolt.Tx) error {
		aggregated = tx.Bucket(bucketReportsProcessed).Get(taskKey(taskID, id[:])) != nil
		return nil
	})
	return aggregated, err
}

func (s *BoltStore) MergeAggShare(taskID messages.TaskID, bucket dap.BatchBucket, delta dap.AggregateShareDelta) error {
	key := taskKey(taskID, bucketKey(bucket))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAggStore)
		current := dap.AggregateShareDelta{}
		collected := false
		if raw := b.Get(key); raw != nil {
			var err error
			current, collected, err = decodeDelta(raw)
			if err != nil {
				return err
			}
		}
		if collected {
			return ErrBatchCollected
		}
		if err := current.Merge(delta); err != nil {
			return err
		}
		return b.Put(key, encodeDelta(&current, false))
	})
}

func (s *BoltStore) GetAggShare(taskID messages.TaskID, bucket dap.BatchBucket) (dap.AggregateShareDelta, error) {
	key := taskKey(taskID, bucketKey(bucket))
	var out dap.AggregateShareDelta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAggStore).Get(key)
		if raw == nil {
			return nil
		}
		var err error
		out, _, err = decodeDelta(raw)
		return err
	})
	return out, err
}

func (s *BoltStore) CheckCollected(taskID messages.TaskID, bucket dap.BatchBucket) (bool, error) {
	key := taskKey(taskID, bucketKey(bucket))
	var collected bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAggStore).Get(key)
		if raw == nil {
			return nil
		}
		var err error
		_, collected, err = decodeDelta(raw)
		return err
	})
	return collected, err
}

func (s *BoltStore) MarkCollected(taskID messages.TaskID, bucket dap.BatchBucket) error {
	key := taskKey(taskID, bucketKey(bucket))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAggStore)
		current := dap.AggregateShareDelta{}
		if raw := b.Get(key); raw != nil {
			var err error
			current, _, err = decodeDelta(raw)
			if err != nil {
				return err
			}
		}
		if err := b.Put(key, encodeDelta(&current, true)); err != nil {
			return err
		}
		if bucket.Kind == messages.QueryFixedSizeByBatchID {
			return removeBatchFromQueue(tx, taskID, bucket.BatchID)
		}
		return nil
	})
}

// removeBatchFromQueue drops a collected batch so CurrentBatch never hands it
// out again.
func removeBatchFromQueue(tx *bolt.Tx, taskID messages.TaskID, batchID messages.BatchID) error {
	queue := tx.Bucket(bucketBatchQueue)
	c := queue.Cursor()
	for k, v := c.Seek(taskID[:]); k != nil && bytes.HasPrefix(k, taskID[:]); k, v = c.Next() {
		id, _, err := decodeBatchEntry(v)
		if err != nil {
			return err
		}
		if id == batchID {
			return queue.Delete(append([]byte(nil), k...))
		}
	}
	return nil
}

func (s *BoltStore) PutHelperStateIfNotExists(taskID messages.TaskID, aggJobKey string, state []byte) (bool, error) {
	key := taskKey(taskID, []byte(aggJobKey))
	var stored bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHelperState)
		if b.Get(key) != nil {
			return nil
		}
		stored = true
		return b.Put(key, state)
	})
	return stored, err
}

func (s *BoltStore) TakeHelperState(taskID messages.TaskID, aggJobKey string) ([]byte, bool, error) {
	key := taskKey(taskID, []byte(aggJobKey))
	var state []byte
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHelperState)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		state = append([]byte(nil), raw...)
		found = true
		return b.Delete(key)
	})
	return state, found, err
}

func (s *BoltStore) PutCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID *messages.CollectionJobID, req *messages.CollectionReq) (messages.CollectionJobID, error) {
	var id messages.CollectionJobID
	if jobID != nil {
		id = *jobID
	} else if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	encodedReq, err := req.Encode(taskCfg.Version)
	if err != nil {
		return id, err
	}
	key := taskKey(taskID, id[:])
	err = s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketCollectJobs)
		if jobs.Get(key) != nil {
			// Idempotent put: the job is already queued.
			return nil
		}
		if err := jobs.Put(key, encodeCollectJob(CollectJobPending, encodedReq, nil)); err != nil {
			return err
		}

		seqBucket := tx.Bucket(bucketCollectSeq)
		var seq uint64
		if raw := seqBucket.Get([]byte("seq")); raw != nil {
			seq = binary.BigEndian.Uint64(raw)
		}
		if err := seqBucket.Put([]byte("seq"), u64Key(seq+1)); err != nil {
			return err
		}
		return tx.Bucket(bucketCollectOrder).Put(u64Key(seq), key)
	})
	return id, err
}

func (s *BoltStore) PollCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID messages.CollectionJobID) (CollectJobState, *messages.Collection, error) {
	key := taskKey(taskID, jobID[:])
	state := CollectJobUnknown
	var collection *messages.Collection
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCollectJobs).Get(key)
		if raw == nil {
			return nil
		}
		st, _, collectionBytes, err := decodeCollectJob(raw)
		if err != nil {
			return err
		}
		state = st
		if st == CollectJobProcessed {
			collection, err = messages.DecodeCollection(taskCfg.Version, collectionBytes)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return state, collection, err
}

func (s *BoltStore) ListPendingCollectJobs(lookup TaskConfigLookup) ([]PendingCollectJob, error) {
	var out []PendingCollectJob
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketCollectJobs)
		c := tx.Bucket(bucketCollectOrder).Cursor()
		for k, ref := c.First(); k != nil; k, ref = c.Next() {
			if len(ref) != 32+16 {
				return fmt.Errorf("store: malformed collect order entry")
			}
			var taskID messages.TaskID
			var jobID messages.CollectionJobID
			copy(taskID[:], ref[:32])
			copy(jobID[:], ref[32:])

			raw := jobs.Get(ref)
			if raw == nil {
				continue
			}
			state, reqBytes, _, err := decodeCollectJob(raw)
			if err != nil {
				return err
			}
			if state != CollectJobPending {
				continue
			}
			taskCfg, ok := lookup(taskID)
			if !ok {
				continue
			}
			req, err := messages.DecodeCollectionReq(taskCfg.Version, reqBytes)
			if err != nil {
				return err
			}
			out = append(out, PendingCollectJob{TaskID: taskID, JobID: jobID, Req: req})
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) FinishCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID messages.CollectionJobID, collection *messages.Collection) error {
	encodedCollection, err := collection.Encode(taskCfg.Version)
	if err != nil {
		return err
	}
	key := taskKey(taskID, jobID[:])
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketCollectJobs)
		raw := jobs.Get(key)
		if raw == nil {
			return fmt.Errorf("store: unknown collect job %s", jobID)
		}
		_, reqBytes, _, err := decodeCollectJob(raw)
		if err != nil {
			return err
		}
		return jobs.Put(key, encodeCollectJob(CollectJobProcessed, reqBytes, encodedCollection))
	})
}

func (s *BoltStore) CurrentBatch(taskID messages.TaskID) (messages.BatchID, bool, error) {
	var id messages.BatchID
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatchQueue).Cursor()
		k, v := c.Seek(taskID[:])
		if k == nil || !bytes.HasPrefix(k, taskID[:]) {
			return nil
		}
		batchID, _, err := decodeBatchEntry(v)
		if err != nil {
			return err
		}
		id = batchID
		found = true
		return nil
	})
	return id, found, err
}

// PutTaskConfig persists a task configuration (JSON-encoded) for tasks the
// Leader learns out of band or in band.
func (s *BoltStore) PutTaskConfig(taskID messages.TaskID, encoded []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskConfigs).Put(taskID[:], encoded)
	})
}

// GetTaskConfig reads a persisted task configuration.
func (s *BoltStore) GetTaskConfig(taskID messages.TaskID) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTaskConfigs).Get(taskID[:])
		if raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	return out, out != nil, err
}
