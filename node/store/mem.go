package store

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
)

// MemStore is an in-memory Store with the same semantics as BoltStore. It
// backs tests and Helpers that learn task state in band and keep it in
// process memory.
type MemStore struct {
	mu sync.Mutex

	pending     map[messages.TaskID][]*messages.Report
	pendingIDs  map[messages.TaskID]map[messages.ReportID]struct{}
	processed   map[messages.TaskID]map[messages.ReportID]struct{}
	aggShares   map[messages.TaskID]map[dap.BatchBucket]*memAggShare
	helperState map[string][]byte
	collectJobs map[string]*memCollectJob
	collectSeq  []string
	batches     map[messages.TaskID][]*memBatch
}

type memAggShare struct {
	delta     dap.AggregateShareDelta
	collected bool
}

type memCollectJob struct {
	taskID messages.TaskID
	jobID  messages.CollectionJobID
	state  CollectJobState
	req    []byte
	result []byte
}

type memBatch struct {
	id    messages.BatchID
	count uint64
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		pending:     make(map[messages.TaskID][]*messages.Report),
		pendingIDs:  make(map[messages.TaskID]map[messages.ReportID]struct{}),
		processed:   make(map[messages.TaskID]map[messages.ReportID]struct{}),
		aggShares:   make(map[messages.TaskID]map[dap.BatchBucket]*memAggShare),
		helperState: make(map[string][]byte),
		collectJobs: make(map[string]*memCollectJob),
		batches:     make(map[messages.TaskID][]*memBatch),
	}
}

func (s *MemStore) PutPendingReport(taskCfg *dap.TaskConfig, taskID messages.TaskID, report *messages.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pendingIDs[taskID]
	if ids == nil {
		ids = make(map[messages.ReportID]struct{})
		s.pendingIDs[taskID] = ids
	}
	id := report.Metadata.ID
	if _, dup := ids[id]; dup {
		return ErrReportExists
	}
	if _, done := s.processed[taskID][id]; done {
		return ErrReportExists
	}
	ids[id] = struct{}{}
	s.pending[taskID] = append(s.pending[taskID], report)
	return nil
}

func (s *MemStore) DrainPendingReports(taskCfg *dap.TaskConfig, taskID messages.TaskID, sel ReportSelector) (map[messages.PartialBatchSelector][]*messages.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pending[taskID]
	n := len(queue)
	if sel.MaxReports > 0 && n > sel.MaxReports {
		n = sel.MaxReports
	}
	drained := queue[:n]
	s.pending[taskID] = queue[n:]
	for _, report := range drained {
		delete(s.pendingIDs[taskID], report.Metadata.ID)
	}

	out := make(map[messages.PartialBatchSelector][]*messages.Report)
	switch taskCfg.Query.Kind {
	case messages.QueryTimeInterval:
		if len(drained) > 0 {
			out[messages.PartialBatchSelector{Kind: messages.QueryTimeInterval}] = drained
		}
	case messages.QueryFixedSizeByBatchID:
		for _, report := range drained {
			batch, err := s.currentOpenBatchLocked(taskID, taskCfg.Query.MaxBatchSize)
			if err != nil {
				return nil, err
			}
			batch.count++
			key := messages.PartialBatchSelector{Kind: messages.QueryFixedSizeByBatchID, BatchID: batch.id}
			out[key] = append(out[key], report)
		}
	default:
		return nil, fmt.Errorf("store: invalid query kind %d", taskCfg.Query.Kind)
	}
	return out, nil
}

func (s *MemStore) currentOpenBatchLocked(taskID messages.TaskID, maxBatchSize uint64) (*memBatch, error) {
	batches := s.batches[taskID]
	if len(batches) > 0 {
		last := batches[len(batches)-1]
		if last.count < maxBatchSize {
			return last, nil
		}
	}
	batch := &memBatch{}
	if _, err := rand.Read(batch.id[:]); err != nil {
		return nil, err
	}
	s.batches[taskID] = append(batches, batch)
	return batch, nil
}

func (s *MemStore) MarkAggregated(taskID messages.TaskID, ids []messages.ReportID) (map[messages.ReportID]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	processed := s.processed[taskID]
	if processed == nil {
		processed = make(map[messages.ReportID]struct{})
		s.processed[taskID] = processed
	}
	replayed := make(map[messages.ReportID]struct{})
	for _, id := range ids {
		if _, done := processed[id]; done {
			replayed[id] = struct{}{}
			continue
		}
		processed[id] = struct{}{}
	}
	return replayed, nil
}

func (s *MemStore) IsAggregated(taskID messages.TaskID, id messages.ReportID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, done := s.processed[taskID][id]
	return done, nil
}

func (s *MemStore) aggShareLocked(taskID messages.TaskID, bucket dap.BatchBucket) *memAggShare {
	buckets := s.aggShares[taskID]
	if buckets == nil {
		buckets = make(map[dap.BatchBucket]*memAggShare)
		s.aggShares[taskID] = buckets
	}
	share := buckets[bucket]
	if share == nil {
		share = &memAggShare{}
		buckets[bucket] = share
	}
	return share
}

func (s *MemStore) MergeAggShare(taskID messages.TaskID, bucket dap.BatchBucket, delta dap.AggregateShareDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	share := s.aggShareLocked(taskID, bucket)
	if share.collected {
		return ErrBatchCollected
	}
	return share.delta.Merge(delta)
}

func (s *MemStore) GetAggShare(taskID messages.TaskID, bucket dap.BatchBucket) (dap.AggregateShareDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share := s.aggShares[taskID][bucket]
	if share == nil {
		return dap.AggregateShareDelta{}, nil
	}
	return share.delta, nil
}

func (s *MemStore) CheckCollected(taskID messages.TaskID, bucket dap.BatchBucket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share := s.aggShares[taskID][bucket]
	return share != nil && share.collected, nil
}

func (s *MemStore) MarkCollected(taskID messages.TaskID, bucket dap.BatchBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggShareLocked(taskID, bucket).collected = true
	if bucket.Kind == messages.QueryFixedSizeByBatchID {
		batches := s.batches[taskID]
		for i, batch := range batches {
			if batch.id == bucket.BatchID {
				s.batches[taskID] = append(batches[:i], batches[i+1:]...)
				break
			}
		}
	}
	return nil
}

func helperStateKey(taskID messages.TaskID, aggJobKey string) string {
	return taskID.Hex() + "/" + aggJobKey
}

func (s *MemStore) PutHelperStateIfNotExists(taskID messages.TaskID, aggJobKey string, state []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := helperStateKey(taskID, aggJobKey)
	if _, exists := s.helperState[key]; exists {
		return false, nil
	}
	s.helperState[key] = append([]byte(nil), state...)
	return true, nil
}

func (s *MemStore) TakeHelperState(taskID messages.TaskID, aggJobKey string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := helperStateKey(taskID, aggJobKey)
	state, found := s.helperState[key]
	if found {
		delete(s.helperState, key)
	}
	return state, found, nil
}

func collectJobKey(taskID messages.TaskID, jobID messages.CollectionJobID) string {
	return taskID.Hex() + "/" + jobID.Hex()
}

func (s *MemStore) PutCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID *messages.CollectionJobID, req *messages.CollectionReq) (messages.CollectionJobID, error) {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collectJobKey(taskID, id)
	if _, exists := s.collectJobs[key]; exists {
		return id, nil
	}
	s.collectJobs[key] = &memCollectJob{
		taskID: taskID,
		jobID:  id,
		state:  CollectJobPending,
		req:    encodedReq,
	}
	s.collectSeq = append(s.collectSeq, key)
	return id, nil
}

func (s *MemStore) PollCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID messages.CollectionJobID) (CollectJobState, *messages.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.collectJobs[collectJobKey(taskID, jobID)]
	if job == nil {
		return CollectJobUnknown, nil, nil
	}
	if job.state != CollectJobProcessed {
		return job.state, nil, nil
	}
	collection, err := messages.DecodeCollection(taskCfg.Version, job.result)
	if err != nil {
		return 0, nil, err
	}
	return CollectJobProcessed, collection, nil
}

func (s *MemStore) ListPendingCollectJobs(lookup TaskConfigLookup) ([]PendingCollectJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingCollectJob
	for _, key := range s.collectSeq {
		job := s.collectJobs[key]
		if job == nil || job.state != CollectJobPending {
			continue
		}
		taskCfg, ok := lookup(job.taskID)
		if !ok {
			continue
		}
		req, err := messages.DecodeCollectionReq(taskCfg.Version, job.req)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingCollectJob{TaskID: job.taskID, JobID: job.jobID, Req: req})
	}
	return out, nil
}

func (s *MemStore) FinishCollectJob(taskCfg *dap.TaskConfig, taskID messages.TaskID, jobID messages.CollectionJobID, collection *messages.Collection) error {
	encoded, err := collection.Encode(taskCfg.Version)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.collectJobs[collectJobKey(taskID, jobID)]
	if job == nil {
		return fmt.Errorf("store: unknown collect job %s", jobID)
	}
	job.state = CollectJobProcessed
	job.result = encoded
	return nil
}

func (s *MemStore) CurrentBatch(taskID messages.TaskID) (messages.BatchID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := s.batches[taskID]
	if len(batches) == 0 {
		return messages.BatchID{}, false, nil
	}
	return batches[0].id, true, nil
}
