package store

import (
	"errors"
	"testing"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/vdaf"
)

func testTaskConfig(queryKind messages.QueryKind) *dap.TaskConfig {
	return &dap.TaskConfig{
		Version:       messages.Draft07,
		TimePrecision: 3600,
		Expiration:    1700000000,
		MinBatchSize:  1,
		Query:         dap.QueryConfig{Kind: queryKind, MaxBatchSize: 2},
		Vdaf:          vdaf.Config{Type: vdaf.Prio3Count},
	}
}

func testReport(id byte, time messages.Time) *messages.Report {
	return &messages.Report{
		Metadata:    messages.ReportMetadata{ID: messages.ReportID{id}, Time: time},
		PublicShare: []byte("public share"),
		EncryptedInputShares: []messages.HpkeCiphertext{
			{ConfigID: 1, Enc: []byte("enc"), Payload: []byte("leader")},
			{ConfigID: 2, Enc: []byte("enc"), Payload: []byte("helper")},
		},
	}
}

// Both backends must satisfy the same contract.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	taskID := messages.TaskID{1}

	t.Run("pending_reports", func(t *testing.T) {
		s := open(t)
		taskCfg := testTaskConfig(messages.QueryTimeInterval)

		if err := s.PutPendingReport(taskCfg, taskID, testReport(1, 7300)); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.PutPendingReport(taskCfg, taskID, testReport(1, 7300)); !errors.Is(err, ErrReportExists) {
			t.Fatalf("duplicate put: got %v, want ErrReportExists", err)
		}
		if err := s.PutPendingReport(taskCfg, taskID, testReport(2, 7400)); err != nil {
			t.Fatalf("put: %v", err)
		}

		grouped, err := s.DrainPendingReports(taskCfg, taskID, ReportSelector{})
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		sel := messages.PartialBatchSelector{Kind: messages.QueryTimeInterval}
		if len(grouped[sel]) != 2 {
			t.Fatalf("drained %d reports, want 2", len(grouped[sel]))
		}

		grouped, err = s.DrainPendingReports(taskCfg, taskID, ReportSelector{})
		if err != nil {
			t.Fatalf("second drain: %v", err)
		}
		if len(grouped) != 0 {
			t.Fatalf("second drain should be empty, got %d groups", len(grouped))
		}
	})

	t.Run("drain_cap", func(t *testing.T) {
		s := open(t)
		taskCfg := testTaskConfig(messages.QueryTimeInterval)
		for id := byte(1); id <= 5; id++ {
			if err := s.PutPendingReport(taskCfg, taskID, testReport(id, 7300)); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		grouped, err := s.DrainPendingReports(taskCfg, taskID, ReportSelector{MaxReports: 3})
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		sel := messages.PartialBatchSelector{Kind: messages.QueryTimeInterval}
		if len(grouped[sel]) != 3 {
			t.Fatalf("capped drain: got %d, want 3", len(grouped[sel]))
		}
	})

	t.Run("fixed_size_assignment", func(t *testing.T) {
		s := open(t)
		taskCfg := testTaskConfig(messages.QueryFixedSizeByBatchID)
		for id := byte(1); id <= 5; id++ {
			if err := s.PutPendingReport(taskCfg, taskID, testReport(id, 7300)); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		grouped, err := s.DrainPendingReports(taskCfg, taskID, ReportSelector{})
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		// Max batch size 2, five reports: three batches of 2, 2, 1.
		if len(grouped) != 3 {
			t.Fatalf("batch count: got %d, want 3", len(grouped))
		}
		total := 0
		for sel, reports := range grouped {
			if sel.Kind != messages.QueryFixedSizeByBatchID {
				t.Fatalf("selector kind: got %v", sel.Kind)
			}
			if len(reports) > 2 {
				t.Fatalf("batch holds %d reports, max is 2", len(reports))
			}
			total += len(reports)
		}
		if total != 5 {
			t.Fatalf("assigned %d reports, want 5", total)
		}

		batchID, found, err := s.CurrentBatch(taskID)
		if err != nil || !found {
			t.Fatalf("current batch: %v found=%v", err, found)
		}

		// Collecting the current batch advances the queue.
		bucket := dap.BatchBucket{Kind: messages.QueryFixedSizeByBatchID, BatchID: batchID}
		if err := s.MarkCollected(taskID, bucket); err != nil {
			t.Fatalf("mark collected: %v", err)
		}
		next, found, err := s.CurrentBatch(taskID)
		if err != nil {
			t.Fatalf("current batch: %v", err)
		}
		if found && next == batchID {
			t.Fatal("collected batch should not be current again")
		}
	})

	t.Run("mark_aggregated_replay", func(t *testing.T) {
		s := open(t)
		ids := []messages.ReportID{{1}, {2}, {3}}
		replayed, err := s.MarkAggregated(taskID, ids)
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		if len(replayed) != 0 {
			t.Fatalf("first mark: got %d replays, want 0", len(replayed))
		}

		replayed, err = s.MarkAggregated(taskID, []messages.ReportID{{2}, {4}})
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		if len(replayed) != 1 {
			t.Fatalf("second mark: got %d replays, want 1", len(replayed))
		}
		if _, ok := replayed[messages.ReportID{2}]; !ok {
			t.Fatal("report 2 should be in the replay set")
		}

		aggregated, err := s.IsAggregated(taskID, messages.ReportID{3})
		if err != nil || !aggregated {
			t.Fatalf("IsAggregated(3): %v %v", aggregated, err)
		}
		aggregated, err = s.IsAggregated(taskID, messages.ReportID{9})
		if err != nil || aggregated {
			t.Fatalf("IsAggregated(9): %v %v", aggregated, err)
		}
	})

	t.Run("agg_store_collected_refusal", func(t *testing.T) {
		s := open(t)
		bucket := dap.BatchBucket{Kind: messages.QueryTimeInterval, BatchWindow: 7200}
		delta := dap.AggregateShareDelta{
			Data:        []uint64{1},
			ReportCount: 1,
			MinTime:     7300,
			MaxTime:     7300,
			Checksum:    [32]byte{5},
		}
		if err := s.MergeAggShare(taskID, bucket, delta); err != nil {
			t.Fatalf("merge: %v", err)
		}
		if err := s.MergeAggShare(taskID, bucket, delta); err != nil {
			t.Fatalf("second merge: %v", err)
		}

		got, err := s.GetAggShare(taskID, bucket)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ReportCount != 2 || got.Data[0] != 2 {
			t.Fatalf("merged share: %+v", got)
		}
		// XOR of an even number of identical checksums cancels out.
		if got.Checksum != ([32]byte{}) {
			t.Fatalf("checksum fold: %v", got.Checksum)
		}

		collected, err := s.CheckCollected(taskID, bucket)
		if err != nil || collected {
			t.Fatalf("CheckCollected before: %v %v", collected, err)
		}
		if err := s.MarkCollected(taskID, bucket); err != nil {
			t.Fatalf("mark collected: %v", err)
		}
		collected, err = s.CheckCollected(taskID, bucket)
		if err != nil || !collected {
			t.Fatalf("CheckCollected after: %v %v", collected, err)
		}
		if err := s.MergeAggShare(taskID, bucket, delta); !errors.Is(err, ErrBatchCollected) {
			t.Fatalf("merge into collected bucket: got %v, want ErrBatchCollected", err)
		}
	})

	t.Run("helper_state", func(t *testing.T) {
		s := open(t)
		stored, err := s.PutHelperStateIfNotExists(taskID, "job-a", []byte("state"))
		if err != nil || !stored {
			t.Fatalf("put: %v %v", stored, err)
		}
		stored, err = s.PutHelperStateIfNotExists(taskID, "job-a", []byte("other"))
		if err != nil || stored {
			t.Fatalf("duplicate put should report existing: %v %v", stored, err)
		}

		state, found, err := s.TakeHelperState(taskID, "job-a")
		if err != nil || !found || string(state) != "state" {
			t.Fatalf("take: %q %v %v", state, found, err)
		}
		_, found, err = s.TakeHelperState(taskID, "job-a")
		if err != nil || found {
			t.Fatalf("second take should miss: %v %v", found, err)
		}
	})

	t.Run("collect_jobs", func(t *testing.T) {
		s := open(t)
		taskCfg := testTaskConfig(messages.QueryTimeInterval)
		req := &messages.CollectionReq{
			Query: messages.Query{
				Kind:          messages.QueryTimeInterval,
				BatchInterval: messages.Interval{Start: 7200, Duration: 3600},
			},
			AggParam: []byte{},
		}

		jobID, err := s.PutCollectJob(taskCfg, taskID, nil, req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}

		state, _, err := s.PollCollectJob(taskCfg, taskID, jobID)
		if err != nil || state != CollectJobPending {
			t.Fatalf("poll pending: %v %v", state, err)
		}
		state, _, err = s.PollCollectJob(taskCfg, taskID, messages.CollectionJobID{9})
		if err != nil || state != CollectJobUnknown {
			t.Fatalf("poll unknown: %v %v", state, err)
		}

		lookup := func(messages.TaskID) (*dap.TaskConfig, bool) { return taskCfg, true }
		pending, err := s.ListPendingCollectJobs(lookup)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) != 1 || pending[0].JobID != jobID {
			t.Fatalf("pending jobs: %+v", pending)
		}

		collection := &messages.Collection{
			PartBatchSel: messages.PartialBatchSelector{Kind: messages.QueryTimeInterval},
			ReportCount:  2,
			Interval:     &messages.Interval{Start: 7200, Duration: 3600},
			EncryptedAggShares: []messages.HpkeCiphertext{
				{ConfigID: 1, Enc: []byte("e1"), Payload: []byte("p1")},
				{ConfigID: 1, Enc: []byte("e2"), Payload: []byte("p2")},
			},
		}
		if err := s.FinishCollectJob(taskCfg, taskID, jobID, collection); err != nil {
			t.Fatalf("finish: %v", err)
		}

		state, got, err := s.PollCollectJob(taskCfg, taskID, jobID)
		if err != nil || state != CollectJobProcessed || got == nil {
			t.Fatalf("poll processed: %v %v %v", state, got, err)
		}
		if got.ReportCount != 2 {
			t.Fatalf("collection report count: got %d", got.ReportCount)
		}

		pending, err = s.ListPendingCollectJobs(lookup)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) != 0 {
			t.Fatalf("processed job still listed pending: %+v", pending)
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestBoltStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := Open(t.TempDir())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBoltTaskConfigPersistence(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	taskID := messages.TaskID{7}
	if err := s.PutTaskConfig(taskID, []byte(`{"Version":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	encoded, found, err := s.GetTaskConfig(taskID)
	if err != nil || !found {
		t.Fatalf("get: %v %v", found, err)
	}
	if string(encoded) != `{"Version":2}` {
		t.Fatalf("round trip: %q", encoded)
	}
	_, found, err = s.GetTaskConfig(messages.TaskID{8})
	if err != nil || found {
		t.Fatalf("missing config: %v %v", found, err)
	}
}
