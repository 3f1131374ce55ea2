package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/artifacts"
	"github.com/JakeFAU/precatorio-exporter/internal/dispatcher"
	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/hash/sha256"
	queueMemory "github.com/JakeFAU/precatorio-exporter/internal/queue/memory"
	"github.com/JakeFAU/precatorio-exporter/internal/storage/memory"
	"github.com/JakeFAU/precatorio-exporter/internal/worker"
)

type harness struct {
	orch      *Orchestrator
	repo      *memory.Repository
	extractor *fakeExtractor
	lookup    *fakeLookup
	submitter *recordingSubmitter
	store     *artifacts.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := memory.NewRepository()
	store := artifacts.New(memory.NewBlobStore(), repo, sha256.New(), artifacts.Config{Prefix: "exports"})
	h := &harness{
		repo:      repo,
		extractor: &fakeExtractor{total: 3, failures: map[int]int{}},
		lookup:    &fakeLookup{},
		submitter: &recordingSubmitter{},
		store:     store,
	}
	h.orch = New(Deps{
		Repo:      repo,
		Extractor: h.extractor,
		Lookup:    h.lookup,
		Artifacts: store,
		Submitter: h.submitter,
		IDs:       &sequentialIDs{},
		Clock:     fixedClock{},
	}, Config{}, zap.NewNop())
	return h
}

func (h *harness) createDiscovered(t *testing.T, id string, total int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: id, Params: export.Params{Entity: "42"}}))
	require.NoError(t, h.repo.SetTotalUnits(ctx, id, total))
}

// runUnit drives one attempt the way the worker does: handler, then the
// failure hook on error, then the settled hook.
func (h *harness) runUnit(t *testing.T, exportID string, unit, attempt int) (halted bool, err error) {
	t.Helper()
	ctx := context.Background()
	task := export.Task{ID: fmt.Sprintf("t-%d-%d", unit, attempt), Kind: export.TaskUnit, ExportID: exportID,
		Unit: unit, Attempt: attempt, MaxAttempts: 3}
	err = h.orch.HandleUnit(ctx, task)
	if err != nil {
		halted = h.orch.AttemptFailed(ctx, task, err)
	}
	h.orch.AttemptSettled(ctx, task, err)
	return halted, err
}

func TestStartCreatesExportAndSubmitsDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	exp, err := h.orch.Start(context.Background(), export.Params{Entity: "42", YearStart: 2020, YearEnd: 2024})
	require.NoError(t, err)
	require.Equal(t, "id-1", exp.ID)

	stored, err := h.repo.GetExport(context.Background(), "id-1")
	require.NoError(t, err)
	require.False(t, stored.Discovered())
	require.Equal(t, []submission{{kind: export.TaskDiscover, exportID: "id-1"}}, h.submitter.all())
}

func TestDiscoverSubmitsUnitsInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor.total = 4
	ctx := context.Background()
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "exp-1"}))

	require.NoError(t, h.orch.HandleDiscover(ctx, export.Task{Kind: export.TaskDiscover, ExportID: "exp-1", Attempt: 1}))

	exp, err := h.repo.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	require.Equal(t, 4, *exp.TotalUnits)
	require.Equal(t, []int{1, 2, 3, 4}, h.submitter.units(export.TaskUnit))
}

func TestDiscoverClampsToMaxUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor.total = 40
	ctx := context.Background()
	maxUnits := 2
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "exp-1", Params: export.Params{MaxUnits: &maxUnits}}))

	require.NoError(t, h.orch.HandleDiscover(ctx, export.Task{Kind: export.TaskDiscover, ExportID: "exp-1"}))

	exp, err := h.repo.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	require.Equal(t, 2, *exp.TotalUnits)
	require.Equal(t, []int{1, 2}, h.submitter.units(export.TaskUnit))
}

func TestClamp(t *testing.T) {
	t.Parallel()

	two, zero := 2, 0
	tests := []struct {
		name     string
		reported int
		maxUnits *int
		cap      int
		want     int
	}{
		{name: "no indicator defaults to one", reported: 0, want: 1},
		{name: "reported", reported: 7, want: 7},
		{name: "caller limit", reported: 7, maxUnits: &two, want: 2},
		{name: "caller limit above reported", reported: 1, maxUnits: &two, want: 1},
		{name: "zero limit is ignored", reported: 5, maxUnits: &zero, want: 5},
		{name: "service cap", reported: 500, cap: 100, want: 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := New(Deps{}, Config{MaxUnitsCap: tc.cap}, nil)
			require.Equal(t, tc.want, o.clamp(tc.reported, tc.maxUnits))
		})
	}
}

func TestDiscoveryFailureClosesExport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor.discoverErr = errors.New("entity field not found")
	ctx := context.Background()
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "exp-1"}))

	require.NoError(t, h.orch.HandleDiscover(ctx, export.Task{Kind: export.TaskDiscover, ExportID: "exp-1"}))

	exp, err := h.repo.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	require.True(t, exp.Complete)
	require.False(t, exp.Discovered())

	arts, err := h.repo.ListArtifacts(ctx, "exp-1")
	require.NoError(t, err)
	require.Empty(t, arts)

	errs, err := h.repo.ListProcessErrors(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "entity field not found")
	require.Empty(t, h.submitter.all())
}

func TestDiscoverRetryResubmitsOnlyMissingUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 3)
	ctx := context.Background()
	require.NoError(t, h.repo.RecordArtifact(ctx, export.Artifact{ExportID: "exp-1", Unit: 2}))

	require.NoError(t, h.orch.HandleDiscover(ctx, export.Task{Kind: export.TaskDiscover, ExportID: "exp-1", Attempt: 2}))
	require.Equal(t, []int{1, 3}, h.submitter.units(export.TaskUnit))
	require.Zero(t, h.extractor.discoverCalls.Load())
}

func TestDiscoverRetryAfterPartialSubmitSkipsQueuedUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor.total = 4
	h.submitter.failUnitOnce = 3
	ctx := context.Background()
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "exp-1"}))

	err := h.orch.HandleDiscover(ctx, export.Task{Kind: export.TaskDiscover, ExportID: "exp-1", Attempt: 1})
	require.Error(t, err)
	require.Equal(t, []int{1, 2}, h.submitter.units(export.TaskUnit))

	require.NoError(t, h.orch.HandleDiscover(ctx, export.Task{Kind: export.TaskDiscover, ExportID: "exp-1", Attempt: 2}))
	require.Equal(t, []int{1, 2, 3, 4}, h.submitter.units(export.TaskUnit))
	require.EqualValues(t, 1, h.extractor.discoverCalls.Load())
}

func TestUnitFailingTwiceStillCompletesWithOneNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 3)
	h.extractor.failures[2] = 99

	halted, err := h.runUnit(t, "exp-1", 1, 1)
	require.NoError(t, err)
	require.False(t, halted)

	halted, err = h.runUnit(t, "exp-1", 2, 1)
	require.Error(t, err)
	require.False(t, halted)

	halted, err = h.runUnit(t, "exp-1", 2, 2)
	require.Error(t, err)
	require.True(t, halted, "unit reaching the threshold must stop pool retries")

	exp, gerr := h.repo.GetExport(context.Background(), "exp-1")
	require.NoError(t, gerr)
	require.False(t, exp.Complete)

	_, err = h.runUnit(t, "exp-1", 3, 1)
	require.NoError(t, err)

	exp, gerr = h.repo.GetExport(context.Background(), "exp-1")
	require.NoError(t, gerr)
	require.True(t, exp.Complete)
	require.Len(t, h.submitter.units(export.TaskNotify), 1)

	flipped, cerr := h.orch.CheckCompletion(context.Background(), "exp-1")
	require.NoError(t, cerr)
	require.False(t, flipped)
	require.Len(t, h.submitter.units(export.TaskNotify), 1)
}

func TestFailureLedgerCountsAndOverwritesReason(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 5)
	h.extractor.failures[4] = 2
	ctx := context.Background()

	_, _ = h.runUnit(t, "exp-1", 4, 1)
	failures, err := h.repo.ListFailures(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].Attempts)
	require.Equal(t, "unit 4 extract: attempt 1 of unit 4 failed", failures[0].Reason)

	_, _ = h.runUnit(t, "exp-1", 4, 2)
	failures, err = h.repo.ListFailures(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, 2, failures[0].Attempts)
	require.Equal(t, "unit 4 extract: attempt 2 of unit 4 failed", failures[0].Reason)

	// A later success removes the entry.
	_, err = h.runUnit(t, "exp-1", 4, 3)
	require.NoError(t, err)
	failures, err = h.repo.ListFailures(ctx, "exp-1")
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestUnitEnrichmentFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 1)
	h.lookup.failKey = "0001234-56.2019.8.13.0024"
	ctx := context.Background()

	_, err := h.runUnit(t, "exp-1", 1, 1)
	require.NoError(t, err)

	records, err := h.store.ReadAll(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Contains(t, string(records[0]), `"parties":[]`)
	require.Contains(t, string(records[1]), `"name":"Party of 0009999-00.2020.8.13.0024"`)
	require.Contains(t, string(records[2]), `"parties":[]`)

	errs, err := h.repo.ListProcessErrors(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, h.lookup.failKey)

	exp, err := h.repo.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	require.True(t, exp.Complete)
}

func TestUnitLookupsAreBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 1)
	h.extractor.rowsPerUnit = 20
	h.lookup.delay = 5 * time.Millisecond

	_, err := h.runUnit(t, "exp-1", 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 20, h.lookup.calls.Load())
	require.LessOrEqual(t, h.lookup.peak.Load(), int32(defaultLookupConcurrency))
}

func TestUnitSkipsCompletedExport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 2)
	_, err := h.repo.MarkComplete(context.Background(), "exp-1")
	require.NoError(t, err)

	_, err = h.runUnit(t, "exp-1", 1, 3)
	require.NoError(t, err)
	require.Zero(t, h.extractor.extractCalls.Load())
	arts, err := h.repo.ListArtifacts(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Empty(t, arts)
}

func TestUnitWithoutRecordsIsAnExtractionError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 1)
	h.extractor.rowsPerUnit = -1

	err := h.orch.HandleUnit(context.Background(), export.Task{Kind: export.TaskUnit, ExportID: "exp-1", Unit: 1})
	var unitErr *export.UnitError
	require.ErrorAs(t, err, &unitErr)
	require.Equal(t, export.StageExtract, unitErr.Stage)
	require.ErrorIs(t, err, export.ErrNoRecords)
}

func TestUnitDropsRecordsWithoutDetails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 1)
	h.extractor.rowsPerUnit = 3
	h.extractor.detailFailEvery = 2
	h.orch.lookup = nil
	ctx := context.Background()

	require.NoError(t, h.orch.HandleUnit(ctx, export.Task{Kind: export.TaskUnit, ExportID: "exp-1", Unit: 1}))

	docs, err := h.store.ReadAll(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.NotContains(t, string(docs[0])+string(docs[1]), `"precatorio":"1"`)

	perrs, err := h.repo.ListProcessErrors(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, perrs, 1)
	require.Contains(t, perrs[0].Message, "details failed for precatorio 1")
}

func TestUnitWhoseDetailsAllFailIsAnExtractionError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 1)
	h.extractor.rowsPerUnit = 2
	h.extractor.detailFailEvery = 1
	h.orch.lookup = nil

	err := h.orch.HandleUnit(context.Background(), export.Task{Kind: export.TaskUnit, ExportID: "exp-1", Unit: 1})
	require.ErrorIs(t, err, export.ErrNoRecords)

	perrs, lerr := h.repo.ListProcessErrors(context.Background(), "exp-1")
	require.NoError(t, lerr)
	require.Len(t, perrs, 2)
}

func TestCompletionRequiresDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "exp-1"}))
	require.NoError(t, h.repo.RecordArtifact(ctx, export.Artifact{ExportID: "exp-1", Unit: 1}))

	flipped, err := h.orch.CheckCompletion(ctx, "exp-1")
	require.NoError(t, err)
	require.False(t, flipped)
}

func TestCompletionCountsDistinctUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 2)
	ctx := context.Background()
	require.NoError(t, h.repo.RecordArtifact(ctx, export.Artifact{ExportID: "exp-1", Unit: 1}))
	// A stale entry for a unit that also has an artifact must not count twice.
	for i := 0; i < 2; i++ {
		_, err := h.repo.RecordFailure(ctx, "exp-1", 1, "stale")
		require.NoError(t, err)
	}

	flipped, err := h.orch.CheckCompletion(ctx, "exp-1")
	require.NoError(t, err)
	require.False(t, flipped)
}

func TestConcurrentCompletionSubmitsOneNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 1)
	ctx := context.Background()
	require.NoError(t, h.repo.RecordArtifact(ctx, export.Artifact{ExportID: "exp-1", Unit: 1}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.CheckCompletion(ctx, "exp-1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, h.submitter.units(export.TaskNotify), 1)
}

func TestSweepCompletesStrandedExports(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.createDiscovered(t, "stranded", 1)
	require.NoError(t, h.repo.RecordArtifact(ctx, export.Artifact{ExportID: "stranded", Unit: 1}))
	h.createDiscovered(t, "running", 2)
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "undiscovered"}))

	completed, err := h.orch.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, completed)
	require.Equal(t, []string{"stranded"}, h.submitter.exports(export.TaskNotify))
}

func TestStatusReportsLedgerAndErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createDiscovered(t, "exp-1", 3)
	h.extractor.failures[2] = 1
	ctx := context.Background()

	_, _ = h.runUnit(t, "exp-1", 1, 1)
	_, _ = h.runUnit(t, "exp-1", 2, 1)
	require.NoError(t, h.repo.AddProcessError(ctx, export.ProcessError{ExportID: "exp-1", Message: "note"}))

	st, err := h.orch.Status(ctx, "exp-1")
	require.NoError(t, err)
	require.Equal(t, 2, st.ProcessedUnits)
	require.Equal(t, 3, *st.TotalUnits)
	require.Len(t, st.Failures, 1)
	require.Len(t, st.Errors, 1)

	all, err := h.orch.ListStatus(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = h.orch.Status(ctx, "missing")
	require.ErrorIs(t, err, export.ErrNotFound)
}

func TestAttemptFailedRecordsFinalDiscoveryAndNotifyFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repo.CreateExport(ctx, export.Export{ID: "exp-1"}))

	discover := export.Task{Kind: export.TaskDiscover, ExportID: "exp-1", Attempt: 1, MaxAttempts: 3}
	require.False(t, h.orch.AttemptFailed(ctx, discover, errors.New("queue down")))
	exp, err := h.repo.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	require.False(t, exp.Complete)

	discover.Attempt = 3
	require.False(t, h.orch.AttemptFailed(ctx, discover, errors.New("queue down")))
	exp, err = h.repo.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	require.True(t, exp.Complete)

	notify := export.Task{Kind: export.TaskNotify, ExportID: "exp-1", Attempt: 3, MaxAttempts: 3}
	require.False(t, h.orch.AttemptFailed(ctx, notify, errors.New("settings unavailable")))
	errs, err := h.repo.ListProcessErrors(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, errs, 2)
	require.True(t, strings.HasPrefix(errs[1].Message, "notification task failed"))
}

// TestPoolEndToEnd runs the real dispatcher and worker pool over the
// memory queue: unit 2 always fails and must stop after two attempts.
func TestPoolEndToEnd(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	store := artifacts.New(memory.NewBlobStore(), repo, sha256.New(), artifacts.Config{})
	extractor := &fakeExtractor{total: 3, failures: map[int]int{2: 99}}
	queue := queueMemory.NewQueue(32)
	retry := worker.NewExponentialRetryPolicy(worker.RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
	})
	pool := dispatcher.New(queue, &sequentialIDs{}, fixedClock{}, retry, dispatcher.Config{Concurrency: 3}, zap.NewNop())
	orch := New(Deps{
		Repo:      repo,
		Extractor: extractor,
		Artifacts: store,
		Submitter: pool,
		IDs:       &sequentialIDs{},
		Clock:     fixedClock{},
	}, Config{}, zap.NewNop())

	var notified atomic.Int32
	pool.Handle(export.TaskDiscover, worker.HandlerFunc(orch.HandleDiscover))
	pool.Handle(export.TaskUnit, worker.HandlerFunc(orch.HandleUnit))
	pool.Handle(export.TaskNotify, worker.HandlerFunc(func(context.Context, export.Task) error {
		notified.Add(1)
		return nil
	}))
	pool.SetHooks(orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	exp, err := orch.Start(ctx, export.Params{Entity: "42", YearStart: 2020, YearEnd: 2021})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return notified.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	final, err := repo.GetExport(context.Background(), exp.ID)
	require.NoError(t, err)
	require.True(t, final.Complete)

	failures, err := repo.ListFailures(context.Background(), exp.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, 2, failures[0].Attempts)
	require.EqualValues(t, 2, extractor.attemptsOf(2))

	arts, err := repo.ListArtifacts(context.Background(), exp.ID)
	require.NoError(t, err)
	require.Len(t, arts, 2)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, notified.Load())
}

func TestPoolOutgrowsInitialQueueBuffer(t *testing.T) {
	t.Parallel()

	const units = 40
	failing := make(map[int]int, units)
	for unit := 1; unit <= units; unit++ {
		failing[unit] = 99
	}
	repo := memory.NewRepository()
	store := artifacts.New(memory.NewBlobStore(), repo, sha256.New(), artifacts.Config{})
	extractor := &fakeExtractor{total: units, failures: failing}
	queue := queueMemory.NewQueue(4)
	retry := worker.NewExponentialRetryPolicy(worker.RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
	})
	pool := dispatcher.New(queue, &sequentialIDs{}, fixedClock{}, retry, dispatcher.Config{Concurrency: 3}, zap.NewNop())
	orch := New(Deps{
		Repo:      repo,
		Extractor: extractor,
		Artifacts: store,
		Submitter: pool,
		IDs:       &sequentialIDs{},
		Clock:     fixedClock{},
	}, Config{}, zap.NewNop())

	var notified atomic.Int32
	pool.Handle(export.TaskDiscover, worker.HandlerFunc(orch.HandleDiscover))
	pool.Handle(export.TaskUnit, worker.HandlerFunc(orch.HandleUnit))
	pool.Handle(export.TaskNotify, worker.HandlerFunc(func(context.Context, export.Task) error {
		notified.Add(1)
		return nil
	}))
	pool.SetHooks(orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	const exports = 3
	for i := range exports {
		_, err := orch.Start(ctx, export.Params{Entity: fmt.Sprintf("entity-%d", i), YearStart: 2020, YearEnd: 2021})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return notified.Load() == exports }, 10*time.Second, 10*time.Millisecond)
	require.EqualValues(t, exports*units*2, extractor.extractCalls.Load())
	require.Zero(t, queue.Len())
}

type fakeExtractor struct {
	total         int
	discoverErr   error
	rowsPerUnit   int
	discoverCalls atomic.Int32
	extractCalls  atomic.Int32
	// detailFailEvery marks every n-th generated row as missing its details.
	detailFailEvery int

	mu       sync.Mutex
	failures map[int]int // unit -> number of leading attempts that fail
	attempts map[int]int
}

func (f *fakeExtractor) Discover(context.Context, export.Params) (int, error) {
	f.discoverCalls.Add(1)
	if f.discoverErr != nil {
		return 0, f.discoverErr
	}
	return f.total, nil
}

func (f *fakeExtractor) ExtractUnit(_ context.Context, _ export.Params, unit int) ([]export.Record, error) {
	f.extractCalls.Add(1)
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = map[int]int{}
	}
	f.attempts[unit]++
	attempt := f.attempts[unit]
	fail := attempt <= f.failures[unit]
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("attempt %d of unit %d failed", attempt, unit)
	}

	switch {
	case f.rowsPerUnit < 0:
		return nil, nil
	case f.rowsPerUnit > 0:
		out := make([]export.Record, f.rowsPerUnit)
		for i := range out {
			out[i] = export.Record{
				Fields:    map[string]string{"precatorio": fmt.Sprint(i)},
				LookupKey: fmt.Sprintf("%07d-00.2020.8.13.0024", i),
			}
			if f.detailFailEvery > 0 && (i+1)%f.detailFailEvery == 0 {
				out[i].DetailErr = errors.New("detail dialog timed out")
			}
		}
		return out, nil
	}
	return []export.Record{
		{Fields: map[string]string{"credor": "A"}, LookupKey: "0001234-56.2019.8.13.0024"},
		{Fields: map[string]string{"credor": "B"}, LookupKey: "0009999-00.2020.8.13.0024"},
		{Fields: map[string]string{"credor": "C"}},
	}, nil
}

func (f *fakeExtractor) attemptsOf(unit int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[unit]
}

type fakeLookup struct {
	failKey  string
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeLookup) LookupParties(_ context.Context, key string) ([]export.Party, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if key == f.failKey {
		return nil, errors.New("lookup source unavailable")
	}
	return []export.Party{{Name: "Party of " + key, Role: "CREDOR"}}, nil
}

type submission struct {
	kind     export.TaskKind
	exportID string
	unit     int
}

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []submission
	// failUnitOnce makes the first submission of that unit fail.
	failUnitOnce int
}

func (r *recordingSubmitter) Submit(_ context.Context, kind export.TaskKind, exportID string, unit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == export.TaskUnit && r.failUnitOnce != 0 && unit == r.failUnitOnce {
		r.failUnitOnce = 0
		return errors.New("queue unavailable")
	}
	r.subs = append(r.subs, submission{kind: kind, exportID: exportID, unit: unit})
	return nil
}

func (r *recordingSubmitter) all() []submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submission(nil), r.subs...)
}

func (r *recordingSubmitter) units(kind export.TaskKind) []int {
	var out []int
	for _, s := range r.all() {
		if s.kind == kind {
			out = append(out, s.unit)
		}
	}
	return out
}

func (r *recordingSubmitter) exports(kind export.TaskKind) []string {
	var out []string
	for _, s := range r.all() {
		if s.kind == kind {
			out = append(out, s.exportID)
		}
	}
	return out
}

type sequentialIDs struct {
	n atomic.Int32
}

func (s *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
}
