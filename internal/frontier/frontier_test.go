package frontier

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crawlfrontier/pkg/types"
)

type stubWorker struct {
	id    string
	ended []int64
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) OnSeedEnd(seed int64) { w.ended = append(w.ended, seed) }

// stubFetcher keeps the next-fetch-time table the way the real fetcher does,
// without any HTTP machinery.
type stubFetcher struct {
	mu    sync.Mutex
	delay time.Duration
	next  map[string]time.Time
}

func newStubFetcher(delay time.Duration) *stubFetcher {
	return &stubFetcher{delay: delay, next: make(map[string]time.Time)}
}

func (p *stubFetcher) NextFetchTime(host string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next[host]
}

func (p *stubFetcher) Select(u types.WebURL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next[u.Host] = time.Now().Add(p.delay)
}

func (p *stubFetcher) Unselect(u types.WebURL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.next, u.Host)
}

func newTestFrontier(t *testing.T, cfg Config) *Frontier {
	t.Helper()
	if cfg.StorageFolder == "" {
		cfg.StorageFolder = t.TempDir()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("open frontier: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func testURL(docid, seed int64, priority int8, depth uint16, host string) types.WebURL {
	return types.WebURL{
		Docid:     docid,
		SeedDocid: seed,
		Priority:  priority,
		Depth:     depth,
		URL:       "http://" + host + "/",
		Host:      host,
	}
}

func mustSchedule(t *testing.T, f *Frontier, u types.WebURL) {
	t.Helper()
	added, err := f.Schedule(u)
	if err != nil {
		t.Fatalf("schedule doc %d: %v", u.Docid, err)
	}
	if !added {
		t.Fatalf("schedule doc %d: rejected as duplicate", u.Docid)
	}
}

func mustValidate(t *testing.T, f *Frontier) {
	t.Helper()
	if err := f.Validate(); err != nil {
		t.Fatalf("frontier invalid: %v", err)
	}
}

func claimNext(t *testing.T, f *Frontier, w Worker, pf PageFetcher) types.WebURL {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u := f.NextURL(ctx, w, pf)
	if u == nil {
		t.Fatal("expected a URL, frontier returned nil")
	}
	return *u
}

func TestPriorityOrder(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	mustSchedule(t, f, testURL(1, 1, 0, 0, "www.test.com"))
	mustSchedule(t, f, testURL(2, 1, -1, 1, "www.test.com"))
	mustSchedule(t, f, testURL(3, 1, -2, 2, "www.test.com"))
	mustSchedule(t, f, testURL(5, 1, 1, 3, "www.test.com"))
	mustSchedule(t, f, testURL(4, 1, 1, 3, "www.test.com"))

	if got := f.QueueSize(); got != 5 {
		t.Fatalf("queue size %d, want 5", got)
	}
	mustValidate(t, f)

	// Lower priority first, ties broken by depth and then discovery order.
	want := []int64{3, 2, 1, 4, 5}
	for i, docid := range want {
		u := claimNext(t, f, w, pf)
		if u.Docid != docid {
			t.Fatalf("dispatch %d: got doc %d, want %d", i, u.Docid, docid)
		}
		if got := f.NumInProgress(); got != 1 {
			t.Fatalf("dispatch %d: %d in progress, want 1", i, got)
		}
		if got := f.QueueSize(); got != 5-i {
			t.Fatalf("dispatch %d: queue size %d, want %d", i, got, 5-i)
		}
		if err := f.SetProcessed(w, u); err != nil {
			t.Fatalf("set processed doc %d: %v", u.Docid, err)
		}
		pf.Unselect(u)
		mustValidate(t, f)
	}
	if got := f.QueueSize(); got != 0 {
		t.Fatalf("queue size %d after drain, want 0", got)
	}
}

func TestHeadInsertAfterCompletion(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	mustSchedule(t, f, testURL(1, 1, -2, 0, "www.test.com"))
	mustSchedule(t, f, testURL(2, 1, -1, 1, "www.test.com"))

	u := claimNext(t, f, w, pf)
	if u.Docid != 1 {
		t.Fatalf("claimed doc %d, want 1", u.Docid)
	}
	if err := f.SetProcessed(w, u); err != nil {
		t.Fatal(err)
	}
	pf.Unselect(u)
	mustValidate(t, f)

	mustSchedule(t, f, testURL(3, 1, 0, 2, "www.test.com"))
	mustValidate(t, f)

	if u := claimNext(t, f, w, pf); u.Docid != 2 {
		t.Fatalf("claimed doc %d, want 2", u.Docid)
	}
}

func TestScheduleAllAndRemoveOffspring(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})

	mustSchedule(t, f, testURL(1, 1, -2, 0, "www.test.com"))
	mustSchedule(t, f, testURL(2, 1, 0, 2, "www.test.com"))

	batch := []types.WebURL{
		testURL(3, 1, -1, 2, "www.test.com"),
		testURL(4, 1, -1, 2, "www.test.com"),
		testURL(5, 1, -1, 2, "www.test.com"),
	}
	rejected, err := f.ScheduleAll(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 0 {
		t.Fatalf("%d urls rejected, want 0", len(rejected))
	}
	if got := f.QueueSize(); got != 5 {
		t.Fatalf("queue size %d, want 5", got)
	}
	if got := f.NumOffspring(1); got != 5 {
		t.Fatalf("offspring count %d, want 5", got)
	}
	mustValidate(t, f)

	// A second batch with the same docids must bounce off the store.
	rejected, err = f.ScheduleAll(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != len(batch) {
		t.Fatalf("%d duplicates rejected, want %d", len(rejected), len(batch))
	}

	removed, err := f.RemoveOffspring(1)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 5 {
		t.Fatalf("removed %d urls, want 5", removed)
	}
	if got := f.NumOffspring(1); got != 0 {
		t.Fatalf("offspring count %d after removal, want 0", got)
	}
	if got := f.QueueSize(); got != 0 {
		t.Fatalf("queue size %d after removal, want 0", got)
	}
	mustValidate(t, f)
}

func TestPoliteness(t *testing.T) {
	delay := 200 * time.Millisecond
	f := newTestFrontier(t, Config{Resumable: true, PolitenessDelay: delay})
	pf := newStubFetcher(delay)
	w1 := &stubWorker{id: "w1"}
	w2 := &stubWorker{id: "w2"}
	w3 := &stubWorker{id: "w3"}

	mustSchedule(t, f, testURL(1, 1, 0, 0, "a.test.com"))
	mustSchedule(t, f, testURL(2, 1, 0, 1, "a.test.com"))
	mustSchedule(t, f, testURL(3, 3, 0, 0, "b.test.com"))

	u1 := claimNext(t, f, w1, pf)
	if u1.Host != "a.test.com" {
		t.Fatalf("first claim on host %s, want a.test.com", u1.Host)
	}

	// Host a still has its first URL claimed, so only b is eligible.
	u2 := claimNext(t, f, w2, pf)
	if u2.Host != "b.test.com" {
		t.Fatalf("second claim on host %s, want b.test.com", u2.Host)
	}

	// Both hosts are unavailable now; a third worker must come up empty.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	u3 := f.NextURL(shortCtx, w3, pf)
	cancel()
	if u3 != nil {
		t.Fatalf("expected nil inside politeness window, got doc %d", u3.Docid)
	}

	time.Sleep(delay)
	if err := f.SetProcessed(w1, u1); err != nil {
		t.Fatal(err)
	}

	// The politeness window has elapsed; host a's remaining URL is up.
	u4 := claimNext(t, f, w3, pf)
	if u4.Docid != 2 {
		t.Fatalf("claimed doc %d after window, want 2", u4.Docid)
	}
	mustValidate(t, f)
}

func TestAbandonRequeues(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(time.Minute)
	w := &stubWorker{id: "w1"}

	mustSchedule(t, f, testURL(1, 1, 0, 0, "www.test.com"))
	u := claimNext(t, f, w, pf)

	f.Abandon(w, u, pf)
	if got := f.NumInProgress(); got != 0 {
		t.Fatalf("%d in progress after abandon, want 0", got)
	}
	if got := f.QueueSize(); got != 1 {
		t.Fatalf("queue size %d after abandon, want 1", got)
	}
	if got := f.NumOffspring(1); got != 1 {
		t.Fatalf("offspring count %d after abandon, want 1", got)
	}
	mustValidate(t, f)

	// Unselect made the host immediately eligible again despite the long
	// politeness delay, and the same URL comes back.
	again := claimNext(t, f, w, pf)
	if again.Docid != u.Docid {
		t.Fatalf("reclaim returned doc %d, want %d", again.Docid, u.Docid)
	}
}

func TestRemoveOffspringOrphansClaim(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	for docid := int64(11); docid <= 15; docid++ {
		mustSchedule(t, f, testURL(docid, 10, 0, uint16(docid-10), "www.test.com"))
	}

	u := claimNext(t, f, w, pf)
	if u.Docid != 11 {
		t.Fatalf("claimed doc %d, want 11", u.Docid)
	}

	removed, err := f.RemoveOffspring(10)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 5 {
		t.Fatalf("removed %d urls, want 5", removed)
	}
	if got := f.NumOffspring(10); got != 0 {
		t.Fatalf("offspring count %d, want 0", got)
	}
	if got := f.NumInProgress(); got != 1 {
		t.Fatalf("%d in progress, want 1 (orphaned claim)", got)
	}
	mustValidate(t, f)

	// Completing the orphaned URL is a no-op against the store but still
	// clears the assignment and reports the seed as drained.
	if err := f.SetProcessed(w, u); err != nil {
		t.Fatal(err)
	}
	if got := f.NumInProgress(); got != 0 {
		t.Fatalf("%d in progress after orphan completion, want 0", got)
	}
	if len(w.ended) != 1 || w.ended[0] != 10 {
		t.Fatalf("seed-end notifications %v, want [10]", w.ended)
	}
	mustValidate(t, f)
}

func TestInsertBelowClaimedHead(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	mustSchedule(t, f, testURL(1, 1, 0, 0, "www.test.com"))
	u := claimNext(t, f, w, pf)

	// A lower-keyed URL shows up while the old head is being fetched.
	mustSchedule(t, f, testURL(2, 1, -5, 0, "www.test.com"))
	mustValidate(t, f)

	if err := f.SetProcessed(w, u); err != nil {
		t.Fatal(err)
	}
	pf.Unselect(u)

	next := claimNext(t, f, w, pf)
	if next.Docid != 2 {
		t.Fatalf("claimed doc %d after release, want the newly inserted 2", next.Docid)
	}
}

func TestDuplicateSchedule(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	u := testURL(1, 1, 0, 0, "www.test.com")
	mustSchedule(t, f, u)

	added, err := f.Schedule(u)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("second schedule of the same docid must be rejected")
	}

	claimed := claimNext(t, f, w, pf)
	if err := f.SetProcessed(w, claimed); err != nil {
		t.Fatal(err)
	}

	// Once the record left the store the same key may be scheduled again.
	added, err = f.Schedule(u)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("schedule after the store was emptied must succeed")
	}
}

func TestMaxPagesCap(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true, MaxPages: 2})

	mustSchedule(t, f, testURL(1, 1, 0, 0, "www.test.com"))
	mustSchedule(t, f, testURL(2, 1, 0, 1, "www.test.com"))

	added, err := f.Schedule(testURL(3, 1, 0, 1, "www.test.com"))
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("schedule beyond the page cap must be refused")
	}

	rejected, err := f.ScheduleAll([]types.WebURL{testURL(4, 1, 0, 1, "www.test.com")})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 1 {
		t.Fatalf("%d rejected beyond cap, want 1", len(rejected))
	}
}

func TestScheduleWakesBlockedWorker(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true, PolitenessDelay: 10 * time.Second})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	got := make(chan *types.WebURL, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		got <- f.NextURL(ctx, w, pf)
	}()

	// Give the worker time to block, then feed it. The politeness delay is
	// far longer than the test, so only the wakeup can unblock it.
	time.Sleep(50 * time.Millisecond)
	mustSchedule(t, f, testURL(1, 1, 0, 0, "www.test.com"))

	select {
	case u := <-got:
		if u == nil || u.Docid != 1 {
			t.Fatalf("blocked worker got %v, want doc 1", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked worker was not woken by schedule")
	}
}

func TestFinishUnblocksWorkers(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true, PolitenessDelay: 10 * time.Second})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	got := make(chan *types.WebURL, 1)
	go func() {
		got <- f.NextURL(context.Background(), w, pf)
	}()

	time.Sleep(50 * time.Millisecond)
	f.Finish()

	select {
	case u := <-got:
		if u != nil {
			t.Fatalf("finished frontier returned doc %d, want nil", u.Docid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked worker was not woken by finish")
	}
	if !f.Finished() {
		t.Fatal("frontier should report finished")
	}
}

func TestResumeFromDisk(t *testing.T) {
	folder := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f, err := New(Config{Resumable: true, StorageFolder: folder}, logger)
	if err != nil {
		t.Fatal(err)
	}
	mustSchedule(t, f, testURL(1, 1, -1, 0, "a.test.com"))
	mustSchedule(t, f, testURL(2, 1, 0, 1, "a.test.com"))
	mustSchedule(t, f, testURL(3, 3, 0, 0, "b.test.com"))

	// A URL assigned to a worker at shutdown stays in the store and must
	// come back as freshly queued.
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}
	if u := claimNext(t, f, w, pf); u.Docid != 1 {
		t.Fatalf("claimed doc %d, want 1", u.Docid)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	resumed, err := New(Config{Resumable: true, StorageFolder: folder}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close()

	if got := resumed.QueueSize(); got != 3 {
		t.Fatalf("resumed queue size %d, want 3", got)
	}
	if got := resumed.NumOffspring(1); got != 2 {
		t.Fatalf("resumed offspring of seed 1: %d, want 2", got)
	}
	if got := resumed.NumOffspring(3); got != 1 {
		t.Fatalf("resumed offspring of seed 3: %d, want 1", got)
	}
	if got := resumed.NumInProgress(); got != 0 {
		t.Fatalf("resumed in-progress %d, want 0", got)
	}
	mustValidate(t, resumed)

	if u := claimNext(t, resumed, &stubWorker{id: "w2"}, newStubFetcher(0)); u.Docid != 1 {
		t.Fatalf("resumed dispatch returned doc %d, want 1", u.Docid)
	}
}

func TestCompletionByWrongWorkerPanics(t *testing.T) {
	f := newTestFrontier(t, Config{Resumable: true})
	pf := newStubFetcher(0)
	w := &stubWorker{id: "w1"}

	mustSchedule(t, f, testURL(1, 1, 0, 0, "www.test.com"))
	u := claimNext(t, f, w, pf)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on completion by a worker without the claim")
		}
		if _, ok := r.(*InvariantError); !ok {
			t.Fatalf("panic value %T, want *InvariantError", r)
		}
	}()
	_ = f.SetProcessed(&stubWorker{id: "w2"}, u)
}
