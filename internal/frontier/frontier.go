// Package frontier implements a polite, resumable crawl frontier: an ordered
// URL store with per-host queues, offspring accounting per seed, and a
// dispatcher that hands each worker the next URL whose host may be fetched
// again. All mutable state is guarded by a single mutex; storage mutations
// commit before the matching in-memory change is published, so the two can
// never disagree after a failed write.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"crawlfrontier/pkg/types"
)

// errStoreDesync marks a store mutation that found the ordered store
// disagreeing with the in-memory queues. Always escalated to a fatal
// invariant violation.
var errStoreDesync = errors.New("ordered store out of sync with host queues")

// PageFetcher is the frontier's window on politeness state. It owns the
// per-host next-fetch-time table; the dispatcher queries and updates it
// while holding the frontier mutex, so implementations must be safe to call
// under that lock.
type PageFetcher interface {
	// NextFetchTime returns the earliest wall-clock time at which the host
	// may be fetched again.
	NextFetchTime(host string) time.Time
	// Select informs the fetcher that u has been handed to a worker,
	// pushing the host's next fetch time forward by the politeness delay.
	Select(u types.WebURL)
	// Unselect clears a selection so the host becomes immediately eligible
	// again, used when a worker abandons a URL without fetching it.
	Unselect(u types.WebURL)
}

// Worker identifies a crawl worker to the frontier.
type Worker interface {
	// ID returns a stable identifier for this worker.
	ID() string
	// OnSeedEnd is invoked when the last live offspring of a seed leaves
	// the frontier through this worker.
	OnSeedEnd(seedDocid int64)
}

// Config carries the frontier options.
type Config struct {
	// PolitenessDelay is the minimum gap between successive fetches to the
	// same host.
	PolitenessDelay time.Duration
	// Resumable enables transactional durable storage and recovery of the
	// queue contents across restarts.
	Resumable bool
	// StorageFolder is the root directory for the embedded stores.
	StorageFolder string
	// MaxPages caps the number of URLs the frontier will ever accept.
	// Zero means unlimited.
	MaxPages int64
}

// claim records a URL currently assigned to a worker. A claim becomes
// orphaned when RemoveOffspring deletes its URL out from under the worker;
// the worker's eventual completion then only clears the assignment.
type claim struct {
	url      types.WebURL
	key      urlKey
	host     string
	orphaned bool
}

// Frontier schedules URLs for a set of parallel workers.
type Frontier struct {
	cfg Config
	log *slog.Logger

	store *store

	mu         sync.Mutex
	reg        *registry
	seedCount  map[int64]int
	inProgress map[string]claim
	queued     int
	scheduled  int64
	finished   bool
	wake       chan struct{}
	oplog      *oplog
}

// New opens the frontier stores under cfg.StorageFolder and rebuilds the
// in-memory queues from whatever they contain. URLs that were assigned to a
// worker when a previous process died are indistinguishable from queued ones
// and are simply dispatched again.
func New(cfg Config, logger *slog.Logger) (*Frontier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PolitenessDelay < 0 {
		return nil, fmt.Errorf("politeness delay must be >= 0, got %v", cfg.PolitenessDelay)
	}

	st, err := openStore(cfg.StorageFolder, cfg.Resumable)
	if err != nil {
		return nil, err
	}

	f := &Frontier{
		cfg:        cfg,
		log:        logger,
		store:      st,
		reg:        newRegistry(),
		seedCount:  make(map[int64]int),
		inProgress: make(map[string]claim),
		wake:       make(chan struct{}),
		oplog:      newOplog(64),
	}

	if err := f.rebuild(); err != nil {
		st.close()
		return nil, err
	}
	if f.queued > 0 {
		logger.Info("frontier resumed from disk", "urls", f.queued, "hosts", len(f.reg.queues))
	}
	return f, nil
}

// rebuild reconstructs host queues, the ready list, and the offspring
// counters by a full scan of the ordered store.
func (f *Frontier) rebuild() error {
	derived := make(map[int64]int)
	err := f.store.scanURLs(func(k urlKey, rec types.WebURL) error {
		f.reg.queueFor(rec.Host).insert(queuedURL{key: k, rec: rec})
		derived[rec.SeedDocid]++
		f.queued++
		return nil
	})
	if err != nil {
		return err
	}
	for host := range f.reg.queues {
		f.reg.refreshReady(host)
	}
	f.seedCount = derived
	f.scheduled = int64(f.queued)

	if f.cfg.Resumable {
		persisted, err := f.store.loadSeedCounts()
		if err != nil {
			return err
		}
		for seed, n := range persisted {
			if derived[seed] != n {
				f.fatal("*", "persisted offspring count for seed %d is %d, store scan found %d", seed, n, derived[seed])
			}
		}
		for seed, n := range derived {
			if persisted[seed] != n {
				f.fatal("*", "store scan found %d offspring for seed %d, persisted count is %d", n, seed, persisted[seed])
			}
		}
	}
	return nil
}

// Schedule offers one URL to the frontier. It returns true when the URL was
// enqueued and false when its composite key is already present or the
// max-pages cap has been reached. Storage failures leave both the store and
// the in-memory queues untouched.
func (f *Frontier) Schedule(u types.WebURL) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.MaxPages > 0 && f.scheduled >= f.cfg.MaxPages {
		return false, nil
	}

	k := keyFor(u)
	newCount := f.seedCount[u.SeedDocid] + 1
	var added bool
	err := f.store.update("schedule", func(tx *bolt.Tx) error {
		var err error
		added, err = putURL(tx, k, u)
		if err != nil || !added {
			return err
		}
		return writeSeedCount(tx, u.SeedDocid, newCount)
	})
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}

	f.reg.queueFor(u.Host).insert(queuedURL{key: k, rec: u})
	f.reg.refreshReady(u.Host)
	f.seedCount[u.SeedDocid] = newCount
	f.queued++
	f.scheduled++
	f.oplog.record(u.Host, "enqueued doc %d (seed %d, prio %d, depth %d)", u.Docid, u.SeedDocid, u.Priority, u.Depth)
	f.wakeAllLocked()
	return true, nil
}

// ScheduleAll offers a batch of URLs in a single transaction and returns the
// URLs that were not enqueued because their key already exists or the
// max-pages cap was hit. A storage failure aborts the whole batch.
func (f *Frontier) ScheduleAll(urls []types.WebURL) ([]types.WebURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		accepted []queuedURL
		rejected []types.WebURL
		deltas   = make(map[int64]int)
	)
	err := f.store.update("schedule batch", func(tx *bolt.Tx) error {
		accepted = accepted[:0]
		rejected = rejected[:0]
		clear(deltas)
		for _, u := range urls {
			if f.cfg.MaxPages > 0 && f.scheduled+int64(len(accepted)) >= f.cfg.MaxPages {
				rejected = append(rejected, u)
				continue
			}
			k := keyFor(u)
			added, err := putURL(tx, k, u)
			if err != nil {
				return err
			}
			if !added {
				rejected = append(rejected, u)
				continue
			}
			accepted = append(accepted, queuedURL{key: k, rec: u})
			deltas[u.SeedDocid]++
		}
		for seed, d := range deltas {
			if err := writeSeedCount(tx, seed, f.seedCount[seed]+d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, item := range accepted {
		f.reg.queueFor(item.rec.Host).insert(item)
		f.reg.refreshReady(item.rec.Host)
		f.oplog.record(item.rec.Host, "enqueued doc %d (seed %d, prio %d, depth %d, batch)",
			item.rec.Docid, item.rec.SeedDocid, item.rec.Priority, item.rec.Depth)
	}
	for seed, d := range deltas {
		f.seedCount[seed] += d
	}
	f.queued += len(accepted)
	f.scheduled += int64(len(accepted))
	if len(accepted) > 0 {
		f.wakeAllLocked()
	}
	return rejected, nil
}

// NextURL blocks until a URL is eligible for w and returns it, or returns
// nil once the frontier is finished or ctx is cancelled. Eligibility honors
// both global priority order and per-host politeness: among ready hosts
// whose next fetch time has passed, the one with the smallest head key wins.
func (f *Frontier) NextURL(ctx context.Context, w Worker, pf PageFetcher) *types.WebURL {
	for {
		f.mu.Lock()
		if f.finished {
			f.mu.Unlock()
			return nil
		}
		if u, ok := f.selectLocked(w, pf); ok {
			f.mu.Unlock()
			return &u
		}
		wakeCh := f.wake
		f.mu.Unlock()

		wait := f.cfg.PolitenessDelay
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// selectLocked picks and claims the best eligible URL, or reports false when
// no ready host may be fetched right now.
func (f *Frontier) selectLocked(w Worker, pf PageFetcher) (types.WebURL, bool) {
	now := time.Now()
	var (
		bestHost string
		best     queuedURL
	)
	for _, host := range f.reg.readyHosts() {
		q, ok := f.reg.lookup(host)
		if !ok || !q.claimable() {
			f.fatal(host, "host on ready list without a claimable head")
		}
		if pf.NextFetchTime(host).After(now) {
			continue
		}
		head, _ := q.head()
		if bestHost == "" || head.key.less(best.key) {
			bestHost, best = host, head
		}
	}
	if bestHost == "" {
		return types.WebURL{}, false
	}

	id := w.ID()
	if prev, ok := f.inProgress[id]; ok {
		f.fatal(bestHost, "worker %s requested doc while still holding doc %d", id, prev.url.Docid)
	}
	q, _ := f.reg.lookup(bestHost)
	item := q.claimHead()
	if item.key != best.key {
		f.fatal(bestHost, "head changed during claim: expected doc %d, got doc %d", best.rec.Docid, item.rec.Docid)
	}
	f.reg.refreshReady(bestHost)
	f.inProgress[id] = claim{url: item.rec, key: item.key, host: bestHost}
	pf.Select(item.rec)
	f.oplog.record(bestHost, "claimed doc %d by worker %s", item.rec.Docid, id)
	return item.rec, true
}

// SetProcessed releases a successfully fetched URL: it leaves the store, its
// host queue, and the offspring count of its seed. When this was the last
// live offspring of the seed, w.OnSeedEnd is invoked after the frontier
// mutex is released.
func (f *Frontier) SetProcessed(w Worker, u types.WebURL) error {
	f.mu.Lock()
	id := w.ID()
	cl, ok := f.inProgress[id]
	if !ok || cl.url.Docid != u.Docid {
		f.fatal(u.Host, "worker %s finished doc %d it does not hold", id, u.Docid)
	}

	if cl.orphaned {
		// The URL was already deleted by RemoveOffspring; only the
		// assignment remains.
		delete(f.inProgress, id)
		f.oplog.record(cl.host, "finished orphaned doc %d by worker %s", u.Docid, id)
		seedGone := f.seedCount[u.SeedDocid] == 0
		f.wakeAllLocked()
		f.mu.Unlock()
		if seedGone {
			w.OnSeedEnd(u.SeedDocid)
		}
		return nil
	}

	newCount := f.seedCount[u.SeedDocid] - 1
	err := f.store.update("set processed", func(tx *bolt.Tx) error {
		existed, err := deleteURL(tx, cl.key)
		if err != nil {
			return err
		}
		if !existed {
			return errStoreDesync
		}
		return writeSeedCount(tx, u.SeedDocid, newCount)
	})
	if err != nil {
		if errors.Is(err, errStoreDesync) {
			f.fatal(cl.host, "finished doc %d missing from ordered store", u.Docid)
		}
		f.mu.Unlock()
		return err
	}

	q, ok := f.reg.lookup(cl.host)
	if !ok || !q.hasClaim || q.claimed.key != cl.key {
		f.fatal(cl.host, "claimed slot does not hold doc %d on completion", u.Docid)
	}
	q.releaseClaim(false)
	f.reg.refreshReady(cl.host)
	delete(f.inProgress, id)
	f.queued--
	if newCount <= 0 {
		delete(f.seedCount, u.SeedDocid)
	} else {
		f.seedCount[u.SeedDocid] = newCount
	}
	f.oplog.record(cl.host, "finished doc %d by worker %s", u.Docid, id)
	f.wakeAllLocked()
	f.mu.Unlock()

	if newCount <= 0 {
		w.OnSeedEnd(u.SeedDocid)
	}
	return nil
}

// Abandon returns a claimed URL to its host queue without completing it.
// The offspring count and the ordered store are untouched; the URL will be
// dispatched again, to this worker or another. The fetcher's selection is
// cleared so the host becomes immediately eligible.
func (f *Frontier) Abandon(w Worker, u types.WebURL, pf PageFetcher) {
	f.mu.Lock()
	id := w.ID()
	cl, ok := f.inProgress[id]
	if !ok || cl.url.Docid != u.Docid {
		f.fatal(u.Host, "worker %s abandoned doc %d it does not hold", id, u.Docid)
	}
	delete(f.inProgress, id)
	if !cl.orphaned {
		q, ok := f.reg.lookup(cl.host)
		if !ok || !q.hasClaim || q.claimed.key != cl.key {
			f.fatal(cl.host, "claimed slot does not hold doc %d on abandon", u.Docid)
		}
		q.releaseClaim(true)
		f.reg.refreshReady(cl.host)
	}
	f.oplog.record(cl.host, "abandoned doc %d by worker %s", u.Docid, id)
	f.wakeAllLocked()
	f.mu.Unlock()

	if pf != nil {
		pf.Unselect(u)
	}
}

// RemoveOffspring deletes every live URL descending from the given seed and
// returns how many were removed. A URL currently assigned to a worker is
// deleted as well; its claim is orphaned so the worker's eventual completion
// only clears the assignment. A mismatch between the deletions and the
// seed's offspring counter is a fatal invariant violation.
func (f *Frontier) RemoveOffspring(seedDocid int64) (int, error) {
	f.mu.Lock()

	var removed int
	err := f.store.update("remove offspring", func(tx *bolt.Tx) error {
		removed = 0
		c := tx.Bucket(bucketURLs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if rec.SeedDocid != seedDocid {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return writeSeedCount(tx, seedDocid, 0)
	})
	if err != nil {
		f.mu.Unlock()
		return 0, err
	}

	if prior := f.seedCount[seedDocid]; prior != removed {
		f.fatal("*", "offspring mismatch for seed %d: counter says %d, deleted %d", seedDocid, prior, removed)
	}

	for host, q := range f.reg.queues {
		rm, claimRemoved := q.removeWhere(func(item queuedURL) bool {
			return item.rec.SeedDocid == seedDocid
		})
		if len(rm) == 0 {
			continue
		}
		f.queued -= len(rm)
		f.oplog.record(host, "removed %d offspring of seed %d", len(rm), seedDocid)
		if claimRemoved {
			for id, cl := range f.inProgress {
				if cl.host == host && cl.url.SeedDocid == seedDocid && !cl.orphaned {
					cl.orphaned = true
					f.inProgress[id] = cl
					f.oplog.record(host, "orphaned claim of doc %d held by worker %s", cl.url.Docid, id)
				}
			}
		}
		f.reg.refreshReady(host)
	}
	delete(f.seedCount, seedDocid)
	f.wakeAllLocked()
	f.mu.Unlock()
	return removed, nil
}

// Finish marks the frontier terminal and wakes every blocked worker. Workers
// observe a nil return from NextURL and exit.
func (f *Frontier) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	f.wakeAllLocked()
}

// Finished reports whether Finish has been called.
func (f *Frontier) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// Close flushes deferred writes and closes the embedded stores.
func (f *Frontier) Close() error {
	if err := f.store.sync(); err != nil {
		f.store.close()
		return err
	}
	return f.store.close()
}

// QueueSize returns the number of URLs in the frontier, claimed ones
// included.
func (f *Frontier) QueueSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

// NumInProgress returns the number of URLs currently assigned to workers.
func (f *Frontier) NumInProgress() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inProgress)
}

// NumOffspring returns the number of live URLs descending from a seed.
func (f *Frontier) NumOffspring(seedDocid int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seedCount[seedDocid]
}

// Scheduled returns the lifetime count of accepted URLs.
func (f *Frontier) Scheduled() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled
}

// wakeAllLocked broadcasts to every worker blocked in NextURL. Callers hold
// the frontier mutex.
func (f *Frontier) wakeAllLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}
