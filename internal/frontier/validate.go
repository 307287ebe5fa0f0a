package frontier

import (
	"fmt"

	"crawlfrontier/pkg/types"
)

// InvariantError reports a broken frontier invariant. These indicate a bug,
// not a runtime condition; the frontier logs diagnostic state and panics
// with one of these.
type InvariantError struct {
	Host   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("frontier invariant violated on host %q: %s", e.Host, e.Detail)
}

// oplog keeps a bounded ring of recent operations per host so a fatal
// invariant violation can show what led up to it.
type oplog struct {
	limit int
	hosts map[string][]string
}

func newOplog(limit int) *oplog {
	return &oplog{limit: limit, hosts: make(map[string][]string)}
}

func (l *oplog) record(host, format string, args ...any) {
	entries := append(l.hosts[host], fmt.Sprintf(format, args...))
	if len(entries) > l.limit {
		entries = entries[len(entries)-l.limit:]
	}
	l.hosts[host] = entries
}

func (l *oplog) entries(host string) []string {
	return l.hosts[host]
}

// fatal logs the violation plus the affected host's recent operations and
// panics. Callers hold the frontier mutex.
func (f *Frontier) fatal(host, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	f.log.Error("frontier invariant violated", "host", host, "detail", detail)
	for _, line := range f.oplog.entries(host) {
		f.log.Error("recent frontier operation", "host", host, "op", line)
	}
	panic(&InvariantError{Host: host, Detail: detail})
}

// Validate checks every frontier invariant and returns a descriptive error
// for the first violation found, or nil. It may be called at any point, also
// between operations of a running crawl.
//
// Checked: strict key ordering and host consistency of every host queue, no
// URL in two queues, claimed slots matching the in-progress table one to
// one, ready-list consistency, offspring counters matching the live URLs of
// each seed, and the ordered store holding exactly the queued plus claimed,
// non-orphaned URLs.
func (f *Frontier) Validate() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[urlKey]string)
	derived := make(map[int64]int)
	total := 0

	for host, q := range f.reg.queues {
		if q.empty() {
			return fmt.Errorf("host %s: empty queue not discarded", host)
		}
		var prev urlKey
		for i, item := range q.pending {
			if item.rec.Host != host {
				return fmt.Errorf("host %s: queued doc %d belongs to host %s", host, item.rec.Docid, item.rec.Host)
			}
			if item.key != keyFor(item.rec) {
				return fmt.Errorf("host %s: stored key does not match record of doc %d", host, item.rec.Docid)
			}
			if i > 0 && !prev.less(item.key) {
				return fmt.Errorf("host %s: pending list not strictly ordered at doc %d", host, item.rec.Docid)
			}
			prev = item.key
			if other, dup := seen[item.key]; dup {
				return fmt.Errorf("host %s: doc %d also queued on host %s", host, item.rec.Docid, other)
			}
			seen[item.key] = host
			derived[item.rec.SeedDocid]++
			total++
		}
		if q.hasClaim {
			if q.claimed.rec.Host != host {
				return fmt.Errorf("host %s: claimed doc %d belongs to host %s", host, q.claimed.rec.Docid, q.claimed.rec.Host)
			}
			if other, dup := seen[q.claimed.key]; dup {
				return fmt.Errorf("host %s: claimed doc %d also queued on host %s", host, q.claimed.rec.Docid, other)
			}
			seen[q.claimed.key] = host
			derived[q.claimed.rec.SeedDocid]++
			total++

			holders := 0
			for _, cl := range f.inProgress {
				if !cl.orphaned && cl.key == q.claimed.key {
					holders++
				}
			}
			if holders != 1 {
				return fmt.Errorf("host %s: claimed doc %d held by %d workers", host, q.claimed.rec.Docid, holders)
			}
		}

		_, ready := f.reg.readySet[host]
		if ready != q.claimable() {
			return fmt.Errorf("host %s: ready-list membership %v but claimable %v", host, ready, q.claimable())
		}
	}

	for id, cl := range f.inProgress {
		if cl.orphaned {
			continue
		}
		q, ok := f.reg.lookup(cl.host)
		if !ok {
			return fmt.Errorf("worker %s holds doc %d on unknown host %s", id, cl.url.Docid, cl.host)
		}
		if !q.hasClaim || q.claimed.key != cl.key {
			return fmt.Errorf("worker %s holds doc %d but host %s has no matching claim", id, cl.url.Docid, cl.host)
		}
	}

	for seed, n := range f.seedCount {
		if derived[seed] != n {
			return fmt.Errorf("seed %d: counter says %d offspring, queues hold %d", seed, n, derived[seed])
		}
	}
	for seed, n := range derived {
		if f.seedCount[seed] != n {
			return fmt.Errorf("seed %d: queues hold %d offspring, counter says %d", seed, n, f.seedCount[seed])
		}
	}

	if total != f.queued {
		return fmt.Errorf("queue size counter %d does not match queue contents %d", f.queued, total)
	}

	stored := 0
	err := f.store.scanURLs(func(k urlKey, rec types.WebURL) error {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("stored doc %d (host %s) missing from host queues", rec.Docid, rec.Host)
		}
		stored++
		return nil
	})
	if err != nil {
		return err
	}
	if stored != total {
		return fmt.Errorf("ordered store holds %d urls, queues hold %d", stored, total)
	}
	return nil
}

// DumpHostQueue logs the full contents of one host queue, claimed slot
// included. Intended for diagnosing a misbehaving host.
func (f *Frontier) DumpHostQueue(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.reg.lookup(host)
	if !ok {
		f.log.Info("no queue for host", "host", host)
		return
	}
	if q.hasClaim {
		f.log.Info("claimed",
			"host", host,
			"docid", q.claimed.rec.Docid,
			"seed", q.claimed.rec.SeedDocid,
			"priority", q.claimed.rec.Priority,
			"depth", q.claimed.rec.Depth,
			"url", q.claimed.rec.URL)
	}
	for i, item := range q.pending {
		f.log.Info("pending",
			"host", host,
			"position", i,
			"docid", item.rec.Docid,
			"seed", item.rec.SeedDocid,
			"priority", item.rec.Priority,
			"depth", item.rec.Depth,
			"url", item.rec.URL)
	}
}
