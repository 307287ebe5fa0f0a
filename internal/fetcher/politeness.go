package fetcher

import (
	"sync"
	"time"

	"crawlfrontier/pkg/types"
)

// politenessTable owns the per-host next-fetch-time state the frontier
// dispatcher consults. It is queried and updated while the caller holds the
// frontier mutex, so its own lock only guards against concurrent use from
// the fetch path.
type politenessTable struct {
	delay time.Duration

	mu   sync.Mutex
	next map[string]time.Time
}

func newPolitenessTable(delay time.Duration) *politenessTable {
	return &politenessTable{
		delay: delay,
		next:  make(map[string]time.Time),
	}
}

// nextFetchTime returns the earliest time the host may be fetched again. An
// unknown host is immediately eligible (zero time).
func (p *politenessTable) nextFetchTime(host string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next[host]
}

// selected pushes the host's next fetch time to now plus the politeness
// delay.
func (p *politenessTable) selected(u types.WebURL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next[u.Host] = time.Now().Add(p.delay)
}

// unselected clears the host's window so it becomes immediately eligible,
// used when a selection is abandoned without a fetch.
func (p *politenessTable) unselected(u types.WebURL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.next, u.Host)
}

// forget drops hosts whose window has long passed, bounding table growth on
// wide crawls.
func (p *politenessTable) forget(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	p.mu.Lock()
	defer p.mu.Unlock()
	for host, at := range p.next {
		if at.Before(cutoff) {
			delete(p.next, host)
		}
	}
}
