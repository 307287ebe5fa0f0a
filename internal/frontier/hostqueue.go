package frontier

import (
	"sort"

	"crawlfrontier/pkg/types"
)

// queuedURL pairs a URL record with its composite key. Host queues hold
// values, never shared pointers, so a claim-and-release cycle cannot leave
// two live references to the same entry.
type queuedURL struct {
	key urlKey
	rec types.WebURL
}

// hostQueue holds the pending URLs for a single host in composite-key order.
// The URL a worker is currently fetching sits in the claimed slot rather
// than the pending list, so an insert with a lower key can land in front of
// it and become the next head the moment the claim is released.
type hostQueue struct {
	host     string
	pending  []queuedURL
	claimed  queuedURL
	hasClaim bool
}

func newHostQueue(host string) *hostQueue {
	return &hostQueue{host: host}
}

// insert places item at the position dictated by its composite key.
func (q *hostQueue) insert(item queuedURL) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return item.key.less(q.pending[i].key)
	})
	q.pending = append(q.pending, queuedURL{})
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = item
}

// head returns the next dispatchable URL without detaching it. It reports
// false when the pending list is empty.
func (q *hostQueue) head() (queuedURL, bool) {
	if len(q.pending) == 0 {
		return queuedURL{}, false
	}
	return q.pending[0], true
}

// claimable reports whether the head may be handed to a worker: the pending
// list is non-empty and no URL of this host is currently claimed.
func (q *hostQueue) claimable() bool {
	return !q.hasClaim && len(q.pending) > 0
}

// claimHead detaches the head into the claimed slot and returns it. The
// caller must have checked claimable.
func (q *hostQueue) claimHead() queuedURL {
	q.claimed = q.pending[0]
	copy(q.pending, q.pending[1:])
	q.pending = q.pending[:len(q.pending)-1]
	q.hasClaim = true
	return q.claimed
}

// releaseClaim clears the claimed slot. With requeue the URL is re-inserted
// into the pending list; it lands at the head again unless a lower-keyed URL
// arrived while it was claimed. Without requeue the URL leaves the queue.
func (q *hostQueue) releaseClaim(requeue bool) {
	if !q.hasClaim {
		return
	}
	item := q.claimed
	q.claimed = queuedURL{}
	q.hasClaim = false
	if requeue {
		q.insert(item)
	}
}

// dropClaim abandons the claimed slot without re-inserting, used when the
// claimed URL was deleted out from under its worker.
func (q *hostQueue) dropClaim() {
	q.claimed = queuedURL{}
	q.hasClaim = false
}

// removeWhere deletes every pending URL matching pred and reports whether
// the claimed URL matched as well. A matching claim is dropped from the
// slot; the caller is responsible for orphaning the worker's assignment.
func (q *hostQueue) removeWhere(pred func(queuedURL) bool) (removed []queuedURL, claimRemoved bool) {
	kept := q.pending[:0]
	for _, item := range q.pending {
		if pred(item) {
			removed = append(removed, item)
		} else {
			kept = append(kept, item)
		}
	}
	q.pending = kept

	if q.hasClaim && pred(q.claimed) {
		removed = append(removed, q.claimed)
		q.dropClaim()
		claimRemoved = true
	}
	return removed, claimRemoved
}

// size counts queued URLs including a claimed one.
func (q *hostQueue) size() int {
	n := len(q.pending)
	if q.hasClaim {
		n++
	}
	return n
}

// empty reports whether the queue holds nothing at all.
func (q *hostQueue) empty() bool {
	return len(q.pending) == 0 && !q.hasClaim
}
