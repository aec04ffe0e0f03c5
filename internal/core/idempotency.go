package core

import (
	"container/list"

	"LendLedger/internal/observability"

	"github.com/google/uuid"
)

// OperationLog answers whether an operation id was already committed. The
// Postgres event log implements it.
type OperationLog interface {
	IsCommitted(operationID uuid.UUID) (bool, error)
}

// operationDedup recognizes repeated operation ids: recent ids from an
// in-memory LRU, older ones from the operation log.
type operationDedup struct {
	recent  *recentOperations
	log     OperationLog
	metrics *observability.Metrics
}

func newOperationDedup(capacity int, log OperationLog, metrics *observability.Metrics) *operationDedup {
	return &operationDedup{
		recent:  newRecentOperations(capacity),
		log:     log,
		metrics: metrics,
	}
}

func (d *operationDedup) seen(commandType string, id uuid.UUID) bool {
	if d.recent.contains(id) {
		d.count(commandType, "lru")
		return true
	}
	if d.log == nil {
		return false
	}

	committed, err := d.log.IsCommitted(id)
	if err != nil {
		// Treated as unseen; the unique operation_id column still
		// rejects a repeat on persist.
		if d.metrics != nil {
			d.metrics.DedupLookupErrors.Inc()
		}
		return false
	}
	if committed {
		d.count(commandType, "log")
		d.recent.add(id)
	}
	return committed
}

func (d *operationDedup) remember(id uuid.UUID) {
	d.recent.add(id)
}

func (d *operationDedup) count(commandType, tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// recentOperations is a bounded LRU of operation ids. Only accessed under
// the core lock.
type recentOperations struct {
	capacity int
	index    map[uuid.UUID]*list.Element
	order    *list.List // front is most recent
}

func newRecentOperations(capacity int) *recentOperations {
	return &recentOperations{
		capacity: capacity,
		index:    make(map[uuid.UUID]*list.Element, min(capacity, 1<<16)),
		order:    list.New(),
	}
}

func (r *recentOperations) contains(id uuid.UUID) bool {
	elem, ok := r.index[id]
	if ok {
		r.order.MoveToFront(elem)
	}
	return ok
}

func (r *recentOperations) add(id uuid.UUID) {
	if elem, ok := r.index[id]; ok {
		r.order.MoveToFront(elem)
		return
	}
	r.index[id] = r.order.PushFront(id)
	if r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(uuid.UUID))
	}
}

// warm adds ids oldest first, so the newest ends up most recent.
func (r *recentOperations) warm(ids []uuid.UUID) {
	for _, id := range ids {
		r.add(id)
	}
}

// ids lists the cache oldest first, the order warm expects.
func (r *recentOperations) ids() []uuid.UUID {
	out := make([]uuid.UUID, 0, r.order.Len())
	for e := r.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(uuid.UUID))
	}
	return out
}

func (r *recentOperations) size() int {
	return r.order.Len()
}
