package webhook

import (
	"container/list"
	"sync"
)

// defaultDedupeCapacity bounds the in-memory dedupe set. Durable dedupe is
// delegated to workflow-id uniqueness at the orchestrator.
const defaultDedupeCapacity = 10000

// dedupeSet is an LRU set of recently seen dedupe keys.
type dedupeSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupeSet(capacity int) *dedupeSet {
	if capacity <= 0 {
		capacity = defaultDedupeCapacity
	}
	return &dedupeSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen records the key and reports whether it was already present. Present
// keys are refreshed; new keys evict the least recently seen past capacity.
func (d *dedupeSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.index[key]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.index[key] = d.order.PushFront(key)
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return false
}

func (d *dedupeSet) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
