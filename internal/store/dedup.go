package store

import (
	"container/list"
	"sync"
	"time"
)

// Dedup is a TTL-bound LRU of record keys already appended to the clean
// history. It makes micro-batch replays idempotent: a crash between record
// append and checkpoint commit re-fetches the same lines, and Dedup keeps
// them from contributing to aggregates twice.
type Dedup struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	ll    *list.List               // most-recent at front
	items map[string]*list.Element // key -> element
}

type dedupEntry struct {
	key string
	exp time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Dedup{cap: maxKeys, ttl: ttl, ll: list.New(), items: make(map[string]*list.Element, maxKeys)}
}

// Check reports whether key was seen before and marks it seen either way,
// refreshing its TTL.
func (d *Dedup) Check(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if el, ok := d.items[key]; ok {
		en := el.Value.(dedupEntry)
		if now.Before(en.exp) {
			en.exp = now.Add(d.ttl)
			el.Value = en
			d.ll.MoveToFront(el)
			return true
		}
		d.ll.Remove(el)
		delete(d.items, key)
	}

	el := d.ll.PushFront(dedupEntry{key: key, exp: now.Add(d.ttl)})
	d.items[key] = el
	d.evict(now)
	return false
}

// Len returns the number of live keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}

func (d *Dedup) evict(now time.Time) {
	for d.ll.Len() > d.cap {
		t := d.ll.Back()
		if t == nil {
			break
		}
		d.ll.Remove(t)
		delete(d.items, t.Value.(dedupEntry).key)
	}
	// expired entries collect at the tail
	for {
		t := d.ll.Back()
		if t == nil || now.Before(t.Value.(dedupEntry).exp) {
			break
		}
		d.ll.Remove(t)
		delete(d.items, t.Value.(dedupEntry).key)
	}
}
