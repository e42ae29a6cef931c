package router

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/anamnesos/hivemind/internal/log"
)

// deliveryTimeout is the per-DeliveryRecord window (spec §4.5: "a timeout
// (30s)").
const deliveryTimeout = 30 * time.Second

// DeliveryRecord tracks one Router dispatch to a single recipient until that
// recipient acks, or the record times out (spec §4.5). A broadcast gets one
// record per recipient.
type DeliveryRecord struct {
	ID         string
	Sender     string
	Recipient  string // the single (sender, recipient) pair this record tracks (spec §9: dedup is per-pair)
	Seq        int64
	Mode       string
	Body       string
	CreatedAt  time.Time

	mu      sync.Mutex
	acked   bool
	success bool
}

// DeliveryTracker manages in-flight DeliveryRecords with TTL-based
// timeout clearing, grounded on go-cache's expiration+eviction-callback
// idiom (SPEC_FULL.md domain-stack wiring for patrickmn/go-cache).
type DeliveryTracker struct {
	cache *gocache.Cache

	mu      sync.Mutex
	records map[string]*DeliveryRecord

	onTimeout func(rec *DeliveryRecord)
}

// NewDeliveryTracker constructs a tracker whose records expire after
// deliveryTimeout unless explicitly resolved first.
func NewDeliveryTracker(onTimeout func(rec *DeliveryRecord)) *DeliveryTracker {
	return newDeliveryTracker(deliveryTimeout, onTimeout)
}

// newDeliveryTracker is the constructor with an injectable timeout, used by
// tests that cannot wait a real 30s for the default window.
func newDeliveryTracker(timeout time.Duration, onTimeout func(rec *DeliveryRecord)) *DeliveryTracker {
	c := gocache.New(timeout, timeout/2)
	t := &DeliveryTracker{
		cache:     c,
		records:   make(map[string]*DeliveryRecord),
		onTimeout: onTimeout,
	}
	c.OnEvicted(func(id string, _ interface{}) {
		t.mu.Lock()
		rec, ok := t.records[id]
		if ok {
			delete(t.records, id)
		}
		t.mu.Unlock()
		if !ok {
			return
		}
		rec.mu.Lock()
		alreadyResolved := rec.acked
		rec.mu.Unlock()
		if alreadyResolved {
			return
		}
		log.Warn(log.CatRouter, "delivery record timed out", "deliveryId", id, "sender", rec.Sender, "recipient", rec.Recipient, "seq", rec.Seq)
		if t.onTimeout != nil {
			t.onTimeout(rec)
		}
	})
	return t
}

// Track registers a new in-flight record.
func (t *DeliveryTracker) Track(rec *DeliveryRecord) {
	t.mu.Lock()
	t.records[rec.ID] = rec
	t.mu.Unlock()
	t.cache.SetDefault(rec.ID, struct{}{})
}

// Ack resolves a record as succeeded or failed and removes it from the
// tracker so it no longer risks a timeout eviction. Returns false if the
// record is unknown (already resolved or timed out).
func (t *DeliveryTracker) Ack(id string, success bool) (*DeliveryRecord, bool) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	rec.mu.Lock()
	rec.acked = true
	rec.success = success
	rec.mu.Unlock()

	t.cache.Delete(id)
	return rec, true
}
