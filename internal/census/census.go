// Package census tracks the live listener count and retains a compacted
// time series of count changes for the public listener history.
package census

import (
	"sync"
	"time"

	"github.com/foxseedlab/namahousou/internal/pubsub"
)

const EventListeners = "listeners"

type HistoryEntry struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

type Snapshot struct {
	Count   int            `json:"count"`
	History []HistoryEntry `json:"history"`
}

type Census struct {
	mu        sync.Mutex
	count     int
	history   []HistoryEntry
	retention time.Duration
	events    pubsub.Publisher
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

func New(retention time.Duration, snapshotInterval time.Duration, events pubsub.Publisher) *Census {
	c := &Census{
		retention: retention,
		events:    events,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	if snapshotInterval > 0 {
		go c.snapshotLoop(snapshotInterval)
	}
	return c
}

func (c *Census) Increment() {
	c.change(+1)
}

func (c *Census) Decrement() {
	c.change(-1)
}

func (c *Census) change(delta int) {
	c.mu.Lock()
	c.count += delta
	if c.count < 0 {
		c.count = 0
	}
	c.recordLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if c.events != nil {
		c.events.Publish(EventListeners, snap)
	}
}

// recordLocked appends a history entry, or overwrites the previous entry
// in place when it carries an identical count (run-length compaction).
// Entries older than the retention window are pruned on every insert.
func (c *Census) recordLocked() {
	now := c.now()
	c.pruneLocked(now)
	entry := HistoryEntry{At: now, Count: c.count}
	if n := len(c.history); n > 0 && c.history[n-1].Count == c.count {
		c.history[n-1] = entry
		return
	}
	c.history = append(c.history, entry)
}

func (c *Census) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	i := 0
	for ; i < len(c.history); i++ {
		if !c.history[i].At.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		c.history = append(c.history[:0], c.history[i:]...)
	}
}

func (c *Census) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Census) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Census) snapshotLocked() Snapshot {
	history := make([]HistoryEntry, len(c.history))
	copy(history, c.history)
	return Snapshot{Count: c.count, History: history}
}

// snapshotLoop records the unchanged count on an interval so long idle
// stretches stay visible in the retained history.
func (c *Census) snapshotLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.recordLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Census) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
