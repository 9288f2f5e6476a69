package framing

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AssemblyTTL is how long an incomplete assembly may sit in the buffer
// before it is silently discarded. Neither sender nor receiver is notified;
// this layer performs no retries.
const AssemblyTTL = 30 * time.Second

// Assembler buffers chunk frames by correlation id and reproduces the
// original payload once every chunk of an assembly has arrived.
//
// Chunks from concurrent senders interleave on the transport loop, so all
// state is guarded by a mutex. Duplicate indices overwrite earlier ones;
// there is no integrity check beyond the total-count match.
type Assembler struct {
	mu      sync.Mutex
	pending map[string]*assembly
	ttl     time.Duration
}

type assembly struct {
	sender    string
	total     int
	received  map[int]string
	createdAt time.Time
}

// NewAssembler creates an Assembler with the given time-to-live for
// incomplete assemblies. A non-positive ttl uses AssemblyTTL.
func NewAssembler(ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = AssemblyTTL
	}
	return &Assembler{
		pending: make(map[string]*assembly),
		ttl:     ttl,
	}
}

// Add records one chunk. When the chunk completes its assembly, Add returns
// the decoded payload and true, and the assembly is discarded. An assembly
// whose total disagrees with an earlier chunk is reset to the new total.
func (a *Assembler) Add(sender string, c *Chunk) ([]byte, bool, error) {
	a.mu.Lock()

	entry, exists := a.pending[c.ID]
	if !exists || entry.total != c.Total {
		if exists {
			logrus.WithFields(logrus.Fields{
				"function":       "Add",
				"correlation_id": c.ID,
				"old_total":      entry.total,
				"new_total":      c.Total,
			}).Warn("Chunk total changed mid-assembly, resetting")
		}
		entry = &assembly{
			sender:    sender,
			total:     c.Total,
			received:  make(map[int]string),
			createdAt: time.Now(),
		}
		a.pending[c.ID] = entry
	}

	// Last write wins for duplicate indices.
	entry.received[c.Index] = c.Data

	if len(entry.received) < entry.total {
		a.mu.Unlock()
		return nil, false, nil
	}

	delete(a.pending, c.ID)
	a.mu.Unlock()

	indices := make([]int, 0, len(entry.received))
	for i := range entry.received {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var encoded string
	for _, i := range indices {
		encoded += entry.received[i]
	}

	payload, err := Decode(encoded)
	if err != nil {
		return nil, true, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Add",
		"correlation_id": c.ID,
		"chunks":         entry.total,
		"payload_bytes":  len(payload),
	}).Debug("Chunk assembly completed")

	return payload, true, nil
}

// PurgeStale discards incomplete assemblies older than the configured TTL
// and returns how many were removed.
func (a *Assembler) PurgeStale() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.ttl)
	removed := 0
	for id, entry := range a.pending {
		if entry.createdAt.Before(cutoff) {
			delete(a.pending, id)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PurgeStale",
			"removed":  removed,
		}).Debug("Purged stale chunk assemblies")
	}
	return removed
}

// PendingCount returns the number of incomplete assemblies in the buffer.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
