package engine

import (
	"sync"
	"time"

	"tunmux/internal/core"
)

// queuedPacket is one packet held while its tunnel finishes connecting.
type queuedPacket struct {
	data       []byte
	enqueuedAt time.Time
}

// PacketQueue buffers packets per tunnel while the tunnel is not yet ready.
// Queues are bounded (reject newest on overflow) and entries expire after a
// fixed timeout. A lazy sweep on every enqueue trims expired entries from the
// front so memory stays bounded even for a tunnel that never becomes ready.
type PacketQueue struct {
	mu      sync.Mutex
	queues  map[string][]queuedPacket
	maxSize int
	timeout time.Duration
	now     func() time.Time // test seam
}

// NewPacketQueue creates a queue with the given per-tunnel bound and entry
// timeout. Zero values select the engine defaults (10000, 10s).
func NewPacketQueue(maxSize int, timeout time.Duration) *PacketQueue {
	if maxSize <= 0 {
		maxSize = defaultMaxQueueSize
	}
	if timeout <= 0 {
		timeout = defaultQueueTimeout
	}
	return &PacketQueue{
		queues:  make(map[string][]queuedPacket),
		maxSize: maxSize,
		timeout: timeout,
		now:     time.Now,
	}
}

// Enqueue appends a packet to the tunnel's queue. Returns false if the queue
// is full after sweeping expired entries. The queue takes ownership of pkt.
func (pq *PacketQueue) Enqueue(tunnelID string, pkt []byte) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	q := pq.sweepLocked(tunnelID)
	if len(q) >= pq.maxSize {
		return false
	}

	pq.queues[tunnelID] = append(q, queuedPacket{data: pkt, enqueuedAt: pq.now()})
	return true
}

// Flush drains the tunnel's queue in FIFO order, dropping entries past the
// timeout. Called exactly once per transition into Ready; the caller
// re-submits the returned packets through the router so stale routing
// decisions get redone.
func (pq *PacketQueue) Flush(tunnelID string) ([][]byte, int) {
	pq.mu.Lock()
	q := pq.queues[tunnelID]
	delete(pq.queues, tunnelID)
	pq.mu.Unlock()

	cutoff := pq.now().Add(-pq.timeout)
	packets := make([][]byte, 0, len(q))
	expired := 0
	for _, entry := range q {
		if entry.enqueuedAt.Before(cutoff) {
			expired++
			continue
		}
		packets = append(packets, entry.data)
	}

	if len(packets) > 0 || expired > 0 {
		core.Log.Infof("Queue", "Flushed %d packets for tunnel %q (%d expired)", len(packets), tunnelID, expired)
	}
	return packets, expired
}

// Drop discards the tunnel's entire queue. Called on tunnel teardown;
// enqueue attempts after teardown hit an empty queue and are bounded as usual.
func (pq *PacketQueue) Drop(tunnelID string) int {
	pq.mu.Lock()
	n := len(pq.queues[tunnelID])
	delete(pq.queues, tunnelID)
	pq.mu.Unlock()

	if n > 0 {
		core.Log.Infof("Queue", "Discarded %d queued packets for tunnel %q", n, tunnelID)
	}
	return n
}

// Len returns the tunnel's current queue depth.
func (pq *PacketQueue) Len(tunnelID string) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.queues[tunnelID])
}

// sweepLocked removes expired entries from the front of the queue.
// Entries are appended in time order, so the scan stops at the first live one.
// Caller holds the lock.
func (pq *PacketQueue) sweepLocked(tunnelID string) []queuedPacket {
	q := pq.queues[tunnelID]
	cutoff := pq.now().Add(-pq.timeout)

	i := 0
	for i < len(q) && q[i].enqueuedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		q = append([]queuedPacket(nil), q[i:]...)
		pq.queues[tunnelID] = q
	}
	return q
}
