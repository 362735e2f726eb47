package engine

import "time"

const (
	minIPv4Hdr = 20
	minIPv6Hdr = 40
	minTCPHdr  = 20
	minUDPHdr  = 8

	protoTCP byte = 6
	protoUDP byte = 17

	// maxPacketSize is the max IPv4 packet size; used for pre-allocated read buffers.
	maxPacketSize = 65535
)

const (
	// defaultConnTTL is how long a flow-cache entry stays valid without a refresh.
	defaultConnTTL = 300 * time.Second

	// defaultMaxConnEntries is the soft cap on the flow cache. Reaching it
	// triggers stale eviction; it never rejects inserts.
	defaultMaxConnEntries = 10000

	// defaultQueueTimeout is how long a packet may wait for its tunnel to
	// become ready before it is dropped.
	defaultQueueTimeout = 10 * time.Second

	// defaultMaxQueueSize is the per-tunnel pending-packet bound (reject newest).
	defaultMaxQueueSize = 10000
)
