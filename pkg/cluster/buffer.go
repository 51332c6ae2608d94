package cluster

// peerBufferLimit bounds each peer's backlog of events that arrived before
// its key. The oldest entry is dropped on overflow; an unresponsive peer
// must not grow memory without bound.
const peerBufferLimit = 1024

type bufferedEvent struct {
	tag  string
	data []byte
}

// eventRing is a drop-oldest FIFO of events awaiting a peer key.
type eventRing struct {
	events  []bufferedEvent
	dropped uint64
}

func (r *eventRing) push(e bufferedEvent) {
	if len(r.events) >= peerBufferLimit {
		r.events = r.events[1:]
		r.dropped++
	}
	r.events = append(r.events, e)
}

// drain returns the buffered events oldest first and empties the ring.
func (r *eventRing) drain() []bufferedEvent {
	out := r.events
	r.events = nil
	return out
}

func (r *eventRing) len() int {
	return len(r.events)
}
