package eventbus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bus is the master-local event channel. Auth results, presence changes and
// cluster key exchanges are all published here; firing is always a side
// effect, never part of a decision.
type Bus interface {
	// Fire publishes data under tag. A positive timeout requests delivery
	// confirmation and gives up (with an error) when it does not arrive
	// in time; zero means fire-and-forget.
	Fire(data any, tag string, timeout time.Duration) error
}

// Tagify joins event tag parts with the canonical separator, e.g.
// Tagify("minion1", "peer", "cluster") -> "cluster/peer/minion1".
func Tagify(suffix string, prefix ...string) string {
	parts := make([]string, 0, len(prefix)+1)
	for i := len(prefix) - 1; i >= 0; i-- {
		parts = append(parts, prefix[i])
	}
	parts = append(parts, suffix)
	return strings.Join(parts, "/")
}

// Pack frames an event for transport: tag, blank line, serialized data.
func Pack(tag string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(tag)
	buf.WriteString("\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// Unpack reverses Pack, returning the tag and the raw serialized data.
func Unpack(packed []byte) (string, []byte, error) {
	idx := bytes.Index(packed, []byte("\n\n"))
	if idx < 0 {
		return "", nil, fmt.Errorf("malformed event frame")
	}
	return string(packed[:idx]), packed[idx+2:], nil
}

// MemoryBus records fired events; used in tests and when events are
// disabled.
type MemoryBus struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	Tag  string
	Data any
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Fire(data any, tag string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, RecordedEvent{Tag: tag, Data: data})
	return nil
}

// Events returns a copy of everything fired so far.
func (b *MemoryBus) Events() []RecordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedEvent(nil), b.events...)
}
