package node

import (
	"sync"
	"time"

	"github.com/samsamfire/canopen-drive/pkg/fault"
)

// Size of the channel of each subscriber, events are dropped when full
const eventQueueSize = 32

type EventKind string

const (
	EventNmtState  EventKind = "nmt"
	EventFaults    EventKind = "faults"
	EventReset     EventKind = "reset"
	EventBitTiming EventKind = "bit-timing"
)

// Event is published on every NMT state change, fault register change
// and communication reset
type Event struct {
	Kind     EventKind `json:"kind"`
	NodeId   uint8     `json:"nodeId"`
	NmtState string    `json:"nmtState,omitempty"`
	Faults   []string  `json:"faults,omitempty"`
	Time     time.Time `json:"time"`
}

type events struct {
	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
	lastFaults  fault.Bit
}

func (e *events) init() {
	e.subscribers = make(map[int]chan Event)
}

// Subscribe returns a channel of events and a function to cancel the
// subscription. A slow subscriber loses events, it never blocks the node.
func (e *events) Subscribe() (<-chan Event, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	ch := make(chan Event, eventQueueSize)
	if e.subscribers == nil {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if sub, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(sub)
			}
		})
	}
}

func (e *events) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *events) close() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}

// Names of the set fault bits
func faultNames(bits fault.Bit) []string {
	names := make([]string, 0)
	for _, bit := range fault.Bits {
		if bits&bit != 0 {
			names = append(names, bit.String())
		}
	}
	return names
}

// Publish the fault register if it changed since the last cycle
func (node *Node) publishFaults() {
	bits := node.faults.Bits()
	if bits == node.lastFaults {
		return
	}
	node.lastFaults = bits
	node.emit(Event{Kind: EventFaults, NodeId: node.nodeId, Faults: faultNames(bits)})
}
