// Package connectivity observes network reachability transitions and raises
// online/offline events. The engine subscribes to transitions; it never
// polls.
package connectivity

import "sync"

// State is a reachability state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Monitor is the connectivity signal contract.
type Monitor interface {
	// Online reports the current reachability.
	Online() bool

	// Subscribe returns a channel receiving state transitions. The channel
	// is buffered and never blocks the monitor: a slow subscriber misses
	// intermediate transitions but always observes the latest state.
	Subscribe() <-chan State

	// Unsubscribe releases a subscription channel.
	Unsubscribe(ch <-chan State)

	// Close releases the monitor and all subscriptions.
	Close()
}

// ManualMonitor is a Monitor whose transitions are pushed by the embedding
// host (or a test). It also backs FeedMonitor's fan-out.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[<-chan State]chan State
	closed bool
}

// NewManualMonitor creates a monitor in the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{
		online: online,
		subs:   make(map[<-chan State]chan State),
	}
}

// Online reports the current reachability.
func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set pushes a reachability state. Subscribers are only notified on
// transitions.
func (m *ManualMonitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.online == online {
		return
	}
	m.online = online

	state := StateOffline
	if online {
		state = StateOnline
	}

	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
			// Subscriber lagging: replace the stale event so the latest
			// state wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Subscribe returns a transition channel.
func (m *ManualMonitor) Subscribe() <-chan State {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 1)
	m.subs[ch] = ch
	return ch
}

// Unsubscribe releases a subscription channel.
func (m *ManualMonitor) Unsubscribe(ch <-chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sender, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(sender)
	}
}

// Close releases every subscription.
func (m *ManualMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for key, sender := range m.subs {
		delete(m.subs, key)
		close(sender)
	}
}
