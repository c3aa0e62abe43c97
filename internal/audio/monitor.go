package audio

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// NodeKind identifies a graph node in the monitor's aggregation table.
type NodeKind int

const (
	NodeSource NodeKind = iota
	NodeDecoder
	NodeSwitcher
	NodeSink
	nodeKindCount
)

func (k NodeKind) String() string {
	switch k {
	case NodeSource:
		return "source"
	case NodeDecoder:
		return "decoder"
	case NodeSwitcher:
		return "switcher"
	case NodeSink:
		return "sink"
	default:
		return "unknown"
	}
}

type nodeStatus struct {
	state NodeState
	msg   string
	seq   uint64
	set   bool
}

// Monitor aggregates the latest state of every graph node into one
// StreamState and broadcasts changes with latest-wins coalescing: a slow
// listener skips intermediate values but always observes the newest one.
type Monitor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	nodes   [nodeKindCount]nodeStatus
	seq     uint64
	version uint64
	cur     StreamState
	info    *StreamInfo
	posFn   func() int64
	stopped bool
}

// NewMonitor builds a monitor; posFn supplies the sink position at
// emission time.
func NewMonitor(posFn func() int64) *Monitor {
	m := &Monitor{posFn: posFn}
	m.cond = sync.NewCond(&m.mu)
	m.cur = stamp(StreamState{State: StateStopped})
	return m
}

// Update records a node-state change and broadcasts the recomputed
// aggregate state.
func (m *Monitor) Update(kind NodeKind, state NodeState, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.seq++
	m.nodes[kind] = nodeStatus{state: state, msg: msg, seq: m.seq, set: true}
	log.Debug().Str("node", kind.String()).Str("state", state.String()).Msg("Node state")

	m.publishLocked(kind, state)
}

// SetInfo records the decoder-reported description of the active source.
func (m *Monitor) SetInfo(info StreamInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = &info
}

// ResetSource clears the per-source node slots (and stream info) when a new
// source is staged, so stale errors do not outlive the source that raised
// them. The sink slot persists: the device carries across sources.
func (m *Monitor) ResetSource() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[NodeSource] = nodeStatus{}
	m.nodes[NodeDecoder] = nodeStatus{}
	m.nodes[NodeSwitcher] = nodeStatus{}
	m.info = nil
}

// publishLocked recomputes the aggregate. Any ERROR wins, earliest first. A
// switcher SOURCE_CHANGED passes through as a transient. Sink updates are
// authoritative for the surfaced state. Upstream nodes surface only their
// staging and teardown phases: their STREAMING means "ready", not "audible"
// — the audible STREAMING is the sink's, reported after it has written the
// source's first frame.
func (m *Monitor) publishLocked(kind NodeKind, state NodeState) {
	agg := StreamState{State: state}

	if errStatus, ok := m.earliestErrorLocked(); ok {
		agg.State = StateError
		agg.Message = errStatus.msg
	} else {
		switch {
		case kind == NodeSwitcher && state == StateSourceChanged:
			agg.State = StateSourceChanged
		case kind == NodeSink:
			agg.State = state
			agg.Message = m.nodes[NodeSink].msg
		case state == StatePreparing || state == StateStopped:
			agg.State = state
		default:
			// Upstream STREAMING / FINISHED: not independently audible.
			return
		}
	}

	agg.Info = m.info
	if m.posFn != nil {
		agg.PositionMs = m.posFn()
	}

	m.cur = stamp(agg)
	m.version++
	m.cond.Broadcast()
}

func (m *Monitor) earliestErrorLocked() (nodeStatus, bool) {
	var found nodeStatus
	ok := false
	for _, st := range m.nodes {
		if st.set && st.state == StateError && (!ok || st.seq < found.seq) {
			found = st
			ok = true
		}
	}
	return found, ok
}

// Current returns the latest aggregate state.
func (m *Monitor) Current() StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Stop wakes every listener with the terminal sentinel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cond.Broadcast()
}

// Channel pumps aggregate states into a channel until Stop; the channel is
// closed on the terminal sentinel. Convenience for select-style consumers.
func (m *Monitor) Channel() <-chan StreamState {
	ch := make(chan StreamState, 16)
	l := m.Listen()
	go func() {
		defer close(ch)
		for {
			st, ok := l.Wait()
			if !ok {
				return
			}
			ch <- st
		}
	}()
	return ch
}

// StateListener observes aggregate state changes. Each listener tracks the
// last version it has seen; values produced while it was busy are coalesced
// into the newest one.
type StateListener struct {
	m    *Monitor
	seen uint64
}

// Listen registers a new listener observing every aggregate state change
// from this point on.
func (m *Monitor) Listen() *StateListener {
	return &StateListener{m: m}
}

// Wait blocks until a state newer than the last seen one is available or
// the monitor stops. The second return is false on the terminal sentinel.
func (l *StateListener) Wait() (StreamState, bool) {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.version == l.seen && !m.stopped {
		m.cond.Wait()
	}
	if m.stopped {
		return StreamState{}, false
	}
	l.seen = m.version
	return m.cur, true
}
