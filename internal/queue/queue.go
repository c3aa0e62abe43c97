// Package queue implements the play queue controller: it orders tracks,
// resolves stream URLs through the input-module collaborator, schedules
// gapless prefetch, translates graph states into the external player state
// and publishes events on the bus.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harmonia-player/harmonia/internal/audio"
	"github.com/harmonia-player/harmonia/internal/event"
	"github.com/harmonia-player/harmonia/internal/input"
)

// DefaultPrefetchLeadMs is how long before the end of the current track the
// next one starts prefetching.
const DefaultPrefetchLeadMs = 5000

const commandQueueSize = 128

// Player is the playback surface the controller drives.
type Player interface {
	Play(url string)
	PlayNext(url string)
	Pause(paused bool)
	Stop()
	Seek(positionMs int64)
	SetVolume(percent int) int
	Volume() int
}

// Emitter publishes events; satisfied by *event.Bus.
type Emitter interface {
	Dispatch(topic event.Topic, payload any)
}

// Options tunes the controller.
type Options struct {
	PrefetchLeadMs int64
}

// Controller is the queue brain. Commands are enqueued to a single-threaded
// executor and return immediately; synchronous reads take a snapshot under
// a lock. Graph state updates arrive on the same executor, so all queue
// mutation is serialized.
type Controller struct {
	player  Player
	emitter Emitter
	leadMs  int64

	cmds      chan func()
	execDone  chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once

	// Shared snapshot, guarded by mu. Written only from the executor.
	mu           sync.RWMutex
	tracks       []input.TrackInfo
	currentIndex int
	state        string
	positionMs   int64
	stateStamp   int64 // TimestampNs of the state the position belongs to
	message      string
	audioInfo    *audio.StreamInfo

	// Executor-only.
	prepared      preparedMap
	prefetchTimer *time.Timer
}

// NewController starts the executor and the state-update pump. The states
// channel is typically audio.Monitor.Channel(); the controller drains it
// until closed.
func NewController(player Player, states <-chan audio.StreamState, emitter Emitter, opts Options) *Controller {
	leadMs := opts.PrefetchLeadMs
	if leadMs <= 0 {
		leadMs = DefaultPrefetchLeadMs
	}

	c := &Controller{
		player:   player,
		emitter:  emitter,
		leadMs:   leadMs,
		cmds:     make(chan func(), commandQueueSize),
		execDone: make(chan struct{}),
		pumpDone: make(chan struct{}),
		state:    StateStopped,
	}

	go c.run()
	go c.pump(states)
	return c
}

func (c *Controller) run() {
	defer close(c.execDone)
	for fn := range c.cmds {
		fn()
	}
}

func (c *Controller) pump(states <-chan audio.StreamState) {
	defer close(c.pumpDone)
	for st := range states {
		c.enqueue(func() { c.handleStreamState(st) })
	}
}

func (c *Controller) enqueue(fn func()) {
	defer func() {
		if recover() != nil {
			log.Debug().Msg("Command dropped after queue close")
		}
	}()
	c.cmds <- fn
}

// Close stops the executor. Pending commands run first.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.cmds)
	})
	<-c.execDone
}

// ---- Commands -----------------------------------------------------------

// Add appends tracks to the queue. If the queue was empty the first track
// becomes current and an initial STOPPED state is published.
func (c *Controller) Add(tracks []input.TrackInfo) {
	c.enqueue(func() {
		if len(tracks) == 0 {
			return
		}

		c.mu.Lock()
		first := len(c.tracks)
		c.tracks = append(c.tracks, tracks...)
		total := len(c.tracks)
		c.mu.Unlock()

		added := make([]TrackSnapshot, 0, len(tracks))
		for i := first; i < total; i++ {
			added = append(added, c.snapshotAt(i))
		}
		c.emitter.Dispatch(event.TracksAdded, added)
		log.Debug().Int("count", len(tracks)).Int("total", total).Msg("Tracks added")

		if first == 0 {
			c.mu.Lock()
			c.currentIndex = 0
			c.mu.Unlock()
			c.emitState()
		}
	})
}

// Remove deletes the given queue indices. Removing the current track stops
// playback. Out-of-range indices are ignored.
func (c *Controller) Remove(indices []int) {
	c.enqueue(func() {
		c.mu.RLock()
		total := len(c.tracks)
		current := c.currentIndex
		c.mu.RUnlock()

		valid := make([]int, 0, len(indices))
		seen := make(map[int]bool, len(indices))
		for _, idx := range indices {
			if idx >= 0 && idx < total && !seen[idx] {
				valid = append(valid, idx)
				seen[idx] = true
			}
		}
		if len(valid) == 0 {
			return
		}
		sort.Sort(sort.Reverse(sort.IntSlice(valid)))

		currentRemoved := seen[current]
		if currentRemoved {
			c.stopPlayback()
		}

		c.mu.Lock()
		for _, idx := range valid {
			c.tracks = append(c.tracks[:idx], c.tracks[idx+1:]...)
			if idx < c.currentIndex {
				c.currentIndex--
			}
			c.prepared.removeIndex(idx)
		}
		if c.currentIndex > len(c.tracks)-1 {
			c.currentIndex = len(c.tracks) - 1
		}
		if c.currentIndex < 0 {
			c.currentIndex = 0
		}
		moved := currentRemoved || c.currentIndex != current
		c.mu.Unlock()

		c.emitter.Dispatch(event.TracksRemoved, valid)
		log.Debug().Ints("indices", valid).Msg("Tracks removed")

		if moved {
			c.emitState()
		}
	})
}

// Clear stops playback and empties the queue.
func (c *Controller) Clear() {
	c.enqueue(func() {
		c.stopPlayback()

		c.mu.Lock()
		n := len(c.tracks)
		c.tracks = nil
		c.currentIndex = 0
		c.mu.Unlock()

		removed := make([]int, 0, n)
		for i := n - 1; i >= 0; i-- {
			removed = append(removed, i)
		}
		c.emitter.Dispatch(event.TracksRemoved, removed)
		log.Debug().Int("count", n).Msg("Queue cleared")
	})
}

// Play starts playback at the given index, or at the current one when the
// index is omitted. Invalid indices are ignored.
func (c *Controller) Play(index ...int) {
	c.enqueue(func() {
		c.mu.RLock()
		idx := c.currentIndex
		c.mu.RUnlock()
		if len(index) > 0 {
			idx = index[0]
		}
		c.doPlay(idx)
	})
}

// doPlay runs on the executor.
func (c *Controller) doPlay(idx int) {
	c.mu.RLock()
	total := len(c.tracks)
	c.mu.RUnlock()

	if total == 0 || idx < 0 || idx >= total {
		return
	}

	c.mu.Lock()
	c.currentIndex = idx
	track := c.tracks[idx]
	c.mu.Unlock()

	c.cancelPrefetch()

	url, err := track.LinkRetriever()
	if err != nil {
		log.Warn().Err(err).Str("track", track.ID).Msg("Failed to resolve track link")
		c.emitter.Dispatch(event.NetworkError, err.Error())
		c.stopPlayback()
		c.emitState()
		return
	}

	c.prepared.clear()
	c.prepared.put(idx, url.URL)
	c.player.Play(url.URL)
	log.Debug().Int("index", idx).Str("track", track.ID).Msg("Play")

	c.requestMoreTracksIfAtTail()
}

// PlayNext stages the track at index for gapless handover. A no-op when the
// index is invalid or already staged.
func (c *Controller) PlayNext(index int) {
	c.enqueue(func() { c.doPlayNext(index) })
}

// doPlayNext runs on the executor; shared by the command and the prefetch
// timer. The index-validity and not-already-prepared guards make a stale
// timer firing after the track advanced or was removed harmless.
func (c *Controller) doPlayNext(index int) {
	c.mu.RLock()
	total := len(c.tracks)
	c.mu.RUnlock()

	if index < 0 || index >= total || c.prepared.contains(index) {
		return
	}

	c.mu.RLock()
	track := c.tracks[index]
	c.mu.RUnlock()

	url, err := track.LinkRetriever()
	if err != nil {
		log.Warn().Err(err).Str("track", track.ID).Msg("Failed to prefetch track link")
		return
	}

	c.prepared.put(index, url.URL)
	c.player.PlayNext(url.URL)
	log.Debug().Int("index", index).Str("track", track.ID).Msg("Prefetch staged")
}

// Next advances to the following track; a no-op at the last index.
func (c *Controller) Next() {
	c.enqueue(func() {
		c.mu.RLock()
		idx := c.currentIndex + 1
		c.mu.RUnlock()
		c.doPlay(idx)
	})
}

// Prev steps back to the previous track; a no-op at index 0.
func (c *Controller) Prev() {
	c.enqueue(func() {
		c.mu.RLock()
		idx := c.currentIndex - 1
		c.mu.RUnlock()
		c.doPlay(idx)
	})
}

// Pause forwards the pause request to the player.
func (c *Controller) Pause(paused bool) {
	c.enqueue(func() { c.player.Pause(paused) })
}

// Stop halts playback, leaving the queue intact.
func (c *Controller) Stop() {
	c.enqueue(func() { c.stopPlayback() })
}

// Seek forwards a position request for the current source.
func (c *Controller) Seek(positionMs int64) {
	c.enqueue(func() { c.player.Seek(positionMs) })
}

// SetVolume applies an output volume and publishes VolumeChanged.
func (c *Controller) SetVolume(percent int) {
	c.enqueue(func() {
		applied := c.player.SetVolume(percent)
		c.emitter.Dispatch(event.VolumeChanged, applied)
	})
}

// Replay re-broadcasts the current state and the full queue for freshly
// connected subscribers.
func (c *Controller) Replay() {
	c.enqueue(func() {
		c.mu.RLock()
		total := len(c.tracks)
		c.mu.RUnlock()

		replay := ReplayState{
			PlayerState: c.playerState(),
			Queue: QueuePage{
				Offset: 0,
				Limit:  total,
				Total:  total,
				Items:  c.List(0, total),
			},
		}
		c.emitter.Dispatch(event.StateReplay, replay)
	})
}

// stopPlayback halts the player and snaps the external state to STOPPED at
// once, without waiting for the graph's own STOPPED to round-trip through
// the monitor.
func (c *Controller) stopPlayback() {
	c.cancelPrefetch()
	c.prepared.clear()
	c.player.Stop()

	c.mu.Lock()
	c.state = StateStopped
	c.positionMs = 0
	c.message = ""
	c.audioInfo = nil
	c.mu.Unlock()
}

func (c *Controller) requestMoreTracksIfAtTail() {
	c.mu.RLock()
	atTail := len(c.tracks) > 0 && c.currentIndex == len(c.tracks)-1
	c.mu.RUnlock()
	if atTail {
		c.emitter.Dispatch(event.RequestMoreTracks, nil)
	}
}

// ---- Synchronous reads --------------------------------------------------

// List returns a window of the queue.
func (c *Controller) List(offset, limit int) []TrackSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if offset < 0 || offset >= len(c.tracks) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(c.tracks) {
		end = len(c.tracks)
	}

	out := make([]TrackSnapshot, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, c.snapshotLocked(i))
	}
	return out
}

// GetTrackInfo returns the queue entry at index, nil when out of range.
func (c *Controller) GetTrackInfo(index int) *TrackSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if index < 0 || index >= len(c.tracks) {
		return nil
	}
	snap := c.snapshotLocked(index)
	return &snap
}

// GetState returns the current external player state.
func (c *Controller) GetState() PlayerState {
	return c.playerState()
}

func (c *Controller) snapshotAt(index int) TrackSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(index)
}

func (c *Controller) snapshotLocked(index int) TrackSnapshot {
	return TrackSnapshot{
		Index:    index,
		Selected: index == c.currentIndex,
		Track:    c.tracks[index].Metadata,
	}
}

func (c *Controller) playerState() PlayerState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := PlayerState{
		State:       c.state,
		PositionMs:  c.positionMs,
		Message:     c.message,
		AudioInfo:   c.audioInfo,
		TimestampNs: time.Now().UnixNano(),
	}
	if c.state == StatePlaying && c.stateStamp > 0 {
		st.PositionMs += (st.TimestampNs - c.stateStamp) / int64(time.Millisecond)
	}
	if len(c.tracks) > 0 && c.currentIndex >= 0 && c.currentIndex < len(c.tracks) {
		idx := c.currentIndex
		st.Index = &idx
		st.CurrentTrack = c.tracks[idx].Metadata
	}
	return st
}

// ---- State-update handling ----------------------------------------------

// handleStreamState runs on the executor for every new aggregate state from
// the monitor.
func (c *Controller) handleStreamState(st audio.StreamState) {
	switch st.State {
	case audio.StateSourceChanged:
		// The switcher dropped one staged source. With more than one entry
		// the oldest is the dropped one; the surviving oldest names the new
		// current. With a single entry this is the initial staging of an
		// explicit play.
		if c.prepared.size() > 1 {
			c.prepared.popOldest()
		}
		if e, ok := c.prepared.oldest(); ok {
			c.mu.Lock()
			c.currentIndex = e.index
			c.mu.Unlock()
		}
		c.requestMoreTracksIfAtTail()
		return

	case audio.StateFinished:
		c.cancelPrefetch()

	case audio.StateStreaming:
		c.schedulePrefetch(st)

	default:
		c.cancelPrefetch()
	}

	c.mu.Lock()
	c.state = externalState(st.State)
	c.positionMs = st.PositionMs
	c.stateStamp = st.TimestampNs
	c.message = st.Message
	c.audioInfo = st.Info
	if c.state == StateStopped {
		c.positionMs = 0
	}
	c.mu.Unlock()

	c.emitState()
}

func (c *Controller) emitState() {
	c.emitter.Dispatch(event.StateChanged, c.playerState())
}

// schedulePrefetch arms the timer to stage the next track shortly before
// the current one ends. With too little time left, staging starts at once.
func (c *Controller) schedulePrefetch(st audio.StreamState) {
	c.cancelPrefetch()

	if st.Info == nil || st.Info.DurationMs <= 0 {
		return
	}

	remaining := st.Info.DurationMs - st.PositionMs - c.leadMs
	if remaining <= 0 {
		c.mu.RLock()
		next := c.currentIndex + 1
		c.mu.RUnlock()
		c.doPlayNext(next)
		return
	}

	c.prefetchTimer = time.AfterFunc(time.Duration(remaining)*time.Millisecond, func() {
		c.enqueue(func() {
			c.mu.RLock()
			next := c.currentIndex + 1
			c.mu.RUnlock()
			c.doPlayNext(next)
		})
	})
	log.Debug().Int64("inMs", remaining).Msg("Prefetch scheduled")
}

// cancelPrefetch is called before every transition away from STREAMING; a
// timer that already fired is disarmed by the guards in doPlayNext.
func (c *Controller) cancelPrefetch() {
	if c.prefetchTimer != nil {
		c.prefetchTimer.Stop()
		c.prefetchTimer = nil
	}
}
