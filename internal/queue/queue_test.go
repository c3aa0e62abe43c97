package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harmonia-player/harmonia/internal/audio"
	"github.com/harmonia-player/harmonia/internal/event"
	"github.com/harmonia-player/harmonia/internal/input"
)

type fakePlayer struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlayer) Play(url string)     { p.record("play:" + url) }
func (p *fakePlayer) PlayNext(url string) { p.record("play_next:" + url) }
func (p *fakePlayer) Pause(paused bool)   { p.record(fmt.Sprintf("pause:%v", paused)) }
func (p *fakePlayer) Stop()               { p.record("stop") }
func (p *fakePlayer) Seek(ms int64)       { p.record(fmt.Sprintf("seek:%d", ms)) }
func (p *fakePlayer) SetVolume(v int) int {
	p.record(fmt.Sprintf("volume:%d", v))
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
func (p *fakePlayer) Volume() int { return 70 }

func (p *fakePlayer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

type captureEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (e *captureEmitter) Dispatch(topic event.Topic, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event.Event{Topic: topic, Payload: payload})
}

func (e *captureEmitter) snapshot() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]event.Event, len(e.events))
	copy(out, e.events)
	return out
}

func (e *captureEmitter) topics() []event.Topic {
	out := []event.Topic{}
	for _, ev := range e.snapshot() {
		out = append(out, ev.Topic)
	}
	return out
}

func (e *captureEmitter) lastOf(topic event.Topic) (event.Event, bool) {
	evs := e.snapshot()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Topic == topic {
			return evs[i], true
		}
	}
	return event.Event{}, false
}

func (e *captureEmitter) count(topic event.Topic) int {
	n := 0
	for _, ev := range e.snapshot() {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

type harness struct {
	c       *Controller
	player  *fakePlayer
	emitter *captureEmitter
	states  chan audio.StreamState
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		player:  &fakePlayer{},
		emitter: &captureEmitter{},
		states:  make(chan audio.StreamState, 16),
	}
	h.c = NewController(h.player, h.states, h.emitter, opts)
	t.Cleanup(func() {
		close(h.states)
		h.c.Close()
	})
	return h
}

// flush waits until every previously enqueued command has executed.
func (h *harness) flush() {
	done := make(chan struct{})
	h.c.enqueue(func() { close(done) })
	<-done
}

func (h *harness) push(st audio.StreamState) {
	if st.TimestampNs == 0 {
		st.TimestampNs = time.Now().UnixNano()
	}
	h.states <- st
	// The pump and the executor both need a turn.
	time.Sleep(5 * time.Millisecond)
	h.flush()
}

func track(id string, durationSec int) input.TrackInfo {
	return input.TrackInfo{
		ID: id,
		LinkRetriever: func() (input.TrackUrl, error) {
			return input.TrackUrl{URL: "https://cdn.example/" + id + ".flac", Format: "flac"}, nil
		},
		Metadata: &input.Track{ID: id, Title: "Track " + id, Duration: durationSec},
	}
}

func badTrack(id string) input.TrackInfo {
	return input.TrackInfo{
		ID: id,
		LinkRetriever: func() (input.TrackUrl, error) {
			return input.TrackUrl{}, errors.New("link expired")
		},
		Metadata: &input.Track{ID: id, Title: "Track " + id},
	}
}

func TestAddPublishesTracksAddedAndInitialState(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100)})
	h.flush()

	added, ok := h.emitter.lastOf(event.TracksAdded)
	if !ok {
		t.Fatal("no TracksAdded emitted")
	}
	snaps := added.Payload.([]TrackSnapshot)
	if len(snaps) != 1 || snaps[0].Index != 0 || !snaps[0].Selected {
		t.Errorf("TracksAdded payload = %+v", snaps)
	}

	st, ok := h.emitter.lastOf(event.StateChanged)
	if !ok {
		t.Fatal("no initial StateChanged emitted")
	}
	ps := st.Payload.(PlayerState)
	if ps.State != StateStopped || ps.Index == nil || *ps.Index != 0 || ps.PositionMs != 0 {
		t.Errorf("initial state = %+v", ps)
	}
	if ps.CurrentTrack == nil || ps.CurrentTrack.ID != "t1" {
		t.Errorf("current track = %+v", ps.CurrentTrack)
	}
}

func TestAddToNonEmptyQueueEmitsNoState(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100)})
	h.flush()
	before := h.emitter.count(event.StateChanged)

	h.c.Add([]input.TrackInfo{track("t2", 100)})
	h.flush()

	if got := h.emitter.count(event.StateChanged); got != before {
		t.Errorf("StateChanged count %d -> %d on append to non-empty queue", before, got)
	}
	if h.emitter.count(event.TracksAdded) != 2 {
		t.Errorf("TracksAdded count = %d, want 2", h.emitter.count(event.TracksAdded))
	}
}

func TestAddThenRemoveRestoresEmptyQueue(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100)})
	h.c.Remove([]int{0})
	h.flush()

	if h.emitter.count(event.TracksAdded) != 1 || h.emitter.count(event.TracksRemoved) != 1 {
		t.Errorf("topics = %v, want exactly one TracksAdded and one TracksRemoved", h.emitter.topics())
	}

	removed, _ := h.emitter.lastOf(event.TracksRemoved)
	if idxs := removed.Payload.([]int); len(idxs) != 1 || idxs[0] != 0 {
		t.Errorf("TracksRemoved payload = %v", removed.Payload)
	}

	st, _ := h.emitter.lastOf(event.StateChanged)
	ps := st.Payload.(PlayerState)
	if ps.State != StateStopped || ps.CurrentTrack != nil || ps.PositionMs != 0 {
		t.Errorf("state after remove = %+v, want empty STOPPED", ps)
	}

	if got := h.c.List(0, 10); got != nil {
		t.Errorf("List after remove = %v, want empty", got)
	}
}

func TestRemoveCurrentStopsPlayback(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100), track("t3", 100)})
	h.c.Play(1)
	h.flush()

	h.c.Remove([]int{1})
	h.flush()

	found := false
	for _, call := range h.player.snapshot() {
		if call == "stop" {
			found = true
		}
	}
	if !found {
		t.Error("removing the current track did not stop playback")
	}

	st := h.c.GetState()
	if st.State != StateStopped {
		t.Errorf("state = %s, want STOPPED", st.State)
	}
	if st.Index == nil || *st.Index != 1 {
		t.Errorf("index = %v, want 1 (clamped to next remaining)", st.Index)
	}
}

func TestRemoveBeforeCurrentShiftsIndex(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100), track("t3", 100)})
	h.c.Play(2)
	h.flush()

	h.c.Remove([]int{0})
	h.flush()

	st := h.c.GetState()
	if st.Index == nil || *st.Index != 1 {
		t.Errorf("index after removing earlier track = %v, want 1", st.Index)
	}
	if st.CurrentTrack == nil || st.CurrentTrack.ID != "t3" {
		t.Errorf("current track = %+v, want t3", st.CurrentTrack)
	}
}

func TestClearEmitsReverseIndices(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 1), track("t2", 1), track("t3", 1)})
	h.c.Clear()
	h.flush()

	removed, ok := h.emitter.lastOf(event.TracksRemoved)
	if !ok {
		t.Fatal("no TracksRemoved after Clear")
	}
	idxs := removed.Payload.([]int)
	want := []int{2, 1, 0}
	if len(idxs) != len(want) {
		t.Fatalf("payload = %v, want %v", idxs, want)
	}
	for i := range want {
		if idxs[i] != want[i] {
			t.Errorf("payload[%d] = %d, want %d", i, idxs[i], want[i])
		}
	}

	if h.c.GetTrackInfo(0) != nil {
		t.Error("queue not empty after Clear")
	}
}

func TestPlayResolvesAndStages(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100)})
	h.c.Play(0)
	h.flush()

	calls := h.player.snapshot()
	if len(calls) == 0 || calls[len(calls)-1] != "play:https://cdn.example/t1.flac" {
		t.Errorf("player calls = %v", calls)
	}
	if !h.c.prepared.contains(0) {
		t.Error("prepared map does not contain the played index")
	}
	if h.emitter.count(event.RequestMoreTracks) != 0 {
		t.Error("RequestMoreTracks emitted although not at tail")
	}
}

func TestPlayAtTailRequestsMoreTracks(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100)})
	h.c.Play()
	h.flush()

	if h.emitter.count(event.RequestMoreTracks) != 1 {
		t.Errorf("RequestMoreTracks count = %d, want 1", h.emitter.count(event.RequestMoreTracks))
	}
}

func TestPlayOutOfRangeIsSilentlyIgnored(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100)})
	h.flush()
	before := len(h.emitter.snapshot())

	h.c.Play(5)
	h.c.Play(-1)
	h.flush()

	if len(h.player.snapshot()) != 0 {
		t.Errorf("player calls = %v, want none", h.player.snapshot())
	}
	if len(h.emitter.snapshot()) != before {
		t.Error("events emitted for an invalid play command")
	}
}

func TestPlayResolutionFailure(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{badTrack("bad")})
	h.c.Play()
	h.flush()

	ne, ok := h.emitter.lastOf(event.NetworkError)
	if !ok {
		t.Fatal("no NetworkError emitted")
	}
	if msg := ne.Payload.(string); msg != "link expired" {
		t.Errorf("NetworkError payload = %q", msg)
	}

	st, _ := h.emitter.lastOf(event.StateChanged)
	ps := st.Payload.(PlayerState)
	if ps.State != StateStopped {
		t.Errorf("state = %s, want STOPPED", ps.State)
	}
	if ps.CurrentTrack == nil || ps.CurrentTrack.ID != "bad" {
		t.Errorf("current track = %+v, queue must stay intact", ps.CurrentTrack)
	}

	for _, call := range h.player.snapshot() {
		if call == "play:" {
			t.Error("player.Play called despite resolution failure")
		}
	}
	if h.c.prepared.size() != 0 {
		t.Error("prepared map not empty after failed resolve")
	}
}

func TestPlayNextGuards(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100)})
	h.c.PlayNext(5) // out of range
	h.c.PlayNext(1)
	h.c.PlayNext(1) // already prepared
	h.flush()

	count := 0
	for _, call := range h.player.snapshot() {
		if call == "play_next:https://cdn.example/t2.flac" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("PlayNext staged %d times, want 1", count)
	}
}

func TestNextAtLastIndexIsNoOp(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100)})
	h.c.Next()
	h.flush()

	if len(h.player.snapshot()) != 0 {
		t.Errorf("player calls = %v, want none", h.player.snapshot())
	}
}

func TestPrevAtZeroIsNoOp(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100)})
	h.c.Prev()
	h.flush()

	if len(h.player.snapshot()) != 0 {
		t.Errorf("player calls = %v, want none", h.player.snapshot())
	}
}

func TestNextAdvances(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100)})
	h.c.Play(0)
	h.c.Next()
	h.flush()

	calls := h.player.snapshot()
	if calls[len(calls)-1] != "play:https://cdn.example/t2.flac" {
		t.Errorf("calls = %v, want next track played last", calls)
	}

	st := h.c.GetState()
	if st.Index == nil || *st.Index != 1 {
		t.Errorf("index = %v, want 1", st.Index)
	}
}

func TestPauseStopSeekForwarded(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Pause(true)
	h.c.Pause(false)
	h.c.Seek(3000)
	h.c.Stop()
	h.flush()

	want := []string{"pause:true", "pause:false", "seek:3000", "stop"}
	calls := h.player.snapshot()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestSetVolumeEmitsVolumeChanged(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.SetVolume(130)
	h.flush()

	ev, ok := h.emitter.lastOf(event.VolumeChanged)
	if !ok {
		t.Fatal("no VolumeChanged emitted")
	}
	if ev.Payload.(int) != 100 {
		t.Errorf("VolumeChanged payload = %v, want clamped 100", ev.Payload)
	}
}

func TestStreamingStateMapsToPlaying(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100)})
	h.c.Play(0)
	h.flush()

	info := audio.StreamInfo{
		Format:     audio.StreamFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16},
		DurationMs: 100000,
	}
	h.push(audio.StreamState{State: audio.StateStreaming, PositionMs: 1000, Info: &info})

	st, _ := h.emitter.lastOf(event.StateChanged)
	ps := st.Payload.(PlayerState)
	if ps.State != StatePlaying {
		t.Errorf("state = %s, want PLAYING", ps.State)
	}
	if ps.AudioInfo == nil || ps.AudioInfo.DurationMs != 100000 {
		t.Errorf("audio info = %+v", ps.AudioInfo)
	}
	if ps.PositionMs < 1000 {
		t.Errorf("position = %d, want >= raw position after correction", ps.PositionMs)
	}
}

func TestStreamingSchedulesPrefetchTimer(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 100), track("t2", 100)})
	h.c.Play(0)
	h.flush()

	info := audio.StreamInfo{DurationMs: 600000}
	h.push(audio.StreamState{State: audio.StateStreaming, PositionMs: 0, Info: &info})

	armed := false
	h.c.enqueue(func() { armed = h.c.prefetchTimer != nil })
	h.flush()
	if !armed {
		t.Error("prefetch timer not armed during STREAMING")
	}

	// Any non-streaming transition cancels it.
	h.push(audio.StreamState{State: audio.StatePaused})
	disarmed := false
	h.c.enqueue(func() { disarmed = h.c.prefetchTimer == nil })
	h.flush()
	if !disarmed {
		t.Error("prefetch timer survived transition away from STREAMING")
	}
}

func TestStreamingNearEndPrefetchesImmediately(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10), track("t2", 10)})
	h.c.Play(0)
	h.flush()

	info := audio.StreamInfo{DurationMs: 10000}
	h.push(audio.StreamState{State: audio.StateStreaming, PositionMs: 9000, Info: &info})

	staged := false
	for _, call := range h.player.snapshot() {
		if call == "play_next:https://cdn.example/t2.flac" {
			staged = true
		}
	}
	if !staged {
		t.Error("remaining time below lead did not stage the next track at once")
	}
}

func TestSourceChangedAdvancesToPreparedIndex(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10), track("t2", 10)})
	h.c.Play(0)
	h.flush()

	// Initial staging: SOURCE_CHANGED confirms index 0.
	h.push(audio.StreamState{State: audio.StateSourceChanged})
	st := h.c.GetState()
	if st.Index == nil || *st.Index != 0 {
		t.Fatalf("index after initial SOURCE_CHANGED = %v, want 0", st.Index)
	}

	h.c.PlayNext(1)
	h.flush()

	// Gapless promotion: the oldest entry is dropped, index becomes 1.
	h.push(audio.StreamState{State: audio.StateSourceChanged})
	st = h.c.GetState()
	if st.Index == nil || *st.Index != 1 {
		t.Errorf("index after promotion = %v, want 1", st.Index)
	}

	// The promoted entry stays prepared while it is current.
	if !h.c.prepared.contains(1) || h.c.prepared.size() != 1 {
		t.Errorf("prepared = %v, want exactly the current index", h.c.prepared.indices())
	}

	// Promotion onto the last index requests more tracks.
	if h.emitter.count(event.RequestMoreTracks) == 0 {
		t.Error("no RequestMoreTracks after advancing to the tail")
	}
}

func TestFinishedRemapsToStopped(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10)})
	h.c.Play(0)
	h.flush()

	h.push(audio.StreamState{State: audio.StateFinished})

	st, _ := h.emitter.lastOf(event.StateChanged)
	ps := st.Payload.(PlayerState)
	if ps.State != StateStopped {
		t.Errorf("FINISHED mapped to %s, want STOPPED", ps.State)
	}
}

func TestErrorStateCarriesMessage(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10)})
	h.c.Play(0)
	h.flush()

	h.push(audio.StreamState{State: audio.StateError, Message: "network error after 4 attempts"})

	st, _ := h.emitter.lastOf(event.StateChanged)
	ps := st.Payload.(PlayerState)
	if ps.State != StateError || ps.Message == "" {
		t.Errorf("error state = %+v", ps)
	}
}

func TestReplayCarriesFullQueue(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10), track("t2", 10), track("t3", 10)})
	h.c.Replay()
	h.flush()

	ev, ok := h.emitter.lastOf(event.StateReplay)
	if !ok {
		t.Fatal("no StateReplay emitted")
	}
	replay := ev.Payload.(ReplayState)
	if replay.Queue.Total != 3 || len(replay.Queue.Items) != 3 {
		t.Errorf("replay queue = %+v", replay.Queue)
	}
	if replay.State != StateStopped {
		t.Errorf("replay state = %s", replay.State)
	}
}

func TestListAndGetTrackInfoBounds(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10), track("t2", 10), track("t3", 10)})
	h.flush()

	if got := h.c.List(1, 5); len(got) != 2 || got[0].Index != 1 {
		t.Errorf("List(1, 5) = %+v", got)
	}
	if got := h.c.List(7, 5); got != nil {
		t.Errorf("List out of range = %+v, want nil", got)
	}
	if got := h.c.GetTrackInfo(2); got == nil || got.Track.ID != "t3" {
		t.Errorf("GetTrackInfo(2) = %+v", got)
	}
	if h.c.GetTrackInfo(3) != nil {
		t.Error("GetTrackInfo out of range should be nil")
	}
}

func TestPreparedMapNeverHoldsInvalidIndex(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Add([]input.TrackInfo{track("t1", 10), track("t2", 10), track("t3", 10)})
	h.c.Play(0)
	h.c.PlayNext(2)
	h.flush()

	h.c.Remove([]int{2})
	h.flush()

	h.c.enqueue(func() {
		for _, idx := range h.c.prepared.indices() {
			if idx < 0 || idx >= 2 {
				t.Errorf("prepared holds invalid index %d", idx)
			}
		}
	})
	h.flush()
}
