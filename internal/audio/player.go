package audio

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBufferSeconds = 10

// Config tunes the playback graph.
type Config struct {
	Device         string
	BufferSeconds  int          // ring capacity in seconds of audio
	ExpectedFormat StreamFormat // ring sizing before headers are known
	Source         SourceConfig
}

func (c Config) withDefaults() Config {
	if c.BufferSeconds <= 0 {
		c.BufferSeconds = defaultBufferSeconds
	}
	if c.ExpectedFormat.SampleRate == 0 {
		c.ExpectedFormat = StreamFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	}
	return c
}

type nodeSnapshot struct {
	state NodeState
	msg   string
	set   bool
}

// sourceContext is one staged URL traversing the graph from PREPARING to a
// terminal state: its ring, download task and decoder.
type sourceContext struct {
	url  string
	ring *RingBuffer
	src  *HTTPSource
	dec  *Decoder

	mu     sync.Mutex
	active bool
	last   [2]nodeSnapshot // NodeSource, NodeDecoder

	once sync.Once
}

func (c *sourceContext) teardown() {
	c.once.Do(func() {
		c.src.Stop()
	})
}

// notifier routes a node's state changes to the monitor only while the
// context is the active one; a prefetched context records them for replay
// at promotion instead.
func (c *sourceContext) notifier(kind NodeKind, mon *Monitor) func(NodeState, string) {
	return func(st NodeState, msg string) {
		c.mu.Lock()
		c.last[kind] = nodeSnapshot{state: st, msg: msg, set: true}
		active := c.active
		c.mu.Unlock()
		if active {
			mon.Update(kind, st, msg)
		} else {
			log.Debug().Str("node", kind.String()).Str("state", st.String()).
				Str("url", c.url).Msg("Prefetch node state")
		}
	}
}

// deactivate mutes the context's monitor notifications; used when a newer
// source supersedes it so its teardown states cannot pollute the monitor.
func (c *sourceContext) deactivate() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// activate flips the context to monitor-visible and replays its latest
// node states so nothing reported while prefetching is lost.
func (c *sourceContext) activate(mon *Monitor) {
	c.mu.Lock()
	c.active = true
	last := c.last
	c.mu.Unlock()

	for kind, snap := range last {
		if snap.set {
			mon.Update(NodeKind(kind), snap.state, snap.msg)
		}
	}
}

// Player owns the processing graph and exposes the playback request
// surface. Every call is an infallible request: failures surface later as
// an ERROR stream state through the monitor.
type Player struct {
	cfg  Config
	sw   *Switcher
	sink *Sink
	mon  *Monitor

	mu      sync.Mutex
	gen     uint64
	current *sourceContext
	next    *sourceContext
}

func NewPlayer(cfg Config) *Player {
	cfg = cfg.withDefaults()

	p := &Player{cfg: cfg}
	p.sw = NewSwitcher(func(st NodeState, msg string) {
		p.mon.Update(NodeSwitcher, st, msg)
	})
	p.mon = NewMonitor(p.sw.PositionMs)
	p.sink = NewSink(cfg.Device, p.sw, func(st NodeState, msg string) {
		p.mon.Update(NodeSink, st, msg)
	})
	p.sw.SetCallbacks(p.sink.OnSourceStreaming, p.sink.OnSourceDrained, p.handlePromote)
	return p
}

// Play stops the current source and stages url as the new one.
func (p *Player) Play(url string) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	old, oldNext := p.current, p.next
	p.current, p.next = nil, nil
	p.mu.Unlock()

	if old != nil {
		old.deactivate()
		old.teardown()
	}
	if oldNext != nil {
		oldNext.teardown()
	}

	p.mon.ResetSource()
	go p.stage(url, gen, true)
}

// PlayNext stages url for the gapless handover after the current source.
func (p *Player) PlayNext(url string) {
	p.mu.Lock()
	gen := p.gen
	oldNext := p.next
	p.next = nil
	p.mu.Unlock()

	if oldNext != nil {
		oldNext.teardown()
	}
	go p.stage(url, gen, false)
}

func (p *Player) stage(url string, gen uint64, primary bool) {
	ctx := &sourceContext{url: url}
	ctx.active = primary
	ctx.ring = NewRingBuffer(BufferSizeFor(p.cfg.BufferSeconds, p.cfg.ExpectedFormat))
	ctx.src = NewHTTPSource(url, ctx.ring, p.cfg.Source, ctx.notifier(NodeSource, p.mon))
	ctx.src.Start()

	dec, err := OpenDecoder(ctx.ring, ctx.notifier(NodeDecoder, p.mon))
	if err != nil {
		// The notifier has already published the terminal node state.
		ctx.teardown()
		return
	}
	ctx.dec = dec

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		ctx.teardown()
		return
	}
	if primary {
		p.current = ctx
		p.mu.Unlock()

		p.mon.SetInfo(dec.Info())
		if err := p.sink.Open(dec.Info().Format); err != nil {
			ctx.teardown()
			return
		}

		// A Stop or newer Play may have raced the device open.
		p.mu.Lock()
		stale := p.gen != gen
		p.mu.Unlock()
		if stale {
			ctx.teardown()
			return
		}
		p.sw.SetCurrent(dec, ctx.teardown)
		return
	}

	p.next = ctx
	p.mu.Unlock()
	p.sw.SetNext(dec, ctx.teardown)
}

// handlePromote runs when the switcher promotes next to current.
func (p *Player) handlePromote(info StreamInfo) {
	p.mu.Lock()
	promoted := p.next
	p.current = promoted
	p.next = nil
	p.mu.Unlock()

	p.mon.ResetSource()
	p.mon.SetInfo(info)
	if promoted != nil {
		promoted.activate(p.mon)
	}
}

// Pause suspends or resumes output. Idempotent.
func (p *Player) Pause(paused bool) {
	p.sink.Pause(paused)
}

// Stop cancels all in-flight work on the current and prefetched sources and
// clears their node states from the monitor, so a stale error does not
// outlive them.
func (p *Player) Stop() {
	p.mu.Lock()
	p.gen++
	old, oldNext := p.current, p.next
	p.current, p.next = nil, nil
	p.mu.Unlock()

	if old != nil {
		old.deactivate()
		old.teardown()
	}
	if oldNext != nil {
		oldNext.teardown()
	}
	p.mon.ResetSource()
	p.sink.Stop()
}

// Seek requests a position change on the current source. Network FLAC
// sources expose no usable byte-range decode path, so the request surfaces
// as an ERROR state; policy beyond that belongs to higher layers.
func (p *Player) Seek(positionMs int64) {
	p.mu.Lock()
	hasSource := p.current != nil
	p.mu.Unlock()

	if !hasSource {
		return
	}
	log.Warn().Int64("positionMs", positionMs).Msg("Seek requested on a network stream")
	p.mon.Update(NodeDecoder, StateError, "seek is not supported for this source")
}

// SetVolume applies a 0-100 output volume, returning the clamped value.
func (p *Player) SetVolume(percent int) int {
	return p.sink.SetVolume(percent)
}

// Volume returns the current output volume percentage.
func (p *Player) Volume() int {
	return p.sink.Volume()
}

// State returns the latest aggregate stream state.
func (p *Player) State() StreamState {
	return p.mon.Current()
}

// Monitor exposes the state monitor for listeners.
func (p *Player) Monitor() *Monitor {
	return p.mon
}

// Close tears the graph down. The monitor delivers its terminal sentinel to
// all listeners.
func (p *Player) Close() {
	p.Stop()
	p.mon.Stop()
	p.sink.Close()
}
