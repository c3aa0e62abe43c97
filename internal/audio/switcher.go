package audio

import (
	"sync"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog/log"
)

const resampleQuality = 4

// PCMSource is a pull source of interleaved stereo frames, as produced by
// the decoder node.
type PCMSource interface {
	beep.Streamer
	Info() StreamInfo
	Finished() bool
}

type stagedSource struct {
	src      PCMSource
	streamer beep.Streamer // src, resampled to the device rate when needed
	cleanup  func()
	started  bool
	frames   int64 // device-rate frames delivered
}

// Switcher holds the current and the prefetched next source and performs the
// gapless handover: when current produces its last sample, the remainder of
// the same pull window is filled from next, so the sink observes no gap.
// With no source staged it emits silence, keeping the device fed.
type Switcher struct {
	mu         sync.Mutex
	current    *stagedSource
	next       *stagedSource
	deviceRate int

	// posMs is read lock-free: the monitor's position callback runs inside
	// state notifications that originate from the pull path, where taking
	// the switcher mutex again would deadlock.
	posMs atomic.Int64

	notify      func(NodeState, string)
	onStreaming func() // first real samples of a source reached the sink pull
	onDrained   func() // current finished with nothing staged
	onPromote   func(info StreamInfo)
}

// NewSwitcher builds a switcher reporting through notify. The callbacks are
// invoked from the sink's pull path and must not block or call back into
// the switcher.
func NewSwitcher(notify func(NodeState, string)) *Switcher {
	return &Switcher{notify: notify}
}

// SetCallbacks wires the sink-side hooks. Must be called before playback.
func (sw *Switcher) SetCallbacks(onStreaming, onDrained func(), onPromote func(info StreamInfo)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.onStreaming = onStreaming
	sw.onDrained = onDrained
	sw.onPromote = onPromote
}

// SetDeviceRate records the rate of the open output device. Staged sources
// with a different native rate are resampled to it.
func (sw *Switcher) SetDeviceRate(rate int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.deviceRate = rate
}

func (sw *Switcher) stage(src PCMSource, cleanup func()) *stagedSource {
	st := &stagedSource{src: src, streamer: src, cleanup: cleanup}
	rate := src.Info().Format.SampleRate
	if sw.deviceRate != 0 && rate != sw.deviceRate {
		st.streamer = beep.Resample(resampleQuality, beep.SampleRate(rate), beep.SampleRate(sw.deviceRate), src)
		log.Debug().Int("from", rate).Int("to", sw.deviceRate).Msg("Resampling staged source to device rate")
	}
	return st
}

// SetCurrent replaces the playing source, dropping both current and next.
func (sw *Switcher) SetCurrent(src PCMSource, cleanup func()) {
	sw.mu.Lock()
	sw.dropLocked(sw.current)
	sw.dropLocked(sw.next)
	sw.next = nil
	sw.current = sw.stage(src, cleanup)
	sw.posMs.Store(0)
	sw.mu.Unlock()

	// Outside the lock, like the notifications fired from the pull path.
	sw.notify(StateSourceChanged, "")
}

// SetNext stages the gapless follow-up. It has no effect on current.
func (sw *Switcher) SetNext(src PCMSource, cleanup func()) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.dropLocked(sw.next)
	sw.next = sw.stage(src, cleanup)
}

// Clear drops both sources.
func (sw *Switcher) Clear() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.dropLocked(sw.current)
	sw.dropLocked(sw.next)
	sw.current, sw.next = nil, nil
	sw.posMs.Store(0)
}

func (sw *Switcher) dropLocked(st *stagedSource) {
	if st != nil && st.cleanup != nil {
		st.cleanup()
	}
}

// PositionMs returns the playback position within the current source.
// Lock-free; safe to call from state-notification paths.
func (sw *Switcher) PositionMs() int64 {
	return sw.posMs.Load()
}

// HasCurrent reports whether a source is staged for playback.
func (sw *Switcher) HasCurrent() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.current != nil
}

// Stream implements beep.Streamer. Promotion from current to next happens
// inside a single call: the last sample of current is followed immediately
// by the first sample of next. Remaining space is silence-filled so the
// device never starves.
func (sw *Switcher) Stream(samples [][2]float64) (int, bool) {
	sw.mu.Lock()

	var fire []func()
	n := 0
	for n < len(samples) && sw.current != nil {
		m, ok := sw.current.streamer.Stream(samples[n:])
		n += m
		sw.current.frames += int64(m)
		if sw.deviceRate > 0 {
			sw.posMs.Store(sw.current.frames * 1000 / int64(sw.deviceRate))
		}

		if m > 0 && !sw.current.started {
			sw.current.started = true
			if sw.onStreaming != nil {
				fire = append(fire, sw.onStreaming)
			}
		}

		if ok && m > 0 {
			continue
		}

		// current produced its last sample (or failed)
		finished := sw.current.src.Finished()
		sw.dropLocked(sw.current)
		sw.current = nil

		if finished && sw.next != nil {
			sw.current = sw.next
			sw.next = nil
			sw.posMs.Store(0)
			info := sw.current.src.Info()
			notify := sw.notify
			fire = append(fire, func() { notify(StateSourceChanged, "") })
			if sw.onPromote != nil {
				cb := sw.onPromote
				fire = append(fire, func() { cb(info) })
			}
			continue
		}

		if finished {
			if sw.onDrained != nil {
				fire = append(fire, sw.onDrained)
			}
		}
		// On error the decoder has already reported it; nothing to play on.
		break
	}

	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	sw.mu.Unlock()

	for _, f := range fire {
		f()
	}
	return len(samples), true
}

// Err implements beep.Streamer. Node errors travel through the monitor, not
// through the speaker.
func (sw *Switcher) Err() error {
	return nil
}
