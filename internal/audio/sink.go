package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const (
	speakerBufferSize   = 250 * time.Millisecond
	volumeCurveExponent = 0.5
	minVolumeDB         = -10.0
	defaultVolume       = 70
	minVolume           = 0
	maxVolume           = 100
)

// percentToExponent maps a 0-100 volume percentage onto an exponential
// attenuation curve so perceived loudness changes evenly.
func percentToExponent(p float64) float64 {
	if p <= 0 {
		return minVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, volumeCurveExponent)
	return (1.0 - adjusted) * minVolumeDB
}

func clampVolume(v int) int {
	if v < minVolume {
		return minVolume
	}
	if v > maxVolume {
		return maxVolume
	}
	return v
}

// Sink drives the audio output device. It pulls PCM from the switcher via
// the speaker's writer goroutine, owns pause/volume, and publishes the
// played position. The device is opened with the first source's format and
// re-opened only when an explicit play changes the rate; gapless handover
// never closes it.
type Sink struct {
	device string
	sw     *Switcher
	notify func(NodeState, string)

	mu            sync.Mutex
	opened        bool
	deviceRate    beep.SampleRate
	ctrl          *beep.Ctrl
	volume        *effects.Volume
	volumePercent int
	paused        bool
	drainGen      uint64
}

// NewSink builds a sink for the named output device ("default" when empty).
// Device selection beyond logging is delegated to the platform audio layer.
func NewSink(device string, sw *Switcher, notify func(NodeState, string)) *Sink {
	if device == "" {
		device = "default"
	}
	return &Sink{
		device:        device,
		sw:            sw,
		notify:        notify,
		volumePercent: defaultVolume,
	}
}

// Open prepares the device for a source in the given format, reconfiguring
// when the rate differs from the currently open one. Serialized with every
// other device operation.
func (s *Sink) Open(format StreamFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainGen++
	rate := beep.SampleRate(format.SampleRate)

	if s.opened && rate == s.deviceRate {
		s.resumeLocked()
		return nil
	}

	s.notify(StatePreparing, "")
	log.Debug().Str("device", s.device).Int("sampleRate", format.SampleRate).
		Int("bits", format.BitsPerSample).Msg("Opening output device")

	if err := speaker.Init(rate, rate.N(speakerBufferSize)); err != nil {
		err = fmt.Errorf("failed to open output device %s: %w", s.device, err)
		s.notify(StateError, err.Error())
		return err
	}

	s.deviceRate = rate
	s.opened = true
	s.sw.SetDeviceRate(format.SampleRate)

	s.volume = &effects.Volume{
		Streamer: s.sw,
		Base:     2,
		Volume:   percentToExponent(float64(s.volumePercent)),
		Silent:   s.volumePercent == 0,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}
	s.paused = false
	speaker.Play(s.ctrl)
	return nil
}

func (s *Sink) resumeLocked() {
	if !s.paused {
		return
	}
	speaker.Lock()
	s.ctrl.Paused = false
	speaker.Unlock()
	s.paused = false
}

// Pause suspends or resumes the writer at the next pull boundary. The
// request is a no-op when the requested state already holds or no device
// is open.
func (s *Sink) Pause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened || s.paused == paused {
		return
	}

	speaker.Lock()
	s.ctrl.Paused = paused
	speaker.Unlock()
	s.paused = paused

	if paused {
		s.notify(StatePaused, "")
		log.Debug().Msg("Playback paused")
	} else {
		if s.sw.HasCurrent() {
			s.notify(StateStreaming, "")
		}
		log.Debug().Msg("Playback resumed")
	}
}

// Stop drops all staged sources and silences the device without closing it.
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainGen++
	s.sw.Clear()
	if s.opened {
		s.resumeLocked()
	}
	s.notify(StateStopped, "")
	log.Debug().Msg("Playback stopped")
}

// SetVolume applies a 0-100 volume percentage, returning the clamped value.
func (s *Sink) SetVolume(percent int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	percent = clampVolume(percent)
	s.volumePercent = percent
	if s.volume == nil {
		log.Debug().Msgf("Volume stored as %d%% (will be applied when playback starts)", percent)
		return percent
	}

	level := percentToExponent(float64(percent))
	speaker.Lock()
	s.volume.Volume = level
	s.volume.Silent = percent == 0
	speaker.Unlock()

	log.Debug().Msgf("Volume set to %d%% (%.2f dB)", percent, level)
	return percent
}

// Volume returns the current volume percentage.
func (s *Sink) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volumePercent
}

// Paused reports whether the writer is suspended.
func (s *Sink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// PositionMs returns the played position within the current source.
func (s *Sink) PositionMs() int64 {
	return s.sw.PositionMs()
}

// OnSourceStreaming is invoked from the pull path when the first frames of
// a source have been written to the device.
func (s *Sink) OnSourceStreaming() {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if !paused {
		s.notify(StateStreaming, "")
	}
}

// OnSourceDrained is invoked when the upstream finished with nothing staged
// next. FINISHED is reported once the device buffer has flushed, unless a
// new source arrives in the meantime.
func (s *Sink) OnSourceDrained() {
	s.mu.Lock()
	gen := s.drainGen
	s.mu.Unlock()

	time.AfterFunc(speakerBufferSize, func() {
		s.mu.Lock()
		stale := s.drainGen != gen
		s.mu.Unlock()
		if stale || s.sw.HasCurrent() {
			return
		}
		s.notify(StateFinished, "")
	})
}

// Close shuts the device down. Only used on engine teardown.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		speaker.Clear()
		speaker.Close()
		s.opened = false
	}
}
