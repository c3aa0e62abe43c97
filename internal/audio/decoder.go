package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mewkiz/flac"
	"github.com/rs/zerolog/log"
)

// errUnsupportedLayout rejects sources the two-channel output path cannot
// carry. Mono is duplicated to both channels; anything above stereo is not
// playable here.
var errUnsupportedLayout = errors.New("audio: unsupported channel layout")

// Decoder consumes bytes from a ring buffer and produces interleaved stereo
// float frames. StreamInfo is available as soon as OpenDecoder returns; the
// node reaches STREAMING at that point and FINISHED on a clean end of
// stream. Decode failures past the headers surface as ERROR, never as a
// silent dropout.
type Decoder struct {
	ring   *RingBuffer
	stream *flac.Stream
	info   StreamInfo
	notify func(NodeState, string)
	scale  float64

	mu       sync.Mutex
	buf      [][2]float64 // frame scratch, reused across frames
	pending  [][2]float64 // unconsumed window into buf
	err      error
	finished bool
}

// OpenDecoder parses the FLAC headers from ring, blocking until enough
// bytes arrive. On success the stream format and duration are known.
func OpenDecoder(ring *RingBuffer, notify func(NodeState, string)) (*Decoder, error) {
	notify(StatePreparing, "")

	stream, err := flac.New(ring)
	if err != nil {
		if errors.Is(err, ErrCanceled) || ring.Canceled() {
			notify(StateStopped, "")
		} else {
			err = fmt.Errorf("invalid stream headers: %w", err)
			notify(StateError, err.Error())
		}
		return nil, err
	}

	si := stream.Info
	if si.NChannels < 1 || si.NChannels > 2 {
		err := fmt.Errorf("%w: %d channels", errUnsupportedLayout, si.NChannels)
		notify(StateError, err.Error())
		return nil, err
	}

	info := StreamInfo{
		Format: StreamFormat{
			SampleRate:    int(si.SampleRate),
			Channels:      int(si.NChannels),
			BitsPerSample: int(si.BitsPerSample),
		},
		DurationMs: int64(si.NSamples) * 1000 / int64(si.SampleRate),
	}

	d := &Decoder{
		ring:   ring,
		stream: stream,
		info:   info,
		notify: notify,
		scale:  float64(int64(1) << (si.BitsPerSample - 1)),
	}

	log.Debug().
		Int("sampleRate", info.Format.SampleRate).
		Int("channels", info.Format.Channels).
		Int("bits", info.Format.BitsPerSample).
		Int64("durationMs", info.DurationMs).
		Msg("Stream headers parsed")

	notify(StateStreaming, "")
	return d, nil
}

// Info returns the decoder-reported stream description.
func (d *Decoder) Info() StreamInfo {
	return d.info
}

// Stream fills samples with decoded stereo frames. It implements the pull
// contract of the switcher: n < len(samples) with ok = true means the
// source drained mid-batch, ok = false (with n = 0) means it has no samples
// left.
func (d *Decoder) Stream(samples [][2]float64) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil || d.finished {
		return 0, false
	}

	n := 0
	for n < len(samples) {
		if len(d.pending) == 0 {
			if !d.decodeFrame() {
				break
			}
		}
		c := copy(samples[n:], d.pending)
		d.pending = d.pending[c:]
		n += c
	}
	return n, n > 0
}

// Err reports a decode failure; nil after a clean end of stream.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return nil
	}
	return d.err
}

// Finished reports whether the stream ended at a clean terminus.
func (d *Decoder) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// decodeFrame parses one FLAC frame into pending. Called with mu held.
func (d *Decoder) decodeFrame() bool {
	f, err := d.stream.ParseNext()
	if err != nil {
		if err == io.EOF {
			d.finished = true
			d.notify(StateFinished, "")
			return false
		}
		if errors.Is(err, ErrCanceled) || d.ring.Canceled() {
			d.err = ErrCanceled
			d.notify(StateStopped, "")
			return false
		}
		d.err = fmt.Errorf("decode error: %w", err)
		d.notify(StateError, d.err.Error())
		return false
	}

	// A frame whose header disagrees with StreamInfo would change the
	// device format mid-source, which the graph does not allow.
	if int(f.SampleRate) != d.info.Format.SampleRate ||
		int(f.BitsPerSample) != d.info.Format.BitsPerSample {
		d.err = fmt.Errorf("decode error: format change mid-stream (%d Hz/%d bit -> %d Hz/%d bit)",
			d.info.Format.SampleRate, d.info.Format.BitsPerSample, f.SampleRate, f.BitsPerSample)
		d.notify(StateError, d.err.Error())
		return false
	}

	blockSize := int(f.BlockSize)
	if cap(d.buf) < blockSize {
		d.buf = make([][2]float64, blockSize)
	}
	buf := d.buf[:blockSize]

	if d.info.Format.Channels == 1 {
		src := f.Subframes[0].Samples
		for i := 0; i < blockSize; i++ {
			v := float64(src[i]) / d.scale
			buf[i][0] = v
			buf[i][1] = v
		}
	} else {
		left := f.Subframes[0].Samples
		right := f.Subframes[1].Samples
		for i := 0; i < blockSize; i++ {
			buf[i][0] = float64(left[i]) / d.scale
			buf[i][1] = float64(right[i]) / d.scale
		}
	}
	d.pending = buf
	return true
}
