// Package audio implements the streaming playback graph: an HTTP source
// feeding a ring buffer, a FLAC decoder, a gapless stream switcher and the
// speaker sink, plus the monitor that collapses per-node states into one
// observable stream state.
package audio

import "time"

// NodeState is the lifecycle state of a single graph node.
type NodeState int

const (
	StateError NodeState = iota
	StateStopped
	StatePreparing
	StateStreaming
	StatePaused
	StateFinished
	StateSourceChanged
)

func (s NodeState) String() string {
	switch s {
	case StateError:
		return "ERROR"
	case StateStopped:
		return "STOPPED"
	case StatePreparing:
		return "PREPARING"
	case StateStreaming:
		return "STREAMING"
	case StatePaused:
		return "PAUSED"
	case StateFinished:
		return "FINISHED"
	case StateSourceChanged:
		return "SOURCE_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// StreamFormat describes the PCM layout of a decoded source.
type StreamFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// StreamInfo is the decoder-reported description of a source, known once
// the stream headers are parsed.
type StreamInfo struct {
	Format     StreamFormat
	DurationMs int64
}

// StreamState is the one authoritative status of the playback graph.
type StreamState struct {
	State       NodeState
	PositionMs  int64
	Info        *StreamInfo
	Message     string
	TimestampNs int64
}

func stamp(s StreamState) StreamState {
	s.TimestampNs = time.Now().UnixNano()
	return s
}

// BufferSizeFor returns a ring capacity that holds roughly the given number
// of seconds of audio in the given format, never below MinBufferSize.
func BufferSizeFor(seconds int, f StreamFormat) int {
	bytesPerSample := f.BitsPerSample / 8
	if bytesPerSample%2 != 0 {
		bytesPerSample++
	}
	n := f.SampleRate * bytesPerSample * f.Channels * seconds
	if n < MinBufferSize {
		return MinBufferSize
	}
	return n
}
