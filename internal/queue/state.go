package queue

import (
	"github.com/harmonia-player/harmonia/internal/audio"
	"github.com/harmonia-player/harmonia/internal/input"
)

// External state names carried in StateChanged events.
const (
	StateBuffering = "BUFFERING"
	StatePlaying   = "PLAYING"
	StatePaused    = "PAUSED"
	StateStopped   = "STOPPED"
	StateError     = "ERROR"
)

// externalState maps a graph state onto the queue's externally visible
// vocabulary. FINISHED collapses into STOPPED: from the outside a finished
// queue and a stopped one look the same.
func externalState(s audio.NodeState) string {
	switch s {
	case audio.StatePreparing:
		return StateBuffering
	case audio.StateStreaming:
		return StatePlaying
	case audio.StatePaused:
		return StatePaused
	case audio.StateStopped, audio.StateFinished:
		return StateStopped
	case audio.StateError:
		return StateError
	default:
		return StateStopped
	}
}

// PlayerState is the queue's externally visible status, the payload of
// StateChanged and StateReplay events.
type PlayerState struct {
	State        string            `json:"state"`
	CurrentTrack *input.Track      `json:"current_track,omitempty"`
	Index        *int              `json:"index,omitempty"`
	PositionMs   int64             `json:"position_ms"`
	Message      string            `json:"message,omitempty"`
	AudioInfo    *audio.StreamInfo `json:"audio_info,omitempty"`
	TimestampNs  int64             `json:"timestamp_ns"`
}

// TrackSnapshot is one queue entry as exposed to consumers.
type TrackSnapshot struct {
	Index    int          `json:"index"`
	Selected bool         `json:"selected"`
	Track    *input.Track `json:"track,omitempty"`
}

// QueuePage is a paged window over the queue.
type QueuePage struct {
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
	Total  int             `json:"total"`
	Items  []TrackSnapshot `json:"items"`
}

// ReplayState is the StateReplay payload: the current state plus the full
// paged queue, re-delivered to freshly connected subscribers.
type ReplayState struct {
	PlayerState
	Queue QueuePage `json:"queue"`
}
