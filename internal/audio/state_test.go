package audio

import "testing"

func TestNodeStateString(t *testing.T) {
	tests := []struct {
		state    NodeState
		expected string
	}{
		{StateError, "ERROR"},
		{StateStopped, "STOPPED"},
		{StatePreparing, "PREPARING"},
		{StateStreaming, "STREAMING"},
		{StatePaused, "PAUSED"},
		{StateFinished, "FINISHED"},
		{StateSourceChanged, "SOURCE_CHANGED"},
		{NodeState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBufferSizeFor(t *testing.T) {
	// 44.1 kHz stereo 16-bit, 10 seconds
	got := BufferSizeFor(10, StreamFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16})
	if got != 44100*2*2*10 {
		t.Errorf("BufferSizeFor = %d", got)
	}

	// 24-bit samples round up to 4 bytes
	got = BufferSizeFor(10, StreamFormat{SampleRate: 96000, Channels: 2, BitsPerSample: 24})
	if got != 96000*4*2*10 {
		t.Errorf("BufferSizeFor 24-bit = %d", got)
	}

	// Tiny formats still get the floor
	got = BufferSizeFor(1, StreamFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 8})
	if got != MinBufferSize {
		t.Errorf("BufferSizeFor floor = %d, want %d", got, MinBufferSize)
	}
}
