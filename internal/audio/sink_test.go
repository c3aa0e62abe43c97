package audio

import (
	"fmt"
	"testing"
)

func TestPercentToExponent(t *testing.T) {
	tests := []struct {
		percent  float64
		expected float64
	}{
		{0, minVolumeDB},
		{100, 0},
		{-10, minVolumeDB},
		{150, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("percent_%v", tt.percent), func(t *testing.T) {
			result := percentToExponent(tt.percent)
			if result != tt.expected {
				t.Errorf("percentToExponent(%v) = %v, want %v", tt.percent, result, tt.expected)
			}
		})
	}
}

func TestPercentToExponentCurve(t *testing.T) {
	p25 := percentToExponent(25)
	p50 := percentToExponent(50)
	p75 := percentToExponent(75)

	if p25 >= p50 || p50 >= p75 {
		t.Error("Volume curve should be monotonically increasing")
	}

	if p25 <= minVolumeDB || p75 >= 0 {
		t.Error("Mid-range volumes should be between min and max")
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{0, 0},
		{70, 70},
		{100, 100},
		{140, 100},
	}

	for _, tt := range tests {
		if got := clampVolume(tt.in); got != tt.want {
			t.Errorf("clampVolume(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSinkVolumeStoredBeforePlayback(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	s := NewSink("", sw, func(NodeState, string) {})

	if got := s.SetVolume(85); got != 85 {
		t.Errorf("SetVolume = %d, want 85", got)
	}
	if s.Volume() != 85 {
		t.Errorf("Volume = %d", s.Volume())
	}
	if got := s.SetVolume(300); got != 100 {
		t.Errorf("SetVolume(300) = %d, want clamped 100", got)
	}
}

func TestSinkPauseWithoutDeviceIsIgnored(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	var states []NodeState
	s := NewSink("", sw, func(st NodeState, _ string) { states = append(states, st) })

	s.Pause(true)
	s.Pause(false)

	if len(states) != 0 {
		t.Errorf("states = %v, want none before the device is open", states)
	}
	if s.Paused() {
		t.Error("sink reports paused without a device")
	}
}
