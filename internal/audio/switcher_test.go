package audio

import (
	"sync"
	"testing"
)

// fakeSource yields a fixed sequence of sample values, then finishes or fails.
type fakeSource struct {
	mu       sync.Mutex
	values   []float64
	pos      int
	fail     bool
	info     StreamInfo
	finished bool
}

func newFakeSource(values []float64, rate int) *fakeSource {
	return &fakeSource{
		values: values,
		info: StreamInfo{
			Format:     StreamFormat{SampleRate: rate, Channels: 2, BitsPerSample: 16},
			DurationMs: int64(len(values)) * 1000 / int64(rate),
		},
	}
}

func (f *fakeSource) Stream(samples [][2]float64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for n < len(samples) && f.pos < len(f.values) {
		v := f.values[f.pos]
		samples[n] = [2]float64{v, v}
		f.pos++
		n++
	}
	if f.pos == len(f.values) && !f.fail {
		f.finished = true
	}
	return n, n > 0
}

func (f *fakeSource) Err() error { return nil }

func (f *fakeSource) Info() StreamInfo { return f.info }

func (f *fakeSource) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func seq(start float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)/1000
	}
	return out
}

func TestSwitcherSilenceWithoutSource(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	sw.SetDeviceRate(44100)

	samples := make([][2]float64, 64)
	samples[0] = [2]float64{0.7, 0.7}
	n, ok := sw.Stream(samples)
	if n != len(samples) || !ok {
		t.Fatalf("Stream = (%d, %v), want full silence batch", n, ok)
	}
	for i, s := range samples {
		if s != ([2]float64{}) {
			t.Fatalf("sample %d = %v, want silence", i, s)
		}
	}
}

func TestSwitcherGaplessPromotionWithinOnePull(t *testing.T) {
	var events []NodeState
	sw := NewSwitcher(func(s NodeState, _ string) { events = append(events, s) })
	sw.SetDeviceRate(44100)

	var promoted []StreamInfo
	sw.SetCallbacks(nil, nil, func(info StreamInfo) { promoted = append(promoted, info) })

	first := newFakeSource(seq(1, 100), 44100)
	second := newFakeSource(seq(2, 100), 44100)
	sw.SetCurrent(first, nil)
	sw.SetNext(second, nil)

	samples := make([][2]float64, 150)
	n, ok := sw.Stream(samples)
	if n != 150 || !ok {
		t.Fatalf("Stream = (%d, %v), want (150, true)", n, ok)
	}

	// Last sample of first followed immediately by first sample of second.
	if samples[99][0] != 1+99.0/1000 {
		t.Errorf("sample 99 = %v, want end of first source", samples[99][0])
	}
	if samples[100][0] != 2 {
		t.Errorf("sample 100 = %v, want start of second source (no gap)", samples[100][0])
	}

	if len(promoted) != 1 || promoted[0].Format.SampleRate != 44100 {
		t.Errorf("promote callback = %v, want one promotion", promoted)
	}

	wantEvents := []NodeState{StateSourceChanged, StateSourceChanged} // SetCurrent + promotion
	if len(events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", events, wantEvents)
	}
}

func TestSwitcherDrainedWithoutNext(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	sw.SetDeviceRate(44100)

	drained := false
	sw.SetCallbacks(nil, func() { drained = true }, nil)

	sw.SetCurrent(newFakeSource(seq(1, 10), 44100), nil)

	samples := make([][2]float64, 64)
	if n, ok := sw.Stream(samples); n != 64 || !ok {
		t.Fatalf("Stream short: n=%d ok=%v", n, ok)
	}
	if !drained {
		t.Error("onDrained not fired after current finished with no next")
	}
	if sw.HasCurrent() {
		t.Error("current should be dropped after drain")
	}
	for i := 10; i < 64; i++ {
		if samples[i] != ([2]float64{}) {
			t.Fatalf("sample %d not silence after drain", i)
		}
	}
}

func TestSwitcherSetCurrentDropsBothSources(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	sw.SetDeviceRate(44100)

	var cleaned []string
	sw.SetCurrent(newFakeSource(seq(1, 10), 44100), func() { cleaned = append(cleaned, "current") })
	sw.SetNext(newFakeSource(seq(2, 10), 44100), func() { cleaned = append(cleaned, "next") })

	sw.SetCurrent(newFakeSource(seq(3, 10), 44100), func() {})

	if len(cleaned) != 2 {
		t.Fatalf("cleanups = %v, want both prior sources dropped", cleaned)
	}
}

func TestSwitcherPositionResetsOnPromotion(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	sw.SetDeviceRate(1000)

	sw.SetCurrent(newFakeSource(seq(1, 500), 1000), nil)
	sw.SetNext(newFakeSource(seq(2, 5000), 1000), nil)

	samples := make([][2]float64, 600)
	sw.Stream(samples)

	// 500 frames of the first source played, then 100 of the promoted one:
	// position reflects only the new source.
	if got := sw.PositionMs(); got != 100 {
		t.Errorf("PositionMs after promotion = %d, want 100", got)
	}
}

func TestSwitcherStreamingCallbackFiredOncePerSource(t *testing.T) {
	sw := NewSwitcher(func(NodeState, string) {})
	sw.SetDeviceRate(44100)

	count := 0
	sw.SetCallbacks(func() { count++ }, nil, nil)

	sw.SetCurrent(newFakeSource(seq(1, 300), 44100), nil)
	samples := make([][2]float64, 100)
	sw.Stream(samples)
	sw.Stream(samples)

	if count != 1 {
		t.Errorf("onStreaming fired %d times, want 1", count)
	}
}
