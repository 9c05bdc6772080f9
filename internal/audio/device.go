package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Microphone acquires a capture stream. onBlock is called from the device
// thread for every block while the stream is enabled.
type Microphone interface {
	Open(ctx context.Context, onBlock func(Frame)) (MicStream, error)
}

// MicStream is an acquired microphone. Disabling it pauses delivery without
// releasing the device.
type MicStream interface {
	SampleRate() int
	SetEnabled(enabled bool)
	Close() error
}

// Speaker pulls samples from render at the device cadence until ctx is done.
type Speaker interface {
	Run(ctx context.Context, render func(out []float32)) error
}

// NullMicrophone reports that no capture device exists.
type NullMicrophone struct{}

func (NullMicrophone) Open(context.Context, func(Frame)) (MicStream, error) {
	return nil, ErrDeviceUnavailable
}

// SyntheticMicrophone delivers caller-fed blocks as if they came from hardware.
type SyntheticMicrophone struct {
	Rate int
	// Err, when set, is returned from Open to simulate a denied permission.
	Err error

	mu     sync.Mutex
	stream *syntheticStream
	opened int
}

func (m *SyntheticMicrophone) Open(_ context.Context, onBlock func(Frame)) (MicStream, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	rate := m.Rate
	if rate <= 0 {
		rate = 48000
	}
	s := &syntheticStream{rate: rate, onBlock: onBlock, enabled: true}
	m.mu.Lock()
	m.stream = s
	m.opened++
	m.mu.Unlock()
	return s, nil
}

// Feed pushes one block through the currently open stream. It reports whether
// the block was delivered.
func (m *SyntheticMicrophone) Feed(samples []float32, at time.Time) bool {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.deliver(samples, at)
}

// Opened counts successful Open calls.
func (m *SyntheticMicrophone) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Live reports whether a stream is open and enabled.
func (m *SyntheticMicrophone) Live() (open, enabled bool) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed, s.enabled && !s.closed
}

type syntheticStream struct {
	rate    int
	onBlock func(Frame)

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (s *syntheticStream) SampleRate() int { return s.rate }

func (s *syntheticStream) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *syntheticStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *syntheticStream) deliver(samples []float32, at time.Time) bool {
	s.mu.Lock()
	ok := s.enabled && !s.closed
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.onBlock(Frame{Samples: samples, SampleRate: s.rate, At: at})
	return true
}

// NullSpeaker renders on a ticker and discards the output. It keeps the
// playback clock running on hosts without an output device.
type NullSpeaker struct {
	Rate   int
	Period time.Duration
}

func (s NullSpeaker) Run(ctx context.Context, render func(out []float32)) error {
	rate := s.Rate
	if rate <= 0 {
		rate = PlaybackSampleRate
	}
	period := s.Period
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	buf := make([]float32, int(int64(rate)*int64(period)/int64(time.Second)))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			render(buf)
		}
	}
}
