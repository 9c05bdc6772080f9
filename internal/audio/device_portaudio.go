//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	// captureBlockDuration is the size of one microphone callback.
	captureBlockDuration = 20 * time.Millisecond
	// outputFramesPerBuffer is 40ms at 24 kHz.
	outputFramesPerBuffer = 960
)

// SystemDevices opens the default PortAudio input and output devices. The
// returned cleanup terminates PortAudio.
func SystemDevices() (Microphone, Speaker, func() error, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return portAudioMicrophone{}, portAudioSpeaker{}, portaudio.Terminate, nil
}

type portAudioMicrophone struct{}

func (portAudioMicrophone) Open(_ context.Context, onBlock func(Frame)) (MicStream, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	rate := int(dev.DefaultSampleRate)
	if rate <= 0 {
		rate = 48000
	}
	frames := int(int64(rate) * int64(captureBlockDuration) / int64(time.Second))

	s := &portAudioMicStream{rate: rate}
	s.enabled.Store(true)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), frames, func(in, _ []float32) {
		if !s.enabled.Load() {
			return
		}
		block := make([]float32, len(in))
		copy(block, in)
		onBlock(Frame{Samples: block, SampleRate: rate, At: time.Now()})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}
	s.stream = stream
	return s, nil
}

type portAudioMicStream struct {
	rate      int
	stream    *portaudio.Stream
	enabled   atomic.Bool
	closeOnce sync.Once
}

func (s *portAudioMicStream) SampleRate() int { return s.rate }

func (s *portAudioMicStream) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

func (s *portAudioMicStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		s.enabled.Store(false)
		if err := s.stream.Stop(); err != nil {
			retErr = err
		}
		if err := s.stream.Close(); err != nil && retErr == nil {
			retErr = err
		}
	})
	return retErr
}

type portAudioSpeaker struct{}

func (portAudioSpeaker) Run(ctx context.Context, render func(out []float32)) error {
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(PlaybackSampleRate), outputFramesPerBuffer, func(_, out []float32) {
		render(out)
	})
	if err != nil {
		return fmt.Errorf("%w: open output stream: %v", ErrDeviceUnavailable, err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("%w: start output stream: %v", ErrDeviceUnavailable, err)
	}
	<-ctx.Done()
	return stream.Stop()
}
