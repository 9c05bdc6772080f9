//go:build !portaudio

package audio

// SystemDevices returns the null devices. Build with -tags portaudio for
// hardware capture and playback.
func SystemDevices() (Microphone, Speaker, func() error, error) {
	return NullMicrophone{}, NullSpeaker{}, func() error { return nil }, nil
}
