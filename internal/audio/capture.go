package audio

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Frame is one block of microphone samples at the device's native rate.
type Frame struct {
	Samples    []float32
	SampleRate int
	At         time.Time
}

type CaptureConfig struct {
	TargetRate int
	ChunkBytes int
	// DumpDir, when set, receives a WAV file with everything pushed during the run.
	DumpDir string
}

// Capture converts native-rate float blocks into 16 kHz PCM16 transmission
// units. It is owned by a single goroutine.
type Capture struct {
	targetRate int
	chunker    *Chunker
	dumpDir    string
	dump       bytes.Buffer
	startedAt  time.Time
}

func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = CaptureSampleRate
	}
	return &Capture{
		targetRate: cfg.TargetRate,
		chunker:    NewChunker(cfg.ChunkBytes),
		dumpDir:    cfg.DumpDir,
		startedAt:  time.Now(),
	}
}

// Convert resamples a frame to the target rate and encodes it as PCM16.
func (c *Capture) Convert(f Frame) []byte {
	return Float32ToPCM16(ResampleNearest(f.Samples, f.SampleRate, c.targetRate))
}

// Push converts a frame and returns a transmission unit once enough bytes have
// accumulated.
func (c *Capture) Push(f Frame) ([]byte, bool) {
	pcm := c.Convert(f)
	if c.dumpDir != "" {
		c.dump.Write(pcm)
	}
	return c.chunker.Add(pcm)
}

// Buffered reports bytes waiting for the threshold.
func (c *Capture) Buffered() int { return c.chunker.Len() }

// Stop returns the trailing partial unit, if any, and writes the dump file.
func (c *Capture) Stop() []byte {
	tail := c.chunker.Flush()
	if c.dumpDir != "" && c.dump.Len() > 0 {
		path := filepath.Join(c.dumpDir, fmt.Sprintf("capture-%d.wav", c.startedAt.UnixMilli()))
		if err := os.MkdirAll(c.dumpDir, 0o755); err != nil {
			slog.Warn("capture dump dir unavailable", "dir", c.dumpDir, "error", err)
		} else if err := WriteWAVPCM16LEFile(path, c.dump.Bytes(), c.targetRate); err != nil {
			slog.Warn("capture dump failed", "path", path, "error", err)
		} else {
			slog.Debug("capture dump written", "path", path, "bytes", c.dump.Len())
		}
		c.dump.Reset()
	}
	return tail
}
