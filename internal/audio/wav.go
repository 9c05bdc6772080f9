package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrNotPCM16WAV = errors.New("not a mono PCM16 wav stream")

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func pcm16Header(dataSize, sampleRate int) wavHeader {
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataSize),
	}
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes a capture dump to path.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, pcm16Header(len(pcm), sampleRate)); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ReadWAVPCM16LE parses a canonical mono PCM16 WAV stream and returns its
// samples and rate. Extra chunks between fmt and data are skipped.
func ReadWAVPCM16LE(r io.Reader) (pcm []byte, sampleRate int, err error) {
	br := bufio.NewReader(r)
	var riff struct {
		RIFF      [4]byte
		ChunkSize uint32
		WAVE      [4]byte
	}
	if err := binary.Read(br, binary.LittleEndian, &riff); err != nil {
		return nil, 0, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff.RIFF[:]) != "RIFF" || string(riff.WAVE[:]) != "WAVE" {
		return nil, 0, ErrNotPCM16WAV
	}

	var (
		format   uint16
		channels uint16
		bits     uint16
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(br, binary.LittleEndian, &chunk); err != nil {
			return nil, 0, fmt.Errorf("read chunk header: %w", err)
		}
		switch string(chunk.ID[:]) {
		case "fmt ":
			body := make([]byte, chunk.Size)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return nil, 0, ErrNotPCM16WAV
			}
			format = binary.LittleEndian.Uint16(body[0:])
			channels = binary.LittleEndian.Uint16(body[2:])
			sampleRate = int(binary.LittleEndian.Uint32(body[4:]))
			bits = binary.LittleEndian.Uint16(body[14:])
		case "data":
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, ErrNotPCM16WAV
			}
			pcm = make([]byte, chunk.Size)
			if _, err := io.ReadFull(br, pcm); err != nil {
				return nil, 0, fmt.Errorf("read data chunk: %w", err)
			}
			return pcm, sampleRate, nil
		default:
			if _, err := br.Discard(int(chunk.Size)); err != nil {
				return nil, 0, fmt.Errorf("skip %q chunk: %w", chunk.ID[:], err)
			}
		}
	}
}
