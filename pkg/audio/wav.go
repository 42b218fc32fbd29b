package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned by [DecodeWAV] for input that is not a 16-bit PCM
// RIFF/WAVE stream.
var ErrInvalidWAV = errors.New("audio: invalid wav")

const wavHeaderSize = 44

// wavFmt is the body of a RIFF "fmt " chunk for integer PCM.
type wavFmt struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV parses a RIFF/WAVE byte stream holding 16-bit integer PCM and
// returns its data chunk as an [AudioFrame]. Chunks other than "fmt " and
// "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) (AudioFrame, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return AudioFrame{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format  *wavFmt
		payload []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Streaming writers leave the data size at 0 or 0xFFFFFFFF.
			if id == "data" {
				size = len(data) - body
			} else {
				return AudioFrame{}, fmt.Errorf("%w: chunk %q overruns input", ErrInvalidWAV, id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return AudioFrame{}, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidWAV, size)
			}
			var f wavFmt
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, &f); err != nil {
				return AudioFrame{}, fmt.Errorf("%w: read fmt chunk: %w", ErrInvalidWAV, err)
			}
			format = &f
		case "data":
			payload = data[body : body+size]
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}

	switch {
	case format == nil:
		return AudioFrame{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	case payload == nil:
		return AudioFrame{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	case format.AudioFormat != 1:
		return AudioFrame{}, fmt.Errorf("%w: unsupported audio format %d (only PCM)", ErrInvalidWAV, format.AudioFormat)
	case format.BitsPerSample != 16:
		return AudioFrame{}, fmt.Errorf("%w: unsupported bit depth %d (only 16-bit)", ErrInvalidWAV, format.BitsPerSample)
	case format.NumChannels < 1 || format.NumChannels > 2:
		return AudioFrame{}, fmt.Errorf("%w: unsupported channel count %d", ErrInvalidWAV, format.NumChannels)
	case format.SampleRate == 0:
		return AudioFrame{}, fmt.Errorf("%w: zero sample rate", ErrInvalidWAV)
	}

	block := int(format.NumChannels) * 2
	payload = payload[:len(payload)/block*block]
	return AudioFrame{
		Data:       payload,
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
	}, nil
}

// EncodeWAV wraps mono float32 samples in a 16-bit PCM RIFF/WAVE container.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := Float32ToPCM16(samples)
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, wavFmt{
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
	})
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
