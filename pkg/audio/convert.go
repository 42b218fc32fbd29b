package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// PipelineFormat is the format every chunk handed to feature extraction uses:
// 16 kHz mono.
var PipelineFormat = Format{SampleRate: speech.SampleRate, Channels: 1}

// FormatConverter normalises AudioFrames to a target format. It warns once
// on the first format mismatch and once on the first misaligned frame.
// Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. A frame whose data is not a whole number of
// int16 sample frames is dropped: the result carries the target format and no
// data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned PCM frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting stream format",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	// Resample at whichever side of the remix has fewer channels.
	pcm := frame.Data
	if c.Target.Channels < frame.Channels {
		pcm = Remix16(pcm, frame.Channels, c.Target.Channels)
		pcm = Resample16(pcm, c.Target.Channels, frame.SampleRate, c.Target.SampleRate)
	} else {
		pcm = Resample16(pcm, frame.Channels, frame.SampleRate, c.Target.SampleRate)
		pcm = Remix16(pcm, frame.Channels, c.Target.Channels)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Uses cap(in) for the output channel
// buffer. Frames with empty data (e.g. from odd byte count) are dropped.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// FeedStream converts every frame from in to [PipelineFormat] and pushes the
// normalised samples into dev. It returns when in is closed or a push fails,
// closing the write side of dev on a clean end of input.
func FeedStream(in <-chan AudioFrame, dev *StreamDevice) error {
	for frame := range ConvertStream(in, PipelineFormat) {
		if err := dev.Push(PCM16ToFloat32(frame.Data)); err != nil {
			return err
		}
	}
	dev.CloseWrite()
	return nil
}

// ─── Sample representation ───────────────────────────────────────────────────

// PCM16ToFloat32 decodes little-endian int16 PCM into float32 samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Int16ToFloat32 scales int16 samples into [-1, 1).
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes float32 samples as little-endian int16 PCM. Values
// outside [-1, 1] are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		v = max(-32768, min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Float32LEToFloat32 decodes raw little-endian IEEE-754 float32 samples.
func Float32LEToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ─── Interleaved int16 PCM ───────────────────────────────────────────────────

func pcmAt(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
}

func putPCM(pcm []byte, i int, v int32) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(max(-32768, min(32767, v)))))
}

// Remix16 converts interleaved little-endian int16 PCM from one channel count
// to another. Reducing to mono averages every channel of a frame; expanding
// from mono copies the sample into every channel. Any other pair goes through
// mono. A trailing partial frame is ignored.
func Remix16(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for f := range frames {
		var v int32
		if from == 1 {
			v = pcmAt(pcm, f)
		} else {
			var sum int32
			for ch := range from {
				sum += pcmAt(pcm, f*from+ch)
			}
			v = sum / int32(from)
		}
		for ch := range to {
			putPCM(out, f*to+ch, v)
		}
	}
	return out
}

// Resample16 resamples interleaved little-endian int16 PCM with the given
// channel count from srcRate to dstRate by linear interpolation. The input is
// returned unchanged when either rate is not positive or the rates match.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for f := range dstFrames {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		next := min(i+1, srcFrames-1)
		for ch := range channels {
			a := float64(pcmAt(pcm, i*channels+ch))
			b := float64(pcmAt(pcm, next*channels+ch))
			putPCM(out, f*channels+ch, int32(a*(1-frac)+b*frac))
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
