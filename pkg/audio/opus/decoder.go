// Package opus decodes Opus packets sent by network capture clients into PCM
// [audio.AudioFrame] values.
//
// Browsers and most WebRTC stacks encode microphone audio as 48 kHz Opus in
// 20 ms packets. The decoder emits frames at the packet's native format;
// [audio.FeedStream] normalises them to the pipeline format.
package opus

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/memoscribe/pkg/audio"
)

const (
	// SampleRate is the Opus decode rate.
	SampleRate = 48000

	// maxFrameSize is the largest packet duration Opus allows (120 ms) in
	// samples per channel.
	maxFrameSize = SampleRate * 120 / 1000
)

// Decoder wraps a gopus decoder for a single client stream. Each stream needs
// its own Decoder so decoder state stays correct across consecutive packets.
// Not safe for concurrent use.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
	elapsed  time.Duration
}

// NewDecoder creates a decoder for 48 kHz Opus with the given channel count
// (1 or 2).
func NewDecoder(channels int) (*Decoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", channels)
	}
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Decode decodes one Opus packet into an interleaved little-endian int16 PCM
// frame. The frame's Timestamp is the stream position of its first sample.
func (d *Decoder) Decode(packet []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("opus: decode: %w", err)
	}
	frame := audio.AudioFrame{
		Data:       int16sToBytes(pcm),
		SampleRate: SampleRate,
		Channels:   d.channels,
		Timestamp:  d.elapsed,
	}
	perChannel := len(pcm) / d.channels
	d.elapsed += time.Duration(perChannel) * time.Second / SampleRate
	return frame, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
