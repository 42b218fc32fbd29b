package stt

import (
	"strings"
	"time"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Transcript is the result of one transcription.
type Transcript struct {
	// Text is the detokenized transcript, trimmed of surrounding whitespace.
	// Empty when NoSpeech is set.
	Text string

	// NoSpeech reports that the backend found no speech in any transcribed
	// chunk.
	NoSpeech bool

	// Segments holds the time-aligned pieces of Text, when the backend
	// produces timing information. May be nil.
	Segments []Segment

	// Tokens is the decoded text-token sequence across all chunks. Only the
	// on-device pipeline fills it.
	Tokens []speech.Token

	// Duration is the length of the audio that was transcribed.
	Duration time.Duration

	// Provider names the backend that produced the transcript.
	Provider string
}

// Segment is a time-aligned span of transcript text.
type Segment struct {
	// Start and End are offsets from the beginning of the recording.
	Start time.Duration
	End   time.Duration

	// Text is the segment's text, trimmed of surrounding whitespace.
	Text string
}

// JoinSegments concatenates the non-empty segment texts with single spaces.
func JoinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
