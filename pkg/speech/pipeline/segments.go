package pipeline

import (
	"time"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// segments splits one chunk's decoded history into time-aligned segments.
//
// A timestamp opens a segment; the next timestamp after some text closes it
// and becomes the start of the following one. Text before any timestamp
// starts at the chunk start; text after the last timestamp ends at the chunk
// end. Times are shifted by the chunk's offset in the recording.
func (p *Pipeline) segments(ids []speech.Token, c audio.Chunk) []stt.Segment {
	base := speech.SamplesDuration(c.Offset)
	var (
		segs  []stt.Segment
		start time.Duration
		text  []speech.Token
	)
	emit := func(end time.Duration) {
		if t := p.tok.Decode(text); t != "" {
			segs = append(segs, stt.Segment{Start: base + start, End: base + end, Text: t})
		}
		text = text[:0]
	}

	for _, id := range ids {
		switch {
		case id.IsTimestamp():
			if len(text) > 0 {
				emit(id.Offset())
			}
			start = id.Offset()
		case id.IsText():
			text = append(text, id)
		}
	}
	if len(text) > 0 {
		emit(max(c.Duration(), start))
	}
	return segs
}
