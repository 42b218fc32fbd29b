package decoder

import (
	"slices"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// History is the sequence of tokens emitted so far in a session, without the
// SOT prefix.
type History []speech.Token

// last returns the i-th token from the end (1 = last) and whether it exists.
func (h History) last(i int) (speech.Token, bool) {
	if len(h) < i {
		return 0, false
	}
	return h[len(h)-i], true
}

// Rule is a logit filter. Rules never modify in; they return a filtered
// copy in which suppressed ids are -Inf.
type Rule func(in []float32, h History) []float32

// Apply runs rules in order, each on the output of the previous one. The
// input slice is left untouched.
func Apply(rules []Rule, logits []float32, h History) []float32 {
	if len(rules) == 0 {
		return slices.Clone(logits)
	}
	out := logits
	for _, r := range rules {
		out = r(out, h)
	}
	return out
}

// suppress sets ids in [lo, hi) to -Inf, clipped to the slice.
func suppress(out []float32, lo, hi int) {
	lo = max(lo, 0)
	hi = min(hi, len(out))
	for i := lo; i < hi; i++ {
		out[i] = negInf
	}
}

// DefaultSuppressTokens is the non-speech token list of the English Whisper
// vocabulary: punctuation and symbol artifacts that do not occur in spoken
// transcripts, plus the task and language control tokens.
var DefaultSuppressTokens = []speech.Token{
	1, 2, 7, 8, 9, 10, 14, 25, 26, 27, 28, 29, 31, 58, 59, 60, 61, 62, 63, 90,
	91, 92, 93, 357, 366, 438, 532, 685, 705, 796, 930, 1058, 1220, 1267, 1279,
	1303, 1343, 1377, 1391, 1635, 1782, 1875, 2162, 2361, 2488, 3467, 4008,
	4211, 4600, 4808, 5299, 5855, 6329, 7203, 9609, 9959, 10563, 10786, 11420,
	11709, 11907, 13163, 13697, 13700, 14808, 15306, 16410, 16791, 17992,
	19203, 19510, 20724, 22305, 22935, 27007, 30109, 30420, 33409, 34949,
	40283, 40493, 40549, 47282, 49146, 50257, 50357, 50358, 50359, 50360,
	50361,
}

// SuppressTokens returns a rule that suppresses ids and NoTimestamps on
// every step. Ids outside the logit range are ignored.
func SuppressTokens(ids []speech.Token) Rule {
	ids = slices.Clone(ids)
	return func(in []float32, _ History) []float32 {
		out := slices.Clone(in)
		for _, id := range ids {
			if int(id) >= 0 && int(id) < len(out) {
				out[id] = negInf
			}
		}
		if int(speech.NoTimestamps) < len(out) {
			out[speech.NoTimestamps] = negInf
		}
		return out
	}
}

// SuppressTimestamps removes every timestamp token. It replaces the four
// timestamp rules when timestamps are disabled.
func SuppressTimestamps(in []float32, _ History) []float32 {
	out := slices.Clone(in)
	suppress(out, int(speech.TimestampBegin), len(out))
	return out
}

// pairState reports whether the last token was a timestamp and whether the
// one before it was too. With fewer than two tokens the penultimate counts
// as a timestamp, so a leading timestamp is followed by text.
func pairState(h History) (lastTS, penultTS bool) {
	last, ok := h.last(1)
	lastTS = ok && last.IsTimestamp()
	penult, ok := h.last(2)
	penultTS = !ok || penult.IsTimestamp()
	return lastTS, penultTS
}

// TimestampPairing enforces timestamp/text/timestamp alternation. After two
// consecutive timestamps only text may follow; after a single timestamp
// only a timestamp (or EOT) may follow.
func TimestampPairing(in []float32, h History) []float32 {
	out := slices.Clone(in)
	lastTS, penultTS := pairState(h)
	if !lastTS {
		return out
	}
	if penultTS {
		suppress(out, int(speech.TimestampBegin), len(out))
	} else {
		suppress(out, 0, int(speech.EOT))
	}
	return out
}

// MonotonicTimestamps forbids timestamps below the last one emitted. A
// timestamp that closes a segment may repeat the opening value; otherwise
// the next timestamp must be strictly later.
func MonotonicTimestamps(in []float32, h History) []float32 {
	out := slices.Clone(in)
	lastStamp := speech.Token(-1)
	for _, t := range h {
		if t.IsTimestamp() {
			lastStamp = t
		}
	}
	if lastStamp < 0 {
		return out
	}
	bound := lastStamp + 1
	if lastTS, penultTS := pairState(h); lastTS && !penultTS {
		bound = lastStamp
	}
	suppress(out, int(speech.TimestampBegin), int(bound))
	return out
}

// InitialTimestamp returns a rule that, on the first step only, forces a
// timestamp no later than maxInitial steps (20 ms each) into the chunk. A
// negative maxInitial lifts the ceiling.
func InitialTimestamp(maxInitial int) Rule {
	return func(in []float32, h History) []float32 {
		out := slices.Clone(in)
		if len(h) > 0 {
			return out
		}
		suppress(out, 0, int(speech.TimestampBegin))
		if maxInitial >= 0 {
			suppress(out, int(speech.TimestampBegin)+maxInitial+1, len(out))
		}
		return out
	}
}

// TimestampDominance suppresses every non-timestamp token when the total
// probability mass of timestamp tokens exceeds the probability of the most
// likely non-timestamp token.
func TimestampDominance(in []float32, _ History) []float32 {
	out := slices.Clone(in)
	tb := int(speech.TimestampBegin)
	if len(in) <= tb {
		return out
	}
	lp := LogSoftmax(in)
	stampMass := LogSumExp(lp[tb:])
	bestOther := float64(maxOf(lp[:tb]))
	if stampMass > bestOther {
		suppress(out, 0, tb)
	}
	return out
}
