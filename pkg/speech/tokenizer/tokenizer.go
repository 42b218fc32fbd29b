// Package tokenizer maps decoder token ids back to text.
//
// A [Tokenizer] is built once from a vocabulary file (a JSON object mapping
// subword strings to integer ids) and is immutable afterwards, so a single
// instance may be shared by any number of goroutines.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Word-boundary markers that stand for a leading space.
const (
	markerSentencePiece = "▁"
	markerByteLevel     = "Ġ"
)

// Tokenizer is an id to subword table.
type Tokenizer struct {
	pieces    map[speech.Token]string
	byteLevel bool
}

// Option configures a [Tokenizer].
type Option func(*Tokenizer)

// WithByteLevel decodes subwords through the GPT-2 byte-to-unicode table
// instead of treating them as plain text, so vocabularies that store raw
// UTF-8 bytes as printable runes produce correct non-ASCII output.
func WithByteLevel() Option {
	return func(t *Tokenizer) { t.byteLevel = true }
}

// Load reads a JSON vocabulary from r. Malformed JSON, negative ids and ids
// claimed by more than one subword are reported as [speech.ErrModelLoad].
func Load(r io.Reader, opts ...Option) (*Tokenizer, error) {
	var vocab map[string]int64
	if err := json.NewDecoder(r).Decode(&vocab); err != nil {
		return nil, fmt.Errorf("tokenizer: decode vocabulary: %w: %w", speech.ErrModelLoad, err)
	}
	t := &Tokenizer{pieces: make(map[speech.Token]string, len(vocab))}
	for piece, id := range vocab {
		if id < 0 || id > int64(^uint32(0)>>1) {
			return nil, fmt.Errorf("tokenizer: subword %q has invalid id %d: %w", piece, id, speech.ErrModelLoad)
		}
		tok := speech.Token(id)
		if prev, dup := t.pieces[tok]; dup {
			return nil, fmt.Errorf("tokenizer: id %d claimed by %q and %q: %w", id, prev, piece, speech.ErrModelLoad)
		}
		t.pieces[tok] = piece
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// LoadFS reads the vocabulary stored at name in fsys. Use os.DirFS for files
// on disk or an embed.FS for a vocabulary compiled into the binary.
func LoadFS(fsys fs.FS, name string, opts ...Option) (*Tokenizer, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: open %s: %w: %w", name, speech.ErrModelLoad, err)
	}
	defer f.Close()
	return Load(f, opts...)
}

// Len returns the number of known ids.
func (t *Tokenizer) Len() int { return len(t.pieces) }

// Lookup returns the raw subword for id.
func (t *Tokenizer) Lookup(id speech.Token) (string, bool) {
	s, ok := t.pieces[id]
	return s, ok
}

// Decode concatenates the subwords for ids in order. Unknown ids are skipped.
// A subword starting with a word-boundary marker contributes a space followed
// by the rest; any other subword is appended as is. The result is trimmed.
func (t *Tokenizer) Decode(ids []speech.Token) string {
	var b strings.Builder
	for _, id := range ids {
		piece, ok := t.pieces[id]
		if !ok {
			continue
		}
		if t.byteLevel {
			b.WriteString(piece)
			continue
		}
		switch {
		case strings.HasPrefix(piece, markerSentencePiece):
			b.WriteByte(' ')
			b.WriteString(piece[len(markerSentencePiece):])
		case strings.HasPrefix(piece, markerByteLevel):
			b.WriteByte(' ')
			b.WriteString(piece[len(markerByteLevel):])
		default:
			b.WriteString(piece)
		}
	}
	if t.byteLevel {
		return strings.TrimSpace(decodeBytes(b.String()))
	}
	return strings.TrimSpace(b.String())
}

// ─── Byte-level decoding ─────────────────────────────────────────────────────

// unicodeToByte inverts the GPT-2 bytes_to_unicode table: printable Latin-1
// bytes map to themselves and the remaining 68 bytes to runes from U+0100.
var unicodeToByte = func() map[rune]byte {
	m := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			m[rune(b)] = byte(b)
			continue
		}
		m[rune(256+n)] = byte(b)
		n++
	}
	return m
}()

// decodeBytes maps every rune of s back to its byte. Runes outside the table
// are kept as UTF-8; invalid byte sequences become U+FFFD.
func decodeBytes(s string) string {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := unicodeToByte[r]; ok {
			buf = append(buf, b)
			continue
		}
		buf = utf8.AppendRune(buf, r)
	}
	return strings.ToValidUTF8(string(buf), "�")
}
