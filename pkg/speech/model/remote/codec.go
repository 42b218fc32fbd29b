package remote

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/features"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
)

// Wire format
//
// Every WebSocket binary message carries exactly one frame:
//
//	[op:1][status:1][slot:2][len:4] payload[len]
//
// Header integers are big-endian. Payload integers are little-endian
// uint32/int32 and tensors are flat little-endian float32 in row-major
// order. A response echoes the request op; a non-zero status marks a
// failure and the payload is a UTF-8 error message. slot selects the cross
// cache binding for bind_cross and decode_step and is zero otherwise.

// headerSize is the fixed frame header length in bytes.
const headerSize = 8

type op uint8

const (
	// opHello: empty request; response is the sidecar geometry as five
	// uint32 values (layers, head_dim, cross_len, max_seq_len, vocab).
	opHello op = iota

	// opEncode: request is the mel grid; response is cross K then cross V.
	opEncode

	// opBindCross: request is cross K then cross V; empty response. The
	// cache is bound to the frame's slot and used by every following decode
	// step naming that slot.
	opBindCross

	// opDecodeStep: request is token, position and valid (int32 each), the
	// mask, then self K and self V. Response is the logits, then the updated
	// self K and self V.
	opDecodeStep
)

func (o op) String() string {
	switch o {
	case opHello:
		return "hello"
	case opEncode:
		return "encode"
	case opBindCross:
		return "bind_cross"
	case opDecodeStep:
		return "decode_step"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

const (
	statusOK    uint8 = 0
	statusError uint8 = 1
)

// frame is one decoded protocol message.
type frame struct {
	op      op
	status  uint8
	slot    uint16
	payload []byte
}

// encode serialises f.
func (f frame) encode() []byte {
	b := make([]byte, headerSize, headerSize+len(f.payload))
	b[0] = byte(f.op)
	b[1] = f.status
	binary.BigEndian.PutUint16(b[2:4], f.slot)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(f.payload)))
	return append(b, f.payload...)
}

// errorFrame builds a failure response for op.
func errorFrame(o op, err error) frame {
	return frame{op: o, status: statusError, payload: []byte(err.Error())}
}

// parseFrame decodes one message. The payload aliases b.
func parseFrame(b []byte) (frame, error) {
	if len(b) < headerSize {
		return frame{}, fmt.Errorf("remote: frame of %d bytes shorter than header: %w", len(b), speech.ErrShape)
	}
	n := binary.BigEndian.Uint32(b[4:8])
	if uint64(n) != uint64(len(b)-headerSize) {
		return frame{}, fmt.Errorf("remote: frame declares %d payload bytes, has %d: %w", n, len(b)-headerSize, speech.ErrShape)
	}
	return frame{op: op(b[0]), status: b[1], slot: binary.BigEndian.Uint16(b[2:4]), payload: b[headerSize:]}, nil
}

// ─── Payload encoding ────────────────────────────────────────────────────────

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendFloats(b []byte, fs []float32) []byte {
	for _, f := range fs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// reader consumes a payload front to back. The first failure sticks.
type reader struct {
	b   []byte
	err error
}

func (r *reader) uint32(name string) uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.err = fmt.Errorf("remote: payload truncated at %s: %w", name, speech.ErrShape)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

// floats fills dst.
func (r *reader) floats(name string, dst []float32) {
	if r.err != nil {
		return
	}
	if len(r.b) < 4*len(dst) {
		r.err = fmt.Errorf("remote: payload truncated at %s: want %d values, have %d bytes: %w",
			name, len(dst), len(r.b), speech.ErrShape)
		return
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.b[4*i:]))
	}
	r.b = r.b[4*len(dst):]
}

// done reports the sticky error or trailing bytes.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("remote: %d trailing payload bytes: %w", len(r.b), speech.ErrShape)
	}
	return nil
}

// ─── Messages ────────────────────────────────────────────────────────────────

func encodeHello(d model.Dims) []byte {
	b := make([]byte, 0, 20)
	b = appendUint32(b, uint32(d.Layers))
	b = appendUint32(b, uint32(d.HeadDim))
	b = appendUint32(b, uint32(d.CrossLen))
	b = appendUint32(b, uint32(d.MaxSeqLen))
	return appendUint32(b, uint32(speech.VocabSize))
}

func decodeHello(p []byte) (model.Dims, int, error) {
	r := reader{b: p}
	d := model.Dims{
		Layers:    int(r.uint32("layers")),
		HeadDim:   int(r.uint32("head_dim")),
		CrossLen:  int(r.uint32("cross_len")),
		MaxSeqLen: int(r.uint32("max_seq_len")),
	}
	vocab := int(r.uint32("vocab"))
	return d, vocab, r.done()
}

func encodeCross(b []byte, c *model.CrossCache) []byte {
	b = appendFloats(b, c.K.Data())
	return appendFloats(b, c.V.Data())
}

func decodeCross(p []byte, d model.Dims) (*model.CrossCache, error) {
	c := model.NewCrossCache(d)
	r := reader{b: p}
	r.floats("cross_k", c.K.Data())
	r.floats("cross_v", c.V.Data())
	if err := r.done(); err != nil {
		return nil, err
	}
	return c, nil
}

// stepRequest is the decoded form of an opDecodeStep request.
type stepRequest struct {
	token    speech.Token
	position int
	mask     []float32
	self     *model.SelfCache
}

func encodeStep(in model.StepInput) []byte {
	b := make([]byte, 0, 12+4*(len(in.Mask)+in.Self.K.Len()+in.Self.V.Len()))
	b = appendUint32(b, uint32(int32(in.Token)))
	b = appendUint32(b, uint32(int32(in.Position)))
	b = appendUint32(b, uint32(int32(in.Self.Valid)))
	b = appendFloats(b, in.Mask)
	b = appendFloats(b, in.Self.K.Data())
	return appendFloats(b, in.Self.V.Data())
}

func decodeStepRequest(p []byte, d model.Dims) (stepRequest, error) {
	r := reader{b: p}
	req := stepRequest{
		token:    speech.Token(int32(r.uint32("token"))),
		position: int(int32(r.uint32("position"))),
		mask:     make([]float32, d.MaxSeqLen),
		self:     model.NewSelfCache(d),
	}
	req.self.Valid = int(int32(r.uint32("valid")))
	r.floats("mask", req.mask)
	r.floats("self_k", req.self.K.Data())
	r.floats("self_v", req.self.V.Data())
	return req, r.done()
}

func encodeStepResponse(out *model.StepOutput) []byte {
	b := make([]byte, 0, 4*(len(out.Logits)+out.Self.K.Len()+out.Self.V.Len()))
	b = appendFloats(b, out.Logits)
	b = appendFloats(b, out.Self.K.Data())
	return appendFloats(b, out.Self.V.Data())
}

func decodeStepResponse(p []byte, d model.Dims) (*model.StepOutput, error) {
	out := &model.StepOutput{
		Logits: make([]float32, speech.VocabSize),
		Self:   model.NewSelfCache(d),
	}
	r := reader{b: p}
	r.floats("logits", out.Logits)
	r.floats("self_k", out.Self.K.Data())
	r.floats("self_v", out.Self.V.Data())
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeMel(p []byte) (*features.Mel, error) {
	mel := features.NewMel()
	r := reader{b: p}
	r.floats("mel", mel.Data())
	if err := r.done(); err != nil {
		return nil, err
	}
	return mel, nil
}
