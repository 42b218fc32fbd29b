package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
)

// Backend is the network a sidecar serves.
type Backend interface {
	model.Encoder
	model.Decoder
}

// Handler returns an http.Handler that upgrades each request to a WebSocket
// and serves b on it with geometry d.
func Handler(b Backend, d model.Dims, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("remote: accept failed", "error", err)
			return
		}
		if err := Serve(r.Context(), conn, b, d); err != nil {
			logger.Warn("remote: connection ended", "error", err)
		}
	})
}

// Serve answers requests on conn until the peer closes the connection or
// ctx is done. Backend and payload failures are reported to the peer as
// error frames and do not end the connection. A normal closure returns nil.
func Serve(ctx context.Context, conn *websocket.Conn, b Backend, d model.Dims) error {
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	bound := make(map[uint16]*model.CrossCache)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("remote: read: %w", err)
		}
		if typ != websocket.MessageBinary {
			conn.Close(websocket.StatusUnsupportedData, "binary frames only")
			return fmt.Errorf("remote: unexpected text message: %w", speech.ErrInvalidState)
		}

		req, err := parseFrame(data)
		var resp frame
		if err != nil {
			resp = errorFrame(op(0xFF), err)
		} else {
			resp = handle(ctx, req, b, d, bound)
		}
		if err := conn.Write(ctx, websocket.MessageBinary, resp.encode()); err != nil {
			return fmt.Errorf("remote: write %s: %w", resp.op, err)
		}
	}
}

// handle executes one request. bound holds the connection's cross caches
// by slot.
func handle(ctx context.Context, req frame, b Backend, d model.Dims, bound map[uint16]*model.CrossCache) frame {
	switch req.op {
	case opHello:
		return frame{op: opHello, payload: encodeHello(d)}

	case opEncode:
		mel, err := decodeMel(req.payload)
		if err != nil {
			return errorFrame(req.op, err)
		}
		out, err := b.Encode(ctx, mel)
		if err == nil {
			if out == nil {
				err = fmt.Errorf("backend returned no output: %w", speech.ErrShape)
			} else {
				err = out.Cross.Validate(d)
			}
		}
		if err != nil {
			return errorFrame(req.op, err)
		}
		return frame{op: opEncode, payload: encodeCross(nil, out.Cross)}

	case opBindCross:
		if req.slot >= maxBindings {
			return errorFrame(req.op, fmt.Errorf("slot %d out of range [0, %d): %w", req.slot, maxBindings, speech.ErrInvalidState))
		}
		cross, err := decodeCross(req.payload, d)
		if err != nil {
			return errorFrame(req.op, err)
		}
		bound[req.slot] = cross
		return frame{op: opBindCross, slot: req.slot}

	case opDecodeStep:
		cross := bound[req.slot]
		if cross == nil {
			return errorFrame(req.op, fmt.Errorf("decode step on unbound slot %d: %w", req.slot, speech.ErrInvalidState))
		}
		sr, err := decodeStepRequest(req.payload, d)
		if err != nil {
			return errorFrame(req.op, err)
		}
		out, err := b.DecodeStep(ctx, model.StepInput{
			Token:    sr.token,
			Position: sr.position,
			Self:     sr.self,
			Cross:    cross,
			Mask:     sr.mask,
		})
		if err == nil {
			err = checkStepOutput(out, d)
		}
		if err != nil {
			return errorFrame(req.op, err)
		}
		return frame{op: opDecodeStep, slot: req.slot, payload: encodeStepResponse(out)}

	default:
		return errorFrame(req.op, fmt.Errorf("unknown op %s: %w", req.op, speech.ErrInvalidState))
	}
}

func checkStepOutput(out *model.StepOutput, d model.Dims) error {
	if out == nil {
		return fmt.Errorf("backend returned no output: %w", speech.ErrShape)
	}
	if err := speech.CheckShape("logits", []int{len(out.Logits)}, speech.VocabSize); err != nil {
		return err
	}
	return out.Self.Validate(d)
}
