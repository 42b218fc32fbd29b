// Package remote implements [model.Model] as a client of an out-of-process
// inference sidecar reached over WebSocket, and the matching server side.
//
// The sidecar owns the neural network; the client ships mel grids and
// attention caches across the connection using the binary framing in
// codec.go. One request is in flight at a time per connection.
//
// Usage:
//
//	m, err := remote.Dial(ctx, "ws://127.0.0.1:9090/model")
//	defer m.Close()
//	eng := decoder.New(m, decoder.WithDims(m.Dims()))
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"weak"

	"github.com/coder/websocket"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/features"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
)

const (
	// readLimit bounds a single message. A default-geometry cross cache alone
	// is about 9 MiB.
	readLimit = 64 << 20

	// maxBindings is the number of cross cache slots a sidecar keeps per
	// connection.
	maxBindings = 64

	defaultBindings    = 4
	defaultCallTimeout = time.Minute
)

// Compile-time assertion that Client satisfies model.Model.
var _ model.Model = (*Client)(nil)

// errClosed is returned by calls on a closed Client.
var errClosed = errors.New("remote: client closed")

// Client is a [model.Model] backed by a sidecar connection. It is safe for
// concurrent use; requests are serialised.
//
// A request context is only checked between frames: a frame exchange that
// has started always runs to completion or to the call timeout. After a
// transport failure the next call redials the sidecar.
type Client struct {
	url     string
	header  http.Header
	want    *model.Dims
	timeout time.Duration
	logger  *slog.Logger
	dims    model.Dims

	mu sync.Mutex
	// conn is nil between a transport failure and the next redial.
	conn     *websocket.Conn
	bindings []binding
	tick     uint64
	closed   bool
}

// binding is a cross cache the sidecar holds in one slot.
type binding struct {
	cross weak.Pointer[model.CrossCache]
	used  uint64
}

// config holds optional configuration for Dial.
type config struct {
	dims     *model.Dims
	header   http.Header
	logger   *slog.Logger
	bindings int
	timeout  time.Duration
}

// Option is a functional option for Dial.
type Option func(*config)

// WithDims requires the sidecar to report exactly d. Without it the client
// adopts whatever geometry the sidecar reports.
func WithDims(d model.Dims) Option {
	return func(c *config) { c.dims = &d }
}

// WithHeader adds an HTTP header to the WebSocket handshake, e.g. an
// Authorization token.
func WithHeader(key, value string) Option {
	return func(c *config) { c.header.Add(key, value) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBindings sets how many cross caches the sidecar keeps bound at once.
// Set it to the number of engines sharing the client so that interleaved
// sessions do not evict each other. Values are clamped to [1, 64]; the
// default is 4.
func WithBindings(n int) Option {
	return func(c *config) { c.bindings = max(1, min(maxBindings, n)) }
}

// WithCallTimeout bounds a single frame exchange. A sidecar that does not
// answer in time is disconnected. Defaults to one minute.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Dial connects to the sidecar at url and negotiates the model geometry.
// Connection failures and geometry mismatches are reported as
// [speech.ErrModelLoad].
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	cfg := &config{
		header:   http.Header{},
		logger:   slog.Default(),
		bindings: defaultBindings,
		timeout:  defaultCallTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	c := &Client{
		url:      url,
		header:   cfg.header,
		want:     cfg.dims,
		timeout:  cfg.timeout,
		logger:   cfg.logger,
		bindings: make([]binding, cfg.bindings),
	}
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("remote: %w: %w", speech.ErrModelLoad, err)
	}

	c.logger.Info("remote model connected",
		"url", url,
		"layers", c.dims.Layers,
		"cross_len", c.dims.CrossLen,
		"max_seq_len", c.dims.MaxSeqLen,
		"bindings", len(c.bindings),
	)
	return c, nil
}

// connect dials the sidecar and checks its geometry. After the first
// successful handshake every later one must report the same geometry.
func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	clear(c.bindings)

	payload, err := c.exchange(ctx, frame{op: opHello})
	var (
		dims  model.Dims
		vocab int
	)
	if err == nil {
		dims, vocab, err = decodeHello(payload)
		switch {
		case err != nil:
		case vocab != speech.VocabSize:
			err = fmt.Errorf("sidecar vocabulary %d, want %d", vocab, speech.VocabSize)
		case c.want != nil && *c.want != dims:
			err = fmt.Errorf("sidecar geometry %+v, want %+v", dims, *c.want)
		default:
			err = dims.Validate()
		}
	}
	if err != nil {
		if c.conn != nil {
			c.conn.Close(websocket.StatusPolicyViolation, "handshake failed")
			c.conn = nil
		}
		return fmt.Errorf("handshake with %s: %w", c.url, err)
	}
	c.dims = dims
	c.want = &c.dims
	return nil
}

// Dims returns the geometry negotiated with the sidecar.
func (c *Client) Dims() model.Dims { return c.dims }

// Encode implements [model.Encoder].
func (c *Client) Encode(ctx context.Context, mel *features.Mel) (*model.EncoderOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := c.roundTrip(ctx, frame{op: opEncode, payload: appendFloats(nil, mel.Data())})
	if err != nil {
		return nil, err
	}
	cross, err := decodeCross(payload, c.dims)
	if err != nil {
		return nil, fmt.Errorf("remote: encode response: %w", err)
	}
	return &model.EncoderOutput{Cross: cross}, nil
}

// DecodeStep implements [model.Decoder]. The cross cache is uploaded the
// first time a step references it and stays bound to its slot until the
// least recently used slot is needed for another cache.
func (c *Client) DecodeStep(ctx context.Context, in model.StepInput) (*model.StepOutput, error) {
	if in.Self == nil || in.Cross == nil {
		return nil, fmt.Errorf("remote: decode step without caches: %w", speech.ErrShape)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot, bound := c.slotFor(in.Cross)
	if !bound {
		c.bindings[slot] = binding{}
		if _, err := c.roundTrip(ctx, frame{op: opBindCross, slot: slot, payload: encodeCross(nil, in.Cross)}); err != nil {
			return nil, err
		}
		c.bindings[slot] = binding{cross: weak.Make(in.Cross), used: c.tick}
	}

	payload, err := c.roundTrip(ctx, frame{op: opDecodeStep, slot: slot, payload: encodeStep(in)})
	if err != nil {
		return nil, err
	}
	out, err := decodeStepResponse(payload, c.dims)
	if err != nil {
		return nil, fmt.Errorf("remote: decode step response: %w", err)
	}
	out.Self.Valid = in.Self.Valid
	return out, nil
}

// slotFor returns the slot holding cross, or the least recently used slot
// and false when cross is not bound.
func (c *Client) slotFor(cross *model.CrossCache) (uint16, bool) {
	c.tick++
	key := weak.Make(cross)
	lru := 0
	for i := range c.bindings {
		b := &c.bindings[i]
		if b.used != 0 && b.cross == key {
			b.used = c.tick
			return uint16(i), true
		}
		if b.used < c.bindings[lru].used {
			lru = i
		}
	}
	return uint16(lru), false
}

// Close implements [model.Model]. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	clear(c.bindings)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	c.conn = nil
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return fmt.Errorf("remote: close: %w", err)
	}
	return nil
}

// roundTrip sends req and waits for its response payload, redialling first
// if an earlier exchange broke the connection. The caller holds c.mu.
func (c *Client) roundTrip(ctx context.Context, req frame) ([]byte, error) {
	if c.closed {
		return nil, fmt.Errorf("remote: %s: %w: %w", req.op, speech.ErrInvalidState, errClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("remote: %s: %w", req.op, err)
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("remote: %s: %w", req.op, ctxErr)
			}
			return nil, fmt.Errorf("remote: %s: reconnect: %w: %w", req.op, speech.ErrInference, err)
		}
		c.logger.Info("remote model reconnected", "url", c.url)
	}
	return c.exchange(ctx, req)
}

// exchange writes req and reads its response on the current connection. It
// ignores cancellation of ctx so that the connection never carries half a
// frame; the call timeout still applies.
func (c *Client) exchange(ctx context.Context, req frame) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageBinary, req.encode()); err != nil {
		return nil, c.drop(req.op, err)
	}
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, c.drop(req.op, err)
	}
	if typ != websocket.MessageBinary {
		return nil, c.drop(req.op, errors.New("unexpected text message"))
	}
	resp, err := parseFrame(data)
	if err != nil {
		return nil, c.drop(req.op, err)
	}
	if resp.op != req.op {
		return nil, c.drop(req.op, fmt.Errorf("response for %s", resp.op))
	}
	if resp.status != statusOK {
		return nil, fmt.Errorf("remote: %s: sidecar error %q: %w", req.op, resp.payload, speech.ErrInference)
	}
	return resp.payload, nil
}

// drop discards the connection after a transport or framing failure. The
// sidecar forgets its bindings with it.
func (c *Client) drop(o op, err error) error {
	c.conn.CloseNow()
	c.conn = nil
	clear(c.bindings)
	c.logger.Warn("remote model connection lost", "op", o.String(), "err", err)
	return fmt.Errorf("remote: %s: %w: %w", o, speech.ErrInference, err)
}
