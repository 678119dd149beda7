// Package client is app side of command transport: it runs Security1
// handshake, sends command frames and matches responses by request id.
//
// Outbound: frame -> seal (secure mode) -> chunks -> link.
// Inbound: link -> reassembly -> open -> response frame.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/chunk"
	"github.com/smartdrip/driplink/frame"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/log2"
	"github.com/smartdrip/driplink/sec1"
	"github.com/temoto/alive/v2"
)

const DefaultCallTimeout = 10 * time.Second

var (
	ErrClosed        = fmt.Errorf("client is closed")
	ErrDuplicateID   = fmt.Errorf("request id is already pending")
	ErrUnexpectedRsp = fmt.Errorf("unexpected response")
)

type Options struct {
	Log              *log2.Log
	Secure           bool
	PoP              string
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration // used when ctx has no deadline
	Chunk            chunk.Config  // zero MTU means link MTU
	Force            bool          // chunk header on every frame
	JSON             bool          // JSON command form, plaintext only
	Rand             io.Reader
	SecStat          *sec1.Stat
}

type Client struct {
	alive   *alive.Alive
	cancel  context.CancelFunc
	err     helpers.AtomicError
	link    link.Link
	log     *log2.Log
	opt     Options
	reasm   *chunk.Reassembler
	session *sec1.Session
	split   chunk.Splitter
	lastID  uint32

	mu      sync.Mutex
	pending map[uint16]*helpers.Future
}

// New starts response reader on l. Client owns l and closes it.
func New(l link.Link, opt Options) (*Client, error) {
	if opt.Secure {
		if err := sec1.ValidatePoP(opt.PoP); err != nil {
			return nil, err
		}
		if opt.JSON {
			return nil, errors.NotValidf("JSON command form with security")
		}
	}
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = sec1.DefaultHandshakeTimeout
	}
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = DefaultCallTimeout
	}
	if opt.Chunk.MTU == 0 {
		opt.Chunk.MTU = l.MTU()
	}

	c := &Client{
		alive:   alive.NewAlive(),
		link:    l,
		log:     opt.Log,
		opt:     opt,
		pending: make(map[uint16]*helpers.Future),
	}
	c.reasm = chunk.NewReassembler(opt.Chunk, opt.Log.Clone(log2.LInfo, "reasm: "))
	c.reasm.OnDiscard = func(frameID uint16, err error) {
		c.log.Errorf("response frame_id=%d discarded: %v", frameID, err)
	}
	c.split = chunk.Splitter{
		MTU:       opt.Chunk.MTU,
		MaxChunks: opt.Chunk.MaxChunks,
		Force:     opt.Force,
		Stat:      c.reasm.Stat(),
	}
	if opt.Secure {
		c.session = sec1.NewSession(sec1.Options{
			PoP:  opt.PoP,
			Log:  opt.Log,
			Rand: opt.Rand,
			Stat: opt.SecStat,
		})
	}
	c.lastID = uint32(helpers.RandUnix().Intn(1 << 16))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.reasm.Start(c.reasm.Config().Timeout / 2)
	c.alive.Add(1)
	go c.reader(ctx)
	return c, nil
}

func (c *Client) Session() *sec1.Session { return c.session }
func (c *Client) ChunkStat() *chunk.Stat { return c.reasm.Stat() }

// NextRequestID wraps around.
func (c *Client) NextRequestID() uint16 {
	return uint16(atomic.AddUint32(&c.lastID, 1))
}

// Handshake establishes session over handshake channel.
// No-op in plaintext mode.
func (c *Client) Handshake(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	if err := c.failed(); err != nil {
		return err
	}
	if st := c.session.State(); st != sec1.StateIdle {
		c.session.Reset()
	}
	// late replies of previous attempt carry old device keys
	if n := link.Drain(c.link, link.ChannelHandshake); n != 0 {
		c.log.Debugf("handshake discarded stale replies=%d", n)
	}
	rt := sec1.RoundTripFunc(func(ctx context.Context, msg []byte) ([]byte, error) {
		want, err := sec1.MessageType(msg)
		if err != nil {
			return nil, err
		}
		if err = c.link.Send(ctx, link.ChannelHandshake, msg); err != nil {
			return nil, err
		}
		for {
			b, err := c.link.Receive(ctx, link.ChannelHandshake)
			if err != nil {
				return nil, err
			}
			if mt, err := sec1.MessageType(b); err == nil && mt != want {
				c.log.Debugf("handshake discarded reply type=%02x expected=%02x", mt, want)
				continue
			}
			return b, nil
		}
	})
	c.log.Debugf("handshake pop=%s", sec1.PoPFingerprint(c.opt.PoP))
	return c.session.Handshake(ctx, rt, c.opt.HandshakeTimeout)
}

// Call sends command and waits for response with same request id.
// Non-OK response status is not an error.
func (c *Client) Call(ctx context.Context, op string, payload []byte) (frame.Response, error) {
	id := c.NextRequestID()
	fu, err := c.expect(id)
	if err != nil {
		return frame.Response{}, err
	}
	defer c.forget(id)

	if err = c.send(ctx, &frame.Frame{RequestID: id, Op: op, Payload: payload}); err != nil {
		return frame.Response{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opt.CallTimeout)
		defer cancel()
	}
	result, ok := fu.Wait(ctx)
	if ok {
		return result.(frame.Response), nil
	}
	switch e := result.(type) {
	case error:
		if e == context.DeadlineExceeded {
			return frame.Response{}, errors.Timeoutf("response op=%s id=%d", op, id)
		}
		return frame.Response{}, errors.Annotatef(e, "op=%s id=%d", op, id)
	}
	return frame.Response{}, errors.Errorf("code error op=%s id=%d cancel result=%v", op, id, result)
}

// Send transmits command without waiting for response, returns request id.
func (c *Client) Send(ctx context.Context, op string, payload []byte) (uint16, error) {
	id := c.NextRequestID()
	return id, c.send(ctx, &frame.Frame{RequestID: id, Op: op, Payload: payload})
}

func (c *Client) Close() error {
	c.err.StoreOnce(ErrClosed)
	c.cancel()
	err := c.link.Close()
	c.alive.Stop()
	c.alive.Wait()
	c.reasm.Close()
	if c.session != nil {
		c.session.Close()
	}
	c.cancelPending(ErrClosed)
	return err
}

func (c *Client) failed() error {
	if err, ok := c.err.Load(); ok {
		return err
	}
	return nil
}

func (c *Client) encode(f *frame.Frame) ([]byte, error) {
	if c.opt.JSON {
		return frame.EncodeJSONCommand(f)
	}
	b, err := f.Marshal()
	if err != nil {
		return nil, err
	}
	if c.session != nil {
		return c.session.Seal(b)
	}
	return b, nil
}

func (c *Client) send(ctx context.Context, f *frame.Frame) error {
	if err := c.failed(); err != nil {
		return err
	}
	b, err := c.encode(f)
	if err != nil {
		return errors.Annotatef(err, "encode %s", f.String())
	}
	units, frameID, err := c.split.Split(b)
	if err != nil {
		return errors.Annotatef(err, "split %s", f.String())
	}
	c.log.Debugf("send %s frame_id=%d units=%d", f.String(), frameID, len(units))
	for _, u := range units {
		if err = c.link.Send(ctx, link.ChannelData, u); err != nil {
			return errors.Annotatef(err, "send %s", f.String())
		}
	}
	return nil
}

func (c *Client) decode(b []byte) (frame.Response, error) {
	if c.opt.JSON {
		return frame.DecodeJSONResponse(b)
	}
	if c.session != nil {
		var err error
		if b, err = c.session.Open(b); err != nil {
			return frame.Response{}, err
		}
	}
	return frame.DecodeResponse(b)
}

func (c *Client) expect(id uint16) (*helpers.Future, error) {
	if err := c.failed(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, errors.Annotatef(ErrDuplicateID, "id=%d", id)
	}
	fu := helpers.NewFuture()
	c.pending[id] = fu
	return fu, nil
}

func (c *Client) forget(id uint16) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) cancelPending(err error) {
	c.mu.Lock()
	for id, fu := range c.pending {
		fu.Cancel(err)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) reader(ctx context.Context) {
	defer c.alive.Done()
	for {
		b, err := c.link.Receive(ctx, link.ChannelData)
		if err != nil {
			if !c.alive.IsRunning() || ctx.Err() != nil {
				return
			}
			err = errors.Annotate(err, "receive")
			c.log.Error(err)
			c.err.StoreOnce(err)
			c.cancelPending(err)
			return
		}
		c.onUnit(b)
	}
}

func (c *Client) onUnit(b []byte) {
	whole, err := c.reasm.Ingest(b)
	if err != nil {
		c.log.Errorf("reassembly: %v", err)
		return
	}
	if whole == nil {
		return
	}
	rsp, err := c.decode(whole)
	if err != nil {
		c.log.Errorf("decode response: %v", err)
		if errors.Cause(err) == sec1.ErrAuthenticationFailed {
			c.cancelPending(err)
		}
		return
	}
	c.log.Debugf("received %s", rsp.String())

	c.mu.Lock()
	fu, ok := c.pending[rsp.RequestID]
	c.mu.Unlock()
	if !ok {
		c.log.Errorf("%v %s", ErrUnexpectedRsp, rsp.String())
		return
	}
	fu.Complete(rsp)
}
