// Package devsim simulates irrigation controller firmware on any link:
// Security1 responder on handshake channel, command dispatch on data channel.
package devsim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/chunk"
	"github.com/smartdrip/driplink/frame"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/log2"
	"github.com/smartdrip/driplink/sec1"
	"github.com/temoto/alive/v2"
)

// HandlerFunc returns response status and JSON payload for command payload.
type HandlerFunc func(ctx context.Context, payload []byte) (int8, []byte)

type Options struct {
	Log     *log2.Log
	Secure  bool
	PoP     string
	Chunk   chunk.Config // zero MTU means link MTU
	Force   bool
	JSON    bool // JSON command form instead of binary frames, plaintext only
	Rand    io.Reader
	SecStat *sec1.Stat
	Name    string
	Version string
}

type Device struct {
	alive     *alive.Alive
	link      link.Link
	log       *log2.Log
	opt       Options
	reasm     *chunk.Reassembler
	responder *sec1.Responder
	split     chunk.Splitter
	state     *State

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(l link.Link, opt Options) (*Device, error) {
	if opt.Secure {
		if err := sec1.ValidatePoP(opt.PoP); err != nil {
			return nil, err
		}
		if opt.JSON {
			return nil, errors.NotValidf("JSON command form with security")
		}
	}
	if opt.Chunk.MTU == 0 {
		opt.Chunk.MTU = l.MTU()
	}
	if opt.Name == "" {
		opt.Name = link.BLEDeviceName
	}
	if opt.Version == "" {
		opt.Version = "sim"
	}
	d := &Device{
		alive:    alive.NewAlive(),
		link:     l,
		log:      opt.Log,
		opt:      opt,
		handlers: make(map[string]HandlerFunc),
		state:    NewState(),
	}
	d.reasm = chunk.NewReassembler(opt.Chunk, opt.Log.Clone(log2.LInfo, "reasm: "))
	d.split = chunk.Splitter{
		MTU:       opt.Chunk.MTU,
		MaxChunks: opt.Chunk.MaxChunks,
		Force:     opt.Force,
		Stat:      d.reasm.Stat(),
	}
	if opt.Secure {
		d.responder = sec1.NewResponder(sec1.Options{
			PoP:  opt.PoP,
			Log:  opt.Log,
			Rand: opt.Rand,
			Stat: opt.SecStat,
		})
	}
	d.registerDefaults()
	return d, nil
}

// Handle registers or replaces command handler.
func (d *Device) Handle(op string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[op] = fn
	d.mu.Unlock()
}

func (d *Device) State() *State              { return d.state }
func (d *Device) ChunkStat() *chunk.Stat     { return d.reasm.Stat() }
func (d *Device) Responder() *sec1.Responder { return d.responder }

// Run serves link until ctx is done or link is closed.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.reasm.Start(d.reasm.Config().Timeout / 2)
	defer d.reasm.Close()

	errch := make(chan error, 2)
	if !d.alive.Add(2) {
		// stopped before start
		return nil
	}
	go func() {
		defer d.alive.Done()
		errch <- d.handshakeLoop(ctx)
	}()
	go func() {
		defer d.alive.Done()
		errch <- d.dataLoop(ctx)
	}()

	var err error
	select {
	case err = <-errch:
	case <-d.alive.StopChan():
	}
	cancel()
	d.alive.Stop()
	d.alive.Wait()
	if d.responder != nil {
		d.responder.Close()
	}
	if err == nil || errors.Cause(err) == link.ErrClosed || errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// Stop makes Run return, Run after Stop returns immediately.
func (d *Device) Stop() { d.alive.Stop() }

func (d *Device) handshakeLoop(ctx context.Context) error {
	for {
		b, err := d.link.Receive(ctx, link.ChannelHandshake)
		if err != nil {
			return err
		}
		if d.responder == nil {
			d.log.Errorf("handshake message in plaintext mode, ignored len=%d", len(b))
			continue
		}
		reply, err := d.responder.Handle(b)
		if err != nil {
			d.log.Errorf("handshake: %v", err)
		}
		if reply == nil {
			continue
		}
		if err = d.link.Send(ctx, link.ChannelHandshake, reply); err != nil {
			return errors.Annotate(err, "handshake reply")
		}
	}
}

func (d *Device) dataLoop(ctx context.Context) error {
	for {
		b, err := d.link.Receive(ctx, link.ChannelData)
		if err != nil {
			return err
		}
		whole, err := d.reasm.Ingest(b)
		if err != nil {
			d.log.Errorf("reassembly: %v", err)
			continue
		}
		if whole == nil {
			continue
		}
		if err = d.serve(ctx, whole); err != nil {
			if errors.Cause(err) == link.ErrClosed {
				return err
			}
			d.log.Error(err)
		}
	}
}

// serve handles one whole frame.
func (d *Device) serve(ctx context.Context, b []byte) error {
	if d.opt.JSON {
		cmd, err := frame.DecodeJSONCommand(b)
		if err != nil {
			return errors.Annotate(err, "json command")
		}
		rsp := d.dispatch(ctx, &cmd)
		out, err := frame.EncodeJSONResponse(&rsp)
		if err != nil {
			return err
		}
		return d.sendUnits(ctx, out)
	}

	if d.responder != nil {
		var err error
		if b, err = d.responder.Open(b); err != nil {
			return errors.Annotate(err, "open")
		}
	}
	cmd, err := frame.Decode(b)
	if err != nil {
		return errors.Annotate(err, "decode command")
	}
	rsp := d.dispatch(ctx, &cmd)
	out, err := frame.EncodeResponse(&rsp)
	if err != nil {
		return err
	}
	if d.responder != nil {
		if out, err = d.responder.Seal(out); err != nil {
			return errors.Annotate(err, "seal")
		}
	}
	return d.sendUnits(ctx, out)
}

func (d *Device) dispatch(ctx context.Context, cmd *frame.Frame) frame.Response {
	d.mu.RLock()
	fn, ok := d.handlers[cmd.Op]
	d.mu.RUnlock()
	rsp := frame.Response{RequestID: cmd.RequestID, Final: true}
	if !ok {
		d.log.Infof("unknown op=%s id=%d", cmd.Op, cmd.RequestID)
		rsp.Status = frame.StatusUnknownOp
		rsp.Payload, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("unknown op %q", cmd.Op)})
		return rsp
	}
	rsp.Status, rsp.Payload = fn(ctx, cmd.Payload)
	d.log.Debugf("op=%s id=%d status=%d", cmd.Op, cmd.RequestID, rsp.Status)
	return rsp
}

func (d *Device) sendUnits(ctx context.Context, b []byte) error {
	units, _, err := d.split.Split(b)
	if err != nil {
		return errors.Annotate(err, "split response")
	}
	for _, u := range units {
		if err = d.link.Send(ctx, link.ChannelData, u); err != nil {
			return errors.Annotate(err, "send response")
		}
	}
	return nil
}
