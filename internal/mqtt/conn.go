package mqtt

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/helpers/atomic_clock"
	"github.com/temoto/alive/v2"
)

// clientConn is one network connection of Client.
// Dial, CONNECT, SUBSCRIBE then reader and pinger until die.
type clientConn struct {
	alive  *alive.Alive
	c      *Client
	closed uint32
	conn   atomic.Value // transport.Conn, set once after Dial
	confu  *helpers.Future
	subfu  *helpers.Future
	sendmu sync.Mutex
	pingat *atomic_clock.Clock // last outgoing packet
	pongat *atomic_clock.Clock // last incoming packet
}

func newClientConn(c *Client) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		c:      c,
		confu:  helpers.NewFuture(),
		subfu:  helpers.NewFuture(),
		pingat: atomic_clock.Now(),
		pongat: atomic_clock.Now(),
	}
	cc.alive.Add(1)
	go cc.establish()
	return cc
}

func (cc *clientConn) die(e error) {
	if e == nil {
		e = ErrConnectionLost
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return
	}
	cc.c.opt.Log.Debugf("mqtt connection die err=%v", e)
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.transport(); conn != nil {
		_ = conn.Close()
	}
}

func (cc *clientConn) transport() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (cc *clientConn) establish() {
	defer cc.alive.Done()
	opt := &cc.c.opt

	conn, err := cc.c.dialer.Dial(opt.BrokerURL)
	if err != nil {
		cc.die(errors.Annotatef(err, "dial broker=%s", opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if !cc.alive.IsRunning() { // die before Store could not close conn
		_ = conn.Close()
		return
	}
	if err = cc.send(cc.c.conpkt); err != nil {
		return
	}

	conn.SetReadTimeout(opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		cc.die(errors.Annotate(err, "expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		cc.die(errors.Annotatef(client.ErrClientExpectedConnack, "received %s", PacketString(pkt)))
		return
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	cc.confu.Complete(true)
	conn.SetReadTimeout(0)
	cc.pongat.SetNow()

	if !cc.alive.Add(2) {
		cc.die(context.Canceled)
		return
	}
	go cc.pinger()
	go cc.reader()

	if len(opt.Subscriptions) == 0 {
		cc.subfu.Complete(true)
		return
	}
	sub := packet.NewSubscribe()
	sub.ID = cc.c.nextID()
	sub.Subscriptions = opt.Subscriptions
	if err = cc.send(sub); err != nil {
		return
	}
	select {
	case <-cc.subfu.Completed():
	case <-cc.subfu.Cancelled():
	case <-time.After(opt.NetworkTimeout):
		cc.die(errors.Timeoutf("SUBACK"))
	}
}

// pinger sends PINGREQ when connection was silent for most of keepalive.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	opt := &cc.c.opt
	if opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(opt.KeepaliveSec)
	interval := keepalive - opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		if now.Sub(cc.pongat) > keepalive {
			cc.die(client.ErrClientMissingPong)
			return
		}
		if idle := now.Sub(cc.pingat); idle < interval {
			select {
			case <-time.After(interval - idle):
				continue
			case <-stopch:
				return
			}
		}
		if err := cc.send(packet.NewPingreq()); err != nil {
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()
	log := cc.c.opt.Log
	conn := cc.transport()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		if err == io.EOF {
			log.Errorf("mqtt broker closed connection")
			cc.die(nil)
			return
		} else if err != nil {
			cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.pongat.SetNow()
		log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Pingresp:

		case *packet.Suback:
			if !cc.subacked(pt) {
				return
			}

		case *packet.Connack:
			cc.die(errors.Errorf("duplicate CONNACK"))
			return

		default:
			cc.c.onPacket(cc, pkt)
		}
	}
}

func (cc *clientConn) subacked(suback *packet.Suback) bool {
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			cc.die(errors.Annotatef(client.ErrFailedSubscription, "id=%d", suback.ID))
			return false
		}
	}
	cc.subfu.Complete(true)
	return true
}

func (cc *clientConn) send(p packet.Generic) error {
	conn := cc.transport()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	cc.sendmu.Lock()
	err := conn.Send(p, false)
	cc.sendmu.Unlock()
	if err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		cc.die(err)
		return err
	}
	cc.pingat.SetNow()
	cc.c.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

// waitReady returns ErrConnectionLost when cc will never become ready,
// context.Canceled when ctx is done first.
func (cc *clientConn) waitReady(ctx context.Context) error {
	for _, fu := range []*helpers.Future{cc.confu, cc.subfu} {
		select {
		case <-fu.Completed():
		case <-fu.Cancelled():
			return ErrConnectionLost
		case <-ctx.Done():
			return context.Canceled
		}
	}
	return nil
}
