// Package mqtt is small MQTT 3.1.1 client and broker on top of 256dpi/gomqtt.
// Client serves device side links, Broker carries link topics
// for simulation, development and tests.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/log2"
	"github.com/temoto/alive/v2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 1 * time.Second
const DefaultReconnectMax = 30 * time.Second

var (
	ErrClientClosing  = fmt.Errorf("MQTT client is closing")
	ErrConnectionLost = fmt.Errorf("MQTT connection lost")
)

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration // first delay, doubles on each failure
	ReconnectMax   time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Log            *log2.Log
}

type ClientStat struct {
	Connects  int64
	Published int64
	Received  int64
}

// Client keeps one clean session to broker:
// - NewClient() returns only configuration errors, network IO is done in background
// - subscribe for configured list right after CONNACK
// - reconnect with backoff until Close()
// - QOS 0,1; concurrent Publish calls wait for own PUBACK
type Client struct {
	alive   *alive.Alive
	backoff helpers.Backoff
	conpkt  *packet.Connect
	dialer  *transport.Dialer
	lastID  uint32
	opt     ClientOptions
	stat    ClientStat

	mu       sync.Mutex
	conn     *clientConn
	inflight map[packet.ID]*helpers.Future
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.ReconnectMax == 0 {
		opt.ReconnectMax = DefaultReconnectMax
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}

	c := &Client{
		alive:    alive.NewAlive(),
		lastID:   uint32(time.Now().UnixNano()),
		opt:      opt,
		inflight: make(map[packet.ID]*helpers.Future),
	}
	c.conpkt = packet.NewConnect()
	c.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	c.conpkt.KeepAlive = opt.KeepaliveSec
	c.conpkt.CleanSession = true
	c.conpkt.Username = opt.Username
	c.conpkt.Password = opt.Password
	c.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})
	c.backoff = helpers.Backoff{
		Min:    opt.ReconnectDelay,
		Max:    opt.ReconnectMax,
		K:      2,
		Jitter: 0.25,
	}

	c.alive.Add(1)
	go c.run()
	return c, nil
}

// Close sends DISCONNECT if connected and stops reconnecting.
// Returns client.ErrClientNotConnected when there was no connection.
func (c *Client) Close() error {
	err := client.ErrClientNotConnected
	if cc := c.current(); cc != nil {
		err = cc.send(packet.NewDisconnect())
	}
	c.alive.Stop()
	c.alive.Wait()
	if cc := c.current(); cc != nil {
		cc.die(ErrClientClosing)
		cc.alive.Wait()
	}
	c.failInflight(ErrClientClosing)
	return err
}

func (c *Client) Stat() ClientStat {
	return ClientStat{
		Connects:  atomic.LoadInt64(&c.stat.Connects),
		Published: atomic.LoadInt64(&c.stat.Published),
		Received:  atomic.LoadInt64(&c.stat.Received),
	}
}

// Publish waits until connected, QOS 1 also waits for PUBACK within NetworkTimeout.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS > packet.QOSAtLeastOnce {
		return errors.NotSupportedf("QOS=%d", msg.QOS)
	}
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	cc := c.current()
	if cc == nil {
		return ErrClientClosing
	}

	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS == packet.QOSAtMostOnce {
		if err := cc.send(pub); err != nil {
			return errors.Annotate(err, "send PUBLISH")
		}
		atomic.AddInt64(&c.stat.Published, 1)
		return nil
	}

	pub.ID = c.nextID()
	f := helpers.NewFuture()
	c.mu.Lock()
	c.inflight[pub.ID] = f
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, pub.ID)
		c.mu.Unlock()
	}()
	if err := cc.send(pub); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opt.NetworkTimeout)
	defer cancel()
	result, ok := f.Wait(waitCtx)
	if ok {
		atomic.AddInt64(&c.stat.Published, 1)
		return nil
	}
	switch result {
	case context.DeadlineExceeded:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// broker lost PUBACK, connection state is unknown
		err := errors.Timeoutf("PUBACK id=%d", pub.ID)
		cc.die(err)
		return err
	case context.Canceled:
		return context.Canceled
	}
	if err, _ := result.(error); err != nil {
		return err
	}
	return ErrConnectionLost
}

// Returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.current()
		if cc == nil {
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-donech:
				return context.Canceled
			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil:
			return nil
		case context.Canceled:
			return context.Canceled
		}
		// this connection is lost, wait for next one
		select {
		case <-cc.alive.WaitChan():
		case <-donech:
			return context.Canceled
		case <-stopch:
			return ErrClientClosing
		}
	}
}

func (c *Client) current() *clientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.alive.IsRunning() {
		c.conn = nil
	}
	return c.conn
}

func (c *Client) failInflight(err error) {
	c.mu.Lock()
	for _, f := range c.inflight {
		f.Cancel(err)
	}
	c.mu.Unlock()
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (c *Client) onPacket(cc *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(cc, pt)

	case *packet.Puback:
		c.mu.Lock()
		f := c.inflight[pt.ID]
		c.mu.Unlock()
		if f == nil {
			c.opt.Log.Errorf("unexpected PUBACK id=%d", pt.ID)
			return
		}
		f.Complete(pt.ID)

	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(cc *clientConn, publish *packet.Publish) {
	msg := &publish.Message
	if msg.QOS > packet.QOSAtLeastOnce {
		cc.die(errors.NotSupportedf("incoming QOS=%d", msg.QOS))
		return
	}
	atomic.AddInt64(&c.stat.Received, 1)
	if err := c.opt.OnMessage(msg); err != nil {
		c.opt.Log.Errorf("onMessage %s err=%v", MessageString(msg), err)
		cc.die(err)
		return
	}
	if msg.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = cc.send(puback)
	}
}

// run owns connection lifecycle: one clientConn at a time,
// backoff delay between attempts.
func (c *Client) run() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for c.alive.IsRunning() {
		cc := newClientConn(c)
		c.mu.Lock()
		c.conn = cc
		c.mu.Unlock()

		select {
		case <-cc.subfu.Completed():
			c.backoff.Reset()
			atomic.AddInt64(&c.stat.Connects, 1)
			c.opt.Log.Debugf("mqtt ready broker=%s", c.opt.BrokerURL)
		case <-cc.alive.WaitChan():
		case <-stopch:
			return
		}

		select {
		case <-cc.alive.WaitChan():
		case <-stopch:
			return
		}
		c.failInflight(ErrConnectionLost)

		c.backoff.Failure()
		delay := c.backoff.DelayBefore()
		c.opt.Log.Debugf("reconnect delay=%v", delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return
		}
	}
}
