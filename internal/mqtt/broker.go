package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/log2"
	"github.com/temoto/alive/v2"
)

const defaultReadLimit = 64 << 10

var (
	ErrClosing       = fmt.Errorf("broker is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrTopicDenied   = fmt.Errorf("topic denied")
)

type AuthFunc = func(ctx context.Context, l *ListenOptions, pkt *packet.Connect) (bool, error)
type CloseFunc = func(clientID string, clean bool, e error)

type BrokerOptions struct {
	Log          *log2.Log
	Authenticate AuthFunc                // default deny all
	AllowTopic   func(topic string) bool // publish topics and subscribe filters, nil allows all
	OnClose      CloseFunc
}

type ListenOptions struct {
	URL string // tcp://host:port ssl://host:port
	TLS *tls.Config

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // receive timeout before CONNECT and keepalive cap
	ReadLimit      int64
}

type BrokerStat struct {
	Connects int64
	Rejected int64
	Routed   int64
	Dropped  int64 // no subscribers
}

// Broker is a small MQTT 3.1.1 broker for link topics.
// QOS 0 and 1, clean sessions only. Retained messages and wills
// are not supported, stale link units must not outlive their sender.
type Broker struct {
	alive  *alive.Alive
	ctx    context.Context
	log    *log2.Log
	nextid uint32 // atomic packet.ID
	opt    BrokerOptions
	stat   BrokerStat

	mu        sync.RWMutex
	listeners map[string]*transport.NetServer
	sessions  map[string]*session
	subs      *topic.Tree // *route
}

// route is one subscription filter of one client.
type route struct {
	filter string
	client string
	qos    packet.QOS
}

func NewBroker(opt BrokerOptions) *Broker {
	if opt.Authenticate == nil {
		opt.Authenticate = authDenyAll
	}
	return &Broker{
		alive:     alive.NewAlive(),
		ctx:       context.Background(),
		log:       opt.Log,
		opt:       opt,
		listeners: make(map[string]*transport.NetServer),
		sessions:  make(map[string]*session),
		subs:      topic.NewStandardTree(),
	}
}

// AuthAllowAll accepts any client.
func AuthAllowAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) { return true, nil }

// AuthFromMap accepts clients with username/password from m.
func AuthFromMap(m map[string]string) AuthFunc {
	return func(ctx context.Context, l *ListenOptions, pkt *packet.Connect) (bool, error) {
		secret, ok := m[pkt.Username]
		return ok && pkt.Password == secret, nil
	}
}

func authDenyAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) {
	return false, fmt.Errorf("default authenticate is deny-all, please supply BrokerOptions.Authenticate")
}

func (b *Broker) Addrs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addrs := make([]string, 0, len(b.listeners))
	for _, ns := range b.listeners {
		addrs = append(addrs, ns.Addr().String())
	}
	return addrs
}

func (b *Broker) Stat() BrokerStat {
	return BrokerStat{
		Connects: atomic.LoadInt64(&b.stat.Connects),
		Rejected: atomic.LoadInt64(&b.stat.Rejected),
		Routed:   atomic.LoadInt64(&b.stat.Routed),
		Dropped:  atomic.LoadInt64(&b.stat.Dropped),
	}
}

func (b *Broker) Close() error {
	b.alive.Stop()
	errs := make([]error, 0)
	b.mu.Lock()
	for key, ns := range b.listeners {
		if err := ns.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.listeners, key)
	}
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.die(ErrClosing)
	}
	b.alive.Wait()
	return helpers.FoldErrors(errs...)
}

// Listen starts accepting on each URL, ctx is parent of all sessions.
func (b *Broker) Listen(ctx context.Context, lopts []*ListenOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx

	errs := make([]error, 0)
	for _, l := range lopts {
		if l.NetworkTimeout == 0 {
			l.NetworkTimeout = DefaultNetworkTimeout
		}
		if l.AckTimeout == 0 {
			l.AckTimeout = 2 * l.NetworkTimeout
		}
		if l.ReadLimit == 0 {
			l.ReadLimit = defaultReadLimit
		}
		ns, err := listen(l)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", l.URL))
			continue
		}
		if !b.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		b.log.Debugf("mqtt listen url=%s addr=%s", l.URL, ns.Addr().String())
		b.listeners[l.URL] = ns
		go b.accept(ns, l)
	}
	return helpers.FoldErrors(errs...)
}

// Publish delivers msg to each subscribed client once,
// QOS is the lower of msg and subscription.
func (b *Broker) Publish(ctx context.Context, msg *packet.Message) error {
	b.mu.RLock()
	targets := make(map[*session]packet.QOS)
	for _, x := range b.subs.Match(msg.Topic) {
		r := x.(*route)
		s, ok := b.sessions[r.client]
		if !ok {
			continue
		}
		if q, seen := targets[s]; !seen || r.qos > q {
			targets[s] = r.qos
		}
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		atomic.AddInt64(&b.stat.Dropped, 1)
		return ErrNoSubscribers
	}

	errch := make(chan error, len(targets))
	wg := sync.WaitGroup{}
	for s, qos := range targets {
		m := msg.Copy()
		if qos < m.QOS {
			m.QOS = qos
		}
		var id packet.ID
		if m.QOS == packet.QOSAtLeastOnce {
			id = b.nextID()
		}
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := s.deliver(ctx, id, m); err != nil {
				errch <- errors.Annotatef(err, "client=%s", s.id)
			}
		}(s)
	}
	wg.Wait()
	close(errch)
	atomic.AddInt64(&b.stat.Routed, 1)
	errs := make([]error, 0, len(errch))
	for e := range errch {
		errs = append(errs, e)
	}
	return helpers.FoldErrors(errs...)
}

func (b *Broker) allowTopic(t string) bool {
	return b.opt.AllowTopic == nil || b.opt.AllowTopic(t)
}

func (b *Broker) nextID() packet.ID {
	u32 := atomic.AddUint32(&b.nextid, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func listen(l *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(l.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts":
		if l.TLS == nil {
			return nil, errors.NotValidf("%s without TLS config", u.Scheme)
		}
		ns, err := transport.CreateSecureNetServer(u.Host, l.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "mqtt":
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen address=%s", u.Host)
		}
		return transport.NewNetServer(ln), nil
	}
	return nil, errors.NotSupportedf("listen scheme=%s", u.Scheme)
}

func (b *Broker) accept(ns *transport.NetServer, l *ListenOptions) {
	defer b.alive.Done()
	for {
		conn, err := ns.Accept()
		if !b.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			b.log.Error(errors.Annotatef(err, "mqtt accept url=%s", l.URL))
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.serve(conn, l)
	}
}

// connect reads CONNECT and answers CONNACK.
func (b *Broker) connect(conn transport.Conn, l *ListenOptions) (*session, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Annotate(err, "expect CONNECT")
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(broker.ErrUnexpectedPacket, "received %s", PacketString(pkt))
	}

	connack := packet.NewConnack()
	reject := func(err error) (*session, error) {
		atomic.AddInt64(&b.stat.Rejected, 1)
		_ = conn.Send(connack, false)
		return nil, err
	}
	connack.ReturnCode = packet.NotAuthorized
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		return reject(errors.Annotate(broker.ErrNotAuthorized, "empty clientid"))
	}
	if pktConnect.Will != nil {
		return reject(errors.NotSupportedf("will message"))
	}
	ok, err = b.opt.Authenticate(b.ctx, l, pktConnect)
	if err != nil {
		return reject(errors.Annotate(err, "authenticate"))
	}
	if !ok {
		return reject(errors.Annotatef(broker.ErrNotAuthorized, "username=%s", pktConnect.Username))
	}

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > l.NetworkTimeout {
		keepalive = l.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	atomic.AddInt64(&b.stat.Connects, 1)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Annotate(err, "send CONNACK")
	}
	b.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s keepalive=%d",
		addrString(conn.RemoteAddr()), pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)
	return newSession(b.ctx, conn, l, b.log, pktConnect), nil
}

func (b *Broker) serve(conn transport.Conn, l *ListenOptions) {
	defer b.alive.Done()

	addr := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(l.ReadLimit)
	conn.SetReadTimeout(l.NetworkTimeout)
	s, err := b.connect(conn, l)
	if err != nil {
		b.log.Infof("mqtt connect addr=%s err=%v", addr, err)
		_ = conn.Close()
		return
	}

	b.mu.Lock()
	if ex, ok := b.sessions[s.id]; ok {
		b.log.Infof("mqtt client overtake id=%s ex=%s new=%s", s.id, addrString(ex.remoteAddr()), addr)
		ex.die(ErrSameClient)
	}
	b.sessions[s.id] = s
	b.mu.Unlock()

	pubdone := make(chan struct{})
	go b.route(s, pubdone)
	for {
		pkt, err := s.receive()
		if err != nil || !b.alive.IsRunning() || !b.handle(s, pkt) {
			break
		}
	}
	close(s.pubq)
	<-pubdone
	closeErr := s.die(ErrClosing)
	s.alive.WaitTasks()

	b.mu.Lock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	for _, r := range s.routes {
		b.subs.Remove(r.filter, r)
	}
	b.mu.Unlock()
	clean := s.isClean()
	b.log.Debugf("mqtt session end id=%s clean=%t err=%v", s.id, clean, closeErr)
	if b.opt.OnClose != nil {
		b.opt.OnClose(s.id, clean, closeErr)
	}
}

// handle processes one packet after CONNECT, false stops session.
func (b *Broker) handle(s *session, pkt packet.Generic) bool {
	b.mu.RLock()
	current := b.sessions[s.id] == s
	b.mu.RUnlock()
	if !current {
		s.die(ErrSameClient)
		return false
	}

	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = s.send(packet.NewPingresp())

	case *packet.Publish:
		switch {
		case pt.Message.QOS > packet.QOSAtLeastOnce:
			err = errors.NotSupportedf("QOS=%d", pt.Message.QOS)
		case pt.Message.Retain:
			err = errors.NotSupportedf("retain")
		case !b.allowTopic(pt.Message.Topic):
			err = errors.Annotatef(ErrTopicDenied, "publish topic=%s", pt.Message.Topic)
		default:
			select {
			case s.pubq <- pt:
			case <-s.alive.StopChan():
				return false
			}
		}

	case *packet.Puback:
		err = s.acked(pt.ID)

	case *packet.Subscribe:
		err = b.subscribe(s, pt)

	case *packet.Unsubscribe:
		err = b.unsubscribe(s, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = errors.NotSupportedf("QOS=2")

	case *packet.Disconnect:
		s.markClean()
		s.die(nil)
		return false

	default:
		err = errors.Errorf("unexpected packet %s", PacketString(pkt))
	}
	if err != nil {
		b.log.Errorf("mqtt id=%s pkt=%s err=%v", s.id, PacketString(pkt), err)
		s.die(err)
		return false
	}
	return true
}

// route forwards incoming messages of one client in order.
func (b *Broker) route(s *session, done chan<- struct{}) {
	defer close(done)
	for pt := range s.pubq {
		if !s.alive.IsRunning() {
			continue
		}
		switch err := b.Publish(s.ctx, &pt.Message); err {
		case nil:
		case ErrNoSubscribers:
			b.log.Debugf("mqtt drop topic=%s no subscribers", pt.Message.Topic)
		default:
			b.log.Errorf("mqtt route %s err=%v", MessageString(&pt.Message), err)
		}
		if pt.Message.QOS == packet.QOSAtLeastOnce {
			puback := packet.NewPuback()
			puback.ID = pt.ID
			_ = s.send(puback)
		}
	}
}

func (b *Broker) subscribe(s *session, pkt *packet.Subscribe) error {
	// [MQTT-3.8.3-3] SUBSCRIBE must carry at least one filter
	if len(pkt.Subscriptions) == 0 {
		return errors.NotValidf("empty SUBSCRIBE")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	b.mu.Lock()
	for _, sub := range pkt.Subscriptions {
		if !b.allowTopic(sub.Topic) {
			b.log.Infof("mqtt id=%s subscribe denied filter=%s", s.id, sub.Topic)
			suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSFailure)
			continue
		}
		r := &route{filter: sub.Topic, client: s.id, qos: sub.QOS}
		if r.qos > packet.QOSAtLeastOnce {
			r.qos = packet.QOSAtLeastOnce
		}
		b.subs.Add(r.filter, r)
		s.routes = append(s.routes, r)
		suback.ReturnCodes = append(suback.ReturnCodes, r.qos)
	}
	b.mu.Unlock()
	return errors.Annotate(s.send(suback), "SUBACK")
}

func (b *Broker) unsubscribe(s *session, pkt *packet.Unsubscribe) error {
	b.mu.Lock()
	kept := s.routes[:0]
	for _, r := range s.routes {
		drop := false
		for _, t := range pkt.Topics {
			if r.filter == t {
				drop = true
				break
			}
		}
		if drop {
			b.subs.Remove(r.filter, r)
		} else {
			kept = append(kept, r)
		}
	}
	s.routes = kept
	b.mu.Unlock()
	unsuback := packet.NewUnsuback()
	unsuback.ID = pkt.ID
	return s.send(unsuback)
}
