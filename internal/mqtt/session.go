package mqtt

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/log2"
	"github.com/temoto/alive/v2"
)

const sessionQueue = 64

// session is broker side state of one connected client.
type session struct {
	alive    *alive.Alive
	acks     *future.Store
	clean    uint32
	conn     transport.Conn
	connmu   sync.RWMutex
	ctx      context.Context
	err      helpers.AtomicError
	id       string
	l        *ListenOptions
	log      *log2.Log
	pubq     chan *packet.Publish // incoming, routed in order
	routes   []*route             // guarded by Broker.mu
	sendmu   sync.Mutex
	username string
}

func newSession(ctx context.Context, conn transport.Conn, l *ListenOptions, log *log2.Log, pkt *packet.Connect) *session {
	return &session{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		ctx:      ctx,
		id:       pkt.ClientID,
		l:        l,
		log:      log,
		pubq:     make(chan *packet.Publish, sessionQueue),
		username: pkt.Username,
	}
}

// deliver sends msg to client, QOS 1 waits for PUBACK within AckTimeout.
func (s *session) deliver(ctx context.Context, id packet.ID, msg *packet.Message) error {
	if !s.alive.Add(1) {
		return ErrClosing
	}
	defer s.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS == packet.QOSAtMostOnce {
		return s.send(pub)
	}
	if id == 0 {
		return errors.NotValidf("QOS=1 delivery with packet id=0")
	}
	pub.ID = id
	if s.acks.Get(id) != nil {
		return s.die(errors.Errorf("packet id=%d already in flight", id))
	}
	f := future.New()
	s.acks.Put(id, f)
	defer s.acks.Delete(id)
	if err := s.send(pub); err != nil {
		return err
	}

	switch err := f.Wait(s.l.AckTimeout); err {
	case nil:
		return nil
	case future.ErrTimeout:
		return s.die(errors.Timeoutf("PUBACK id=%d", id))
	default:
		if e, ok := f.Result().(error); ok && e != nil {
			return e
		}
		return ErrClosing
	}
}

// acked completes delivery waiting for PUBACK id.
func (s *session) acked(id packet.ID) error {
	f := s.acks.Get(id)
	if f == nil {
		return errors.Errorf("unexpected PUBACK id=%d", id)
	}
	f.Complete(nil)
	return nil
}

func (s *session) receive() (packet.Generic, error) {
	conn := s.transport()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	if err == nil {
		s.log.Debugf("mqtt recv id=%s pkt=%s", s.id, PacketString(pkt))
		return pkt, nil
	}
	if err != io.EOF && !s.alive.IsRunning() && isClosedConn(err) {
		// die closed conn to interrupt Receive
		return nil, ErrClosing
	}
	return nil, s.die(err)
}

func (s *session) send(pkt packet.Generic) error {
	conn := s.transport()
	if conn == nil {
		return ErrClosing
	}
	s.log.Debugf("mqtt send id=%s pkt=%s", s.id, PacketString(pkt))
	s.sendmu.Lock()
	err := conn.Send(pkt, false)
	s.sendmu.Unlock()
	if err == nil {
		return nil
	}
	if !s.alive.IsRunning() && isClosedConn(err) {
		return ErrClosing
	}
	return s.die(errors.Annotatef(err, "send clientid=%s", s.id))
}

// die stops session once, returns first error.
func (s *session) die(e error) error {
	if e == nil {
		e = ErrClosing
	}
	if first, found := s.err.StoreOnce(e); found {
		return first
	}
	s.log.Debugf("mqtt session die id=%s err=%v", s.id, e)
	s.alive.Stop()
	s.acks.Clear()
	s.connmu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connmu.Unlock()
	return e
}

func (s *session) isClean() bool { return atomic.LoadUint32(&s.clean) == 1 }
func (s *session) markClean()    { atomic.StoreUint32(&s.clean, 1) }

func (s *session) remoteAddr() net.Addr {
	if conn := s.transport(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (s *session) transport() transport.Conn {
	s.connmu.RLock()
	c := s.conn
	s.connmu.RUnlock()
	return c
}
