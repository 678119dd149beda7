package mqttlink

import (
	"context"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/internal/mqtt"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/log2"
)

type gomqttLink struct {
	c   *mqtt.Client
	in  *link.Inbox
	log *log2.Log
	opt Options
}

var _ link.Link = &gomqttLink{}
var _ link.Drainer = &gomqttLink{}

func dialGomqtt(ctx context.Context, opt Options) (*gomqttLink, error) {
	self := &gomqttLink{
		in:  link.NewInbox(opt.InboxSize),
		log: opt.Log,
		opt: opt,
	}
	qos := packet.QOS(opt.QoS)
	subs := []packet.Subscription{
		{Topic: opt.Topics.Subscribe(opt.Role, link.ChannelHandshake), QOS: qos},
		{Topic: opt.Topics.Subscribe(opt.Role, link.ChannelData), QOS: qos},
	}
	mlog := opt.Log
	if !opt.LogDebug {
		mlog = opt.Log.Clone(log2.LInfo, "")
	}
	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      opt.Broker,
		TLS:            opt.TLS,
		NetworkTimeout: opt.NetworkTimeout,
		KeepaliveSec:   uint16(opt.Keepalive / time.Second),
		ClientID:       opt.ClientID,
		Username:       opt.Username,
		Password:       opt.Password,
		Subscriptions:  subs,
		OnMessage:      self.onMessage,
		Log:            mlog,
	})
	if err != nil {
		return nil, errors.Annotate(err, "mqtt client")
	}
	self.c = c

	readyCtx, cancel := context.WithTimeout(ctx, opt.NetworkTimeout*3)
	defer cancel()
	if err := c.WaitReady(readyCtx); err != nil {
		_ = c.Close()
		if err == context.Canceled {
			err = errors.Timeoutf("mqtt connect %s", opt.Broker)
		}
		return nil, err
	}
	self.log.Debugf("mqtt connected broker=%s client=%s role=%s", opt.Broker, opt.ClientID, opt.Role.String())
	return self, nil
}

func (self *gomqttLink) MTU() int { return self.opt.MTU }

func (self *gomqttLink) Send(ctx context.Context, ch link.Channel, b []byte) error {
	if self.in.Closed() {
		return link.ErrClosed
	}
	if err := link.CheckUnit(ch, self.opt.MTU, b); err != nil {
		return err
	}
	msg := &packet.Message{
		Topic:   self.opt.Topics.Publish(self.opt.Role, ch),
		QOS:     packet.QOS(self.opt.QoS),
		Payload: b,
	}
	self.log.Hexf(b, "mqtt publish topic=%s", msg.Topic)
	if err := self.c.Publish(ctx, msg); err != nil {
		return errors.Annotatef(err, "mqtt publish %s", msg.Topic)
	}
	return nil
}

func (self *gomqttLink) Receive(ctx context.Context, ch link.Channel) ([]byte, error) {
	return self.in.Get(ctx, ch)
}

func (self *gomqttLink) Drain(ch link.Channel) int { return self.in.Drain(ch) }

func (self *gomqttLink) Close() error {
	if self.in.Closed() {
		return nil
	}
	self.in.Close()
	if err := self.c.Close(); err != nil {
		self.log.Debugf("mqtt close err=%v", err)
	}
	return nil
}

func (self *gomqttLink) onMessage(m *packet.Message) error {
	ch, ok := self.opt.Topics.Channel(self.opt.Role, m.Topic)
	if !ok {
		self.log.Errorf("mqtt message on unknown topic=%s", m.Topic)
		return nil
	}
	b := append([]byte(nil), m.Payload...)
	self.log.Hexf(b, "mqtt received topic=%s", m.Topic)
	if !self.in.Put(ch, b) {
		self.log.Errorf("mqtt inbox %s full or closed, dropped len=%d", ch.String(), len(b))
	}
	return nil
}
