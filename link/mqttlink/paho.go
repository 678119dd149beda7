package mqttlink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/log2"
)

var pahoLogOnce sync.Once

// pahoLogger adapts log2 to paho global loggers.
type pahoLogger struct {
	log    *log2.Log
	prefix string
	level  log2.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.log.Logf(l.level, "%s%s", l.prefix, strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.log.Logf(l.level, l.prefix+format, v...)
}

// SetPahoLog routes paho global loggers to log, first call wins.
func SetPahoLog(log *log2.Log, debug bool) {
	pahoLogOnce.Do(func() {
		mqtt.CRITICAL = pahoLogger{log, "paho critical: ", log2.LError}
		mqtt.ERROR = pahoLogger{log, "paho error: ", log2.LError}
		mqtt.WARN = pahoLogger{log, "paho warn: ", log2.LInfo}
		if debug {
			mqtt.DEBUG = pahoLogger{log, "paho debug: ", log2.LDebug}
		}
	})
}

type pahoLink struct {
	connects uint32
	in       *link.Inbox
	log      *log2.Log
	m        mqtt.Client
	mopt     *mqtt.ClientOptions
	opt      Options
}

var _ link.Link = &pahoLink{}
var _ link.Drainer = &pahoLink{}

func dialPaho(ctx context.Context, opt Options, newClient func(*mqtt.ClientOptions) mqtt.Client) (*pahoLink, error) {
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	self := &pahoLink{
		in:  link.NewInbox(opt.InboxSize),
		log: opt.Log,
		opt: opt,
	}

	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("mqtt unexpected message topic=%s", msg.Topic())
	}
	connectTimeout := opt.NetworkTimeout * 3
	self.mopt = mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(connectTimeout).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(opt.Keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost).
		SetOrderMatters(true).
		SetPingTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout)
	if opt.Username != "" {
		self.mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	if opt.TLS != nil {
		self.mopt.SetTLSConfig(opt.TLS)
	}
	self.m = newClient(self.mopt)

	if err := self.tokenWait(ctx, self.m.Connect(), "connect "+opt.Broker); err != nil {
		return nil, err
	}
	if err := self.subscribe(ctx); err != nil {
		self.m.Disconnect(0)
		return nil, err
	}
	self.log.Debugf("mqtt connected broker=%s client=%s role=%s", opt.Broker, opt.ClientID, opt.Role.String())
	return self, nil
}

func (self *pahoLink) MTU() int { return self.opt.MTU }

func (self *pahoLink) Send(ctx context.Context, ch link.Channel, b []byte) error {
	if self.in.Closed() {
		return link.ErrClosed
	}
	if err := link.CheckUnit(ch, self.opt.MTU, b); err != nil {
		return err
	}
	topic := self.opt.Topics.Publish(self.opt.Role, ch)
	self.log.Hexf(b, "mqtt publish topic=%s", topic)
	t := self.m.Publish(topic, self.opt.QoS, false, b)
	return self.tokenWait(ctx, t, "publish "+topic)
}

func (self *pahoLink) Receive(ctx context.Context, ch link.Channel) ([]byte, error) {
	return self.in.Get(ctx, ch)
}

func (self *pahoLink) Drain(ch link.Channel) int { return self.in.Drain(ch) }

func (self *pahoLink) Close() error {
	if self.in.Closed() {
		return nil
	}
	self.in.Close()
	self.m.Disconnect(uint(self.opt.NetworkTimeout / time.Millisecond / 10))
	return nil
}

func (self *pahoLink) subscribe(ctx context.Context) error {
	for _, ch := range []link.Channel{link.ChannelHandshake, link.ChannelData} {
		topic := self.opt.Topics.Subscribe(self.opt.Role, ch)
		t := self.m.Subscribe(topic, self.opt.QoS, self.onMessage)
		if err := self.tokenWait(ctx, t, "subscribe "+topic); err != nil {
			return err
		}
	}
	return nil
}

// onConnect resubscribes after reconnect, clean session drops subscriptions.
func (self *pahoLink) onConnect(mqtt.Client) {
	if atomic.AddUint32(&self.connects, 1) == 1 {
		return
	}
	self.log.Infof("mqtt reconnected broker=%s", self.opt.Broker)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), self.opt.NetworkTimeout)
		defer cancel()
		_ = self.subscribe(ctx)
	}()
}

func (self *pahoLink) onConnectionLost(_ mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *pahoLink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer msg.Ack()
	ch, ok := self.opt.Topics.Channel(self.opt.Role, msg.Topic())
	if !ok {
		self.log.Errorf("mqtt message on unknown topic=%s", msg.Topic())
		return
	}
	b := append([]byte(nil), msg.Payload()...)
	self.log.Hexf(b, "mqtt received topic=%s", msg.Topic())
	if !self.in.Put(ch, b) {
		self.log.Errorf("mqtt inbox %s full or closed, dropped len=%d", ch.String(), len(b))
	}
}

func (self *pahoLink) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	if !t.WaitTimeout(waitTimeout(ctx, self.opt.NetworkTimeout*3)) {
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	return nil
}
