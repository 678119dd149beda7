package mqttlink

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/internal/mqtt"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t testing.TB, role link.Role) Options {
	opt := Options{
		Broker:         "tcp://localhost:1883",
		Role:           role,
		Topics:         link.Topics{Prefix: "test/dev1"},
		QoS:            1,
		NetworkTimeout: time.Second,
		Log:            log2.NewTest(t, log2.LDebug),
	}
	require.NoError(t, opt.normalize())
	return opt
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	opt := Options{Broker: "tcp://b:1883"}
	require.NoError(t, opt.normalize())
	assert.Equal(t, EnginePaho, opt.Engine)
	assert.Equal(t, DefaultKeepalive, opt.Keepalive)
	assert.Regexp(t, `^drip-client-[0-9a-f]{8}$`, opt.ClientID)

	assert.True(t, errors.IsNotValid((&Options{}).normalize()))
	assert.True(t, errors.IsNotValid((&Options{Broker: "x", QoS: 2}).normalize()))
	_, err := Dial(context.Background(), Options{Broker: "x", Engine: "bogus"})
	assert.True(t, errors.IsNotValid(err))
}

func TestPahoMock(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	opt := testOptions(t, link.RoleClient)
	opt.MTU = 8
	l, err := dialPaho(context.Background(), opt, mock.MockNew)
	require.NoError(t, err)
	defer l.Close()

	subs := mock.Subs()
	require.Len(t, subs, 2)
	assert.Equal(t, "test/dev1/handshake/response", subs[0].Pattern)
	assert.Equal(t, "test/dev1/data/response", subs[1].Pattern)
	assert.Equal(t, []string{"tcp://localhost:1883"}, []string{mock.Opt.Servers[0].String()})

	ctx := context.Background()
	require.NoError(t, l.Send(ctx, link.ChannelData, []byte{1, 2, 3}))
	pub := <-mock.Pub
	assert.Equal(t, "test/dev1/data/request", pub.T)
	assert.Equal(t, []byte{1, 2, 3}, pub.P)
	assert.Equal(t, byte(1), pub.Q)

	err = l.Send(ctx, link.ChannelData, make([]byte, 9))
	assert.Equal(t, link.ErrUnitTooLarge, errors.Cause(err))

	mock.TestPublish(t, "test/dev1/handshake/response", []byte("reply"))
	b, err := l.Receive(ctx, link.ChannelHandshake)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), b)

	// reconnect resubscribes
	mock.Opt.OnConnect(mock)
	mock.Opt.OnConnect(mock)
	assert.Eventually(t, func() bool { return len(mock.Subs()) == 4 }, time.Second, 10*time.Millisecond)

	mock.PubErr = errors.Timeoutf("test")
	err = l.Send(ctx, link.ChannelHandshake, []byte{1})
	assert.True(t, errors.IsTimeout(err))
	mock.PubErr = fmt.Errorf("broken pipe")
	err = l.Send(ctx, link.ChannelHandshake, []byte{1})
	assert.Contains(t, err.Error(), "broken pipe")

	require.NoError(t, l.Close())
	assert.Equal(t, link.ErrClosed, l.Send(ctx, link.ChannelData, nil))
}

func TestPahoConnectError(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	mock.ConnectErr = fmt.Errorf("not authorized")
	_, err := dialPaho(context.Background(), testOptions(t, link.RoleDevice), mock.MockNew)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect tcp://localhost:1883")
}

func TestBroker(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	s := mqtt.NewBroker(mqtt.BrokerOptions{Log: log, Authenticate: mqtt.AuthAllowAll, AllowTopic: func(t string) bool { return strings.HasPrefix(t, "test/") }})
	require.NoError(t, s.Listen(context.Background(), []*mqtt.ListenOptions{{URL: "tcp://localhost:", NetworkTimeout: 5 * time.Second}}))
	defer s.Close()
	broker := "tcp://" + s.Addrs()[0]

	cases := []struct {
		client string
		device string
	}{
		{EnginePaho, EngineGomqtt},
		{EngineGomqtt, EngineGomqtt},
	}
	for i, c := range cases {
		c := c
		prefix := fmt.Sprintf("test/%d", i)
		t.Run(c.client+"-"+c.device, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			dial := func(engine string, role link.Role) link.Link {
				l, err := Dial(ctx, Options{
					Engine:    engine,
					Broker:    broker,
					Role:      role,
					Topics:    link.Topics{Prefix: prefix},
					QoS:       1,
					Keepalive: 5 * time.Second,
					Log:       log2.NewTest(t, log2.LDebug),
				})
				require.NoError(t, err)
				return l
			}
			dev := dial(c.device, link.RoleDevice)
			defer dev.Close()
			app := dial(c.client, link.RoleClient)
			defer app.Close()

			for _, ch := range []link.Channel{link.ChannelHandshake, link.ChannelData} {
				require.NoError(t, app.Send(ctx, ch, []byte("req-"+ch.String())))
				b, err := dev.Receive(ctx, ch)
				require.NoError(t, err)
				assert.Equal(t, "req-"+ch.String(), string(b))

				require.NoError(t, dev.Send(ctx, ch, []byte("resp-"+ch.String())))
				b, err = app.Receive(ctx, ch)
				require.NoError(t, err)
				assert.Equal(t, "resp-"+ch.String(), string(b))
			}
		})
	}
}
