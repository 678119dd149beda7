package mqtt_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/smartdrip/driplink/internal/mqtt"
	"github.com/smartdrip/driplink/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t testing.TB, log *log2.Log) string {
	b := mqtt.NewBroker(mqtt.BrokerOptions{Log: log, Authenticate: mqtt.AuthAllowAll})
	require.NoError(t, b.Listen(context.Background(), []*mqtt.ListenOptions{{URL: "tcp://localhost:", NetworkTimeout: testDefaultTimeout}}))
	t.Cleanup(func() { assert.NoError(t, b.Close()) })
	return "tcp://" + b.Addrs()[0]
}

func TestClient(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	broker := startBroker(t, log)

	received := make(chan *packet.Message, 4)
	sub, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      broker,
		ClientID:       "device",
		KeepaliveSec:   1,
		NetworkTimeout: testDefaultTimeout / 4,
		Log:            log.Clone(log2.LDebug, "sub: "),
		Subscriptions:  []packet.Subscription{{Topic: "x/+/request", QOS: packet.QOSAtLeastOnce}},
		OnMessage: func(m *packet.Message) error {
			received <- m.Copy()
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Close()

	pub, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      broker,
		ClientID:       "app",
		NetworkTimeout: testDefaultTimeout,
		Log:            log.Clone(log2.LDebug, "pub: "),
		OnMessage:      func(*packet.Message) error { return nil },
	})
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*testDefaultTimeout)
	defer cancel()
	require.NoError(t, sub.WaitReady(ctx))
	require.NoError(t, pub.WaitReady(ctx))

	for _, qos := range []packet.QOS{packet.QOSAtMostOnce, packet.QOSAtLeastOnce} {
		require.NoError(t, pub.Publish(ctx, &packet.Message{Topic: "x/data/request", QOS: qos, Payload: []byte{byte(qos)}}))
		select {
		case m := <-received:
			assert.Equal(t, "x/data/request", m.Topic)
			assert.Equal(t, []byte{byte(qos)}, m.Payload)
		case <-ctx.Done():
			t.Fatal("message not delivered")
		}
	}

	// keepalive pings hold connection beyond read timeout
	time.Sleep(1500 * time.Millisecond)
	require.NoError(t, pub.Publish(ctx, &packet.Message{Topic: "x/handshake/request", Payload: []byte("hs")}))
	select {
	case m := <-received:
		assert.Equal(t, []byte("hs"), m.Payload)
	case <-ctx.Done():
		t.Fatal("message not delivered after keepalive")
	}

	assert.Equal(t, mqtt.ClientStat{Connects: 1, Published: 3}, pub.Stat())
	assert.Equal(t, int64(3), sub.Stat().Received)
}

func TestClientConcurrentPublish(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	broker := startBroker(t, log)
	const n = 16

	var mu sync.Mutex
	seen := make(map[string]bool)
	all := make(chan struct{})
	sub, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:     broker,
		ClientID:      "device",
		Log:           log,
		Subscriptions: []packet.Subscription{{Topic: "c/#", QOS: packet.QOSAtLeastOnce}},
		OnMessage: func(m *packet.Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen[string(m.Payload)] = true
			if len(seen) == n {
				close(all)
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Close()
	pub, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL: broker,
		ClientID:  "app",
		Log:       log,
		OnMessage: func(*packet.Message) error { return nil },
	})
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*testDefaultTimeout)
	defer cancel()
	require.NoError(t, sub.WaitReady(ctx))
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &packet.Message{Topic: "c/data", QOS: packet.QOSAtLeastOnce, Payload: []byte(fmt.Sprint(i))}
			assert.NoError(t, pub.Publish(ctx, msg))
		}(i)
	}
	wg.Wait()
	select {
	case <-all:
	case <-ctx.Done():
		t.Fatal("not all messages delivered")
	}
	assert.Equal(t, int64(n), pub.Stat().Published)
}

func TestClientInvalid(t *testing.T) {
	t.Parallel()

	_, err := mqtt.NewClient(mqtt.ClientOptions{BrokerURL: "tcp://localhost:1"})
	require.Error(t, err)
	_, err = mqtt.NewClient(mqtt.ClientOptions{BrokerURL: "::", OnMessage: func(*packet.Message) error { return nil }})
	require.Error(t, err)

	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL: "tcp://127.0.0.1:1",
		Log:       log2.NewTest(t, log2.LDebug),
		OnMessage: func(*packet.Message) error { return nil },
	})
	require.NoError(t, err)
	defer c.Close()
	err = c.Publish(context.Background(), &packet.Message{Topic: "x", QOS: packet.QOSExactlyOnce})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestClientWaitReadyCanceled(t *testing.T) {
	t.Parallel()

	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      "tcp://127.0.0.1:1",
		NetworkTimeout: 100 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		Log:            log2.NewTest(t, log2.LDebug),
		OnMessage:      func(*packet.Message) error { return nil },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.Canceled, c.WaitReady(ctx))
	require.Error(t, c.Close())
	assert.Equal(t, mqtt.ErrClientClosing, c.WaitReady(context.Background()))
}
