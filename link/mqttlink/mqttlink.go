// Package mqttlink carries link units over MQTT topic pairs.
//
// Two engines are available: paho (default, app side) and gomqtt
// (small footprint, device side and simulation).
package mqttlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/log2"
)

const (
	EnginePaho   = "paho"
	EngineGomqtt = "gomqtt"

	DefaultNetworkTimeout = 10 * time.Second
	DefaultKeepalive      = 30 * time.Second
	DefaultQoS            = 1
)

type Options struct {
	Engine         string
	Broker         string // tcp://host:1883 ssl://host:8883 ws://host/mqtt
	Topics         link.Topics
	Role           link.Role
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	TLS            *tls.Config
	MTU            int // <=0 unlimited
	InboxSize      int
	LogDebug       bool
	Log            *log2.Log
}

func (opt *Options) normalize() error {
	if opt.Broker == "" {
		return errors.NotValidf("mqtt broker empty")
	}
	if opt.Engine == "" {
		opt.Engine = EnginePaho
	}
	if opt.QoS > 1 {
		return errors.NotValidf("mqtt qos=%d", opt.QoS)
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.Keepalive <= 0 {
		opt.Keepalive = DefaultKeepalive
	}
	if opt.ClientID == "" {
		opt.ClientID = fmt.Sprintf("drip-%s-%s", opt.Role.String(), strings.SplitN(uuid.New().String(), "-", 2)[0])
	}
	return nil
}

// Dial connects to broker and subscribes to receive topics of opt.Role.
func Dial(ctx context.Context, opt Options) (link.Link, error) {
	if err := opt.normalize(); err != nil {
		return nil, err
	}
	switch opt.Engine {
	case EnginePaho:
		return dialPaho(ctx, opt, nil)
	case EngineGomqtt:
		return dialGomqtt(ctx, opt)
	}
	return nil, errors.NotValidf("mqtt engine=%s", opt.Engine)
}

// waitTimeout is smaller of ctx deadline and def.
func waitTimeout(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < def {
			if d < 0 {
				d = 0
			}
			return d
		}
	}
	return def
}
