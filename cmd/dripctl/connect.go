package main

import (
	"context"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/client"
	"github.com/smartdrip/driplink/config"
	"github.com/smartdrip/driplink/devsim"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/link/memlink"
	"github.com/smartdrip/driplink/link/mqttlink"
	"github.com/smartdrip/driplink/log2"
	"github.com/smartdrip/driplink/sec1"
)

// conn is app side client with handshake done.
type conn struct {
	*client.Client
	secStat sec1.Stat
	stop    func()
}

func childLog(log *log2.Log, prefix string) *log2.Log {
	level := log2.LInfo
	if log.Enabled(log2.LDebug) {
		level = log2.LDebug
	}
	return log.Clone(level, prefix)
}

// connect dials configured transport, memory transport runs simulator in process.
func connect(ctx context.Context, cfg *config.Config) (*conn, error) {
	log := log2.FromContext(ctx)
	c := &conn{stop: func() {}}

	var l link.Link
	switch cfg.Transport {
	case config.TransportMemory:
		app, dev := memlink.Pipe(cfg.Chunk.MTU)
		d, err := devsim.New(dev, cfg.DeviceOptions(childLog(log, "devsim: ")))
		if err != nil {
			return nil, errors.Annotate(err, "simulator")
		}
		done := make(chan error, 1)
		go func() { done <- d.Run(ctx) }()
		c.stop = func() {
			d.Stop()
			if err := <-done; err != nil {
				log.Errorf("simulator: %v", err)
			}
		}
		l = app

	case config.TransportMQTT:
		opt, err := cfg.MQTTOptions(link.RoleClient, childLog(log, "mqtt: "))
		if err != nil {
			return nil, err
		}
		if l, err = mqttlink.Dial(ctx, opt); err != nil {
			return nil, errors.Annotatef(err, "mqtt dial broker=%s", opt.Broker)
		}

	default:
		return nil, errors.NotSupportedf("transport=%s", cfg.Transport)
	}

	opt := cfg.ClientOptions(childLog(log, "client: "))
	opt.SecStat = &c.secStat
	cl, err := client.New(l, opt)
	if err != nil {
		_ = l.Close()
		c.stop()
		return nil, err
	}
	c.Client = cl
	if err = c.Handshake(ctx); err != nil {
		c.Close()
		return nil, errors.Annotate(err, "handshake")
	}
	return c, nil
}

func (c *conn) Close() {
	if err := c.Client.Close(); err != nil {
		log.Debugf("close: %v", err)
	}
	c.stop()
}
