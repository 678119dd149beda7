package main

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
	"github.com/smartdrip/driplink/devsim"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/link/mqttlink"
	"github.com/smartdrip/driplink/sec1"
)

var simulateMod = subcmd.Mod{Name: "simulate", Usage: "run device simulator on MQTT broker", Main: simulateMain}

func simulateMain(ctx context.Context, cfg *config.Config, args []string) error {
	if cfg.Transport != config.TransportMQTT {
		return errors.NotSupportedf("simulate transport=%s", cfg.Transport)
	}
	opt, err := cfg.MQTTOptions(link.RoleDevice, childLog(log, "mqtt: "))
	if err != nil {
		return err
	}
	l, err := mqttlink.Dial(ctx, opt)
	if err != nil {
		return errors.Annotatef(err, "mqtt dial broker=%s", opt.Broker)
	}
	defer l.Close()

	dopt := cfg.DeviceOptions(childLog(log, "devsim: "))
	dopt.SecStat = new(sec1.Stat)
	d, err := devsim.New(l, dopt)
	if err != nil {
		return err
	}
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("device simulator running broker=%s topics=%s secure=%t pop=%s",
		opt.Broker, opt.Topics.Prefix, dopt.Secure, sec1.PoPFingerprint(dopt.PoP))
	err = d.Run(ctx)
	log.Infof("stopped chunk=%s sec1=%s", d.ChunkStat().String(), dopt.SecStat.String())
	return err
}
