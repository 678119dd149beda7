package main

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
	mqtt_server "github.com/smartdrip/driplink/internal/mqtt"
	"github.com/smartdrip/driplink/link"
)

var brokerMod = subcmd.Mod{Name: "broker", Usage: "local MQTT broker for development", Main: brokerMain}

func brokerMain(ctx context.Context, cfg *config.Config, args []string) error {
	tlsconf, err := cfg.BrokerTLS()
	if err != nil {
		return err
	}
	topics := link.Topics{Prefix: cfg.MQTT.TopicPrefix}
	opt := mqtt_server.BrokerOptions{
		Log:          childLog(log, "broker: "),
		Authenticate: mqtt_server.AuthAllowAll,
		AllowTopic:   topics.Owns,
		OnClose: func(clientID string, clean bool, e error) {
			log.Infof("client=%s disconnected clean=%t err=%v", clientID, clean, e)
		},
	}
	if len(cfg.Broker.Users) != 0 {
		opt.Authenticate = mqtt_server.AuthFromMap(cfg.Broker.Users)
	} else {
		log.Infof("broker.users empty, accepting any client")
	}
	srv := mqtt_server.NewBroker(opt)
	lopts := make([]*mqtt_server.ListenOptions, len(cfg.Broker.Listen))
	for i, u := range cfg.Broker.Listen {
		lopts[i] = &mqtt_server.ListenOptions{URL: u, TLS: tlsconf}
	}
	if err = srv.Listen(ctx, lopts); err != nil {
		_ = srv.Close()
		return err
	}
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("broker listening %v topics=%s", srv.Addrs(), topics.Filter())
	<-ctx.Done()
	err = srv.Close()
	st := srv.Stat()
	log.Infof("broker stopped connects=%d rejected=%d routed=%d dropped=%d", st.Connects, st.Rejected, st.Routed, st.Dropped)
	return err
}
