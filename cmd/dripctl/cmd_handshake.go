package main

import (
	"context"
	"fmt"

	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
	"github.com/smartdrip/driplink/sec1"
)

var handshakeMod = subcmd.Mod{Name: "handshake", Usage: "establish Security1 session and report", Main: handshakeMain}

func handshakeMain(ctx context.Context, cfg *config.Config, args []string) error {
	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if s := c.Session(); s != nil {
		fmt.Printf("session=%s pop=%s stat=%s\n", s.State().String(), sec1.PoPFingerprint(cfg.Security.PoP), c.secStat.String())
	} else {
		fmt.Println("session=plaintext")
	}
	return nil
}
