package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
)

var sendMod = subcmd.Mod{Name: "send", Usage: "op [payload] - one command, prints response", Main: sendMain}

func sendMain(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.NotValidf("send without op")
	}
	op, payload := args[0], strings.Join(args[1:], " ")

	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	rsp, err := c.Call(ctx, op, []byte(payload))
	if err != nil {
		return err
	}
	fmt.Printf("status=%d payload=%s\n", rsp.Status, rsp.Payload)
	if !rsp.OK() {
		return errors.Errorf("op=%s status=%d", op, rsp.Status)
	}
	return nil
}
