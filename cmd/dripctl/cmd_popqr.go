package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
	"github.com/smartdrip/driplink/internal/provision"
	"github.com/smartdrip/driplink/link"
)

var popQRMod = subcmd.Mod{Name: "pop-qr", Usage: "[-transport ble|mqtt] [-out file.png] provisioning QR code", Main: popQRMain}

func popQRMain(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("pop-qr", flag.ContinueOnError)
	transport := fs.String("transport", provision.TransportBLE, "ble|mqtt")
	out := fs.String("out", "", "write PNG instead of terminal output")
	size := fs.Int("size", 512, "PNG size in pixels")
	if err := fs.Parse(args); err != nil {
		return errors.Annotate(err, "pop-qr")
	}

	p := provision.Payload{Name: cfg.Device.Name, PoP: cfg.Security.PoP, Transport: *transport}
	if p.Name == "" {
		p.Name = link.BLEDeviceName
	}
	text, err := p.Text()
	if err != nil {
		return err
	}
	if *out != "" {
		b, err := provision.PNG(text, *size)
		if err != nil {
			return err
		}
		return ioutil.WriteFile(*out, b, 0644)
	}
	s, err := provision.Terminal(text)
	if err != nil {
		return err
	}
	fmt.Print(s)
	return nil
}
