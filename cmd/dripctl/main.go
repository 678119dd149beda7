// dripctl talks to irrigation controllers over MQTT: Security1 handshake,
// commands, device simulation, local broker and provisioning QR.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
	"github.com/smartdrip/driplink/link/mqttlink"
	"github.com/smartdrip/driplink/log2"
)

var modules = []subcmd.Mod{
	handshakeMod,
	sendMod,
	shellMod,
	simulateMod,
	brokerMod,
	popQRMod,
}

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "", "HCL config file, defaults when empty")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] command [args]\n\ncommands:\n%s\nflags:\n", os.Args[0], subcmd.Usage(modules))
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		// journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	}

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	var cfg *config.Config
	if *flagConfig == "" {
		cfg = config.Default()
	} else {
		cfg = config.MustReadConfigFile(log, *flagConfig)
	}
	if *flagDebug || cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	mqttlink.SetPahoLog(log, cfg.MQTT.LogDebug)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = log2.WithContext(ctx, log)
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s := <-sigch
		log.Infof("signal=%v stopping", s)
		cancel()
		<-sigch
		os.Exit(1)
	}()

	err = mod.Main(ctx, cfg, cmdline.Args()[1:])
	cancel()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
