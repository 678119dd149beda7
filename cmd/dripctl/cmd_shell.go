package main

import (
	"context"
	"fmt"

	"github.com/c-bata/go-prompt"
	"github.com/smartdrip/driplink/cmd/dripctl/subcmd"
	"github.com/smartdrip/driplink/config"
	"github.com/smartdrip/driplink/devsim"
	"github.com/smartdrip/driplink/helpers/cli"
)

const shellUsage = `syntax: op [payload]
(device)
- ping
- deviceStatus
- wifiScan
- wifiConfigure {"ssid":"...","pass":"..."}
- syncSchedule {"zones":[{"id":1,"start":"06:00","duration":15}]}

(meta)
- handshake  new Security1 session
- stat       transport counters
- help
`

var shellMod = subcmd.Mod{Name: "shell", Usage: "interactive command prompt", Main: shellMain}

var shellWords = []string{
	devsim.OpPing, devsim.OpDeviceStatus, devsim.OpWiFiScan, devsim.OpWiFiConfigure, devsim.OpSyncSchedule,
	"handshake", "stat", "help",
}

func shellMain(ctx context.Context, cfg *config.Config, args []string) error {
	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	cli.MainLoop("dripctl", newShellExecutor(ctx, c), func(d prompt.Document) []prompt.Suggest {
		return cli.Suggest(shellWords, d)
	})
	return nil
}

func newShellExecutor(ctx context.Context, c *conn) func(string) {
	return func(line string) {
		word, rest := cli.SplitCommand(line)
		switch word {
		case "":
		case "help":
			log.Info(shellUsage)
		case "handshake":
			if err := c.Handshake(ctx); err != nil {
				log.Errorf("handshake: %v", err)
				return
			}
			if s := c.Session(); s != nil {
				log.Infof("session=%s", s.State().String())
			}
		case "stat":
			log.Infof("chunk=%s", c.ChunkStat().String())
			log.Infof("sec1=%s", c.secStat.String())
		default:
			rsp, err := c.Call(ctx, word, []byte(rest))
			if err != nil {
				log.Errorf("%s: %v", word, err)
				return
			}
			fmt.Printf("status=%d payload=%s\n", rsp.Status, rsp.Payload)
		}
	}
}
