// Command dispatchd parses the balancer's settings from flags into a
// balancer.Config and logs it. It creates no directory source, balancer,
// dispatcher or RPC client: those are supplied by an embedder. This is a
// thin example of the configuration wiring, not a standalone service.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/hiveswarm/dispatch/balancer"
)

var (
	directoryKeyFlag = &cli.StringFlag{
		Name:     "directory-key",
		Usage:    "shared DHT key the peer fleet advertises itself under",
		Required: true,
	}
	updatePeriodFlag = &cli.DurationFlag{
		Name:  "update-period",
		Usage: "how often the balancer polls the directory absent an explicit trigger",
		Value: 30 * time.Second,
	}
	blacklistTTLFlag = &cli.DurationFlag{
		Name:  "blacklist-ttl",
		Usage: "minimum time a ban holds regardless of the peer's own advertised expiration",
		Value: 5 * time.Minute,
	}
	maxRetriesFlag = &cli.IntFlag{
		Name:  "max-retries",
		Usage: "refresh cycles to wait through before a lease gives up with NoPeers",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "dispatchd",
		Usage: "throughput-weighted dispatcher over a DHT-advertised peer fleet",
		Flags: []cli.Flag{directoryKeyFlag, updatePeriodFlag, blacklistTTLFlag, maxRetriesFlag},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.Info("dispatchd: starting",
		"directory_key", c.String(directoryKeyFlag.Name),
		"update_period", c.Duration(updatePeriodFlag.Name))

	// A real deployment supplies a directory.Source backed by a live DHT
	// (see directory.NewDHTSource) and an rpc.Client backed by a real
	// transport; this example has neither, so it only validates flags
	// and config wiring before exiting.
	cfg := balancer.Config{
		UpdatePeriod: c.Duration(updatePeriodFlag.Name),
		BlacklistTTL: c.Duration(blacklistTTLFlag.Name),
		MaxRetries:   c.Int(maxRetriesFlag.Name),
	}
	log.Info("dispatchd: configured", "config", cfg)
	return nil
}
