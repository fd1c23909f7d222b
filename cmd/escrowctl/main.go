// Command escrowctl drives escrow trades on the configured chains from the
// command line and prints every outcome as JSON.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig   = "config"
	flagChain    = "chain"
	flagTimeout  = "timeout"
	flagLogLevel = "log-level"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err) // nolint:errcheck
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "escrowctl",
		Usage:                "Create, buy, and settle escrow trades",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				EnvVars: []string{"ESCROW_CONFIG"},
				Value:   "escrow.yaml",
				Usage:   "path to the chain config (.yaml or .toml)",
			},
			&cli.StringFlag{
				Name:    flagChain,
				Aliases: []string{"c"},
				EnvVars: []string{"ESCROW_CHAIN"},
				Usage:   "configured chain to act on; optional when only one chain is configured",
			},
			&cli.DurationFlag{
				Name:  flagTimeout,
				Value: 5 * time.Minute,
				Usage: "deadline for the whole command",
			},
			&cli.StringFlag{
				Name:    flagLogLevel,
				EnvVars: []string{"ESCROW_LOG_LEVEL"},
				Value:   "warn",
				Usage:   "log level written to stderr",
			},
		},
		Commands: []*cli.Command{
			createTradeCmd,
			buyCmd,
			confirmCmd,
			cancelCmd,
			disputeCmd,
			resolveCmd,
			registerProviderCmd,
			withdrawFeesCmd,
			tradeCmd,
			purchaseCmd,
			providerCmd,
			allowanceCmd,
			balanceCmd,
		},
	}
}
