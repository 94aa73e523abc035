// Command chainflow runs provider node operations from the terminal without a
// running daemon. It shares the catalog, network table and credential
// profiles of chainflowd.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chainflow:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Action = cli.ShowAppHelp
	app.Name = "chainflow"
	app.Usage = "Call Alchemy, Infura, QuickNode and OpenSea nodes"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "config file (yaml or json)",
			EnvVars: []string{"CHAINFLOW_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "catalog-dir",
			Usage: "extra operation catalog directory, overrides the config",
		},
		&cli.StringFlag{
			Name:  "networks-file",
			Usage: "network definitions override file, overrides the config",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Value: "warn",
			Usage: "log level written to stderr",
		},
	}
	app.Commands = []*cli.Command{
		{
			Action:   listNodes,
			Name:     "nodes",
			Usage:    "List node types",
			Category: "Catalog",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "kind", Usage: "action or trigger"},
			},
		},
		{
			Action:   listProviders,
			Name:     "providers",
			Usage:    "List providers with their operation and network counts",
			Category: "Catalog",
		},
		{
			Action:    listOperations,
			Name:      "operations",
			Usage:     "List the operations a node offers",
			Category:  "Catalog",
			Flags: []cli.Flag{
				nodeFlag(),
				&cli.StringFlag{Name: "network", Usage: "only operations available on this network"},
				&cli.StringFlag{Name: "category", Usage: "only operations in this category"},
			},
		},
		{
			Action:   describeNode,
			Name:     "describe",
			Usage:    "Print a node description as JSON",
			Category: "Catalog",
			Flags:    []cli.Flag{nodeFlag()},
		},
		{
			Action:   listNetworks,
			Name:     "networks",
			Usage:    "List the networks a node can reach",
			Category: "Catalog",
			Flags:    []cli.Flag{nodeFlag()},
		},
		{
			Action:      runOperation,
			Name:        "run",
			Usage:       "Invoke one operation and print the provider response",
			Category:    "Call",
			Description: `The provider response is printed unchanged unless --query selects parts of it.`,
			Flags: append(callFlags(),
				&cli.StringFlag{Name: "query", Usage: "JSONPath applied to the response, e.g. $.result"},
			),
		},
		{
			Action:      subscribe,
			Name:        "subscribe",
			Usage:       "Run a trigger and print every event until interrupted",
			Category:    "Call",
			Description: `Each event payload is printed on its own line.`,
			Flags: append(callFlags(),
				&cli.StringFlag{Name: "interval", Usage: "poll interval for polling triggers"},
				&cli.StringFlag{Name: "filter", Usage: "JSONPath; events without a match are dropped"},
				&cli.IntFlag{Name: "limit", Usage: "stop after this many events"},
			),
		},
	}
	return app
}

func nodeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "node",
		Aliases:  []string{"n"},
		Usage:    "node type, e.g. alchemy or alchemyTrigger",
		Required: true,
	}
}

func callFlags() []cli.Flag {
	return []cli.Flag{
		nodeFlag(),
		&cli.StringFlag{Name: "op", Aliases: []string{"o"}, Usage: "operation name", Required: true},
		&cli.StringFlag{Name: "network", Usage: "network key, provider default when empty"},
		&cli.StringFlag{Name: "params", Usage: "JSON params, or @file to read them from a file"},
		&cli.StringFlag{Name: "profile", Usage: "credential profile from the config"},
		&cli.StringSliceFlag{Name: "cred", Usage: "credential override key=value, may repeat"},
	}
}
