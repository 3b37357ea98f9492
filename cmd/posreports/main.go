package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"posreports/cmd/posreports/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "posreports",
		Usage: "Download back-office sales reports from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
				Value: "config/config.yaml",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "optional dotenv file",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run every active report for one account and wait for the result",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "account-id",
						Usage:    "account identifier used in artifact names",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "url",
						Usage:    "back-office base URL",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "username",
						Usage:    "login user",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "password",
						Usage:    "login password",
						Sources:  cli.EnvVars("POS_PASSWORD"),
						Required: true,
					},
					&cli.StringFlag{
						Name:     "group",
						Usage:    "label of the store group to select",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "job-id",
						Usage: "job identifier (generated when empty)",
					},
				},
				Action: commands.RunAction,
			},
			{
				Name:   "health",
				Usage:  "Check the runtime environment and backing services",
				Action: commands.HealthAction,
			},
			{
				Name:  "reports",
				Usage: "Report configuration commands",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "Show the active report list",
						Action: commands.ReportsListAction,
					},
					{
						Name:  "import",
						Usage: "Replace the active report list with a YAML file",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "file",
								Usage:    "YAML file with a top-level reports list",
								Required: true,
							},
						},
						Action: commands.ReportsImportAction,
					},
				},
			},
			{
				Name:  "token",
				Usage: "Issue an API bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "client",
						Usage:    "client name recorded as the token subject",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "token lifetime (defaults to auth.tokenTTLMinutes)",
					},
				},
				Action: commands.TokenAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
