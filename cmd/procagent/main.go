package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/childproc/agent"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "procagent",
		Usage: "an agent that runs processes on behalf of remote clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Flags override its values.",
				EnvVars: []string{"PROCAGENT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "cert-dir",
				Usage: "Directory with the CA cert and the server cert and key, as written by gen-certs.",
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTPS server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "A bearer token clients must send in addition to their cert.",
				EnvVars: []string{"PROCAGENT_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The log level, e.g. debug or info.",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "gen-certs",
				Usage: "Generate a CA, a server cert and a client cert into a directory.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "The directory to write the certs to. It is created if missing.",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certs are valid.",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: func(ctx *cli.Context) error {
					dir := ctx.String("dir")
					if err := os.MkdirAll(dir, 0o700); err != nil {
						return fmt.Errorf("creating cert dir: %w", err)
					}
					certs, err := agent.GenerateCerts(ctx.Duration("valid-for"))
					if err != nil {
						return fmt.Errorf("generating certs: %w", err)
					}
					if err := certs.WriteDir(dir); err != nil {
						return err
					}
					fmt.Fprintf(ctx.App.Writer, "wrote certs to %s\n", dir)
					return nil
				},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := &agent.Config{}
			if path := ctx.String("config"); path != "" {
				c, err := agent.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = c
			}

			if ctx.IsSet("cert-dir") {
				cfg.CertDir = ctx.String("cert-dir")
			}
			if ctx.IsSet("on-heartbeat-failure") || cfg.OnHeartbeatFailure == "" {
				cfg.OnHeartbeatFailure = ctx.String("on-heartbeat-failure")
			}
			if ctx.IsSet("heartbeat-timeout") {
				cfg.HeartbeatTimeout = ctx.Duration("heartbeat-timeout")
			}
			if ctx.IsSet("listen-addr") || cfg.ListenAddr == "" {
				cfg.ListenAddr = ctx.String("listen-addr")
			}
			if ctx.IsSet("token") {
				cfg.Token = ctx.String("token")
			}
			if ctx.IsSet("log-level") || cfg.LogLevel == "" {
				cfg.LogLevel = ctx.String("log-level")
			}

			certs, err := cfg.Certs()
			if err != nil {
				return err
			}
			opts, err := cfg.Options()
			if err != nil {
				return err
			}
			a, err := agent.New(certs, opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
