package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/gpucmd/fixtures"
	"github.com/fxnlabs/gpucmd/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func main() {
	var configPath string

	app := &cli.App{
		Name:  "gpud",
		Usage: "Run the GPU command submission engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       "config.yaml",
				Usage:       "Load configuration from `FILE`",
				EnvVars:     []string{"GPUD_CONFIG"},
				Destination: &configPath,
			},
		},
		Commands: []*cli.Command{
			startCommand(&configPath),
			initCommand(&configPath),
		},
		DefaultCommand: "start",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func startCommand(configPath *string) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the engine and its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Override the configured backend kind",
			},
			&cli.BoolFlag{
				Name:  "no-banner",
				Usage: "Do not print the startup banner",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if kind := c.String("backend"); kind != "" {
				cfg.Backend.Kind = kind
			}
			if !c.Bool("no-banner") {
				figure.NewFigure("gpud", "", true).Print()
				fmt.Println()
			}

			app := fx.New(appOptions(cfg))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func initCommand(configPath *string) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write the default configuration file",
		Action: func(c *cli.Context) error {
			if _, err := os.Stat(*configPath); err == nil {
				return fmt.Errorf("%s already exists", *configPath)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(*configPath, fixtures.ConfigTemplate, 0644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", *configPath)
			return nil
		},
	}
}
