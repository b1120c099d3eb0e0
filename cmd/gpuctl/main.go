package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fxnlabs/gpucmd/internal/logger"
	"github.com/fxnlabs/gpucmd/pkg/client"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	var log *zap.Logger
	var c *client.Client

	app := &cli.App{
		Name:  "gpuctl",
		Usage: "Submit and inspect jobs on a gpud instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://127.0.0.1:8090",
				Usage:   "gpud base `URL`",
				EnvVars: []string{"GPUCTL_SERVER"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "warn",
				Usage: "Log level",
			},
		},
		Before: func(ctx *cli.Context) error {
			zapLogger, err := logger.New(ctx.String("verbosity"), logger.WithEncoding("console"), logger.WithoutStacktraces())
			if err != nil {
				return err
			}
			log = zapLogger.Named("gpuctl")
			c, err = client.NewClient(ctx.String("server"), nil)
			return err
		},
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "Submit a job built from command words (a single NOP when none are given)",
				ArgsUsage: "[WORD...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "draw, compute, copy or fence"},
					&cli.StringFlag{Name: "priority", Usage: "low, normal, high or realtime"},
					&cli.IntFlag{Name: "queue", Value: -1, Usage: "Hardware queue, -1 for the type's default"},
					&cli.StringSliceFlag{Name: "dep", Usage: "Job `ID` that must finish first"},
					&cli.DurationFlag{Name: "timeout", Usage: "Execution timeout"},
					&cli.DurationFlag{Name: "wait", Usage: "Wait up to this long for the job to finish"},
				},
				Action: func(ctx *cli.Context) error {
					req, err := submitRequest(ctx)
					if err != nil {
						return err
					}
					id, err := c.Submit(ctx.Context, req)
					if err != nil {
						return err
					}
					log.Debug("Submitted job", zap.Uint64("id", id))
					if wait := ctx.Duration("wait"); wait > 0 {
						st, err := c.Wait(ctx.Context, id, wait)
						if err != nil {
							return err
						}
						return printJSON(st)
					}
					fmt.Println(id)
					return nil
				},
			},
			{
				Name:      "wait",
				Usage:     "Wait for a job and print its status",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "How long to wait"},
				},
				Action: func(ctx *cli.Context) error {
					id, err := jobID(ctx)
					if err != nil {
						return err
					}
					st, err := c.Wait(ctx.Context, id, ctx.Duration("timeout"))
					if err != nil {
						return err
					}
					if !st.Done() {
						log.Warn("Job still running", zap.Uint64("id", id), zap.String("state", st.State))
					}
					return printJSON(st)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a job that has not started",
				ArgsUsage: "ID",
				Action: func(ctx *cli.Context) error {
					id, err := jobID(ctx)
					if err != nil {
						return err
					}
					return c.Cancel(ctx.Context, id)
				},
			},
			{
				Name:  "stats",
				Usage: "Print engine statistics",
				Action: func(ctx *cli.Context) error {
					raw, err := c.Stats(ctx.Context)
					if err != nil {
						return err
					}
					return printRaw(raw)
				},
			},
			{
				Name:  "health",
				Usage: "Print the device health report",
				Action: func(ctx *cli.Context) error {
					raw, err := c.Health(ctx.Context)
					if err != nil {
						return err
					}
					return printRaw(raw)
				},
			},
			{
				Name:  "reset",
				Usage: "Reset the device",
				Action: func(ctx *cli.Context) error {
					started, err := c.Reset(ctx.Context)
					if err != nil {
						return err
					}
					if !started {
						log.Warn("A reset is already in progress")
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if log != nil {
			log.Fatal("failed to run app", zap.Error(err), zap.Bool("retryable", client.IsRetryable(err)))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func submitRequest(ctx *cli.Context) (client.SubmitRequest, error) {
	req := client.SubmitRequest{
		Type:      ctx.String("type"),
		Priority:  ctx.String("priority"),
		TimeoutMs: ctx.Duration("timeout").Milliseconds(),
	}
	words, err := parseWords(ctx.Args().Slice())
	if err != nil {
		return req, err
	}
	req.Payload = words
	if q := ctx.Int("queue"); q >= 0 {
		queue := uint32(q)
		req.Queue = &queue
	}
	for _, s := range ctx.StringSlice("dep") {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid dependency %q", s)
		}
		req.Deps = append(req.Deps, id)
	}
	return req, nil
}

// parseWords parses decimal or 0x-prefixed command words.
func parseWords(args []string) ([]uint32, error) {
	if len(args) == 0 {
		return []uint32{0x00000100}, nil
	}
	words := make([]uint32, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid command word %q", a)
		}
		words = append(words, uint32(v))
	}
	return words, nil
}

func jobID(ctx *cli.Context) (uint64, error) {
	if ctx.NArg() != 1 {
		return 0, fmt.Errorf("expected a job ID")
	}
	return strconv.ParseUint(ctx.Args().First(), 10, 64)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRaw(raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(os.Stdout)
	return err
}
