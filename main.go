package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tcassar-diss/xdpchain/bpf"
	"github.com/tcassar-diss/xdpchain/frontend"
	"github.com/urfave/cli/v2"
)

const (
	exitStartup       = 1
	exitInvalidConfig = 2
)

func main() {
	app := &cli.App{
		Name:   "xdpchain",
		Usage:  "load an XDP entry program and its tail call, attach it and keep it resident until interrupted",
		Flags:  flags(),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "TOML config file; flags override its values",
		},
		&cli.PathFlag{
			Name:  "image",
			Usage: "compiled BPF object to load",
			Value: frontend.DefaultConfig().ImagePath,
		},
		&cli.StringFlag{
			Name:    "iface",
			Aliases: []string{"i"},
			Usage:   "interface to attach the entry program to",
			Value:   frontend.DefaultConfig().Interface,
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "XDP attach mode: default, generic, driver or offload",
			Value: bpf.ModeDefault.String(),
		},
		&cli.IntFlag{
			Name:  "slot",
			Usage: "dispatch table key the tail program is registered at",
		},
		&cli.StringFlag{
			Name:  "entry",
			Usage: "program attached to the interface",
			Value: frontend.DefaultConfig().Programs.Entry,
		},
		&cli.StringFlag{
			Name:  "tail",
			Usage: "program registered in the dispatch table",
			Value: frontend.DefaultConfig().Programs.Tail,
		},
		&cli.StringFlag{
			Name:  "map",
			Usage: "program array used as the dispatch table",
			Value: frontend.DefaultConfig().Dispatch.Map,
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve prometheus metrics on this address, e.g. :9464",
		},
		&cli.BoolFlag{
			Name:  "probe",
			Usage: "run a synthetic ping through the entry program once it is attached",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "development logging",
		},
		&cli.BoolFlag{
			Name:  "print-config",
			Usage: "print the effective config and exit",
		},
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := buildConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidConfig)
	}

	if cCtx.Bool("print-config") {
		if err := cfg.Write(os.Stdout); err != nil {
			return cli.Exit(err.Error(), exitInvalidConfig)
		}

		return nil
	}

	logger, err := frontend.NewLogger(cCtx.Bool("verbose"))
	if err != nil {
		return cli.Exit(err.Error(), exitStartup)
	}

	defer logger.Sync()

	logger.Infoln("=== Launching xdpchain ===")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kernel, err := bpf.NewKernel(logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to prepare kernel access: %v", err), exitStartup)
	}

	if err := frontend.Run(ctx, logger, kernel, cfg); err != nil {
		var se *frontend.StageError
		if errors.As(err, &se) {
			return cli.Exit(fmt.Sprintf("xdpchain failed to start: %v", err), exitStartup)
		}

		return cli.Exit(fmt.Sprintf("xdpchain encountered an error it couldn't recover from: %v", err), exitStartup)
	}

	logger.Infoln("=== xdpchain exited cleanly ===")

	return nil
}

// buildConfig layers explicitly set flags over the config file, or over the
// defaults when no file is given.
func buildConfig(cCtx *cli.Context) (*frontend.Config, error) {
	cfg := frontend.DefaultConfig()

	if p := cCtx.Path("config"); p != "" {
		var err error

		cfg, err = frontend.LoadConfig(p)
		if err != nil {
			return nil, err
		}
	}

	if cCtx.IsSet("image") {
		cfg.ImagePath = cCtx.Path("image")
	}

	if cCtx.IsSet("iface") {
		cfg.Interface = cCtx.String("iface")
	}

	if cCtx.IsSet("mode") {
		mode, err := bpf.ParseMode(cCtx.String("mode"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", frontend.ErrInvalidConfig, err)
		}

		cfg.Mode = mode
	}

	if cCtx.IsSet("slot") {
		cfg.Dispatch.Slot = cCtx.Int("slot")
	}

	if cCtx.IsSet("entry") {
		cfg.Programs.Entry = cCtx.String("entry")
	}

	if cCtx.IsSet("tail") {
		cfg.Programs.Tail = cCtx.String("tail")
	}

	if cCtx.IsSet("map") {
		cfg.Dispatch.Map = cCtx.String("map")
	}

	if cCtx.IsSet("metrics-addr") {
		cfg.MetricsAddr = cCtx.String("metrics-addr")
	}

	if cCtx.IsSet("probe") {
		cfg.Probe = cCtx.Bool("probe")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
