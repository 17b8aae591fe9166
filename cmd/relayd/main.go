package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/daemon"
	"github.com/matheus3301/relay/internal/paths"
)

func main() {
	instanceFlag := flag.StringP("instance", "i", "", "instance name (overrides config default)")
	configFlag := flag.String("config", paths.ConfigPath(), "config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: config: %v\n", err)
		os.Exit(1)
	}

	instance := paths.Resolve(*instanceFlag, cfg.DefaultInstance)
	if err := paths.ValidateName(instance); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Instance:   instance,
			LogLevel:   cfg.Log.Level,
			SocketPath: cfg.Backend.Socket,
			DBPath:     cfg.Backend.DBPath,
		}),
	)

	app.Run()
}
