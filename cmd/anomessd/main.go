package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/anomess/internal/config"
	"github.com/matheus3301/anomess/internal/daemon"
	"github.com/matheus3301/anomess/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	addressFlag := flag.String("local-address", "", "onion address of this identity (overrides config)")
	flag.Parse()

	if err := config.LoadEnvFile(profile.EnvPath()); err != nil {
		fatal(err)
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	cfg.ApplyEnv()
	if *addressFlag != "" {
		cfg.LocalAddress = *addressFlag
	}

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatal(err)
	}
	interval, err := cfg.Interval()
	if err != nil {
		fatal(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:       profileName,
			LocalAddress:  cfg.LocalAddress,
			RetryInterval: interval,
			LogLevel:      cfg.LogLevel,
		}),
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
