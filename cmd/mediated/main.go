package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/mediate/internal/config"
	"github.com/matheus3301/mediate/internal/daemon"
	"github.com/matheus3301/mediate/internal/paths"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", paths.ConfigPath(), "path to config.toml")
	envFlag := flag.String("env", paths.EnvPath(), "optional dotenv file")
	addrFlag := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Resolve(*configFlag, *envFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg, Addr: *addrFlag}),
	)

	app.Run()
}
