package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ngalert/internal/app"
	"ngalert/internal/clock"
	"ngalert/internal/config"
	"ngalert/internal/rules"
)

// main starts rule evaluation service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --check).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		check      = flag.Bool("check", false, "validate config and rule files, then exit")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if *check {
		os.Exit(runCheck(source))
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}

// runCheck validates config snapshot and provisioned rules.
// Params: config source.
// Returns: process exit code.
func runCheck(source config.ConfigSource) int {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "config invalid:", err.Error())
		return 1
	}
	reader := rules.NewReader(cfg.Rules.Paths, nil)
	if err := reader.Load(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "rules invalid:", err.Error())
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "config ok: %d rules, %d alertmanager orgs\n", len(reader.Rules()), len(cfg.Alertmanager.Org))
	return 0
}
