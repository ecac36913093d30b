package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"groupsync/internal/app"
	"groupsync/pkg/config"
	"groupsync/pkg/logger"
	"groupsync/pkg/state"
)

// set build metadata
var version = "dev"

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(os.Args[1:])
	if err != nil {
		abort("invalid flags", err)
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		abort("failed to load config file", err)
	}

	envCfg, envRes, err := config.ParseConfigEnvs()
	if err != nil {
		abort("invalid environment", err)
	}

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		abort("failed to build effective config", err)
	}

	if err := config.ValidateConfig(eff); err != nil {
		abort("invalid configuration", err)
	}
	if flags.Validate {
		fmt.Println("configuration is valid")
		return
	}

	// initialize logger after config is fully loaded
	logger.Init(eff.Config.Logging.Level, eff.Config.Logging.Sink)
	defer logger.Sync()

	logger.Info("effective_config_loaded", "source", eff.Source, "flags_used", eff.FlagsUsed, "db_path", eff.Config.Client.DBPath)

	paths, err := state.Init(eff.Config.Client.DBPath)
	if err != nil {
		logger.Error("state_dirs_setup_failed", "error", err)
		abort(fmt.Sprintf("failed to ensure state directories under %s", eff.Config.Client.DBPath), err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, eff, paths, version)
	if err != nil {
		abort("failed to initialize app", err)
	}

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.Error("app_run_failed", "error", runErr)
	}

	// shutdown the app with a bounded timeout so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}

func abort(msg string, err error) {
	logger.Error("fatal", "msg", msg, "error", err)
	logger.Sync()
	fmt.Fprintf(os.Stderr, "groupsync: %s: %v\n", msg, err)
	os.Exit(1)
}
