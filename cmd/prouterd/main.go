package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/partition-router/prouter/internal/config"
	"github.com/partition-router/prouter/internal/controller"
	"github.com/partition-router/prouter/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("prouterd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	subcommand := os.Args[1]
	switch subcommand {
	case "run":
		err = runController(os.Args[2:])
	case "participants":
		err = runParticipants(os.Args[2:])
	case "journal":
		err = runJournal(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version":
		fmt.Printf("prouterd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "prouterd %s: %v\n", subcommand, err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: prouterd <command> [options]

Commands:
  run           Start the partition routing controller
  participants  Inspect or announce participant records (list, announce)
  journal       Lifecycle journal administration (create-topic)
  config        Print the effective configuration
  version       Print version information

Run 'prouterd <command> --help' for more information on a command.`)
}

// commonFlags registers the flags every command accepts.
func commonFlags(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", "", "Path to configuration file (default: $"+config.EnvConfigPath+")")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})
	logging.SetGlobal(logger)
	return logger
}

func runController(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := commonFlags(fs)
	remoteAddr := fs.String("remote", "", "Override routing service admin address")
	oxiaAddr := fs.String("oxia", "", "Override Oxia service address")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics and health endpoint address (e.g., :9090)")
	instanceID := fs.String("instance-id", "", "Override instance ID (default: auto-generated UUID)")
	journal := fs.Bool("journal", false, "Enable the lifecycle journal")

	fs.Usage = func() {
		fmt.Println(`Usage: prouterd run [options]

Start the partition routing controller. Participants announced in Oxia are
mapped to sessions and topic routes, which are created and deleted on the
routing service until the process is interrupted.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *remoteAddr != "" {
		cfg.Remote.Address = *remoteAddr
	}
	if *oxiaAddr != "" {
		cfg.Discovery.OxiaEndpoint = *oxiaAddr
	}
	if fs.Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *instanceID != "" {
		cfg.Controller.InstanceID = *instanceID
	}
	if fs.Changed("journal") {
		cfg.Journal.Enabled = *journal
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	ctl, err := controller.New(controller.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		logger.Errorf("failed to create controller", map[string]any{"error": err.Error()})
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctl.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
		cancel()
		err = <-errCh
	case err = <-errCh:
	}
	if err != nil {
		logger.Errorf("controller error", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func runConfig(args []string) error {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	configPath := commonFlags(fs)
	defaults := fs.Bool("defaults", false, "Print the built-in defaults instead of the effective configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if !*defaults {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
