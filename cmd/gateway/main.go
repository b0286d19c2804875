// OHLCV Gateway CLI
// This application serves historical and live OHLCV bars over HTTP, filling
// its local cache from the configured market-data origin on demand, and
// provides commands for inspecting and maintaining the cache.
//
// Usage:
//
//	gateway serve
//	gateway bars --ticker NASDAQ:AAPL --timeframe 1 --days 2
//	gateway covered --ticker GLOBEX:ES --timeframe D
//	gateway defrag --all
//	gateway migrate --status
//	gateway health
//
// For detailed help on any command, use: gateway <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "gateway"
	ConfigFile = "gateway.json"

	// ConfigFileEnv overrides the configuration file path.
	ConfigFileEnv = config.EnvPrefix + "CONFIG_FILE"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage error")

// CLI represents the main CLI application
type CLI struct {
	config *config.AppConfig
	logs   *logger.LoggerManager
	app    *App
	out    io.Writer
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return ExitUsageError
	}

	command := args[0]
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(args) > 1 {
			printCommandHelp(os.Stdout, args[1])
		} else {
			printUsage(os.Stdout)
		}
		return ExitSuccess
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(os.Stderr)
		return ExitUsageError
	}
	if hasHelpFlag(args[1:]) {
		printCommandHelp(os.Stdout, command)
		return ExitSuccess
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{out: os.Stdout}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize: %v\n", err)
		return ExitConfigError
	}
	defer cli.close()

	if err := handler(cli, ctx, args[1:]); err != nil {
		return cli.exitCode(ctx, command, err)
	}
	if ctx.Err() != nil && command != "serve" {
		return ExitInterrupt
	}
	return ExitSuccess
}

type commandFunc func(cli *CLI, ctx context.Context, args []string) error

var commands = map[string]commandFunc{
	"serve":   (*CLI).handleServe,
	"bars":    (*CLI).handleBars,
	"covered": (*CLI).handleCovered,
	"defrag":  (*CLI).handleDefrag,
	"migrate": (*CLI).handleMigrate,
	"health":  (*CLI).handleHealth,
}

func (cli *CLI) exitCode(ctx context.Context, command string, err error) int {
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(os.Stderr, command)
		return ExitUsageError
	case ctx.Err() != nil:
		return ExitInterrupt
	case errors.Is(err, errUnhealthy):
		cli.logs.GetLogger().Error("health check failed", "error", err)
		return ExitConnectionErr
	default:
		cli.logs.GetLogger().Error("command failed", "command", command, "error", err)
		return ExitDataError
	}
}

// initialize loads .env, the configuration file and the environment, then
// wires the application.
func (cli *CLI) initialize(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	configPath := os.Getenv(ConfigFileEnv)
	if configPath == "" {
		configPath = ConfigFile
	}

	bootstrap := logger.Discard()
	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return err
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	logs.GetComponentLogger("config").Debug("effective configuration", "config", cfg.String())

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	app, err := newApp(ctx, cfg, logs)
	if err != nil {
		logs.Close()
		return err
	}
	cli.app = app
	return nil
}

func (cli *CLI) close() {
	if cli.app != nil {
		if err := cli.app.Close(); err != nil {
			cli.logs.GetLogger().Warn("failed to close components", "error", err)
		}
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}
