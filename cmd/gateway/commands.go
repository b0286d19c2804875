package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
	"github.com/johnayoung/go-ohlcv-gateway/internal/server"
	"github.com/johnayoung/go-ohlcv-gateway/internal/storage"
)

var errUnhealthy = errors.New("unhealthy")

// ServeFlags holds the serve command flags
type ServeFlags struct {
	NoWarmer bool
}

// BarsFlags holds the bars command flags
type BarsFlags struct {
	Ticker    string
	Timeframe string
	Start     string
	End       string
	Days      int
	Limit     int
	Format    string
}

// SeriesFlags selects one series or all of them
type SeriesFlags struct {
	Ticker    string
	Timeframe string
	All       bool
}

// MigrateFlags holds the migrate command flags
type MigrateFlags struct {
	Version int
	Status  bool
}

// handleServe runs the HTTP API until interrupted.
func (cli *CLI) handleServe(ctx context.Context, args []string) error {
	flags, err := parseServeFlags(args)
	if err != nil {
		return err
	}

	log := cli.logs.GetLogger()
	cfg := cli.config
	shutdownTimeout := config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second)

	if err := cli.app.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cli.app.metrics.Stop(stopCtx)
	}()

	if cfg.Warmer.Enabled && !flags.NoWarmer {
		w, err := cli.app.Warmer()
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := w.Stop(stopCtx); err != nil {
				log.Warn("cache warmer did not stop cleanly", "error", err)
			}
		}()
	}

	if cli.app.gateway != nil {
		if every := config.Duration(cfg.Origin.KeepAliveInterval, 0); every > 0 {
			go cli.app.gateway.KeepAlive(ctx, every)
		}
	}

	log.Info("starting gateway",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"storage", cfg.Storage.Type,
		"origin", cfg.Origin.Type)

	srv := server.New(cfg.Server, cli.app.Router(), log)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("gateway stopped")
	return nil
}

// handleBars resolves a bar range through the cache and prints it.
func (cli *CLI) handleBars(ctx context.Context, args []string) error {
	flags, err := parseBarsFlags(args)
	if err != nil {
		return err
	}
	tf, err := models.ParseTimeframe(flags.Timeframe)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	iv, err := barsRange(flags, time.Now().UTC())
	if err != nil {
		return err
	}

	bars, err := cli.app.resolver.GetBars(ctx, flags.Ticker, tf, iv.Start.Unix(), iv.End.Unix())
	if err != nil {
		return err
	}
	if flags.Limit > 0 && len(bars) > flags.Limit {
		bars = bars[len(bars)-flags.Limit:]
	}

	switch flags.Format {
	case "json":
		return outputJSON(cli.out, bars)
	case "csv":
		return outputCSV(cli.out, bars)
	default:
		return outputTable(cli.out, bars)
	}
}

// handleCovered lists the covered intervals of a series, or every series.
func (cli *CLI) handleCovered(ctx context.Context, args []string) error {
	flags, err := parseSeriesFlags(args)
	if err != nil {
		return err
	}
	seriesList, err := cli.selectSeries(ctx, flags)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tID\tSTART\tEND")
	for _, series := range seriesList {
		covered, err := cli.app.storage.ListCovered(ctx, series)
		if err != nil {
			return err
		}
		for _, c := range covered {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", series, c.ID,
				c.Interval.Start.Format(time.RFC3339), c.Interval.End.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}

// handleDefrag merges overlapping covered intervals.
func (cli *CLI) handleDefrag(ctx context.Context, args []string) error {
	flags, err := parseSeriesFlags(args)
	if err != nil {
		return err
	}
	seriesList, err := cli.selectSeries(ctx, flags)
	if err != nil {
		return err
	}

	for _, series := range seriesList {
		result, err := cli.app.storage.Defragment(ctx, series)
		if err != nil {
			return fmt.Errorf("defragment %s: %w", series, err)
		}
		fmt.Fprintf(cli.out, "%s: %d intervals remain, %d merged\n", series, len(result.Survivors), len(result.Deleted))
	}
	return nil
}

func (cli *CLI) selectSeries(ctx context.Context, flags *SeriesFlags) ([]models.Series, error) {
	if flags.All {
		return cli.app.storage.ListSeries(ctx)
	}
	tf, err := models.ParseTimeframe(flags.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	inst, err := cli.app.registry.Resolve(ctx, flags.Ticker)
	if err != nil {
		return nil, err
	}
	return []models.Series{inst.Series(tf)}, nil
}

// handleMigrate applies schema migrations or prints their status.
func (cli *CLI) handleMigrate(ctx context.Context, args []string) error {
	flags, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	if flags.Status {
		duck, ok := cli.app.storage.(*storage.DuckDBStorage)
		if !ok {
			return fmt.Errorf("%w: --status is only available for duckdb storage", errUsage)
		}
		status, err := duck.Migrations().GetStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "current version: %d\nlatest version:  %d\npending:         %d\n",
			status.CurrentVersion, status.LatestVersion, status.PendingMigrations)
		return nil
	}

	err = cli.logs.GetComponentLogger("migrate").LogOperation(ctx, "migrate", func() error {
		if flags.Version > 0 {
			return cli.app.storage.Migrate(ctx, flags.Version)
		}
		return cli.app.storage.Initialize(ctx)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, "migrations applied")
	return nil
}

// handleHealth checks every dependency once.
func (cli *CLI) handleHealth(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: unknown flag: %s", errUsage, args[0])
	}

	err := cli.app.health.HealthCheck(ctx)
	status := cli.app.health.GetHealthStatus()
	for _, name := range status.Dependencies {
		fmt.Fprintf(cli.out, "%-10s %s\n", name, status.Details[name])
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errUnhealthy, err)
	}
	fmt.Fprintln(cli.out, "healthy")
	return nil
}

// barsRange turns --start/--end or --days into an interval. Dates are
// YYYY-MM-DD or RFC 3339.
func barsRange(flags *BarsFlags, now time.Time) (models.Interval, error) {
	if flags.Days > 0 {
		return models.Interval{Start: now.AddDate(0, 0, -flags.Days), End: now}, nil
	}
	if flags.Start == "" || flags.End == "" {
		return models.Interval{}, fmt.Errorf("%w: specify either --days or both --start and --end", errUsage)
	}
	start, err := parseTime(flags.Start)
	if err != nil {
		return models.Interval{}, fmt.Errorf("%w: invalid --start: %v", errUsage, err)
	}
	end, err := parseTime(flags.End)
	if err != nil {
		return models.Interval{}, fmt.Errorf("%w: invalid --end: %v", errUsage, err)
	}
	iv := models.Interval{Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return models.Interval{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return iv, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseServeFlags(args []string) (*ServeFlags, error) {
	flags := &ServeFlags{}
	for _, a := range args {
		switch a {
		case "--no-warmer":
			flags.NoWarmer = true
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, a)
		}
	}
	return flags, nil
}

func parseBarsFlags(args []string) (*BarsFlags, error) {
	flags := &BarsFlags{
		Timeframe: "D",
		Format:    "table",
	}

	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%w: %s requires a value", errUsage, flag)
		}
		value := args[i+1]
		i++

		switch flag {
		case "--ticker", "-t":
			flags.Ticker = value
		case "--timeframe", "-i":
			flags.Timeframe = value
		case "--start", "-s":
			flags.Start = value
		case "--end", "-e":
			flags.End = value
		case "--days", "-d":
			days, err := strconv.Atoi(value)
			if err != nil || days <= 0 {
				return nil, fmt.Errorf("%w: invalid days value: %s", errUsage, value)
			}
			flags.Days = days
		case "--limit", "-l":
			limit, err := strconv.Atoi(value)
			if err != nil || limit < 0 {
				return nil, fmt.Errorf("%w: invalid limit value: %s", errUsage, value)
			}
			flags.Limit = limit
		case "--format", "-f":
			if value != "json" && value != "csv" && value != "table" {
				return nil, fmt.Errorf("%w: invalid format, must be: json, csv, or table", errUsage)
			}
			flags.Format = value
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, flag)
		}
	}

	if flags.Ticker == "" {
		return nil, fmt.Errorf("%w: --ticker is required", errUsage)
	}
	return flags, nil
}

func parseSeriesFlags(args []string) (*SeriesFlags, error) {
	flags := &SeriesFlags{Timeframe: "D"}

	for i := 0; i < len(args); i++ {
		flag := args[i]
		if flag == "--all" || flag == "-a" {
			flags.All = true
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%w: %s requires a value", errUsage, flag)
		}
		switch flag {
		case "--ticker", "-t":
			flags.Ticker = args[i+1]
		case "--timeframe", "-i":
			flags.Timeframe = args[i+1]
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, flag)
		}
		i++
	}

	if !flags.All && flags.Ticker == "" {
		return nil, fmt.Errorf("%w: --ticker or --all is required", errUsage)
	}
	return flags, nil
}

func parseMigrateFlags(args []string) (*MigrateFlags, error) {
	flags := &MigrateFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			flags.Status = true
		case "--version":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: --version requires a value", errUsage)
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("%w: invalid version: %s", errUsage, args[i+1])
			}
			flags.Version = v
			i++
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
	}
	return flags, nil
}

// Output formatting functions

func outputJSON(w io.Writer, bars []models.Bar) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(bars)
}

func outputCSV(w io.Writer, bars []models.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		if err := cw.Write([]string{
			b.Timestamp.UTC().Format(time.RFC3339),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			strconv.FormatInt(b.Volume, 10),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func outputTable(w io.Writer, bars []models.Bar) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Timestamp\tOpen\tHigh\tLow\tClose\tVolume\t")
	for _, b := range bars {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t\n",
			b.Timestamp.UTC().Format("2006-01-02 15:04"),
			b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d bars\n", len(bars))
	return err
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - OHLCV bar gateway with a historical range cache

Usage:
  %s <command> [flags]

Commands:
  serve     Run the HTTP API
  bars      Resolve and print a bar range
  covered   List covered intervals
  defrag    Merge overlapping covered intervals
  migrate   Apply storage migrations
  health    Check storage, origin and lock connectivity

Global:
  --help, -h      Show help
  --version, -v   Show version

Configuration is read from %s (override with %s), then from
%s-prefixed environment variables and an optional .env file.
`, AppName, AppName, ConfigFile, ConfigFileEnv, config.EnvPrefix)
}

func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "serve":
		fmt.Fprint(w, `Usage: gateway serve [--no-warmer]

Runs the HTTP API. The cache warmer starts when warmer.enabled is set
unless --no-warmer is given.
`)
	case "bars":
		fmt.Fprint(w, `Usage: gateway bars --ticker EXCHANGE:SYMBOL [flags]

Flags:
  --ticker, -t      Instrument ticker (required)
  --timeframe, -i   1, 5, 15, 30, 60, D, W or M (default D)
  --start, -s       Range start, YYYY-MM-DD or RFC 3339
  --end, -e         Range end, YYYY-MM-DD or RFC 3339
  --days, -d        Trailing days instead of --start/--end
  --limit, -l       Print only the newest N bars
  --format, -f      table, json or csv (default table)
`)
	case "covered", "defrag":
		fmt.Fprintf(w, `Usage: gateway %s (--ticker EXCHANGE:SYMBOL [--timeframe TF] | --all)

Flags:
  --ticker, -t      Instrument ticker
  --timeframe, -i   Timeframe (default D)
  --all, -a         Every stored series
`, command)
	case "migrate":
		fmt.Fprint(w, `Usage: gateway migrate [--version N] [--status]

Applies every pending migration, or those up to --version.
--status prints the applied version (duckdb only).
`)
	case "health":
		fmt.Fprint(w, "Usage: gateway health\n\nExits with status 3 when a dependency is unhealthy.\n")
	default:
		printUsage(w)
	}
}
