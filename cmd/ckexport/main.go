package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/ckexport/internal/auth"
	"github.com/dvloznov/ckexport/internal/browser"
	"github.com/dvloznov/ckexport/internal/capture"
	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/export"
	"github.com/dvloznov/ckexport/internal/logger"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "capture":
		runCapture(os.Args[2:])
	case "check-auth":
		runCheckAuth(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Credit Karma transaction exporter")
	fmt.Println("\nUsage:")
	fmt.Println("  ckexport <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  capture      Capture a date range from the logged-in browser and export CSV files")
	fmt.Println("  check-auth   Verify that an access token can be read from the browser session")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nThe browser must be started with --remote-debugging-port and logged in.")
	fmt.Println("Run 'ckexport <command> -h' for more information on a command.")
}

// setup loads config and returns a logger-carrying context that is cancelled
// on SIGINT or SIGTERM.
func setup(configPath string) (context.Context, context.CancelFunc, config.Config, zerolog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return logger.WithContext(ctx, log), stop, cfg, log
}

func runCapture(args []string) {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config (or set CKEXPORT_CONFIG)")
	start := fs.String("start", "", "first day of the range (YYYY-MM-DD, MM/DD/YYYY or \"January 15\")")
	end := fs.String("end", "", "last day of the range")
	preset := fs.String("preset", "", "quick range instead of -start/-end: ytd, last-month, last-year")
	useAPI := fs.Bool("api", true, "try the GraphQL API before scrolling the page")
	accounts := fs.Bool("accounts", false, "fetch account name, type and provider for each transaction")
	all := fs.Bool("all", true, "write all_transactions CSV")
	income := fs.Bool("income", false, "write income CSV")
	expenses := fs.Bool("expenses", false, "write expenses CSV")
	columns := fs.String("columns", "all", "comma-separated columns: date,description,amount,category,type,account,labels,notes")
	workbook := fs.Bool("workbook", false, "also write an XLSX workbook with one sheet per file")
	out := fs.String("out", "", "output directory (overrides config)")
	fs.Parse(args)

	ctx, stop, cfg, log := setup(*configPath)
	defer stop()

	if *out != "" {
		cfg.Export.Dir = *out
	}
	if *workbook {
		cfg.Export.Workbook = true
	}

	if *preset != "" {
		window, err := domain.Preset(*preset, time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid preset")
		}
		*start, *end = window.Start.String(), window.End.String()
	}

	cols, err := export.ParseColumns(*columns)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -columns")
	}

	cmd := capture.Command{
		Action:            capture.ActionCaptureTransactions,
		StartDate:         *start,
		EndDate:           *end,
		UseAPI:            useAPI,
		FetchAccountNames: *accounts,
		CSVTypes:          export.Kinds{AllTransactions: *all, Income: *income, Expenses: *expenses},
		Columns:           &cols,
	}
	if err := cmd.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid capture request")
	}

	sink, closeSink, err := export.NewSink(ctx, cfg.Export)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create export sink")
	}
	defer closeSink()

	runner := capture.NewRunner(capture.BrowserConnector(cfg), export.NewExporter(sink), cfg.Export.Workbook)

	progress := func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	}

	outcome, err := runner.Run(ctx, cmd, progress)
	switch {
	case errors.Is(err, domain.ErrEmptyResult):
		fmt.Println(err.Error())
		return
	case err != nil:
		log.Fatal().Err(err).Msg("Capture failed")
	}

	if outcome.Result.Aborted {
		fmt.Println("Stopped. Exported what was captured so far.")
	}
	for _, f := range outcome.Files {
		fmt.Printf("%-10s %5d rows  %s\n", f.Kind, f.Rows, f.Location)
	}
}

func runCheckAuth(args []string) {
	fs := flag.NewFlagSet("check-auth", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config (or set CKEXPORT_CONFIG)")
	fs.Parse(args)

	ctx, stop, cfg, log := setup(*configPath)
	defer stop()

	sess, err := browser.Connect(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("debugger", cfg.Browser.DebuggerURL).Msg("Failed to connect to browser")
	}
	defer sess.Close()

	authCtx, err := auth.NewSession(sess, sess, auth.SettingsFromConfig(cfg)).Context(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Not authenticated")
	}

	fmt.Printf("Access token: %s (%d chars)\n", mask(authCtx.AccessToken), len(authCtx.AccessToken))
	fmt.Printf("Cookie ID:    %s\n", authCtx.CookieID)
	fmt.Printf("Trace ID:     %s\n", authCtx.TraceID)
}

func mask(token string) string {
	if len(token) <= 10 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
