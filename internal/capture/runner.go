package capture

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dvloznov/ckexport/internal/auth"
	"github.com/dvloznov/ckexport/internal/browser"
	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/export"
	"github.com/dvloznov/ckexport/internal/graphql"
	"github.com/dvloznov/ckexport/internal/harvest"
	"github.com/dvloznov/ckexport/internal/logger"
)

// ConnectFunc prepares a Service for one run. release frees whatever the
// service holds and is always safe to call.
type ConnectFunc func(ctx context.Context) (svc *Service, release func(), err error)

// BrowserConnector attaches to the logged-in browser and wires the API and
// scroll strategies onto its tab.
func BrowserConnector(cfg config.Config) ConnectFunc {
	return func(ctx context.Context) (*Service, func(), error) {
		sess, err := browser.Connect(ctx, cfg)
		if err != nil {
			return nil, func() {}, err
		}

		authSession := auth.NewSession(sess, sess, auth.SettingsFromConfig(cfg))
		client := graphql.NewClient(cfg.API.Endpoint, &http.Client{Timeout: cfg.API.Timeout}, authSession)
		fetcher := graphql.NewFetcher(client, graphql.PacingFromConfig(cfg.Fetch))
		harvester := harvest.New(sess, cfg.Browser.RowSelector, harvest.PacingFromConfig(cfg.Scroll))

		return NewService(fetcher, harvester, cfg.Fetch), sess.Close, nil
	}
}

// Outcome is what a finished run produced.
type Outcome struct {
	Result Result
	Files  []export.File
}

// Runner executes a Command end to end: capture, then export.
type Runner struct {
	connect  ConnectFunc
	exporter *export.Exporter
	workbook bool
}

func NewRunner(connect ConnectFunc, exporter *export.Exporter, workbook bool) *Runner {
	return &Runner{connect: connect, exporter: exporter, workbook: workbook}
}

// Run captures the command's window and writes the requested files. It
// returns domain.ErrEmptyResult when nothing falls inside the window. An
// aborted run still exports what it gathered.
func (r *Runner) Run(ctx context.Context, cmd Command, progress domain.Progress) (Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return Outcome{}, err
	}
	window, _ := cmd.Window()
	opts := cmd.Options()

	log := logger.Component(ctx, "runner")
	log.Info().
		Str("start", cmd.StartDate).
		Str("end", cmd.EndDate).
		Bool("use_api", opts.UseAPI).
		Bool("fetch_account_names", opts.FetchAccountNames).
		Msg("Received request to capture transactions")

	svc, release, err := r.connect(ctx)
	defer release()
	if err != nil {
		return Outcome{}, fmt.Errorf("connect: %w", err)
	}

	if opts.UseAPI {
		progress.Report("Extracting transactions via API...")
	}
	res, err := svc.Capture(ctx, window, opts, progress)
	out := Outcome{Result: res}
	if err != nil {
		return out, err
	}

	log.Info().Int("filtered", len(res.Filtered)).Bool("aborted", res.Aborted).Msg("Capture complete")
	if len(res.Filtered) == 0 {
		if res.Aborted {
			return out, nil
		}
		return out, domain.ErrEmptyResult
	}

	req := cmd.ExportRequest()
	req.Workbook = r.workbook
	files, err := r.exporter.Export(context.WithoutCancel(ctx), res.Filtered, req)
	out.Files = files
	if err != nil {
		return out, fmt.Errorf("export: %w", err)
	}

	progress.Report("Export complete! Found %d transactions.", len(res.Filtered))
	return out, nil
}
